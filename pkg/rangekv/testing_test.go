package rangekv

import (
	"sync"
	"testing"
)

type discardLogger struct{}

func (discardLogger) Debug(int, string, ...interface{}) {}
func (discardLogger) Info(string, ...interface{})       {}
func (discardLogger) Error(string, ...interface{})      {}

// captureTransport records outbound envelopes instead of delivering them.
type captureTransport struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{}
}

func (t *captureTransport) Start(chan<- error) error { return nil }
func (t *captureTransport) Stop()                    {}
func (t *captureTransport) Peer() <-chan Envelope    { return nil }
func (t *captureTransport) Client() <-chan Envelope  { return nil }

func (t *captureTransport) Send(env Envelope) {
	t.mu.Lock()
	t.envelopes = append(t.envelopes, env)
	t.mu.Unlock()
}

func (t *captureTransport) sent() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Envelope(nil), t.envelopes...)
}

func (t *captureTransport) reset() {
	t.mu.Lock()
	t.envelopes = nil
	t.mu.Unlock()
}

// sentMessages decodes every captured envelope payload.
func (t *captureTransport) sentMessages(tb testing.TB) []Message {
	tb.Helper()

	var msgs []Message

	for _, env := range t.sent() {
		msg, err := DecodeMessage(env.Payload)
		if err != nil {
			tb.Fatalf("cannot decode captured message: %v", err)
		}

		msgs = append(msgs, msg)
	}

	return msgs
}
