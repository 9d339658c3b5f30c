package rangekv

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Envelope is the transport-agnostic request/response/broadcast unit. On
// inbound envelopes Address is the sender; on outbound envelopes it is the
// destination, where an empty address means "broadcast to all peers".
// Client envelopes carry a negative routing token; the transport uses it
// to route the reply back to the waiting submitter.
type Envelope struct {
	CorrelationID uint64
	Address       PeerAddress
	Token         int64
	Payload       []byte
}

// Transport multiplexes connections and moves envelopes; the core never
// touches sockets itself. Send must not block beyond enqueueing.
type Transport interface {
	Start(errorChan chan<- error) error
	Stop()

	Peer() <-chan Envelope
	Client() <-chan Envelope

	Send(env Envelope)
}

type HTTPTransportCfg struct {
	Address PeerAddress
	Peers   []PeerAddress

	Logger Logger
}

// HTTPTransport carries envelopes as one-way HTTP POSTs between peers.
// Responses to peer messages are themselves one-way messages addressed
// back to the source.
type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log Logger

	address PeerAddress
	peers   []PeerAddress

	peerChan   chan Envelope
	clientChan chan Envelope
	outChan    chan Envelope

	peerTokens map[PeerAddress]int64

	httpServer *http.Server
	httpClient *http.Client

	mu            sync.Mutex
	nextClientID  uint64
	clientWaiters map[uint64]chan Envelope

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewHTTPTransport(cfg HTTPTransportCfg) (*HTTPTransport, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("missing or empty address")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	peerTokens := make(map[PeerAddress]int64)
	for i, peer := range cfg.Peers {
		peerTokens[peer] = int64(i + 1)
	}

	t := &HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		address: cfg.Address,
		peers:   append([]PeerAddress(nil), cfg.Peers...),

		peerChan:   make(chan Envelope, 128),
		clientChan: make(chan Envelope, 128),
		outChan:    make(chan Envelope, 1024),

		peerTokens: peerTokens,

		clientWaiters: make(map[uint64]chan Envelope),

		stopChan: make(chan struct{}),
	}

	return t, nil
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

func (t *HTTPTransport) Peer() <-chan Envelope {
	return t.peerChan
}

func (t *HTTPTransport) Client() <-chan Envelope {
	return t.clientChan
}

func (t *HTTPTransport) Start(errorChan chan<- error) error {
	t.errorChan = errorChan

	listener, err := net.Listen("tcp", string(t.address))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", t.address, err)
	}

	t.Log.Info("listening on %s", t.address)

	t.httpServer = &http.Server{
		Addr:              string(t.address),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t,
	}

	go func() {
		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				t.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		if err := t.httpServer.Serve(listener); err != http.ErrServerClosed {
			t.errorChan <- fmt.Errorf("transport server error: %w", err)
		}
	}()

	t.httpClient = newHTTPClient()

	t.wg.Add(1)
	go t.sender()

	return nil
}

func (t *HTTPTransport) Stop() {
	close(t.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.httpServer.Shutdown(ctx)

	t.wg.Wait()
}

// Send enqueues an outbound envelope; a full queue drops the envelope, the
// protocol tolerates lost messages the same way it tolerates lost
// datagrams.
func (t *HTTPTransport) Send(env Envelope) {
	select {
	case t.outChan <- env:
	default:
		t.Log.Error("outbound queue full, dropping envelope for %q",
			env.Address)
	}
}

func (t *HTTPTransport) sender() {
	defer t.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			t.Log.Error("panic: %s\n%s", msg, trace)

			t.errorChan <- fmt.Errorf("transport sender panic: %s", msg)
		}
	}()

	for {
		select {
		case <-t.stopChan:
			return

		case env := <-t.outChan:
			t.deliver(env)
		}
	}
}

func (t *HTTPTransport) deliver(env Envelope) {
	if env.Token < 0 {
		t.deliverClientReply(env)
		return
	}

	if env.Address == "" {
		for _, peer := range t.peers {
			t.deliverToPeer(peer, env)
		}

		return
	}

	t.deliverToPeer(env.Address, env)
}

func (t *HTTPTransport) deliverToPeer(address PeerAddress, env Envelope) {
	if address == t.address {
		// Local delivery; the envelope shows up on the peer channel with
		// ourselves as the source, exactly as if it had travelled.
		env.Address = t.address
		env.Token = t.peerTokens[t.address]

		select {
		case t.peerChan <- env:
		case <-t.stopChan:
		}

		return
	}

	uri := url.URL{
		Scheme: "http",
		Host:   string(address),
		Path:   "/peer",
	}

	req, err := http.NewRequest("POST", uri.String(),
		bytes.NewReader(env.Payload))
	if err != nil {
		t.Log.Error("cannot create http request: %v", err)
		return
	}

	req.Header.Set("X-Source-Address", string(t.address))
	req.Header.Set("X-Correlation-Id",
		strconv.FormatUint(env.CorrelationID, 10))

	// Send the request asynchronously to avoid blocking the sender
	go t.sendRequest(address, req)
}

func (t *HTTPTransport) sendRequest(address PeerAddress, req *http.Request) {
	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			t.Log.Error("cannot send request: panic: %s\n%s", msg, trace)
		}
	}()

	res, err := t.httpClient.Do(req)
	if err != nil {
		t.Log.Debug(1, "cannot send envelope to %s: %v", address, err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		var msg string

		body, err := ioutil.ReadAll(res.Body)
		if err == nil {
			msg = string(body)

			if idx := strings.IndexAny(msg, "\r\n"); idx > 0 {
				msg = msg[:idx]
			}

			if msg != "" {
				msg = ": " + msg
			}
		}

		t.Log.Error("http request to %s failed with status %d%s",
			address, res.StatusCode, msg)
	}
}

func (t *HTTPTransport) deliverClientReply(env Envelope) {
	t.mu.Lock()
	waiter, found := t.clientWaiters[env.CorrelationID]
	delete(t.clientWaiters, env.CorrelationID)
	t.mu.Unlock()

	if !found {
		t.Log.Debug(1, "no client waiter for correlation id %d",
			env.CorrelationID)
		return
	}

	waiter <- env
}

// SubmitClient hands a client request payload to the core and waits for
// the matching reply payload.
func (t *HTTPTransport) SubmitClient(payload []byte, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	t.nextClientID++
	id := t.nextClientID
	waiter := make(chan Envelope, 1)
	t.clientWaiters[id] = waiter
	t.mu.Unlock()

	env := Envelope{
		CorrelationID: id,
		Token:         -int64(id),
		Payload:       payload,
	}

	select {
	case t.clientChan <- env:
	case <-t.stopChan:
		return nil, fmt.Errorf("transport stopped")
	}

	select {
	case res := <-waiter:
		return res.Payload, nil

	case <-time.After(timeout):
		t.mu.Lock()
		delete(t.clientWaiters, id)
		t.mu.Unlock()

		return nil, fmt.Errorf("timeout waiting for response")

	case <-t.stopChan:
		return nil, fmt.Errorf("transport stopped")
	}
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" || req.URL.Path != "/peer" {
		t.replyError(w, 404, "no such route")
		return
	}

	source := req.Header.Get("X-Source-Address")
	if source == "" {
		t.replyError(w, 400,
			"missing or empty X-Source-Address header field")
		return
	}

	correlationID, err := strconv.ParseUint(
		req.Header.Get("X-Correlation-Id"), 10, 64)
	if err != nil {
		t.replyError(w, 400, "invalid X-Correlation-Id header field")
		return
	}

	data, err := ioutil.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	w.WriteHeader(204)

	env := Envelope{
		CorrelationID: correlationID,
		Address:       PeerAddress(source),
		Token:         t.peerTokens[PeerAddress(source)],
		Payload:       data,
	}

	select {
	case <-t.stopChan:
	case t.peerChan <- env:
	}
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Error(format, args...)

	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}
