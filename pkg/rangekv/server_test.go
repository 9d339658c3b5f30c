package rangekv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, address PeerAddress, peers []PeerAddress) (*Server, *captureTransport, *ManualClock) {
	t.Helper()

	clock := NewManualClock(time.Unix(1000, 0))
	transport := newCaptureTransport()

	s, err := NewServer(ServerCfg{
		Address:   address,
		Peers:     peers,
		Storage:   NewMemoryStore(),
		Transport: transport,
		Logger:    discardLogger{},
		Clock:     clock,
	})
	require.NoError(t, err)

	return s, transport, clock
}

func (s *Server) rangeForKey(key string) *Range {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rangeForKeyLocked(key)
}

func TestServerRoutesKeysToRanges(t *testing.T) {
	peers := []PeerAddress{"a:9000", "b:9000", "c:9000"}
	s, _, _ := testServer(t, "a:9000", peers)

	require.NoError(t, s.installMeta(SeedMeta(peers)))

	metaRange := s.rangeForKey(MetaKeyPrefix + "ranges/foo")
	require.NotNil(t, metaRange)

	defaultRange := s.rangeForKey("foo")
	require.NotNil(t, defaultRange)
	assert.NotEqual(t, metaRange.Meta.ID, defaultRange.Meta.ID)

	// The two ranges partition the keyspace: the lowest possible key and
	// the first key above the meta prefix both resolve.
	assert.Equal(t, metaRange, s.rangeForKey(""))
	assert.Equal(t, defaultRange, s.rangeForKey(MetaKeyPrefixEnd))
}

func TestServerInstallMetaSkipsForeignRanges(t *testing.T) {
	s, _, _ := testServer(t, "d:9000",
		[]PeerAddress{"a:9000", "b:9000", "c:9000", "d:9000"})

	meta := SeedMeta([]PeerAddress{"a:9000", "b:9000", "c:9000"})
	require.NoError(t, s.installMeta(meta))

	assert.Nil(t, s.rangeForKey("foo"))
	assert.True(t, s.metaSeen)
}

func TestServerRejectsOverlappingRanges(t *testing.T) {
	peers := []PeerAddress{"a:9000"}
	s, _, _ := testServer(t, "a:9000", peers)

	require.NoError(t, s.installMeta(SeedMeta(peers)))

	s.mu.Lock()
	defer s.mu.Unlock()

	// Same lower bound as the default range.
	err := s.addRangeLocked(RangeMeta{
		ID:       "dup",
		Lower:    MetaKeyPrefixEnd,
		Upper:    "",
		Replicas: peers,
	})
	assert.Error(t, err)

	// Straddles the meta/default boundary.
	err = s.addRangeLocked(RangeMeta{
		ID:       "straddle",
		Lower:    "\x00a",
		Upper:    "z",
		Replicas: peers,
	})
	assert.Error(t, err)
}

func TestServerRedirectsToLeader(t *testing.T) {
	peers := []PeerAddress{"10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.3:9000"}
	s, transport, clock := testServer(t, "10.0.0.1:9000", peers)

	require.NoError(t, s.installMeta(SeedMeta(peers)))

	rng := s.rangeForKey("foo")
	require.NotNil(t, rng)
	makeFollower(rng, clock, 3, "peer-2", "10.0.0.2:9000")

	data, err := EncodeMessage(&ClientGet{Key: "foo"})
	require.NoError(t, err)

	s.handleClient(Envelope{CorrelationID: 3, Token: -3, Payload: data})

	envs := transport.sent()
	require.Len(t, envs, 1)
	assert.Equal(t, uint64(3), envs[0].CorrelationID)
	assert.Equal(t, int64(-3), envs[0].Token)

	msg, err := DecodeMessage(envs[0].Payload)
	require.NoError(t, err)
	redirect, ok := msg.(*Redirect)
	require.True(t, ok)
	assert.True(t, redirect.Success)
	assert.Equal(t, PeerAddress("10.0.0.2:9000"), redirect.LeaderAddress)
}

func TestServerRedirectWithoutLeader(t *testing.T) {
	peers := []PeerAddress{"a:9000", "b:9000", "c:9000"}
	s, transport, _ := testServer(t, "a:9000", peers)

	require.NoError(t, s.installMeta(SeedMeta(peers)))

	data, err := EncodeMessage(&ClientSet{Key: "foo", Value: []byte("v")})
	require.NoError(t, err)

	s.handleClient(Envelope{CorrelationID: 1, Token: -1, Payload: data})

	msgs := transport.sentMessages(t)
	require.Len(t, msgs, 1)
	redirect, ok := msgs[0].(*Redirect)
	require.True(t, ok)
	assert.False(t, redirect.Success)
	assert.NotEmpty(t, redirect.Err)
}

func TestServerLeaderServesClients(t *testing.T) {
	// A single-replica cluster: proposals commit on the self-ack, so the
	// set reply is synchronous.
	peers := []PeerAddress{"a:9000"}
	s, transport, clock := testServer(t, "a:9000", peers)

	require.NoError(t, s.installMeta(SeedMeta(peers)))

	rng := s.rangeForKey("foo")
	require.NotNil(t, rng)
	makeLeader(rng, clock, 1)

	data, err := EncodeMessage(&ClientSet{Key: "foo", Value: []byte("bar")})
	require.NoError(t, err)
	s.handleClient(Envelope{CorrelationID: 1, Token: -1, Payload: data})

	data, err = EncodeMessage(&ClientGet{Key: "foo"})
	require.NoError(t, err)
	s.handleClient(Envelope{CorrelationID: 2, Token: -2, Payload: data})

	data, err = EncodeMessage(&ClientGet{Key: "missing"})
	require.NoError(t, err)
	s.handleClient(Envelope{CorrelationID: 3, Token: -3, Payload: data})

	var setRes *SetResponse
	var getResponses []*GetResponse

	for _, msg := range transport.sentMessages(t) {
		switch m := msg.(type) {
		case *SetResponse:
			setRes = m
		case *GetResponse:
			getResponses = append(getResponses, m)
		}
	}

	require.NotNil(t, setRes)
	assert.True(t, setRes.Success)

	require.Len(t, getResponses, 2)
	assert.True(t, getResponses[0].Success)
	assert.Equal(t, []byte("bar"), getResponses[0].Value)
	assert.False(t, getResponses[1].Success)
}

func TestServerDispatchDropsUnknownRange(t *testing.T) {
	peers := []PeerAddress{"a:9000"}
	s, transport, _ := testServer(t, "a:9000", peers)

	data, err := EncodeMessage(&VoteRequest{
		RangeID:  "nope",
		SourceID: "b",
		Term:     1,
	})
	require.NoError(t, err)

	s.handlePeer(Envelope{Address: "b:9000", Payload: data})

	assert.Empty(t, transport.sent())
}

func TestServerAnswersMetaProbes(t *testing.T) {
	peers := []PeerAddress{"a:9000", "b:9000"}
	s, transport, _ := testServer(t, "a:9000", peers)

	data, err := EncodeMessage(&MetaProbeRequest{SourceID: "probe"})
	require.NoError(t, err)

	s.handlePeer(Envelope{Address: "b:9000", CorrelationID: 5, Payload: data})

	msgs := transport.sentMessages(t)
	require.Len(t, msgs, 1)
	res, ok := msgs[0].(*MetaProbeResponse)
	require.True(t, ok)
	assert.False(t, res.Seen)
	assert.Empty(t, res.Meta)

	// Once metadata is installed, probes carry it.
	require.NoError(t, s.installMeta(SeedMeta(peers)))
	transport.reset()

	s.handlePeer(Envelope{Address: "b:9000", CorrelationID: 6, Payload: data})

	msgs = transport.sentMessages(t)
	require.Len(t, msgs, 1)
	res, ok = msgs[0].(*MetaProbeResponse)
	require.True(t, ok)
	assert.True(t, res.Seen)

	meta, err := DecodeClusterMeta(res.Meta)
	require.NoError(t, err)
	assert.NotNil(t, meta.MetaRange())
}

func TestServerToleratesDuplicateProbeResponses(t *testing.T) {
	s, _, _ := testServer(t, "a:9000", []PeerAddress{"a:9000", "b:9000"})

	waiter := make(chan *MetaProbeResponse, 1)
	s.probeMu.Lock()
	s.probeWaiters[7] = waiter
	s.probeMu.Unlock()

	res := &MetaProbeResponse{SourceID: "b", Seen: true}

	// A peer replying twice to the same probe must not block delivery;
	// the second response is dropped.
	s.deliverProbeResponse(7, res)
	s.deliverProbeResponse(7, res)

	assert.Equal(t, res, <-waiter)
	assert.Equal(t, 0, len(waiter))
}

func TestEvaluateProbes(t *testing.T) {
	seen := &MetaProbeResponse{Seen: true, Meta: []byte(`{}`)}
	unseen := &MetaProbeResponse{Seen: false}

	// A unanimous no from the full peer set allows seeding.
	decision, _ := evaluateProbes([]*MetaProbeResponse{unseen, unseen}, 0)
	assert.Equal(t, seedProceed, decision)

	// A single unreachable peer forces a retry: it could have seeded a
	// disjoint topology.
	decision, _ = evaluateProbes([]*MetaProbeResponse{unseen}, 1)
	assert.Equal(t, seedRetry, decision)

	// No reachable peers at all: same.
	decision, _ = evaluateProbes(nil, 2)
	assert.Equal(t, seedRetry, decision)

	// Any positive answer wins over everything, reachable or not.
	decision, adopted := evaluateProbes(
		[]*MetaProbeResponse{unseen, seen}, 1)
	assert.Equal(t, seedAdopt, decision)
	assert.Equal(t, []byte(`{}`), adopted)
}
