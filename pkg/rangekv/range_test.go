package rangekv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRange(t *testing.T, nbReplicas int) (*Range, *captureTransport, *ManualClock, *MemoryStore) {
	t.Helper()

	clock := NewManualClock(time.Unix(1000, 0))
	store := NewMemoryStore()
	transport := newCaptureTransport()
	out := newOutbox(transport, discardLogger{})

	replicas := make([]PeerAddress, nbReplicas)
	for i := range replicas {
		replicas[i] = PeerAddress(string(rune('a'+i)) + ":9000")
	}

	meta := RangeMeta{
		ID:       "r1",
		Lower:    "",
		Upper:    "",
		Replicas: replicas,
	}

	rng, err := newRange(meta, "self", replicas[0], clock, discardLogger{},
		store, out)
	require.NoError(t, err)

	return rng, transport, clock, store
}

func makeLeader(rng *Range, clock Clock, term Term) {
	rng.cons.highestTerm = term
	rng.cons.state = StateLeader{
		Term:  term,
		Until: clock.Now().Add(LeaseDuration),
		Need:  Quorum(rng.cons.nbPeers),
		Have:  make(map[PeerID]struct{}),
	}
}

func makeFollower(rng *Range, clock Clock, term Term, leader PeerID, address PeerAddress) {
	rng.cons.highestTerm = term
	rng.cons.state = StateFollower{
		Term:          term,
		LeaderID:      leader,
		LeaderAddress: address,
		Until:         clock.Now().Add(LeaseDuration),
	}
}

func TestRangeProposeWriteCommitsAtQuorum(t *testing.T) {
	rng, transport, clock, store := testRange(t, 3)
	makeLeader(rng, clock, 3)

	clientEnv := Envelope{CorrelationID: 7, Token: -7}

	err := rng.ProposeWrite("k", []byte("v"), false, clientEnv)
	require.NoError(t, err)

	// Only the self-ack so far: no commit, no client reply, but the
	// append went out.
	_, found, err := store.Get("k")
	require.NoError(t, err)
	assert.False(t, found)

	msgs := transport.sentMessages(t)
	require.Len(t, msgs, 1)
	appendMsg, ok := msgs[0].(*Append)
	require.True(t, ok)
	assert.Equal(t, TxID(1), appendMsg.FromTxID)
	assert.Equal(t, Term(3), appendMsg.FromTerm)
	require.Len(t, appendMsg.Entries, 1)

	// The second distinct ack completes the quorum.
	rng.HandleAppendAck(Envelope{Address: "b:9000"}, &AppendAck{
		RangeID:  "r1",
		SourceID: "b",
		BatchID:  appendMsg.BatchID,
		Success:  true,
		LastTxID: 1,
	})

	value, found, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	// The parked client got its reply, on its own correlation id.
	envs := transport.sent()
	require.Len(t, envs, 2)
	assert.Equal(t, uint64(7), envs[1].CorrelationID)

	res, err := DecodeMessage(envs[1].Payload)
	require.NoError(t, err)
	setRes, ok := res.(*SetResponse)
	require.True(t, ok)
	assert.True(t, setRes.Success)
	assert.Equal(t, TxID(1), setRes.TxID)
}

func TestRangeProposeWriteRequiresLease(t *testing.T) {
	rng, _, clock, _ := testRange(t, 3)

	err := rng.ProposeWrite("k", []byte("v"), false, Envelope{})
	assert.ErrorIs(t, err, errNotLeader)

	// A lapsed lease is as good as no lease.
	makeLeader(rng, clock, 3)
	clock.Advance(LeaseDuration + time.Second)

	err = rng.ProposeWrite("k", []byte("v"), false, Envelope{})
	assert.ErrorIs(t, err, errNotLeader)
}

func TestRangeFollowerAppliesUpToWatermark(t *testing.T) {
	rng, transport, clock, store := testRange(t, 3)
	makeFollower(rng, clock, 2, "leader", "b:9000")

	rng.HandleAppend(Envelope{Address: "b:9000"}, &Append{
		RangeID:       "r1",
		SourceID:      "leader",
		BatchID:       9,
		FromTxID:      1,
		FromTerm:      2,
		CommittedTxID: 1,
		Entries: []LogEntry{
			{TxID: 1, Term: 2, Key: "k1", Value: []byte("v1")},
			{TxID: 2, Term: 2, Key: "k2", Value: []byte("v2")},
		},
	})

	// Entry 1 is at or below the watermark and applied; entry 2 is
	// received but not yet known committed.
	_, found, _ := store.Get("k1")
	assert.True(t, found)
	_, found, _ = store.Get("k2")
	assert.False(t, found)

	msgs := transport.sentMessages(t)
	require.Len(t, msgs, 1)
	ack, ok := msgs[0].(*AppendAck)
	require.True(t, ok)
	assert.True(t, ack.Success)
	assert.Equal(t, uint64(9), ack.BatchID)
	assert.Equal(t, TxID(2), ack.LastTxID)

	// An empty append advancing the watermark releases entry 2.
	rng.HandleAppend(Envelope{Address: "b:9000"}, &Append{
		RangeID:       "r1",
		SourceID:      "leader",
		BatchID:       10,
		FromTxID:      3,
		FromTerm:      2,
		CommittedTxID: 2,
	})

	value, found, _ := store.Get("k2")
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)
}

func TestRangeAppendGapTriggersResyncRequest(t *testing.T) {
	rng, transport, clock, _ := testRange(t, 3)
	makeFollower(rng, clock, 2, "leader", "b:9000")

	rng.HandleAppend(Envelope{Address: "b:9000"}, &Append{
		RangeID:       "r1",
		SourceID:      "leader",
		BatchID:       4,
		FromTxID:      5,
		FromTerm:      2,
		CommittedTxID: 4,
		Entries:       []LogEntry{{TxID: 5, Term: 2, Key: "k"}},
	})

	msgs := transport.sentMessages(t)
	require.Len(t, msgs, 1)
	ack, ok := msgs[0].(*AppendAck)
	require.True(t, ok)
	assert.False(t, ack.Success)
	assert.True(t, ack.NeedsResync)
	assert.Equal(t, TxID(0), ack.LastTxID)
}

func TestRangeAppendRejectedFromNonLeader(t *testing.T) {
	rng, transport, _, store := testRange(t, 3)

	rng.HandleAppend(Envelope{Address: "b:9000"}, &Append{
		RangeID:       "r1",
		SourceID:      "stranger",
		BatchID:       1,
		FromTxID:      1,
		FromTerm:      2,
		CommittedTxID: 1,
		Entries:       []LogEntry{{TxID: 1, Term: 2, Key: "k"}},
	})

	_, found, _ := store.Get("k")
	assert.False(t, found)

	msgs := transport.sentMessages(t)
	require.Len(t, msgs, 1)
	ack, ok := msgs[0].(*AppendAck)
	require.True(t, ok)
	assert.False(t, ack.Success)
	assert.False(t, ack.NeedsResync)
}

func TestRangeLeaderServesResync(t *testing.T) {
	// Single-replica range: every proposal commits on the self-ack.
	rng, transport, clock, _ := testRange(t, 1)
	makeLeader(rng, clock, 3)

	for _, key := range []string{"k1", "k2", "k3"} {
		require.NoError(t,
			rng.ProposeWrite(key, []byte("v"), false, Envelope{}))
	}

	transport.reset()

	rng.HandleAppendAck(Envelope{Address: "f:9000"}, &AppendAck{
		RangeID:     "r1",
		SourceID:    "f",
		BatchID:     1,
		NeedsResync: true,
		LastTxID:    0,
	})

	envs := transport.sent()
	require.Len(t, envs, 1)
	assert.Equal(t, PeerAddress("f:9000"), envs[0].Address)

	msg, err := DecodeMessage(envs[0].Payload)
	require.NoError(t, err)
	appendMsg, ok := msg.(*Append)
	require.True(t, ok)
	assert.Equal(t, TxID(1), appendMsg.FromTxID)
	require.Len(t, appendMsg.Entries, 3)
	assert.Equal(t, TxID(3), appendMsg.Entries[2].TxID)
}

func TestRangeCronReplicatesHeartbeat(t *testing.T) {
	rng, transport, clock, _ := testRange(t, 3)
	makeLeader(rng, clock, 3)

	rng.Cron()

	var appendMsg *Append
	for _, msg := range transport.sentMessages(t) {
		if m, ok := msg.(*Append); ok {
			appendMsg = m
		}
	}

	require.NotNil(t, appendMsg)
	require.Len(t, appendMsg.Entries, 1)
	assert.Equal(t, rng.heartbeatKey(), appendMsg.Entries[0].Key)
	assert.True(t, rng.ContainsKey(appendMsg.Entries[0].Key))
}

func TestRangeIgnoresOwnAppendBroadcast(t *testing.T) {
	rng, transport, clock, _ := testRange(t, 3)
	makeLeader(rng, clock, 3)

	rng.HandleAppend(Envelope{Address: "a:9000"}, &Append{
		RangeID:  "r1",
		SourceID: "self",
		BatchID:  1,
		FromTxID: 1,
		FromTerm: 3,
		Entries:  []LogEntry{{TxID: 1, Term: 3, Key: "k"}},
	})

	assert.Empty(t, transport.sent())
}

func TestRangePromotedFollowerCommitsNewWrites(t *testing.T) {
	rng, transport, clock, store := testRange(t, 3)
	makeFollower(rng, clock, 2, "leader", "b:9000")

	rng.HandleAppend(Envelope{Address: "b:9000"}, &Append{
		RangeID:       "r1",
		SourceID:      "leader",
		BatchID:       1,
		FromTxID:      1,
		FromTerm:      2,
		CommittedTxID: 2,
		Entries: []LogEntry{
			{TxID: 1, Term: 2, Key: "k1", Value: []byte("v1")},
			{TxID: 2, Term: 2, Key: "k2", Value: []byte("v2")},
		},
	})

	// The leader lapses and this replica wins the next election.
	makeLeader(rng, clock, 3)
	transport.reset()

	err := rng.ProposeWrite("k3", []byte("v3"), false,
		Envelope{CorrelationID: 9, Token: -9})
	require.NoError(t, err)

	msgs := transport.sentMessages(t)
	require.Len(t, msgs, 1)
	appendMsg, ok := msgs[0].(*Append)
	require.True(t, ok)
	assert.Equal(t, TxID(3), appendMsg.FromTxID)

	_, found, _ := store.Get("k3")
	assert.False(t, found)

	// One peer ack completes the quorum; the write must commit even
	// though txids 1 and 2 were learned under the previous leadership.
	rng.HandleAppendAck(Envelope{Address: "c:9000"}, &AppendAck{
		RangeID:  "r1",
		SourceID: "c",
		BatchID:  appendMsg.BatchID,
		Success:  true,
		LastTxID: 3,
	})

	value, found, err := store.Get("k3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v3"), value)

	envs := transport.sent()
	require.Len(t, envs, 2)
	assert.Equal(t, uint64(9), envs[1].CorrelationID)

	res, err := DecodeMessage(envs[1].Payload)
	require.NoError(t, err)
	setRes, ok := res.(*SetResponse)
	require.True(t, ok)
	assert.True(t, setRes.Success)
	assert.Equal(t, TxID(3), setRes.TxID)

	// Entries applied as a follower are part of this replica's history
	// and get served back out during a resync.
	transport.reset()
	rng.HandleAppendAck(Envelope{Address: "b:9000"}, &AppendAck{
		RangeID:     "r1",
		SourceID:    "b",
		BatchID:     99,
		NeedsResync: true,
		LastTxID:    0,
	})

	msgs = transport.sentMessages(t)
	require.Len(t, msgs, 1)
	resyncMsg, ok := msgs[0].(*Append)
	require.True(t, ok)
	assert.Equal(t, TxID(1), resyncMsg.FromTxID)
	require.Len(t, resyncMsg.Entries, 3)
}

func TestRangeRecoveredLeaderCommitsNewWrites(t *testing.T) {
	rng, _, clock, store := testRange(t, 1)
	makeLeader(rng, clock, 3)

	require.NoError(t,
		rng.ProposeWrite("k1", []byte("v1"), false, Envelope{}))
	rng.Cron()

	transport := newCaptureTransport()
	out := newOutbox(transport, discardLogger{})
	rng2, err := newRange(rng.Meta, "self", "a:9000", clock,
		discardLogger{}, store, out)
	require.NoError(t, err)
	makeLeader(rng2, clock, 4)

	// A write proposed after recovery must commit; the commit gate has to
	// resume after the recovered applied state, not at zero.
	err = rng2.ProposeWrite("k2", []byte("v2"), false,
		Envelope{CorrelationID: 5, Token: -5})
	require.NoError(t, err)

	value, found, err := store.Get("k2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)

	var setRes *SetResponse
	for _, msg := range transport.sentMessages(t) {
		if m, ok := msg.(*SetResponse); ok {
			setRes = m
		}
	}

	require.NotNil(t, setRes)
	assert.True(t, setRes.Success)
	assert.Equal(t, TxID(3), setRes.TxID)
}

func TestRangeLocalStatePersistence(t *testing.T) {
	rng, _, clock, store := testRange(t, 1)
	makeLeader(rng, clock, 3)

	require.NoError(t, rng.ProposeWrite("k", []byte("v"), false, Envelope{}))
	rng.Cron()

	// A new range instance over the same store resumes where the old
	// one stopped.
	out := newOutbox(newCaptureTransport(), discardLogger{})
	rng2, err := newRange(rng.Meta, "self", "a:9000", clock,
		discardLogger{}, store, out)
	require.NoError(t, err)

	assert.Equal(t, rng.cons.maxTxID, rng2.cons.maxTxID)
	assert.Equal(t, rng.cons.lastTxTerm, rng2.cons.lastTxTerm)
	assert.Equal(t, rng.cons.highestTerm, rng2.cons.highestTerm)
	assert.Equal(t, rng.applied, rng2.applied)
}
