package rangekv

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var errNotLeader = errors.New("not the leader of this range")

// rangeLocalState is the per-replica durable state of a range, stored in
// the local namespace and reloaded at startup.
type rangeLocalState struct {
	HighestTerm Term `json:"highestTerm"`
	LastTxTerm  Term `json:"lastTxTerm"`
	Applied     TxID `json:"applied"`
}

// Range owns one [lower, upper) key interval: its consensus state machine,
// its acked log and its storage handle. All methods are called under the
// server lock; outgoing messages are fire-and-forget enqueues through the
// outbox.
type Range struct {
	Meta RangeMeta

	log   Logger
	clock Clock
	store Storage
	out   *outbox

	cons *consensus
	rlog *AckedLog

	// Follower side: entries received but not yet known committed, and
	// the apply watermark.
	tail    map[TxID]LogEntry
	applied TxID

	// Leader side: outstanding append batches and parked client replies.
	nextBatchID uint64
	batches     map[uint64][]TxID
	waiters     map[TxID]Envelope
}

func newRange(meta RangeMeta, id PeerID, address PeerAddress, clock Clock, logger Logger, store Storage, out *outbox) (*Range, error) {
	if len(meta.Replicas) == 0 {
		return nil, fmt.Errorf("range %q has no replicas", meta.ID)
	}

	r := &Range{
		Meta: meta,

		log:   logger,
		clock: clock,
		store: store,
		out:   out,

		tail:    make(map[TxID]LogEntry),
		batches: make(map[uint64][]TxID),
		waiters: make(map[TxID]Envelope),
	}

	r.cons = newConsensus(id, address, meta.ID, len(meta.Replicas),
		clock, logger)
	r.rlog = NewAckedLog(Quorum(len(meta.Replicas)), r.learn)

	if err := r.loadLocalState(); err != nil {
		return nil, err
	}

	// The commit gate resumes right after the recovered applied state, so
	// the next proposal on this replica is the gate's next expected txid.
	r.rlog.SkipTo(r.applied)

	return r, nil
}

func (r *Range) localStateKey() string {
	return "range/" + string(r.Meta.ID)
}

func (r *Range) loadLocalState() error {
	data, found, err := r.store.GetLocal(r.localStateKey())
	if err != nil {
		return fmt.Errorf("cannot load state of range %q: %w",
			r.Meta.ID, err)
	}

	if !found {
		return nil
	}

	var state rangeLocalState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("cannot decode state of range %q: %w",
			r.Meta.ID, err)
	}

	r.cons.highestTerm = state.HighestTerm
	r.cons.lastTxTerm = state.LastTxTerm

	// Entries past the applied watermark only ever lived in memory: the
	// replica resumes at its applied state and recovers anything newer
	// through a resync.
	r.cons.maxTxID = state.Applied
	r.applied = state.Applied

	return nil
}

func (r *Range) persistLocalState() {
	state := rangeLocalState{
		HighestTerm: r.cons.highestTerm,
		LastTxTerm:  r.cons.lastTxTerm,
		Applied:     r.applied,
	}

	data, err := json.Marshal(&state)
	if err != nil {
		r.log.Error("cannot encode state of range %q: %v", r.Meta.ID, err)
		return
	}

	if err := r.store.PutLocal(r.localStateKey(), data); err != nil {
		r.log.Error("cannot persist state of range %q: %v", r.Meta.ID, err)
	}
}

func (r *Range) ContainsKey(key string) bool {
	return r.Meta.Contains(key)
}

func (r *Range) MaxTxID() TxID {
	return r.cons.maxTxID
}

// HasLeaderLease reports whether this replica currently leads the range
// with an unexpired lease.
func (r *Range) HasLeaderLease() bool {
	return leaderWithLease(r.cons.state, r.clock.Now())
}

// LeaderAddress returns the address of the validly followed leader, if
// any.
func (r *Range) LeaderAddress() (PeerAddress, bool) {
	s, ok := r.cons.state.(StateFollower)
	if !ok || !r.clock.Now().Before(s.Until) {
		return "", false
	}

	return s.LeaderAddress, true
}

// Cron drives the election machine and, while leading, replicates a
// heartbeat entry to keep the append path and the commit watermark moving.
func (r *Range) Cron() {
	for _, msg := range r.cons.onCron() {
		r.out.broadcast(msg)
	}

	if r.HasLeaderLease() {
		value := strconv.FormatInt(r.clock.Now().Unix(), 10)

		if _, err := r.propose(r.heartbeatKey(), []byte(value),
			false, nil); err != nil {
			r.log.Error("cannot replicate heartbeat on range %q: %v",
				r.Meta.ID, err)
		}
	}

	r.persistLocalState()
}

// heartbeatKey returns a key inside the range bounds reserved for
// heartbeat entries; the \x00 component keeps it below any user key
// sharing the prefix.
func (r *Range) heartbeatKey() string {
	return r.Meta.Lower + "\x00hb"
}

// ProposeWrite replicates one client mutation. Only valid on a leader with
// a live lease; the reply to clientEnv is emitted once the entry commits.
func (r *Range) ProposeWrite(key string, value []byte, tombstone bool, clientEnv Envelope) error {
	_, err := r.propose(key, value, tombstone, &clientEnv)
	return err
}

func (r *Range) propose(key string, value []byte, tombstone bool, clientEnv *Envelope) (TxID, error) {
	if !r.HasLeaderLease() {
		return 0, errNotLeader
	}

	// A freshly elected leader may still hold entries appended under the
	// previous leadership; its log won the election, so they are adopted
	// before anything new is proposed and the commit gate ends up expecting
	// the txid assigned below. On an established leader this is a no-op.
	r.applyUpTo(r.cons.maxTxID)

	term, _ := r.cons.state.term()

	txid := r.cons.nextTxID()
	r.cons.noteAppended(txid, term)

	entry := LogEntry{
		TxID:      txid,
		Term:      term,
		Key:       key,
		Value:     value,
		Tombstone: tombstone,
	}

	r.rlog.Propose(entry)

	if clientEnv != nil {
		r.waiters[txid] = *clientEnv
	}

	r.nextBatchID++
	batchID := r.nextBatchID
	r.batches[batchID] = []TxID{txid}

	r.out.broadcast(&Append{
		RangeID:       r.Meta.ID,
		SourceID:      r.cons.id,
		BatchID:       batchID,
		FromTxID:      txid,
		FromTerm:      term,
		CommittedTxID: r.rlog.LastCommitted(),
		Entries:       []LogEntry{entry},
	})

	// The local replica acks its own proposal immediately; with a quorum
	// of one this commits synchronously.
	r.rlog.Ack(txid, r.cons.id)

	return txid, nil
}

func (r *Range) HandleVoteRequest(env Envelope, req *VoteRequest) {
	res := r.cons.onVoteRequest(req, env.Token)
	r.persistLocalState()

	r.out.reply(env, res)
}

func (r *Range) HandleVoteResponse(res *VoteResponse) {
	r.cons.onVoteResponse(res)
	r.persistLocalState()
}

// HandleAppend is the follower side of replication. Entries are only
// accepted in strict txid order from the currently followed leader; a gap
// triggers a resync request instead of out-of-order acceptance.
func (r *Range) HandleAppend(env Envelope, msg *Append) {
	if msg.SourceID == r.cons.id {
		// Our own broadcast coming back around.
		return
	}

	ack := AppendAck{
		RangeID:  r.Meta.ID,
		SourceID: r.cons.id,
		BatchID:  msg.BatchID,
	}

	if !following(r.cons.state, msg.SourceID, r.clock.Now()) {
		r.log.Debug(1, "rejecting append on range %q from %q: %v",
			r.Meta.ID, msg.SourceID, r.cons.state)

		ack.Success = false
		ack.LastTxID = r.cons.maxTxID
		r.out.reply(env, &ack)
		return
	}

	if msg.FromTxID > r.cons.maxTxID+1 {
		r.log.Info("append gap on range %q: batch starts at %d, have %d",
			r.Meta.ID, msg.FromTxID, r.cons.maxTxID)

		ack.Success = false
		ack.NeedsResync = true
		ack.LastTxID = r.cons.maxTxID
		r.out.reply(env, &ack)
		return
	}

	for _, entry := range msg.Entries {
		if entry.TxID <= r.cons.maxTxID {
			continue
		}

		if entry.TxID != r.cons.maxTxID+1 {
			r.log.Error("out-of-order entry %d in batch %d on range %q",
				entry.TxID, msg.BatchID, r.Meta.ID)

			ack.Success = false
			ack.LastTxID = r.cons.maxTxID
			r.out.reply(env, &ack)
			return
		}

		r.tail[entry.TxID] = entry
		r.cons.noteAppended(entry.TxID, entry.Term)
	}

	r.applyUpTo(msg.CommittedTxID)
	r.persistLocalState()

	ack.Success = true
	ack.LastTxID = r.cons.maxTxID
	r.out.reply(env, &ack)
}

// applyUpTo applies received entries to storage in txid order up to the
// leader's commit watermark.
func (r *Range) applyUpTo(watermark TxID) {
	for txid := r.applied + 1; txid <= watermark; txid++ {
		entry, found := r.tail[txid]
		if !found {
			break
		}

		if err := r.applyEntry(entry); err != nil {
			r.log.Error("cannot apply entry %d on range %q: %v",
				txid, r.Meta.ID, err)
			break
		}

		// Keep the acked log in step with what was applied, so that this
		// replica can later serve resyncs and commit its own proposals if
		// it is ever elected leader.
		r.rlog.ObserveCommitted(entry)

		delete(r.tail, txid)
		r.applied = txid
	}
}

// HandleAppendAck is the leader side of replication: acks feed the acked
// log, resync requests are served from the committed tail and the pending
// set.
func (r *Range) HandleAppendAck(env Envelope, msg *AppendAck) {
	if !r.HasLeaderLease() {
		r.log.Debug(1, "ignoring append ack on range %q: not leading",
			r.Meta.ID)
		return
	}

	if msg.NeedsResync {
		r.resync(env.Address, msg.LastTxID)
		return
	}

	if !msg.Success {
		r.log.Debug(1, "append nack on range %q from %q",
			r.Meta.ID, msg.SourceID)
		return
	}

	txids, found := r.batches[msg.BatchID]
	if !found {
		return
	}

	for _, txid := range txids {
		r.rlog.Ack(txid, msg.SourceID)
	}

	r.collectBatches()
}

// resync re-sends every entry after lastTxID to a lagging follower.
func (r *Range) resync(address PeerAddress, lastTxID TxID) {
	entries := r.rlog.CommittedSince(lastTxID)
	entries = append(entries, r.rlog.PendingSince(lastTxID)...)

	if len(entries) == 0 {
		return
	}

	r.log.Info("resyncing range %q on %q from txid %d (%d entries)",
		r.Meta.ID, address, lastTxID, len(entries))

	term, _ := r.cons.state.term()

	r.nextBatchID++
	batchID := r.nextBatchID

	txids := make([]TxID, len(entries))
	for i, entry := range entries {
		txids[i] = entry.TxID
	}
	r.batches[batchID] = txids

	r.out.sendTo(address, &Append{
		RangeID:       r.Meta.ID,
		SourceID:      r.cons.id,
		BatchID:       batchID,
		FromTxID:      entries[0].TxID,
		FromTerm:      term,
		CommittedTxID: r.rlog.LastCommitted(),
		Entries:       entries,
	})
}

// collectBatches drops batch records whose entries have all committed.
func (r *Range) collectBatches() {
	for batchID, txids := range r.batches {
		done := true

		for _, txid := range txids {
			if txid > r.rlog.LastCommitted() {
				done = false
				break
			}
		}

		if done {
			delete(r.batches, batchID)
		}
	}
}

// learn is the acked-log learner: called exactly once per committed entry,
// in txid order. It applies the entry and releases the waiting client, if
// any, through the outbox.
func (r *Range) learn(entry LogEntry) {
	err := r.applyEntry(entry)
	if err != nil {
		r.log.Error("cannot apply committed entry %d on range %q: %v",
			entry.TxID, r.Meta.ID, err)
	} else if entry.TxID > r.applied {
		r.applied = entry.TxID
	}

	clientEnv, found := r.waiters[entry.TxID]
	if !found {
		return
	}
	delete(r.waiters, entry.TxID)

	res := SetResponse{
		Success: err == nil,
		TxID:    entry.TxID,
	}
	if err != nil {
		res.Err = "operational problem encountered"
	}

	r.out.reply(clientEnv, &res)
}

func (r *Range) applyEntry(entry LogEntry) error {
	if entry.Tombstone {
		return r.store.Delete(entry.Key)
	}

	return r.store.Put(entry.Key, entry.Value)
}
