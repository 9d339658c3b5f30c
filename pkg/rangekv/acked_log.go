package rangekv

// LogEntry is one replicated key/value mutation, ordered by txid within
// its range.
type LogEntry struct {
	TxID      TxID   `json:"txid"`
	Term      Term   `json:"term"`
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// LearnFunc is invoked exactly once per committed entry, in txid order. It
// must not block; anything it needs to signal has to be handed off
// asynchronously.
type LearnFunc func(entry LogEntry)

type pendingEntry struct {
	entry LogEntry
	acks  map[PeerID]struct{}
}

// AckedLog tracks which proposed entries of a replica group have reached
// quorum acknowledgement. Entries commit strictly in txid order: an entry
// whose quorum completes before its predecessors is held back until they
// commit.
type AckedLog struct {
	pending       map[TxID]*pendingEntry
	committed     []LogEntry
	quorum        int
	lastCommitted TxID
	learner       LearnFunc
}

func NewAckedLog(quorum int, learner LearnFunc) *AckedLog {
	return &AckedLog{
		pending: make(map[TxID]*pendingEntry),
		quorum:  quorum,
		learner: learner,
	}
}

func (l *AckedLog) LastCommitted() TxID {
	return l.lastCommitted
}

// SkipTo resumes the commit gate after txid, for a log rebuilt on top of
// state recovered from storage where earlier entries are no longer
// individually available. Pending entries are never skipped.
func (l *AckedLog) SkipTo(txid TxID) {
	if len(l.pending) != 0 || txid <= l.lastCommitted {
		return
	}

	l.lastCommitted = txid
}

// ObserveCommitted records an entry committed outside this log's own
// quorum accounting, typically one learned from a leader's commit
// watermark. The entry joins the committed tail so it can be served during
// a resync and the commit gate moves past it; the learner is not invoked.
func (l *AckedLog) ObserveCommitted(entry LogEntry) {
	if entry.TxID <= l.lastCommitted {
		return
	}

	delete(l.pending, entry.TxID)

	l.committed = append(l.committed, entry)
	l.lastCommitted = entry.TxID
}

// Propose registers an entry awaiting quorum. Proposing an already known
// or already committed txid is a no-op.
func (l *AckedLog) Propose(entry LogEntry) {
	if entry.TxID <= l.lastCommitted {
		return
	}

	if _, found := l.pending[entry.TxID]; found {
		return
	}

	l.pending[entry.TxID] = &pendingEntry{
		entry: entry,
		acks:  make(map[PeerID]struct{}),
	}
}

// Ack records that peer acknowledged txid. Acks for unknown or already
// committed txids are ignored. Once the next expected txid reaches quorum
// it is committed, which may unblock held-back successors.
func (l *AckedLog) Ack(txid TxID, peer PeerID) {
	p, found := l.pending[txid]
	if !found {
		return
	}

	p.acks[peer] = struct{}{}

	for {
		next, found := l.pending[l.lastCommitted+1]
		if !found || len(next.acks) < l.quorum {
			break
		}

		delete(l.pending, next.entry.TxID)

		l.committed = append(l.committed, next.entry)
		l.lastCommitted = next.entry.TxID

		l.learner(next.entry)
	}
}

// CommittedSince returns committed entries with a txid strictly greater
// than txid, in order.
func (l *AckedLog) CommittedSince(txid TxID) []LogEntry {
	var entries []LogEntry

	for _, entry := range l.committed {
		if entry.TxID > txid {
			entries = append(entries, entry)
		}
	}

	return entries
}

// PendingSince returns pending entries with a txid strictly greater than
// txid, in txid order.
func (l *AckedLog) PendingSince(txid TxID) []LogEntry {
	var entries []LogEntry

	for id := l.lastCommitted + 1; ; id++ {
		p, found := l.pending[id]
		if !found {
			break
		}

		if p.entry.TxID > txid {
			entries = append(entries, p.entry)
		}
	}

	return entries
}
