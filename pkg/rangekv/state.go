package rangekv

import (
	"fmt"
	"time"
)

// ConsensusState is the per-range leadership state. Exactly one variant is
// active per range at any instant; every transition happens under the
// server lock.
//
// A lapsed Leader or Candidate keeps its variant tag until the next cron
// tick resets it; the validity predicates below are what decide whether
// leadership is actually in effect.
type ConsensusState interface {
	fmt.Stringer

	// term returns the election term the state belongs to, if any.
	term() (Term, bool)
}

type StateInit struct{}

func (StateInit) term() (Term, bool) {
	return 0, false
}

func (StateInit) String() string {
	return "Init{}"
}

type StateCandidate struct {
	Term  Term
	Until time.Time
	Need  int
	Have  map[PeerID]struct{}
}

func (s StateCandidate) term() (Term, bool) {
	return s.Term, true
}

func (s StateCandidate) String() string {
	return fmt.Sprintf("Candidate{term: %d, until: %v, need: %d, have: %d}",
		s.Term, s.Until, s.Need, len(s.Have))
}

type StateLeader struct {
	Term  Term
	Until time.Time
	Need  int

	// Have accumulates acks toward the next lease extension; it is reset
	// to empty each time the lease is renewed.
	Have map[PeerID]struct{}
}

func (s StateLeader) term() (Term, bool) {
	return s.Term, true
}

func (s StateLeader) String() string {
	return fmt.Sprintf("Leader{term: %d, until: %v, need: %d, have: %d}",
		s.Term, s.Until, s.Need, len(s.Have))
}

type StateFollower struct {
	Term          Term
	LeaderID      PeerID
	LeaderAddress PeerAddress
	Until         time.Time
	Token         int64
}

func (s StateFollower) term() (Term, bool) {
	return s.Term, true
}

func (s StateFollower) String() string {
	return fmt.Sprintf("Follower{term: %d, leader: %q, leaderAddress: %q, "+
		"until: %v}", s.Term, s.LeaderID, s.LeaderAddress, s.Until)
}

// leaderWithLease reports whether this replica itself holds an unexpired
// leadership lease.
func leaderWithLease(state ConsensusState, now time.Time) bool {
	s, ok := state.(StateLeader)
	return ok && now.Before(s.Until)
}

// validLeader reports whether a valid leader is known, either because this
// replica leads with an unexpired lease or because it validly follows one.
func validLeader(state ConsensusState, now time.Time) bool {
	switch s := state.(type) {
	case StateLeader:
		return now.Before(s.Until)
	case StateFollower:
		// A valid follower knows a valid leader.
		return now.Before(s.Until)
	default:
		return false
	}
}

func validCandidate(state ConsensusState, now time.Time) bool {
	s, ok := state.(StateCandidate)
	return ok && now.Before(s.Until)
}

// following reports whether state is a still-valid followership of id.
func following(state ConsensusState, id PeerID, now time.Time) bool {
	s, ok := state.(StateFollower)
	return ok && s.LeaderID == id && now.Before(s.Until)
}

// shouldExtendLease reports whether a leader is close enough to lease
// expiry that it must ask for an extension.
func shouldExtendLease(state ConsensusState, now time.Time) bool {
	s, ok := state.(StateLeader)
	if !ok || !now.Before(s.Until) {
		return false
	}

	return s.Until.Sub(now) <= LeaseRefresh
}
