package rangekv

// consensus is the leader-election and lease machine of one range. It is
// driven by the owning range under the server lock and never blocks: all
// outgoing messages are returned to the caller for delivery.
type consensus struct {
	id      PeerID
	address PeerAddress
	rangeID RangeID
	nbPeers int
	clock   Clock
	log     Logger

	state ConsensusState

	// highestTerm is the highest term this replica ever participated in;
	// maxTxID and lastTxTerm describe the most advanced entry of the
	// local replicated log, which is what the log-completeness vote check
	// compares.
	highestTerm Term
	maxTxID     TxID
	lastTxTerm  Term
}

func newConsensus(id PeerID, address PeerAddress, rangeID RangeID, nbPeers int, clock Clock, logger Logger) *consensus {
	return &consensus{
		id:      id,
		address: address,
		rangeID: rangeID,
		nbPeers: nbPeers,
		clock:   clock,
		log:     logger,

		state: StateInit{},
	}
}

// onCron claims candidacy when no valid leader or candidacy exists, and
// returns the vote or lease-extension request to broadcast, if any.
func (c *consensus) onCron() []Message {
	now := c.clock.Now()

	if !validLeader(c.state, now) && !validCandidate(c.state, now) {
		c.highestTerm++

		c.state = StateCandidate{
			Term:  c.highestTerm,
			Until: now.Add(LeaseDuration),
			Need:  Quorum(c.nbPeers),
			Have:  make(map[PeerID]struct{}),
		}

		c.log.Info("%s/%s transitioning to candidate state: %v",
			c.id, c.rangeID, c.state)
	}

	if !shouldExtendLease(c.state, now) && !validCandidate(c.state, now) {
		return nil
	}

	term, _ := c.state.term()

	return []Message{&VoteRequest{
		RangeID:       c.rangeID,
		SourceID:      c.id,
		SourceAddress: c.address,
		Term:          term,
		MaxTxID:       c.maxTxID,
		LastTxTerm:    c.lastTxTerm,
	}}
}

// onVoteRequest grants or rejects a vote or lease-extension request and
// returns the response to send back to the requester.
func (c *consensus) onVoteRequest(req *VoteRequest, tok int64) *VoteResponse {
	now := c.clock.Now()

	res := VoteResponse{
		RangeID:  c.rangeID,
		SourceID: c.id,
		Term:     req.Term,
	}

	switch {
	case req.SourceID == c.id:
		// Broadcast is naive: we receive our own requests. Grant without
		// touching local state.
		res.Success = true

	case validLeader(c.state, now) && !following(c.state, req.SourceID, now):
		// Already bound to a different valid leader. Report our term so
		// a stale candidate can learn it is behind.
		c.log.Debug(1, "%s/%s rejecting vote request from %q: %v",
			c.id, c.rangeID, req.SourceID, c.state)

		if term, ok := c.state.term(); ok {
			res.Term = term
		}
		res.Success = false

	case following(c.state, req.SourceID, now):
		// Renewal from the leader we already follow.
		s := c.state.(StateFollower)
		s.Until = now.Add(LeaseDuration)
		c.state = s

		c.log.Debug(1, "%s/%s extending followership of %q",
			c.id, c.rangeID, req.SourceID)

		res.Success = true

	case req.Term >= c.lastTxTerm &&
		((req.MaxTxID >= c.maxTxID && req.LastTxTerm == c.lastTxTerm) ||
			req.LastTxTerm > c.lastTxTerm):
		// Log-completeness check: only accept a leader whose replicated
		// history is at least as advanced as ours, so that no acked
		// write is lost as long as a majority of the previous term's
		// replicas survive.
		c.highestTerm = req.Term

		c.state = StateFollower{
			Term:          req.Term,
			LeaderID:      req.SourceID,
			LeaderAddress: req.SourceAddress,
			Until:         now.Add(LeaseDuration),
			Token:         tok,
		}

		c.log.Info("%s/%s new leader %q: %v",
			c.id, c.rangeID, req.SourceID, c.state)

		res.Success = true

	default:
		if term, ok := c.state.term(); ok {
			res.Term = term
		}
		res.Success = false
	}

	return &res
}

// onVoteResponse counts grants toward candidacy or lease extension;
// rejections abandon a candidacy outright.
func (c *consensus) onVoteResponse(res *VoteResponse) {
	now := c.clock.Now()

	term, ok := c.state.term()
	if !ok {
		return
	}

	if res.Success && res.Term != term {
		// Grant for an election we are no longer running.
		return
	}

	switch {
	case validCandidate(c.state, now) && !res.Success:
		// A single nack gives the candidacy up. Unlike raft, a node
		// never dethrones a healthy leader with a higher term here; a
		// partially partitioned replica cannot livelock the group.
		if res.Term > c.highestTerm {
			c.highestTerm = res.Term
		}

		c.state = StateInit{}

	case validCandidate(c.state, now):
		s := c.state.(StateCandidate)
		s.Have[res.SourceID] = struct{}{}

		if len(s.Have) >= s.Need {
			// Ascension does not extend the lease window: we lead for
			// the remainder of the window the votes were won in.
			c.state = StateLeader{
				Term:  s.Term,
				Until: s.Until,
				Need:  s.Need,
				Have:  make(map[PeerID]struct{}),
			}

			c.log.Info("%s/%s transitioning to leader state: %v",
				c.id, c.rangeID, c.state)
		} else {
			c.state = s
		}

	case leaderWithLease(c.state, now) && res.Success:
		s := c.state.(StateLeader)
		s.Have[res.SourceID] = struct{}{}

		if len(s.Have) >= s.Need {
			s.Have = make(map[PeerID]struct{})
			s.Until = now.Add(LeaseDuration)

			c.log.Debug(1, "%s/%s leadership extended until %v",
				c.id, c.rangeID, s.Until)
		}

		c.state = s

	case !res.Success:
		c.log.Debug(1, "%s/%s vote nack from %q",
			c.id, c.rangeID, res.SourceID)

	default:
		// E.g. a grant received while follower: log and do nothing.
		c.log.Error("%s/%s cannot handle vote response %v in state %v",
			c.id, c.rangeID, res, c.state)
	}
}

// noteAppended records the most advanced local log entry; the vote checks
// compare these against a candidate's claims.
func (c *consensus) noteAppended(txid TxID, term Term) {
	if txid > c.maxTxID {
		c.maxTxID = txid
	}

	if term > c.lastTxTerm {
		c.lastTxTerm = term
	}

	if term > c.highestTerm {
		c.highestTerm = term
	}
}

func (c *consensus) nextTxID() TxID {
	c.maxTxID++
	return c.maxTxID
}
