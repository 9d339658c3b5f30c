package rangekv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"
)

const metaSeenKey = "meta_seen"

// outbox turns messages into outbound envelopes. Sends are fire-and-forget
// enqueues; they are safe to perform while the server lock is held.
type outbox struct {
	transport Transport
	log       Logger

	mu    sync.Mutex
	epoch uint64
}

func newOutbox(transport Transport, logger Logger) *outbox {
	return &outbox{
		transport: transport,
		log:       logger,
	}
}

func (o *outbox) nextCorrelationID() uint64 {
	o.mu.Lock()
	o.epoch++
	id := o.epoch
	o.mu.Unlock()

	return id
}

func (o *outbox) send(address PeerAddress, tok int64, correlationID uint64, msg Message) {
	data, err := EncodeMessage(msg)
	if err != nil {
		o.log.Error("cannot encode message %v: %v", msg, err)
		return
	}

	o.transport.Send(Envelope{
		CorrelationID: correlationID,
		Address:       address,
		Token:         tok,
		Payload:       data,
	})
}

// reply addresses msg back to the sender of req, reusing its correlation
// id and routing token.
func (o *outbox) reply(req Envelope, msg Message) {
	o.send(req.Address, req.Token, req.CorrelationID, msg)
}

func (o *outbox) broadcast(msg Message) {
	o.send("", 0, o.nextCorrelationID(), msg)
}

func (o *outbox) sendTo(address PeerAddress, msg Message) {
	o.send(address, 0, o.nextCorrelationID(), msg)
}

type rangeItem struct {
	lower string
	rng   *Range
}

func (it rangeItem) Less(than btree.Item) bool {
	return it.lower < than.(rangeItem).lower
}

type ServerCfg struct {
	Id      PeerID
	Address PeerAddress
	Peers   []PeerAddress

	Storage   Storage
	Transport Transport
	Logger    Logger
	Clock     Clock

	// InitializeMeta is the one-shot mode used by exactly one node to
	// seed a new cluster: it caches provisional metadata locally, which
	// makes this node a seeding candidate.
	InitializeMeta bool

	ProbeTimeout time.Duration
}

// Server owns every range replicated on this process and routes peer and
// client envelopes to them. All range and routing state is guarded by one
// exclusive lock, held for the duration of a dispatched message or cron
// tick and never across a network wait.
type Server struct {
	Cfg ServerCfg
	Log Logger

	Id      PeerID
	Address PeerAddress

	clock     Clock
	store     Storage
	transport Transport
	out       *outbox

	mu         sync.Mutex
	ranges     *btree.BTree
	rangesByID map[RangeID]*Range
	meta       *ClusterMeta
	metaSeen   bool

	probeMu      sync.Mutex
	probeWaiters map[uint64]chan *MetaProbeResponse

	randGenerator *rand.Rand

	errorChan chan<- error
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("missing or empty address")
	}

	if len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("missing or empty peer set")
	}

	if cfg.Storage == nil {
		return nil, fmt.Errorf("missing storage")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Id == "" {
		cfg.Id = NewPeerID(cfg.Address)
	}

	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}

	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:      cfg.Id,
		Address: cfg.Address,

		clock:     cfg.Clock,
		store:     cfg.Storage,
		transport: cfg.Transport,

		ranges:     btree.New(8),
		rangesByID: make(map[RangeID]*Range),

		probeWaiters: make(map[uint64]chan *MetaProbeResponse),

		randGenerator: rand.New(randSource),
	}

	s.out = newOutbox(cfg.Transport, cfg.Logger)

	return s, nil
}

func (s *Server) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	if err := s.transport.Start(errorChan); err != nil {
		return fmt.Errorf("cannot start transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	// A fixed set of workers; the first one to fail cancels the rest and
	// its error takes the whole process down. A subset of these silently
	// dying while the others keep running would be a split-brain risk.
	g.Go(s.worker("peer handler", gctx, s.peerLoop))
	g.Go(s.worker("client handler", gctx, s.clientLoop))
	g.Go(s.worker("cron", gctx, s.cronLoop))
	g.Go(s.worker("bootstrap", gctx, s.bootstrap))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := g.Wait(); err != nil &&
			!errors.Is(err, context.Canceled) {
			s.errorChan <- err
		}
	}()

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server) Stop() {
	s.Log.Debug(1, "stopping")

	s.cancel()
	s.wg.Wait()

	s.transport.Stop()

	s.Log.Debug(1, "stopped")
}

// worker wraps a loop so that a panic, including one thrown while the
// state lock was held and a mutation was half applied, becomes a fatal
// error instead of a silently dead goroutine.
func (s *Server) worker(name string, ctx context.Context, fn func(context.Context) error) func() error {
	return func() (err error) {
		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				s.Log.Error("panic in %s: %s\n%s", name, msg, trace)

				err = fmt.Errorf("panic in %s: %s", name, msg)
			}
		}()

		return fn(ctx)
	}
}

func (s *Server) peerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-s.transport.Peer():
			if !ok {
				return fmt.Errorf("peer channel closed")
			}

			s.handlePeer(env)
		}
	}
}

func (s *Server) clientLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-s.transport.Client():
			if !ok {
				return fmt.Errorf("client channel closed")
			}

			s.handleClient(env)
		}
	}
}

func (s *Server) cronLoop(ctx context.Context) error {
	for {
		jitter := s.randGenerator.Int63n(
			int64(MaxCronInterval - MinCronInterval))
		interval := MinCronInterval + time.Duration(jitter)

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-time.After(interval):
			s.cron()
		}
	}
}

func (s *Server) cron() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ranges.Ascend(func(item btree.Item) bool {
		item.(rangeItem).rng.Cron()
		return true
	})
}

// handlePeer decodes a peer envelope and routes it: the bootstrap meta
// probe is answered by the server itself, everything else goes to the
// range the message declares.
func (s *Server) handlePeer(env Envelope) {
	msg, err := DecodeMessage(env.Payload)
	if err != nil {
		s.Log.Error("cannot decode peer message from %q: %v",
			env.Address, err)
		return
	}

	s.Log.Debug(2, "received %v from %q", msg, env.Address)

	switch m := msg.(type) {
	case *MetaProbeRequest:
		s.handleMetaProbe(env)

	case *MetaProbeResponse:
		s.deliverProbeResponse(env.CorrelationID, m)

	case PeerMessage:
		s.dispatchRange(env, m)

	default:
		s.Log.Error("unexpected peer message %v from %q", msg, env.Address)
	}
}

func (s *Server) dispatchRange(env Envelope, msg PeerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rng, found := s.rangesByID[msg.GetRangeID()]
	if !found {
		s.Log.Debug(1, "dropping %v: unknown range %q",
			msg, msg.GetRangeID())
		return
	}

	switch m := msg.(type) {
	case *VoteRequest:
		rng.HandleVoteRequest(env, m)
	case *VoteResponse:
		rng.HandleVoteResponse(m)
	case *Append:
		rng.HandleAppend(env, m)
	case *AppendAck:
		rng.HandleAppendAck(env, m)
	}
}

func (s *Server) handleMetaProbe(env Envelope) {
	s.mu.Lock()

	res := MetaProbeResponse{
		SourceID: s.Id,
		Seen:     s.metaSeen,
	}

	if s.metaSeen && s.meta != nil {
		data, err := EncodeClusterMeta(s.meta)
		if err != nil {
			s.Log.Error("cannot encode cluster metadata: %v", err)
		} else {
			res.Meta = data
		}
	}

	s.mu.Unlock()

	s.out.reply(env, &res)
}

func (s *Server) handleClient(env Envelope) {
	msg, err := DecodeMessage(env.Payload)
	if err != nil {
		s.Log.Error("cannot decode client message: %v", err)
		return
	}

	s.Log.Debug(2, "received %v", msg)

	switch m := msg.(type) {
	case *ClientGet:
		s.clientGet(env, m)

	case *ClientSet:
		s.clientSet(env, m)

	default:
		s.Log.Error("unexpected client message %v", msg)
	}
}

func (s *Server) clientGet(env Envelope, req *ClientGet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rng := s.rangeForKeyLocked(req.Key)
	if rng == nil {
		s.out.reply(env, &GetResponse{
			Success: false,
			Err:     "no range for key",
		})
		return
	}

	if !rng.HasLeaderLease() {
		s.redirect(env, rng)
		return
	}

	res := GetResponse{TxID: rng.MaxTxID()}

	value, found, err := s.store.Get(req.Key)
	switch {
	case err != nil:
		s.Log.Error("cannot read key %q: %v", req.Key, err)
		res.Success = false
		res.Err = "operational problem encountered"

	case !found:
		res.Success = false
		res.Err = "key not found"

	default:
		res.Success = true
		res.Value = value
	}

	s.out.reply(env, &res)
}

func (s *Server) clientSet(env Envelope, req *ClientSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rng := s.rangeForKeyLocked(req.Key)
	if rng == nil {
		s.out.reply(env, &SetResponse{
			Success: false,
			Err:     "no range for key",
		})
		return
	}

	if !rng.HasLeaderLease() {
		s.redirect(env, rng)
		return
	}

	err := rng.ProposeWrite(req.Key, req.Value, req.Tombstone, env)
	if err != nil {
		// The lease may have lapsed between the check and the proposal.
		s.redirect(env, rng)
	}

	// The reply is emitted by the range once the entry commits.
}

// redirect points a client at the leader this replica follows, or reports
// that no leader has been elected yet. Not an error.
func (s *Server) redirect(env Envelope, rng *Range) {
	res := Redirect{}

	if address, found := rng.LeaderAddress(); found {
		res.Success = true
		res.LeaderAddress = address
	} else {
		res.Success = false
		res.Err = "no leader has been elected yet"
	}

	s.out.reply(env, &res)
}

// rangeForKeyLocked resolves the unique range owning key. Ranges must
// partition the keyspace: resolving to nothing is an invariant violation,
// logged, and the request fails.
func (s *Server) rangeForKeyLocked(key string) *Range {
	var candidate *Range

	s.ranges.DescendLessOrEqual(rangeItem{lower: key},
		func(item btree.Item) bool {
			candidate = item.(rangeItem).rng
			return false
		})

	if candidate == nil || !candidate.ContainsKey(key) {
		s.Log.Error("no range for key %q", key)
		return nil
	}

	return candidate
}

// addRangeLocked inserts a range after checking that it does not overlap
// an existing one; overlapping bounds are rejected, never silently
// tolerated.
func (s *Server) addRangeLocked(meta RangeMeta) error {
	var prev, next *Range

	s.ranges.DescendLessOrEqual(rangeItem{lower: meta.Lower},
		func(item btree.Item) bool {
			prev = item.(rangeItem).rng
			return false
		})

	s.ranges.AscendGreaterOrEqual(rangeItem{lower: meta.Lower},
		func(item btree.Item) bool {
			next = item.(rangeItem).rng
			return false
		})

	if prev != nil && prev.Meta.Lower == meta.Lower {
		return fmt.Errorf("range %q overlaps range %q",
			meta.ID, prev.Meta.ID)
	}

	if prev != nil &&
		(prev.Meta.Upper == "" || prev.Meta.Upper > meta.Lower) {
		return fmt.Errorf("range %q overlaps range %q",
			meta.ID, prev.Meta.ID)
	}

	if next != nil && next.Meta.Lower != meta.Lower &&
		(meta.Upper == "" || next.Meta.Lower < meta.Upper) {
		return fmt.Errorf("range %q overlaps range %q",
			meta.ID, next.Meta.ID)
	}

	rng, err := newRange(meta, s.Id, s.Address, s.clock, s.Log,
		s.store, s.out)
	if err != nil {
		return err
	}

	s.ranges.ReplaceOrInsert(rangeItem{lower: meta.Lower, rng: rng})
	s.rangesByID[meta.ID] = rng

	s.Log.Info("installed range %q [%q, %q)",
		meta.ID, meta.Lower, meta.Upper)

	return nil
}

func (s *Server) installMeta(meta *ClusterMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rangeMeta := range meta.AllRanges() {
		if _, found := s.rangesByID[rangeMeta.ID]; found {
			continue
		}

		replicated := false
		for _, replica := range rangeMeta.Replicas {
			if replica == s.Address {
				replicated = true
				break
			}
		}

		if !replicated {
			continue
		}

		if err := s.addRangeLocked(rangeMeta); err != nil {
			return err
		}
	}

	s.meta = meta
	s.metaSeen = true

	return nil
}

// bootstrap decides between resuming, seeding and joining. Seeding only
// proceeds once every configured peer confirmed it has not seen metadata;
// unreachable peers mean indefinite retry, consistency wins over
// availability here.
func (s *Server) bootstrap(ctx context.Context) error {
	data, found, err := s.store.GetMeta()
	if err != nil {
		return fmt.Errorf("cannot load cluster metadata: %w", err)
	}

	var meta *ClusterMeta
	if found {
		if meta, err = DecodeClusterMeta(data); err != nil {
			return err
		}
	}

	seenData, seenFound, err := s.store.GetLocal(metaSeenKey)
	if err != nil {
		return fmt.Errorf("cannot load bootstrap state: %w", err)
	}

	if seenFound && string(seenData) == "true" && meta != nil {
		s.Log.Debug(1, "resuming with cached cluster metadata")
		return s.installMeta(meta)
	}

	if meta == nil && s.Cfg.InitializeMeta {
		meta = SeedMeta(s.Cfg.Peers)

		data, err := EncodeClusterMeta(meta)
		if err != nil {
			return fmt.Errorf("cannot encode cluster metadata: %w", err)
		}

		if err := s.store.PersistMeta(data); err != nil {
			return fmt.Errorf("cannot cache cluster metadata: %w", err)
		}

		s.Log.Info("cached provisional cluster metadata")
	}

	if meta != nil && meta.ReplicatedOn(s.Address) {
		return s.seedLoop(ctx, meta)
	}

	return s.joinLoop(ctx)
}

type seedDecision int

const (
	seedRetry seedDecision = iota
	seedProceed
	seedAdopt
)

// evaluateProbes turns one round of peer probing into a bootstrap
// decision: adopt if anyone has seen metadata, proceed only on a unanimous
// no from the full peer set, retry otherwise.
func evaluateProbes(responses []*MetaProbeResponse, nbUnreachable int) (seedDecision, []byte) {
	for _, res := range responses {
		if res.Seen {
			return seedAdopt, res.Meta
		}
	}

	if nbUnreachable == 0 {
		return seedProceed, nil
	}

	return seedRetry, nil
}

func (s *Server) seedLoop(ctx context.Context, meta *ClusterMeta) error {
	backoff := time.Second

	for {
		responses, nbUnreachable := s.probePeers(ctx)

		decision, adopted := evaluateProbes(responses, nbUnreachable)
		switch decision {
		case seedAdopt:
			s.Log.Info("cluster metadata already seeded elsewhere, " +
				"adopting it")
			return s.adoptMeta(adopted)

		case seedProceed:
			s.Log.Info("seeding cluster metadata")

			if err := s.markMetaSeen(); err != nil {
				return err
			}

			return s.installMeta(meta)
		}

		s.Log.Info("cannot confirm seeding status (%d unreachable "+
			"peers), retrying in %v", nbUnreachable, backoff)

		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}

		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *Server) joinLoop(ctx context.Context) error {
	backoff := time.Second

	for {
		responses, _ := s.probePeers(ctx)

		for _, res := range responses {
			if res.Seen {
				s.Log.Info("adopting cluster metadata from %q",
					res.SourceID)
				return s.adoptMeta(res.Meta)
			}
		}

		s.Log.Debug(1, "no peer has seen cluster metadata, retrying "+
			"in %v", backoff)

		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}

		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *Server) adoptMeta(data []byte) error {
	meta, err := DecodeClusterMeta(data)
	if err != nil {
		return err
	}

	if err := s.store.PersistMeta(data); err != nil {
		return fmt.Errorf("cannot persist cluster metadata: %w", err)
	}

	if err := s.markMetaSeen(); err != nil {
		return err
	}

	return s.installMeta(meta)
}

func (s *Server) markMetaSeen() error {
	if err := s.store.PutLocal(metaSeenKey, []byte("true")); err != nil {
		return fmt.Errorf("cannot persist bootstrap state: %w", err)
	}

	return nil
}

func (s *Server) probePeers(ctx context.Context) ([]*MetaProbeResponse, int) {
	var responses []*MetaProbeResponse
	nbUnreachable := 0

	for _, peer := range s.Cfg.Peers {
		if peer == s.Address {
			continue
		}

		res, err := s.probePeer(ctx, peer)
		if err != nil {
			s.Log.Debug(1, "cannot probe %q: %v", peer, err)
			nbUnreachable++
			continue
		}

		responses = append(responses, res)
	}

	return responses, nbUnreachable
}

func (s *Server) probePeer(ctx context.Context, peer PeerAddress) (*MetaProbeResponse, error) {
	id := s.out.nextCorrelationID()

	waiter := make(chan *MetaProbeResponse, 1)

	s.probeMu.Lock()
	s.probeWaiters[id] = waiter
	s.probeMu.Unlock()

	defer func() {
		s.probeMu.Lock()
		delete(s.probeWaiters, id)
		s.probeMu.Unlock()
	}()

	s.out.send(peer, 0, id, &MetaProbeRequest{SourceID: s.Id})

	select {
	case res := <-waiter:
		return res, nil

	case <-time.After(s.Cfg.ProbeTimeout):
		return nil, fmt.Errorf("timeout")

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) deliverProbeResponse(correlationID uint64, res *MetaProbeResponse) {
	s.probeMu.Lock()
	waiter, found := s.probeWaiters[correlationID]
	s.probeMu.Unlock()

	if !found {
		s.Log.Debug(1, "no probe waiter for correlation id %d",
			correlationID)
		return
	}

	// Non-blocking: a duplicate response for the same correlation id must
	// not wedge the peer loop.
	select {
	case waiter <- res:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
