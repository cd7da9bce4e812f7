// Package peer implements the peer role: it registers with the seeds, joins a
// subset of the network, gossips, and takes part in failure detection.
package peer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gossipnet/internal/dedup"
	"gossipnet/internal/detector"
	"gossipnet/internal/gossip"
	"gossipnet/internal/logging"
	"gossipnet/internal/membership"
	"gossipnet/internal/telemetry"
	"gossipnet/internal/transport"
	"gossipnet/internal/wire"
)

const (
	DefaultGossipInterval = 5 * time.Second
	DefaultGossipCount    = 10
	DefaultRequestTimeout = 3 * time.Second
)

// PayloadFunc builds the payload of the n-th locally originated message.
type PayloadFunc func(self membership.Address, n int, now time.Time) []byte

// DefaultPayload formats "<unix time>:<self>:Message #<n>".
func DefaultPayload(self membership.Address, n int, now time.Time) []byte {
	return fmt.Appendf(nil, "%d:%s:Message #%d", now.Unix(), self, n)
}

// Options configures a Service. Zero values select the defaults.
type Options struct {
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	Threshold      int
	GossipInterval time.Duration

	// GossipCount bounds the originate loop; negative disables it, zero
	// selects DefaultGossipCount. Unbounded ignores the bound.
	GossipCount int
	Unbounded   bool

	Policy         gossip.FanoutPolicy
	DedupTTL       time.Duration
	DedupCapacity  int
	RequestTimeout time.Duration

	// StaticPeers replaces the seed-driven join with a fixed neighbour list.
	StaticPeers []membership.Address

	Payload PayloadFunc
	Sink    gossip.Sink
	Rand    *rand.Rand
	Logger  *zap.Logger
}

// Service is one peer node.
type Service struct {
	book     *membership.AddressBook
	tr       transport.Transport
	seen     *dedup.Cache
	gossip   *gossip.Disseminator
	detector *detector.Detector

	policy         gossip.FanoutPolicy
	gossipInterval time.Duration
	gossipCount    int
	unbounded      bool
	requestTimeout time.Duration
	staticPeers    []membership.Address
	payload        PayloadFunc
	logger         *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ transport.Handler = (*Service)(nil)

// NewService creates a peer listening as self.
func NewService(self membership.Address, seeds []membership.Address, tr transport.Transport, opts Options) (*Service, error) {
	if self.IsZero() {
		return nil, fmt.Errorf("peer address is required")
	}
	if opts.GossipInterval <= 0 {
		opts.GossipInterval = DefaultGossipInterval
	}
	if opts.GossipCount == 0 {
		opts.GossipCount = DefaultGossipCount
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Payload == nil {
		opts.Payload = DefaultPayload
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	logger := logging.OrNop(opts.Logger).With(zap.Stringer("node", self))

	book := membership.NewAddressBook(self, seeds)
	seen := dedup.New(opts.DedupTTL, opts.DedupCapacity)

	d, err := gossip.New(book, tr, seen, opts.Sink, gossip.Options{
		Policy: opts.Policy,
		Rand:   rand.New(rand.NewPCG(opts.Rand.Uint64(), opts.Rand.Uint64())),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	det := detector.New(book, tr, detector.Options{
		Interval:  opts.ProbeInterval,
		Timeout:   opts.ProbeTimeout,
		Threshold: opts.Threshold,
		Logger:    logger,
	})

	s := &Service{
		book:           book,
		tr:             tr,
		seen:           seen,
		gossip:         d,
		detector:       det,
		policy:         opts.Policy,
		gossipInterval: opts.GossipInterval,
		gossipCount:    opts.GossipCount,
		unbounded:      opts.Unbounded,
		requestTimeout: opts.RequestTimeout,
		staticPeers:    append([]membership.Address(nil), opts.StaticPeers...),
		payload:        opts.Payload,
		logger:         logger,
		rng:            opts.Rand,
	}
	s.detector.SetOnEvict(s.onEvict)
	d.SetOnDeadNode(s.onDeadNode)
	return s, nil
}

// Book returns the peer's address book.
func (s *Service) Book() *membership.AddressBook { return s.book }

// Detector returns the peer's failure detector.
func (s *Service) Detector() *detector.Detector { return s.detector }

// Close releases the send pool. Call it after Run returns.
func (s *Service) Close() {
	s.gossip.Close()
}

// Bootstrap announces this peer to every seed concurrently and returns how
// many accepted the registration. Unreachable seeds are logged and skipped.
func (s *Service) Bootstrap(ctx context.Context) int {
	var (
		mu         sync.Mutex
		registered int
	)
	announce := wire.NewPeerAnnounce(s.book.Self())

	var g errgroup.Group
	for _, seed := range s.book.Seeds() {
		g.Go(func() error {
			if err := s.tr.Send(ctx, seed, announce); err != nil {
				s.logger.Warn("Failed to register with seed", zap.Stringer("seed", seed), zap.Error(err))
				return nil
			}
			s.logger.Info("Registered with seed", zap.Stringer("seed", seed))
			mu.Lock()
			registered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return registered
}

// JoinNetwork collects the seeds' membership views, samples a fanout subset
// of the union and connects to each chosen peer. It returns the peers added.
func (s *Service) JoinNetwork(ctx context.Context) []membership.Address {
	self := s.book.Self()
	known := make(map[membership.Address]struct{})
	var mu sync.Mutex

	var g errgroup.Group
	for _, seed := range s.book.Seeds() {
		g.Go(func() error {
			reply, err := s.tr.Request(ctx, seed, wire.NewPeerListRequest(self), s.requestTimeout)
			if err != nil {
				s.logger.Warn("Failed to fetch peer list", zap.Stringer("seed", seed), zap.Error(err))
				return nil
			}
			if reply.Kind != wire.KindPeerList {
				s.logger.Warn("Unexpected reply to peer list request", zap.Stringer("seed", seed), zap.Stringer("kind", reply.Kind))
				return nil
			}
			mu.Lock()
			for _, p := range reply.Peers {
				if p != self {
					known[p] = struct{}{}
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	candidates := make([]membership.Address, 0, len(known))
	for p := range known {
		candidates = append(candidates, p)
	}
	membership.SortAddresses(candidates)

	s.rngMu.Lock()
	targets := gossip.SelectFanout(s.policy, s.book.SeedCount(), candidates, s.rng)
	s.rngMu.Unlock()

	joined := s.Connect(ctx, targets)
	s.logger.Info("Joined network",
		zap.Int("known", len(candidates)),
		zap.Int("selected", len(targets)),
		zap.Int("connected", len(joined)))
	return joined
}

// Connect announces this peer to every target concurrently and adds the ones
// that accepted to the peer set. It returns the peers added, sorted.
func (s *Service) Connect(ctx context.Context, targets []membership.Address) []membership.Address {
	announce := wire.NewPeerAnnounce(s.book.Self())
	var (
		mu     sync.Mutex
		joined []membership.Address
	)

	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			if err := s.tr.Send(ctx, target, announce); err != nil {
				s.logger.Warn("Failed to connect to peer", zap.Stringer("peer", target), zap.Error(err))
				return nil
			}
			if s.book.AddPeer(target) {
				mu.Lock()
				joined = append(joined, target)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	membership.SortAddresses(joined)
	telemetry.PeerSetSize.Set(float64(s.book.PeerCount()))
	return joined
}

// Gossip originates one application message.
func (s *Service) Gossip(ctx context.Context, payload []byte) (gossip.Result, error) {
	msg := wire.NewApplicationGossip(payload, s.book.Self(), time.Now())
	return s.gossip.Originate(ctx, msg)
}

// HandleFrame dispatches one inbound frame by kind.
func (s *Service) HandleFrame(ctx context.Context, from membership.Address, msg wire.Message) (*wire.Message, error) {
	switch msg.Kind {
	case wire.KindPeerAnnounce:
		if s.book.AddPeer(msg.Origin) {
			telemetry.PeerSetSize.Set(float64(s.book.PeerCount()))
			s.logger.Info("Peer connected", zap.Stringer("peer", msg.Origin))
		}
		return nil, nil

	case wire.KindApplicationGossip, wire.KindDeadNodeNotice:
		sender := msg.Relay
		if sender.IsZero() {
			sender = from
		}
		s.gossip.OnReceive(ctx, msg, sender)
		return nil, nil

	case wire.KindLivenessRequest:
		reply := wire.NewLivenessReply(time.Now(), msg.Timestamp, s.book.Self(), msg.Origin)
		return &reply, nil

	case wire.KindPeerListRequest:
		reply := wire.NewPeerList(s.book.Self(), s.book.PeersExcept(msg.Origin))
		return &reply, nil

	default:
		s.logger.Debug("Ignoring frame", zap.Stringer("kind", msg.Kind), zap.Stringer("from", from))
		return nil, nil
	}
}

// Run serves inbound frames on lis, bootstraps, joins the network (or
// connects to the static peers) and then runs failure detection and the
// originate loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context, lis net.Listener) error {
	srv := transport.NewServer(s, s.logger)
	s.logger.Info("Peer listening", zap.String("addr", lis.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Stop()
		return nil
	})
	g.Go(func() error {
		s.Bootstrap(gctx)
		if len(s.staticPeers) > 0 {
			s.Connect(gctx, s.staticPeers)
		} else {
			s.JoinNetwork(gctx)
		}

		inner, ictx := errgroup.WithContext(gctx)
		inner.Go(func() error { return s.detector.Run(ictx) })
		inner.Go(func() error { return s.originateLoop(ictx) })
		return inner.Wait()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("peer %s: %w", s.book.Self(), err)
	}
	return nil
}

func (s *Service) originateLoop(ctx context.Context) error {
	if s.gossipCount < 0 {
		return nil
	}
	ticker := time.NewTicker(s.gossipInterval)
	defer ticker.Stop()

	for n := 1; s.unbounded || n <= s.gossipCount; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := s.Gossip(ctx, s.payload(s.book.Self(), n, time.Now())); err != nil {
			s.logger.Warn("Failed to originate message", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) onEvict(ctx context.Context, dead membership.Address) {
	telemetry.PeerSetSize.Set(float64(s.book.PeerCount()))
	notice := wire.NewDeadNodeNotice(dead, time.Now(), s.book.Self())
	if _, err := s.gossip.Originate(ctx, notice); err != nil {
		s.logger.Warn("Failed to gossip dead node", zap.Stringer("dead", dead), zap.Error(err))
	}
}

func (s *Service) onDeadNode(_ context.Context, dead, reporter membership.Address) {
	if dead == s.book.Self() {
		s.logger.Warn("Reported dead by peer", zap.Stringer("reporter", reporter))
		return
	}
	s.detector.Forget(dead)
	if s.book.RemovePeer(dead) {
		telemetry.PeerSetSize.Set(float64(s.book.PeerCount()))
		s.logger.Info("Removed dead peer", zap.Stringer("peer", dead), zap.Stringer("reporter", reporter))
	}
}
