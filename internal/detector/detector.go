// Package detector implements cooperative failure detection: every peer
// probes its connected peers and evicts one after consecutive failures.
package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gossipnet/internal/logging"
	"gossipnet/internal/membership"
	"gossipnet/internal/telemetry"
	"gossipnet/internal/transport"
	"gossipnet/internal/wire"
)

const (
	// DefaultThreshold is the number of consecutive failed probes that evicts a peer.
	DefaultThreshold = 3
	DefaultInterval  = 13 * time.Second
	DefaultTimeout   = 3 * time.Second
	// DefaultParallelism bounds concurrent probes within one round.
	DefaultParallelism = 32
)

// EvictFunc is invoked once per eviction, after the seeds were notified.
type EvictFunc func(ctx context.Context, dead membership.Address)

// Options configures a Detector. Zero values select the defaults.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	Threshold   int
	Parallelism int
	Now         func() time.Time
	Logger      *zap.Logger
}

// Detector keeps per-peer failure evidence.
type Detector struct {
	book *membership.AddressBook
	tr   transport.Transport

	interval    time.Duration
	timeout     time.Duration
	threshold   int
	parallelism int
	now         func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	evidence map[membership.Address]int
	onEvict  EvictFunc
}

// New creates a detector probing the peers of book.
func New(book *membership.AddressBook, tr transport.Transport, opts Options) *Detector {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Detector{
		book:        book,
		tr:          tr,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		threshold:   opts.Threshold,
		parallelism: opts.Parallelism,
		now:         opts.Now,
		logger:      logging.OrNop(opts.Logger),
		evidence:    make(map[membership.Address]int),
	}
}

// SetOnEvict sets a callback that's invoked when a peer is evicted.
func (d *Detector) SetOnEvict(fn EvictFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvict = fn
}

// Run probes all peers every interval until ctx is cancelled. Rounds never
// overlap.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.ProbeRound(ctx)
		}
	}
}

// ProbeRound probes every currently connected peer once and returns the
// peers evicted by this round.
func (d *Detector) ProbeRound(ctx context.Context) []membership.Address {
	targets := d.book.Peers()
	if len(targets) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		evicted []membership.Address
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for _, target := range targets {
		g.Go(func() error {
			alive := d.probe(gctx, target)
			if d.record(target, alive) {
				mu.Lock()
				evicted = append(evicted, target)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, dead := range evicted {
		d.evict(ctx, dead)
	}
	membership.SortAddresses(evicted)
	return evicted
}

// probe reports whether target answered with a reply correlated to our request.
func (d *Detector) probe(ctx context.Context, target membership.Address) bool {
	sent := d.now()
	reply, err := d.tr.Request(ctx, target, wire.NewLivenessRequest(sent, d.book.Self()), d.timeout)
	if err != nil {
		var te *transport.TimeoutError
		result := "error"
		if errors.As(err, &te) {
			result = "timeout"
		}
		telemetry.Probes.WithLabelValues(result).Inc()
		d.logger.Debug("Probe failed", zap.Stringer("peer", target), zap.Error(err))
		return false
	}
	if reply.Kind != wire.KindLivenessReply || !reply.Correlated.Equal(sent) {
		telemetry.Probes.WithLabelValues("mismatch").Inc()
		d.logger.Debug("Probe got unexpected reply",
			zap.Stringer("peer", target), zap.Stringer("kind", reply.Kind))
		return false
	}
	telemetry.Probes.WithLabelValues("ok").Inc()
	return true
}

// record applies one probe outcome and reports whether it crossed the
// threshold. Evidence for the peer is deleted on that transition, so a peer
// is evicted at most once per membership.
func (d *Detector) record(target membership.Address, alive bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.book.HasPeer(target) {
		delete(d.evidence, target)
		return false
	}
	if alive {
		d.evidence[target] = 0
		return false
	}

	d.evidence[target]++
	if d.evidence[target] < d.threshold {
		return false
	}
	delete(d.evidence, target)
	return d.book.RemovePeer(target)
}

// evict notifies every seed and then the eviction hook.
func (d *Detector) evict(ctx context.Context, dead membership.Address) {
	telemetry.Evictions.Inc()
	telemetry.PeerSetSize.Set(float64(d.book.PeerCount()))
	d.logger.Warn("Evicting dead peer", zap.Stringer("peer", dead), zap.Int("threshold", d.threshold))

	notice := wire.NewDeadNodeNotice(dead, d.now(), d.book.Self())
	var g errgroup.Group
	for _, s := range d.book.Seeds() {
		g.Go(func() error {
			if err := d.tr.Send(ctx, s, notice); err != nil {
				d.logger.Warn("Failed to notify seed", zap.Stringer("seed", s), zap.Stringer("dead", dead), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	fn := d.onEvict
	d.mu.Unlock()
	if fn != nil {
		fn(ctx, dead)
	}
}

// Evidence returns the current consecutive failure count for addr.
func (d *Detector) Evidence(addr membership.Address) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evidence[addr]
}

// Forget drops the evidence kept for addr.
func (d *Detector) Forget(addr membership.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.evidence, addr)
}
