package gossip

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gossipnet/internal/dedup"
	"gossipnet/internal/logging"
	"gossipnet/internal/membership"
	"gossipnet/internal/telemetry"
	"gossipnet/internal/transport"
	"gossipnet/internal/wire"
)

// DefaultWorkers bounds concurrent outbound sends per disseminator.
const DefaultWorkers = 64

// Sink receives each application message the first time it is seen.
type Sink interface {
	Append(msg wire.Message, from membership.Address) error
}

// DeadNodeFunc is called the first time a dead-node notice for dead is seen.
type DeadNodeFunc func(ctx context.Context, dead, reporter membership.Address)

// Options configures a Disseminator.
type Options struct {
	Policy  FanoutPolicy
	Workers int
	Rand    *rand.Rand
	Logger  *zap.Logger
}

// Result summarizes one broadcast. Delivery is best effort: failed targets
// are logged and not retried.
type Result struct {
	Targets   []membership.Address
	Delivered int
	Failed    int
}

// Disseminator implements epidemic broadcast over the peer set.
type Disseminator struct {
	book   *membership.AddressBook
	tr     transport.Transport
	seen   *dedup.Cache
	sink   Sink
	policy FanoutPolicy
	pool   *ants.Pool
	logger *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	hookMu     sync.RWMutex
	onDeadNode DeadNodeFunc

	// forwards outlive the inbound exchange that triggered them; they run
	// on ctx, which Close cancels.
	ctx      context.Context
	cancel   context.CancelFunc
	closeMu  sync.RWMutex
	closed   bool
	forwards sync.WaitGroup
}

// New creates a disseminator. sink may be nil when the node keeps no record.
func New(book *membership.AddressBook, tr transport.Transport, seen *dedup.Cache, sink Sink, opts Options) (*Disseminator, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	logger := logging.OrNop(opts.Logger)

	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(p any) {
			logger.Error("Send worker panicked", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create send pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Disseminator{
		book:   book,
		tr:     tr,
		seen:   seen,
		sink:   sink,
		policy: opts.Policy,
		pool:   pool,
		logger: logger,
		rng:    opts.Rand,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetOnDeadNode sets the callback for newly seen dead-node notices.
func (d *Disseminator) SetOnDeadNode(fn DeadNodeFunc) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.onDeadNode = fn
}

// Close aborts pending forwards, waits for them and releases the send pool.
func (d *Disseminator) Close() {
	d.closeMu.Lock()
	d.closed = true
	d.closeMu.Unlock()

	d.cancel()
	d.forwards.Wait()
	d.pool.Release()
}

// Drain waits until every forward started so far has finished.
func (d *Disseminator) Drain() {
	d.forwards.Wait()
}

// BroadcastToFanout sends msg to a sampled subset of the current peer set.
// The subset size follows the fanout policy over the seed list size.
func (d *Disseminator) BroadcastToFanout(ctx context.Context, msg wire.Message) Result {
	candidates := d.book.PeersExcept(msg.Origin, msg.Subject)

	d.rngMu.Lock()
	targets := SelectFanout(d.policy, d.book.SeedCount(), candidates, d.rng)
	d.rngMu.Unlock()

	return d.sendAll(ctx, targets, msg.WithRelay(d.book.Self()))
}

// Originate disseminates a locally generated message. Its fingerprint is
// registered first, so an echo from the network is dropped on arrival.
func (d *Disseminator) Originate(ctx context.Context, msg wire.Message) (Result, error) {
	fp, err := wire.FingerprintOf(msg)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fingerprint %s: %w", msg.Kind, err)
	}
	d.seen.Observe(fp)
	telemetry.DedupSize.Set(float64(d.seen.Len()))
	telemetry.Messages.WithLabelValues(msg.Kind.String(), "originated").Inc()

	res := d.BroadcastToFanout(ctx, msg)
	d.logger.Debug("Originated message",
		zap.Stringer("kind", msg.Kind),
		zap.String("fingerprint", fp.Short()),
		zap.Int("targets", len(res.Targets)),
		zap.Int("delivered", res.Delivered))
	return res, nil
}

// OnReceive handles a gossiped message from sender. The first time a
// fingerprint is seen the message is surfaced once and then forwarded in the
// background to every peer except the sender and the origin; later sightings
// are dropped. It returns without waiting for the forwards, so a slow
// neighbour never stalls the exchange the message arrived on.
// It reports whether the message was new.
func (d *Disseminator) OnReceive(ctx context.Context, msg wire.Message, sender membership.Address) bool {
	fp, err := wire.FingerprintOf(msg)
	if err != nil {
		d.logger.Warn("Failed to fingerprint message", zap.Stringer("kind", msg.Kind), zap.Error(err))
		return false
	}

	if !d.seen.Observe(fp) {
		telemetry.Messages.WithLabelValues(msg.Kind.String(), "duplicate").Inc()
		return false
	}
	telemetry.DedupSize.Set(float64(d.seen.Len()))

	d.surface(ctx, msg, sender)

	targets := d.book.PeersExcept(sender, msg.Origin, msg.Subject)
	if len(targets) == 0 {
		return true
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return true
	}

	relayed := msg.WithRelay(d.book.Self())
	d.forwards.Add(1)
	go func() {
		defer d.forwards.Done()
		res := d.sendAll(d.ctx, targets, relayed)
		telemetry.Messages.WithLabelValues(msg.Kind.String(), "forwarded").Add(float64(res.Delivered))
		d.logger.Debug("Forwarded message",
			zap.Stringer("kind", msg.Kind),
			zap.String("fingerprint", fp.Short()),
			zap.Stringer("from", sender),
			zap.Int("forwarded", res.Delivered),
			zap.Int("failed", res.Failed))
	}()
	return true
}

func (d *Disseminator) surface(ctx context.Context, msg wire.Message, sender membership.Address) {
	switch msg.Kind {
	case wire.KindApplicationGossip:
		telemetry.Messages.WithLabelValues(msg.Kind.String(), "delivered").Inc()
		d.logger.Info("Received message",
			zap.ByteString("payload", msg.Payload),
			zap.Stringer("origin", msg.Origin),
			zap.Stringer("from", sender))
		if d.sink == nil {
			return
		}
		if err := d.sink.Append(msg, sender); err != nil {
			d.logger.Error("Failed to record message", zap.Error(err))
		}

	case wire.KindDeadNodeNotice:
		d.hookMu.RLock()
		fn := d.onDeadNode
		d.hookMu.RUnlock()
		if fn != nil {
			fn(ctx, msg.Subject, msg.Origin)
		}
	}
}

// sendAll sends msg to every target through the pool and waits for all of them.
func (d *Disseminator) sendAll(ctx context.Context, targets []membership.Address, msg wire.Message) Result {
	res := Result{Targets: targets}
	if len(targets) == 0 {
		return res
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(target membership.Address, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed++
			d.logger.Warn("Failed to send message",
				zap.Stringer("kind", msg.Kind), zap.Stringer("to", target), zap.Error(err))
			return
		}
		res.Delivered++
	}

	for _, target := range targets {
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			record(target, d.tr.Send(ctx, target, msg))
		})
		if err != nil {
			wg.Done()
			record(target, fmt.Errorf("failed to schedule send: %w", err))
		}
	}
	wg.Wait()
	return res
}
