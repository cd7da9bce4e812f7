package seed

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gossipnet/internal/logging"
	"gossipnet/internal/membership"
	"gossipnet/internal/telemetry"
	"gossipnet/internal/transport"
	"gossipnet/internal/wire"
)

// Service is the seed role: it serves the registry over the transport.
type Service struct {
	self     membership.Address
	registry *Registry
	now      func() time.Time
	logger   *zap.Logger
}

var _ transport.Handler = (*Service)(nil)

// NewService creates a seed listening as self.
func NewService(self membership.Address, registry *Registry, logger *zap.Logger) *Service {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Service{
		self:     self,
		registry: registry,
		now:      time.Now,
		logger:   logging.OrNop(logger).With(zap.Stringer("node", self)),
	}
}

// Registry returns the registry this seed serves.
func (s *Service) Registry() *Registry {
	return s.registry
}

// HandleFrame dispatches one inbound frame by kind.
func (s *Service) HandleFrame(ctx context.Context, from membership.Address, msg wire.Message) (*wire.Message, error) {
	switch msg.Kind {
	case wire.KindPeerAnnounce:
		// The announcing connection comes from an ephemeral port; register
		// the observed host with the port the peer listens on.
		observed := from
		if observed.IsZero() {
			observed = msg.Origin
		} else {
			observed = observed.WithPort(msg.Origin.Port)
		}
		s.registry.Register(observed, msg.Origin)
		s.logger.Info("Registered peer", zap.Stringer("peer", observed), zap.Stringer("reported", msg.Origin))
		return nil, nil

	case wire.KindDeadNodeNotice:
		telemetry.Messages.WithLabelValues(msg.Kind.String(), "delivered").Inc()
		if s.registry.Remove(msg.Subject) {
			s.logger.Info("Removed dead peer", zap.Stringer("peer", msg.Subject), zap.Stringer("reporter", msg.Origin))
		}
		return nil, nil

	case wire.KindLivenessRequest:
		reply := ReplyLiveness(s.self, msg, s.now())
		return &reply, nil

	case wire.KindPeerListRequest:
		var peers []membership.Address
		for _, p := range s.registry.Snapshot() {
			if p != msg.Origin {
				peers = append(peers, p)
			}
		}
		reply := wire.NewPeerList(s.self, peers)
		return &reply, nil

	default:
		s.logger.Debug("Ignoring frame", zap.Stringer("kind", msg.Kind), zap.Stringer("from", from))
		return nil, nil
	}
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, lis net.Listener) error {
	srv := transport.NewServer(s, s.logger)
	s.logger.Info("Seed listening", zap.String("addr", lis.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("seed %s: %w", s.self, err)
	}
	return nil
}
