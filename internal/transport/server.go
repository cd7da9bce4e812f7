package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"gossipnet/internal/logging"
	"gossipnet/internal/membership"
	"gossipnet/internal/telemetry"
	"gossipnet/internal/wire"
)

// Handler processes one inbound frame. from is the observed address of the
// remote end of the connection. A non-nil reply is written back on the same
// connection.
type Handler interface {
	HandleFrame(ctx context.Context, from membership.Address, msg wire.Message) (*wire.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from membership.Address, msg wire.Message) (*wire.Message, error)

func (f HandlerFunc) HandleFrame(ctx context.Context, from membership.Address, msg wire.Message) (*wire.Message, error) {
	return f(ctx, from, msg)
}

const stopGrace = 5 * time.Second

// Server accepts inbound connections and feeds their frames to a Handler.
type Server struct {
	grpcServer *grpc.Server
	handler    Handler
	logger     *zap.Logger
}

// NewServer creates a server dispatching to handler.
func NewServer(handler Handler, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		handler:    handler,
		logger:     logging.OrNop(logger),
	}
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop drains open exchanges, forcing them closed after a grace period.
func (s *Server) Stop() {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGrace):
		s.grpcServer.Stop()
	}
}

// Exchange runs for one inbound connection: it reads frames until the client
// half-closes, so several logical messages may share one connection.
func (s *Server) Exchange(stream grpc.ServerStream) error {
	ctx := stream.Context()
	from := observedAddress(ctx)

	for {
		var in frame
		if err := stream.RecvMsg(&in); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		msg, err := wire.Unmarshal(in.data)
		if err != nil {
			telemetry.Messages.WithLabelValues(wire.KindUnknown.String(), "malformed").Inc()
			s.logger.Warn("Discarding malformed frame", zap.Stringer("from", from), zap.Error(err))
			continue
		}

		reply, err := s.handler.HandleFrame(ctx, from, msg)
		if err != nil {
			s.logger.Warn("Failed to handle frame",
				zap.Stringer("from", from), zap.Stringer("kind", msg.Kind), zap.Error(err))
			continue
		}
		if reply == nil {
			continue
		}

		out, err := wire.Marshal(*reply)
		if err != nil {
			s.logger.Error("Failed to encode reply", zap.Stringer("kind", reply.Kind), zap.Error(err))
			continue
		}
		if err := stream.SendMsg(&frame{data: out}); err != nil {
			return err
		}
	}
}

func observedAddress(ctx context.Context) membership.Address {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return membership.Address{}
	}
	addr, err := membership.FromNetAddr(p.Addr)
	if err != nil {
		return membership.Address{}
	}
	return addr
}
