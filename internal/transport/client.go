package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"gossipnet/internal/logging"
	"gossipnet/internal/membership"
	"gossipnet/internal/telemetry"
	"gossipnet/internal/wire"
)

const (
	// DefaultSendTimeout bounds a fire-and-forget Send, connect included.
	DefaultSendTimeout = 5 * time.Second
)

// Client is a Transport that opens a new gRPC connection for every message.
type Client struct {
	sendTimeout time.Duration
	dialOpts    []grpc.DialOption
	logger      *zap.Logger
}

// NewClient creates a connection-per-message client.
// sendTimeout <= 0 selects DefaultSendTimeout.
func NewClient(sendTimeout time.Duration, logger *zap.Logger) *Client {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Client{
		sendTimeout: sendTimeout,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		},
		logger: logging.OrNop(logger),
	}
}

// Send delivers msg to addr and waits for the remote side to finish the exchange.
func (c *Client) Send(ctx context.Context, addr membership.Address, msg wire.Message) error {
	start := time.Now()
	_, err := c.exchange(ctx, addr, msg, false, c.sendTimeout)
	telemetry.ObserveSend(msg.Kind.String(), start, err)
	return err
}

// Request sends msg and reads exactly one reply frame within timeout.
func (c *Client) Request(ctx context.Context, addr membership.Address, msg wire.Message, timeout time.Duration) (wire.Message, error) {
	if timeout <= 0 {
		timeout = c.sendTimeout
	}
	start := time.Now()
	reply, err := c.exchange(ctx, addr, msg, true, timeout)
	telemetry.ObserveSend(msg.Kind.String(), start, err)
	return reply, err
}

func (c *Client) exchange(ctx context.Context, addr membership.Address, msg wire.Message, wantReply bool, timeout time.Duration) (wire.Message, error) {
	data, err := wire.Marshal(msg)
	if err != nil {
		return wire.Message{}, fmt.Errorf("failed to encode %s: %w", msg.Kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient("passthrough:///"+addr.String(), c.dialOpts...)
	if err != nil {
		return wire.Message{}, &ConnectError{Addr: addr, Err: err}
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &exchangeStream, exchangeMethod)
	if err != nil {
		return wire.Message{}, classify(ctx, addr, timeout, err)
	}

	// io.EOF from SendMsg means the stream already ended; RecvMsg below
	// surfaces the real status.
	if err := stream.SendMsg(&frame{data: data}); err != nil && !errors.Is(err, io.EOF) {
		return wire.Message{}, classify(ctx, addr, timeout, err)
	}
	if err := stream.CloseSend(); err != nil {
		return wire.Message{}, classify(ctx, addr, timeout, err)
	}

	var in frame
	err = stream.RecvMsg(&in)
	if !wantReply {
		if err == nil || errors.Is(err, io.EOF) {
			return wire.Message{}, nil
		}
		return wire.Message{}, classify(ctx, addr, timeout, err)
	}

	if errors.Is(err, io.EOF) {
		return wire.Message{}, &wire.MalformedMessageError{Reason: fmt.Sprintf("%s closed the stream without a reply", addr)}
	}
	if err != nil {
		return wire.Message{}, classify(ctx, addr, timeout, err)
	}

	reply, err := wire.Unmarshal(in.data)
	if err != nil {
		c.logger.Debug("Discarding malformed reply", zap.Stringer("from", addr), zap.Error(err))
		return wire.Message{}, err
	}
	return reply, nil
}

// classify maps a gRPC failure onto the transport error taxonomy.
func classify(ctx context.Context, addr membership.Address, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
		return &TimeoutError{Addr: addr, Timeout: timeout, Err: err}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("exchange with %s canceled: %w", addr, context.Canceled)
	}
	return &ConnectError{Addr: addr, Err: err}
}
