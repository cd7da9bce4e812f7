// Package transport moves wire frames between nodes.
//
// The client side is connection-per-message: every Send or Request dials a
// fresh gRPC connection, runs one exchange on the Exchange stream and closes
// the connection. The server side keeps reading frames from an inbound
// stream until the client half-closes it, so one physical connection may
// carry several logical messages.
package transport

import (
	"context"
	"fmt"
	"time"

	"gossipnet/internal/membership"
	"gossipnet/internal/wire"
)

// Transport sends frames to remote nodes.
type Transport interface {
	// Send delivers one frame to addr and returns once the remote side has
	// consumed it. It does not retry.
	Send(ctx context.Context, addr membership.Address, msg wire.Message) error
	// Request sends one frame and waits at most timeout for exactly one reply frame.
	Request(ctx context.Context, addr membership.Address, msg wire.Message, timeout time.Duration) (wire.Message, error)
}

// ConnectError reports an unreachable or refusing peer.
type ConnectError struct {
	Addr membership.Address
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to reach %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an exchange that did not complete within its bound.
type TimeoutError struct {
	Addr    membership.Address
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("exchange with %s timed out after %s", e.Addr, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
