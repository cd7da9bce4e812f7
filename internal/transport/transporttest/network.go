// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gossipnet/internal/membership"
	"gossipnet/internal/transport"
	"gossipnet/internal/wire"
)

// Delivery records one frame handed to a reachable handler.
type Delivery struct {
	From membership.Address
	To   membership.Address
	Msg  wire.Message
}

// Network routes frames between registered handlers without sockets.
type Network struct {
	mu         sync.Mutex
	handlers   map[membership.Address]transport.Handler
	down       map[membership.Address]bool
	deliveries []Delivery
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[membership.Address]transport.Handler),
		down:     make(map[membership.Address]bool),
	}
}

// Register attaches handler at addr and marks it reachable.
func (n *Network) Register(addr membership.Address, handler transport.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = handler
	delete(n.down, addr)
}

// SetDown makes addr unreachable (true) or reachable again (false).
func (n *Network) SetDown(addr membership.Address, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// Deliveries returns every frame delivered so far.
func (n *Network) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.deliveries...)
}

// DeliveriesTo returns frames delivered to addr.
func (n *Network) DeliveriesTo(addr membership.Address) []Delivery {
	var out []Delivery
	for _, d := range n.Deliveries() {
		if d.To == addr {
			out = append(out, d)
		}
	}
	return out
}

// Reset forgets recorded deliveries.
func (n *Network) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = nil
}

// Endpoint returns a Transport whose frames appear to come from self.
func (n *Network) Endpoint(self membership.Address) *Endpoint {
	return &Endpoint{net: n, self: self}
}

func (n *Network) route(from, to membership.Address, msg wire.Message) (transport.Handler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.handlers[to]
	if !ok || n.down[to] {
		return nil, &transport.ConnectError{Addr: to, Err: fmt.Errorf("connection refused")}
	}
	n.deliveries = append(n.deliveries, Delivery{From: from, To: to, Msg: msg})
	return h, nil
}

// Endpoint is one node's view of a Network.
type Endpoint struct {
	net  *Network
	self membership.Address
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) Send(ctx context.Context, addr membership.Address, msg wire.Message) error {
	h, err := e.net.route(e.self, addr, msg)
	if err != nil {
		return err
	}
	_, err = h.HandleFrame(ctx, e.self, msg)
	return err
}

func (e *Endpoint) Request(ctx context.Context, addr membership.Address, msg wire.Message, timeout time.Duration) (wire.Message, error) {
	h, err := e.net.route(e.self, addr, msg)
	if err != nil {
		return wire.Message{}, err
	}
	reply, err := h.HandleFrame(ctx, e.self, msg)
	if err != nil {
		return wire.Message{}, err
	}
	if reply == nil {
		return wire.Message{}, &wire.MalformedMessageError{Reason: "no reply"}
	}
	return *reply, nil
}
