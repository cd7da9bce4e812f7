package peer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/membership"
	"gossipnet/internal/seed"
	"gossipnet/internal/transport"
	"gossipnet/internal/transport/transporttest"
	"gossipnet/internal/wire"
)

type memSink struct {
	mu       sync.Mutex
	payloads []string
}

func (s *memSink) Append(msg wire.Message, _ membership.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, string(msg.Payload))
	return nil
}

func (s *memSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

type testNet struct {
	t     *testing.T
	net   *transporttest.Network
	seeds []*seed.Service
}

func newTestNet(t *testing.T, seedCount int) *testNet {
	tn := &testNet{t: t, net: transporttest.NewNetwork()}
	for i := 0; i < seedCount; i++ {
		addr := membership.NewAddress("127.0.0.1", uint16(6000+i))
		svc := seed.NewService(addr, nil, nil)
		tn.net.Register(addr, svc)
		tn.seeds = append(tn.seeds, svc)
	}
	return tn
}

func (tn *testNet) seedAddrs() []membership.Address {
	var out []membership.Address
	for i := range tn.seeds {
		out = append(out, membership.NewAddress("127.0.0.1", uint16(6000+i)))
	}
	return out
}

func (tn *testNet) addPeer(port uint16, sink *memSink) *Service {
	tn.t.Helper()
	self := membership.NewAddress("127.0.0.1", port)
	opts := Options{
		Rand:        rand.New(rand.NewPCG(uint64(port), 1)),
		GossipCount: -1,
	}
	if sink != nil {
		opts.Sink = sink
	}
	svc, err := NewService(self, tn.seedAddrs(), tn.net.Endpoint(self), opts)
	require.NoError(tn.t, err)
	tn.t.Cleanup(svc.Close)
	tn.net.Register(self, svc)
	return svc
}

func connect(a, b *Service) {
	a.Book().AddPeer(b.Book().Self())
	b.Book().AddPeer(a.Book().Self())
}

func TestBootstrap_RegistersWithEverySeed(t *testing.T) {
	tn := newTestNet(t, 3)
	p := tn.addPeer(5001, nil)

	assert.Equal(t, 3, p.Bootstrap(context.Background()))
	for _, s := range tn.seeds {
		assert.Equal(t, []membership.Address{p.Book().Self()}, s.Registry().Snapshot())
	}
}

func TestBootstrap_SkipsUnreachableSeeds(t *testing.T) {
	tn := newTestNet(t, 3)
	tn.net.SetDown(tn.seedAddrs()[1], true)
	p := tn.addPeer(5001, nil)

	assert.Equal(t, 2, p.Bootstrap(context.Background()))
	assert.Empty(t, tn.seeds[1].Registry().Snapshot())
}

func TestJoinNetwork_ConnectsToFanoutOfKnownPeers(t *testing.T) {
	tn := newTestNet(t, 3)
	var others []*Service
	for port := uint16(5002); port <= 5006; port++ {
		o := tn.addPeer(port, nil)
		o.Bootstrap(context.Background())
		others = append(others, o)
	}

	p := tn.addPeer(5001, nil)
	p.Bootstrap(context.Background())
	joined := p.JoinNetwork(context.Background())

	require.Len(t, joined, 2, "majority of three seeds")
	assert.Equal(t, 2, p.Book().PeerCount())
	for _, j := range joined {
		assert.NotEqual(t, p.Book().Self(), j)
		for _, o := range others {
			if o.Book().Self() == j {
				assert.True(t, o.Book().HasPeer(p.Book().Self()), "announce makes the link symmetric")
			}
		}
	}
}

func TestJoinNetwork_NoKnownPeers(t *testing.T) {
	tn := newTestNet(t, 2)
	p := tn.addPeer(5001, nil)
	p.Bootstrap(context.Background())
	assert.Empty(t, p.JoinNetwork(context.Background()))
}

func TestHandleFrame_LivenessAndPeerList(t *testing.T) {
	tn := newTestNet(t, 1)
	p := tn.addPeer(5001, nil)
	other := membership.MustParseAddress("127.0.0.1:5002")
	p.Book().AddPeer(other)

	sent := time.Now()
	reply, err := p.HandleFrame(context.Background(), other, wire.NewLivenessRequest(sent, other))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, wire.KindLivenessReply, reply.Kind)
	assert.True(t, reply.Correlated.Equal(sent))
	assert.Equal(t, other, reply.Subject)

	reply, err = p.HandleFrame(context.Background(), other, wire.NewPeerListRequest(membership.MustParseAddress("127.0.0.1:5003")))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, []membership.Address{other}, reply.Peers)
}

func TestGossip_ReachesEveryPeerOnce(t *testing.T) {
	tn := newTestNet(t, 3)
	sinks := make([]*memSink, 4)
	peers := make([]*Service, 4)
	for i := range peers {
		sinks[i] = &memSink{}
		peers[i] = tn.addPeer(uint16(5001+i), sinks[i])
	}
	// line: 0 - 1 - 2 - 3
	connect(peers[0], peers[1])
	connect(peers[1], peers[2])
	connect(peers[2], peers[3])

	res, err := peers[0].Gossip(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	require.Eventually(t, func() bool {
		return len(sinks[2].all()) == 1 && len(sinks[3].all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, sinks[0].all(), "originator does not record its own message")
	for i := 1; i < 4; i++ {
		assert.Equal(t, []string{"hello"}, sinks[i].all(), "peer %d", i)
	}
}

func TestGossip_NotSentBackToSender(t *testing.T) {
	tn := newTestNet(t, 1)
	p1 := tn.addPeer(5001, &memSink{})
	p2 := tn.addPeer(5002, &memSink{})
	p3 := tn.addPeer(5003, &memSink{})
	connect(p1, p2)
	connect(p1, p3)

	msg := wire.NewApplicationGossip([]byte("hello"), p2.Book().Self(), time.Now()).WithRelay(p2.Book().Self())
	_, err := p1.HandleFrame(context.Background(), membership.MustParseAddress("127.0.0.1:40000"), msg)
	require.NoError(t, err)
	p1.gossip.Drain()
	p3.gossip.Drain()

	assert.Len(t, tn.net.DeliveriesTo(p3.Book().Self()), 1)
	assert.Empty(t, tn.net.DeliveriesTo(p2.Book().Self()))
}

func TestEviction_NotifiesSeedsAndGossipsNotice(t *testing.T) {
	tn := newTestNet(t, 2)
	p1 := tn.addPeer(5001, nil)
	p2 := tn.addPeer(5002, nil)
	p3 := tn.addPeer(5003, nil)
	for _, p := range []*Service{p1, p2, p3} {
		p.Bootstrap(context.Background())
	}
	connect(p1, p2)
	connect(p1, p3)
	connect(p2, p3)

	dead := p2.Book().Self()
	tn.net.SetDown(dead, true)

	for i := 0; i < 3; i++ {
		p1.Detector().ProbeRound(context.Background())
	}

	assert.False(t, p1.Book().HasPeer(dead))
	assert.False(t, p3.Book().HasPeer(dead), "dead-node gossip reached p3")
	for _, s := range tn.seeds {
		assert.NotContains(t, s.Registry().Snapshot(), dead)
		assert.Len(t, s.Registry().Snapshot(), 2)
	}
}

func TestHandleFrame_DeadNoticeAboutSelfIsIgnored(t *testing.T) {
	tn := newTestNet(t, 1)
	p1 := tn.addPeer(5001, nil)
	p2 := tn.addPeer(5002, nil)
	connect(p1, p2)

	notice := wire.NewDeadNodeNotice(p1.Book().Self(), time.Now(), p2.Book().Self())
	_, err := p1.HandleFrame(context.Background(), p2.Book().Self(), notice)
	require.NoError(t, err)
	assert.True(t, p1.Book().HasPeer(p2.Book().Self()))
}

func TestOriginateLoop_IsBounded(t *testing.T) {
	tn := newTestNet(t, 1)
	self := membership.NewAddress("127.0.0.1", 5001)
	p, err := NewService(self, tn.seedAddrs(), tn.net.Endpoint(self), Options{
		GossipInterval: time.Millisecond,
		GossipCount:    3,
		Payload: func(self membership.Address, n int, _ time.Time) []byte {
			return fmt.Appendf(nil, "%s-%d", self, n)
		},
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	tn.net.Register(self, p)

	sink := &memSink{}
	other := tn.addPeer(5002, sink)
	connect(p, other)

	require.NoError(t, p.originateLoop(context.Background()))
	other.gossip.Drain()
	assert.Equal(t, []string{"127.0.0.1:5001-1", "127.0.0.1:5001-2", "127.0.0.1:5001-3"}, sink.all())
}

func TestNewService_RequiresAddress(t *testing.T) {
	_, err := NewService(membership.Address{}, nil, transporttest.NewNetwork().Endpoint(membership.Address{}), Options{})
	assert.Error(t, err)
}

// TestHandleFrame_StuckNeighbourDoesNotFailSender runs the real transport: a
// neighbour that accepts TCP but never speaks must not make deliveries to a
// healthy peer time out.
func TestHandleFrame_StuckNeighbourDoesNotFailSender(t *testing.T) {
	stuckLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer stuckLis.Close()
	go func() {
		var held []net.Conn
		defer func() {
			for _, c := range held {
				c.Close()
			}
		}()
		for {
			c, err := stuckLis.Accept()
			if err != nil {
				return
			}
			held = append(held, c)
		}
	}()
	stuck, err := membership.FromNetAddr(stuckLis.Addr())
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	self, err := membership.FromNetAddr(lis.Addr())
	require.NoError(t, err)

	sink := &memSink{}
	b, err := NewService(self, nil, transport.NewClient(5*time.Second, nil), Options{
		GossipCount:   -1,
		ProbeInterval: time.Hour,
		Sink:          sink,
	})
	require.NoError(t, err)
	b.Book().AddPeer(stuck)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, lis) }()
	defer func() {
		cancel()
		<-done
		b.Close()
	}()

	sender := membership.NewAddress("127.0.0.1", 5999)
	client := transport.NewClient(2*time.Second, nil)
	msg := wire.NewApplicationGossip([]byte("hello"), sender, time.Now()).WithRelay(sender)

	start := time.Now()
	require.NoError(t, client.Send(context.Background(), self, msg))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"hello"}, sink.all())

	_, err = client.Request(context.Background(), self, wire.NewLivenessRequest(time.Now(), sender), time.Second)
	assert.NoError(t, err)
}

// slowPeer accepts announcements after a fixed delay.
type slowPeer struct {
	delay time.Duration
}

func (p slowPeer) HandleFrame(context.Context, membership.Address, wire.Message) (*wire.Message, error) {
	time.Sleep(p.delay)
	return nil, nil
}

func TestConnect_AnnouncesConcurrently(t *testing.T) {
	tn := newTestNet(t, 1)
	p := tn.addPeer(5001, nil)

	var targets []membership.Address
	for port := uint16(5010); port < 5014; port++ {
		a := membership.NewAddress("127.0.0.1", port)
		tn.net.Register(a, slowPeer{delay: 300 * time.Millisecond})
		targets = append(targets, a)
	}
	down := membership.NewAddress("127.0.0.1", 5020)
	tn.net.SetDown(down, true)

	start := time.Now()
	joined := p.Connect(context.Background(), append(targets, down))
	elapsed := time.Since(start)

	assert.Equal(t, targets, joined)
	assert.Less(t, elapsed, 900*time.Millisecond, "four 300ms announcements must overlap")
	assert.False(t, p.Book().HasPeer(down))
}
