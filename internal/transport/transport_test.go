package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"gossipnet/internal/membership"
	"gossipnet/internal/wire"
)

type recordingHandler struct {
	mu    sync.Mutex
	got   []wire.Message
	from  []membership.Address
	delay time.Duration
}

func (h *recordingHandler) HandleFrame(ctx context.Context, from membership.Address, msg wire.Message) (*wire.Message, error) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.got = append(h.got, msg)
	h.from = append(h.from, from)
	h.mu.Unlock()

	if msg.Kind == wire.KindLivenessRequest {
		reply := wire.NewLivenessReply(time.Now(), msg.Timestamp, membership.MustParseAddress("127.0.0.1:1"), msg.Origin)
		return &reply, nil
	}
	return nil, nil
}

func (h *recordingHandler) messages() []wire.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]wire.Message(nil), h.got...)
}

func startServer(t *testing.T, h Handler) membership.Address {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(h, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	addr, err := membership.FromNetAddr(lis.Addr())
	require.NoError(t, err)
	return addr
}

func unusedAddress(t *testing.T) membership.Address {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := membership.FromNetAddr(lis.Addr())
	require.NoError(t, err)
	require.NoError(t, lis.Close())
	return addr
}

var origin = membership.MustParseAddress("127.0.0.1:5001")

func TestClient_SendDelivers(t *testing.T) {
	h := &recordingHandler{}
	addr := startServer(t, h)
	c := NewClient(2*time.Second, nil)

	ts := time.Now()
	err := c.Send(context.Background(), addr, wire.NewApplicationGossip([]byte("hello"), origin, ts))
	require.NoError(t, err)

	// Send returns after the server consumed the frame.
	got := h.messages()
	require.Len(t, got, 1)
	assert.Equal(t, wire.KindApplicationGossip, got[0].Kind)
	assert.Equal(t, []byte("hello"), got[0].Payload)
	assert.True(t, got[0].Timestamp.Equal(ts))

	h.mu.Lock()
	assert.Equal(t, "127.0.0.1", h.from[0].Host, "handler should see the observed connection address")
	h.mu.Unlock()
}

func TestClient_RequestGetsReply(t *testing.T) {
	addr := startServer(t, &recordingHandler{})
	c := NewClient(2*time.Second, nil)

	ts := time.Now()
	reply, err := c.Request(context.Background(), addr, wire.NewLivenessRequest(ts, origin), time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.KindLivenessReply, reply.Kind)
	assert.True(t, reply.Correlated.Equal(ts))
	assert.Equal(t, origin, reply.Subject)
}

func TestClient_RequestWithoutReplyIsMalformed(t *testing.T) {
	addr := startServer(t, &recordingHandler{})
	c := NewClient(2*time.Second, nil)

	_, err := c.Request(context.Background(), addr, wire.NewPeerAnnounce(origin), time.Second)
	var mErr *wire.MalformedMessageError
	assert.True(t, errors.As(err, &mErr), "expected MalformedMessageError, got %v", err)
}

func TestClient_ConnectError(t *testing.T) {
	addr := unusedAddress(t)
	c := NewClient(time.Second, nil)

	err := c.Send(context.Background(), addr, wire.NewPeerAnnounce(origin))
	require.Error(t, err)

	var cErr *ConnectError
	var tErr *TimeoutError
	assert.True(t, errors.As(err, &cErr) || errors.As(err, &tErr), "expected ConnectError or TimeoutError, got %T: %v", err, err)
}

func TestClient_RequestTimeout(t *testing.T) {
	addr := startServer(t, &recordingHandler{delay: 500 * time.Millisecond})
	c := NewClient(2*time.Second, nil)

	_, err := c.Request(context.Background(), addr, wire.NewLivenessRequest(time.Now(), origin), 100*time.Millisecond)
	var tErr *TimeoutError
	require.True(t, errors.As(err, &tErr), "expected TimeoutError, got %T: %v", err, err)
	assert.Equal(t, 100*time.Millisecond, tErr.Timeout)
}

func TestServer_MultipleFramesAndMalformedFramePerConnection(t *testing.T) {
	h := &recordingHandler{}
	addr := startServer(t, h)

	conn, err := grpc.NewClient(addr.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, &exchangeStream, exchangeMethod)
	require.NoError(t, err)

	announce, err := wire.Marshal(wire.NewPeerAnnounce(origin))
	require.NoError(t, err)
	probe, err := wire.Marshal(wire.NewLivenessRequest(time.Now(), origin))
	require.NoError(t, err)

	require.NoError(t, stream.SendMsg(&frame{data: announce}))
	require.NoError(t, stream.SendMsg(&frame{data: []byte{0xff, 0x01}}))
	require.NoError(t, stream.SendMsg(&frame{data: probe}))
	require.NoError(t, stream.CloseSend())

	var in frame
	require.NoError(t, stream.RecvMsg(&in))
	reply, err := wire.Unmarshal(in.data)
	require.NoError(t, err)
	assert.Equal(t, wire.KindLivenessReply, reply.Kind)

	got := h.messages()
	require.Len(t, got, 2, "malformed frame is discarded, the stream keeps going")
	assert.Equal(t, wire.KindPeerAnnounce, got[0].Kind)
	assert.Equal(t, wire.KindLivenessRequest, got[1].Kind)
}

func TestClassify(t *testing.T) {
	addr := membership.MustParseAddress("127.0.0.1:9")

	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	var tErr *TimeoutError
	assert.True(t, errors.As(classify(expired, addr, time.Second, errors.New("x")), &tErr))

	canceled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.ErrorIs(t, classify(canceled, addr, time.Second, errors.New("x")), context.Canceled)

	var cErr *ConnectError
	assert.True(t, errors.As(classify(context.Background(), addr, time.Second, errors.New("refused")), &cErr))
}
