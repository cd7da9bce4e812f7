// Package it runs whole nodes in-process over loopback gRPC for
// end-to-end tests.
package it

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"gossipnet/internal/membership"
	"gossipnet/internal/peer"
	"gossipnet/internal/recordlog"
	"gossipnet/internal/seed"
	"gossipnet/internal/transport"
)

// Cluster represents a test cluster of nodes
type Cluster struct {
	mu     sync.Mutex
	nodes  map[string]*Node
	seeds  []membership.Address
	logDir string
	logger *zap.Logger
}

// Node represents a single running seed or peer.
type Node struct {
	Name string
	Addr membership.Address
	Seed *seed.Service
	Peer *peer.Service

	recordsPath string
	records     *recordlog.Log
	cancel      context.CancelFunc
	done        chan error
}

// NewCluster creates a harness writing record logs under logDir.
func NewCluster(logDir string, logger *zap.Logger) *Cluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cluster{
		nodes:  make(map[string]*Node),
		logDir: logDir,
		logger: logger,
	}
}

func listen() (net.Listener, membership.Address, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, membership.Address{}, fmt.Errorf("failed to listen: %w", err)
	}
	addr, err := membership.FromNetAddr(lis.Addr())
	if err != nil {
		lis.Close()
		return nil, membership.Address{}, err
	}
	return lis, addr, nil
}

// StartSeed starts a seed and adds it to the seed list of later peers.
func (c *Cluster) StartSeed(name string) (*Node, error) {
	lis, addr, err := listen()
	if err != nil {
		return nil, err
	}

	svc := seed.NewService(addr, nil, c.logger.Named(name))
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{Name: name, Addr: addr, Seed: svc, cancel: cancel, done: make(chan error, 1)}
	go func() { n.done <- svc.Serve(ctx, lis) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[name] = n
	c.seeds = append(c.seeds, addr)
	return n, nil
}

// PeerConfig tunes a peer started by StartPeer.
type PeerConfig struct {
	StaticPeers   []membership.Address
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// StartPeer starts a peer registered with every seed started so far. It
// does not originate messages on its own.
func (c *Cluster) StartPeer(name string, cfg PeerConfig) (*Node, error) {
	lis, addr, err := listen()
	if err != nil {
		return nil, err
	}

	recordsPath := filepath.Join(c.logDir, name+".records")
	records, err := recordlog.Open(recordsPath)
	if err != nil {
		lis.Close()
		return nil, err
	}

	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = time.Hour
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = time.Second
	}

	c.mu.Lock()
	seeds := append([]membership.Address(nil), c.seeds...)
	c.mu.Unlock()

	logger := c.logger.Named(name)
	svc, err := peer.NewService(addr, seeds, transport.NewClient(2*time.Second, logger), peer.Options{
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		GossipCount:   -1,
		StaticPeers:   cfg.StaticPeers,
		Sink:          records,
		Logger:        logger,
	})
	if err != nil {
		lis.Close()
		records.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		Name:        name,
		Addr:        addr,
		Peer:        svc,
		recordsPath: recordsPath,
		records:     records,
		cancel:      cancel,
		done:        make(chan error, 1),
	}
	go func() { n.done <- svc.Run(ctx, lis) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[name] = n
	return n, nil
}

// Node returns a node by name
func (c *Cluster) Node(name string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[name]
}

// StopNode stops a node and waits for it to exit.
func (c *Cluster) StopNode(name string) error {
	c.mu.Lock()
	n, ok := c.nodes[name]
	delete(c.nodes, name)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no node %s", name)
	}
	return n.Stop()
}

// Stop stops all nodes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = make(map[string]*Node)
	c.mu.Unlock()

	for _, n := range nodes {
		_ = n.Stop()
	}
}

// Stop stops a single node
func (n *Node) Stop() error {
	n.cancel()
	var err error
	select {
	case err = <-n.done:
	case <-time.After(10 * time.Second):
		err = fmt.Errorf("node %s did not stop", n.Name)
	}
	if n.Peer != nil {
		n.Peer.Close()
	}
	if n.records != nil {
		n.records.Close()
	}
	return err
}

// Records reads the records this peer has appended so far.
func (n *Node) Records() ([]recordlog.Record, error) {
	f, err := os.Open(n.recordsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []recordlog.Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r recordlog.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("bad record line %q: %w", sc.Text(), err)
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
