package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gossipnet/internal/gossip"
	"gossipnet/internal/membership"
)

// Role selects what a process runs.
type Role string

const (
	RoleSeed Role = "seed"
	RolePeer Role = "peer"
)

// Config holds the node configuration.
type Config struct {
	Role          Role
	ListenAddr    string
	AdvertiseAddr string

	// Seed list source: a file, an inline list, or etcd.
	SeedsFile     string
	Seeds         []membership.Address
	EtcdEndpoints []string
	EtcdLeaseTTL  int64
	StaticPeers   []membership.Address

	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	Threshold      int
	GossipInterval time.Duration
	GossipCount    int
	Fanout         gossip.FanoutPolicy
	DedupTTL       time.Duration
	DedupCapacity  int

	RecordsPath string
	MetricsAddr string
	LogLevel    string
	LogDev      bool
}

// Default returns the configuration used when no flags are given.
func Default() Config {
	return Config{
		Role:           RolePeer,
		ListenAddr:     "127.0.0.1:12345",
		SeedsFile:      "config.csv",
		EtcdLeaseTTL:   10,
		ProbeInterval:  13 * time.Second,
		ProbeTimeout:   3 * time.Second,
		Threshold:      3,
		GossipInterval: 5 * time.Second,
		GossipCount:    10,
		Fanout:         gossip.Majority,
		DedupTTL:       10 * time.Minute,
		DedupCapacity:  100_000,
		RecordsPath:    "outputfile.txt",
		LogLevel:       "info",
	}
}

// Validate checks the configuration for the selected role.
func (c *Config) Validate() error {
	if c.Role != RoleSeed && c.Role != RolePeer {
		return fmt.Errorf("invalid role %q (expected seed or peer)", c.Role)
	}
	if _, err := c.Self(); err != nil {
		return err
	}
	if c.Role == RoleSeed {
		return nil
	}
	if c.SeedsFile == "" && len(c.Seeds) == 0 && len(c.EtcdEndpoints) == 0 {
		return fmt.Errorf("peer needs a seed list (file, inline list or etcd)")
	}
	if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 || c.GossipInterval <= 0 {
		return fmt.Errorf("intervals and timeouts must be positive")
	}
	if c.Threshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.Threshold)
	}
	if c.DedupTTL < 0 || c.DedupCapacity < 0 {
		return fmt.Errorf("dedup bounds cannot be negative")
	}
	return nil
}

// Self returns the address other nodes reach this one at: AdvertiseAddr when
// set, ListenAddr otherwise. A wildcard host cannot be advertised.
func (c *Config) Self() (membership.Address, error) {
	s := c.AdvertiseAddr
	if s == "" {
		s = c.ListenAddr
	}
	addr, err := membership.ParseAddress(s)
	if err != nil {
		return membership.Address{}, fmt.Errorf("invalid node address: %w", err)
	}
	if addr.Host == "0.0.0.0" || addr.Host == "::" {
		return membership.Address{}, fmt.Errorf("cannot advertise wildcard address %s (set an advertise address)", addr)
	}
	return addr, nil
}

// ParseAddressList parses a comma-separated list of host:port addresses.
func ParseAddressList(s string) ([]membership.Address, error) {
	if strings.TrimSpace(s) == "" {
		return []membership.Address{}, nil
	}

	parts := strings.Split(s, ",")
	addrs := make([]membership.Address, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := membership.ParseAddress(part)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", part, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// ParseSeeds reads newline-delimited "host,port" records. Blank lines and
// lines starting with '#' are skipped; duplicates keep their first position.
func ParseSeeds(r io.Reader) ([]membership.Address, error) {
	var (
		seeds []membership.Address
		seen  = make(map[membership.Address]bool)
		line  int
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		host, portStr, ok := strings.Cut(text, ",")
		host = strings.TrimSpace(host)
		portStr = strings.TrimSpace(portStr)
		if !ok || host == "" || portStr == "" {
			return nil, fmt.Errorf("line %d: invalid seed record %q (expected host,port)", line, text)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("line %d: invalid port %q", line, portStr)
		}

		addr := membership.NewAddress(host, uint16(port))
		if seen[addr] {
			continue
		}
		seen[addr] = true
		seeds = append(seeds, addr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed list: %w", err)
	}
	return seeds, nil
}

// LoadSeedsFile reads a seed list file.
func LoadSeedsFile(path string) ([]membership.Address, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed list: %w", err)
	}
	defer f.Close()

	seeds, err := ParseSeeds(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seeds, nil
}
