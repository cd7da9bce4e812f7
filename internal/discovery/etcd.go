// Package discovery publishes seed addresses in etcd so peers can find the
// seed list without a local file.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"gossipnet/internal/logging"
	"gossipnet/internal/membership"
)

// SeedPrefix is the etcd key prefix seeds register under.
const SeedPrefix = "/gossipnet/seeds/"

const dialTimeout = 5 * time.Second

// NewClient connects to the etcd cluster at endpoints.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd %v: %w", endpoints, err)
	}
	return cli, nil
}

// RegisterSeed puts addr under SeedPrefix bound to a lease of ttl seconds and
// keeps the lease alive until ctx is cancelled. The key disappears once the
// seed stops refreshing it.
func RegisterSeed(ctx context.Context, kv clientv3.KV, lease clientv3.Lease, addr membership.Address, ttl int64, logger *zap.Logger) (clientv3.LeaseID, error) {
	logger = logging.OrNop(logger)

	grant, err := lease.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to grant lease: %w", err)
	}
	if _, err := kv.Put(ctx, seedKey(addr), addr.String(), clientv3.WithLease(grant.ID)); err != nil {
		return 0, fmt.Errorf("failed to register seed %s: %w", addr, err)
	}

	ch, err := lease.KeepAlive(ctx, grant.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		logger.Info("Seed registration lease ended", zap.Stringer("seed", addr))
	}()

	logger.Info("Registered seed in etcd", zap.Stringer("seed", addr), zap.Int64("ttl", ttl))
	return grant.ID, nil
}

// ListSeeds returns the registered seed addresses, sorted. Keys that do not
// parse are skipped.
func ListSeeds(ctx context.Context, kv clientv3.KV) ([]membership.Address, error) {
	resp, err := kv.Get(ctx, SeedPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list seeds: %w", err)
	}

	seeds := make([]membership.Address, 0, len(resp.Kvs))
	for _, item := range resp.Kvs {
		addr, err := parseSeedKey(string(item.Key))
		if err != nil {
			continue
		}
		seeds = append(seeds, addr)
	}
	membership.SortAddresses(seeds)
	return seeds, nil
}

func seedKey(addr membership.Address) string {
	return SeedPrefix + addr.String()
}

func parseSeedKey(key string) (membership.Address, error) {
	rest, ok := strings.CutPrefix(key, SeedPrefix)
	if !ok {
		return membership.Address{}, fmt.Errorf("key %q outside %s", key, SeedPrefix)
	}
	return membership.ParseAddress(rest)
}
