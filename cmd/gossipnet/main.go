// Command gossipnet runs a seed or a peer of the gossip network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"gossipnet/internal/config"
	"gossipnet/internal/discovery"
	"gossipnet/internal/gossip"
	"gossipnet/internal/logging"
	"gossipnet/internal/membership"
	"gossipnet/internal/peer"
	"gossipnet/internal/recordlog"
	"gossipnet/internal/seed"
	"gossipnet/internal/telemetry"
	"gossipnet/internal/transport"
)

func main() {
	os.Exit(runMain(os.Args[1:]))
}

// runMain returns the process exit status. Cleanup deferred here and in run
// completes before main exits.
func runMain(args []string) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Node failed", zap.Error(err))
		return 1
	}
	return 0
}

func parseFlags(args []string) (config.Config, error) {
	cfg := config.Default()
	fs := flag.NewFlagSet("gossipnet", flag.ContinueOnError)

	role := fs.String("role", string(cfg.Role), "node role: seed or peer")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address host:port")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "address announced to other nodes (defaults to -listen)")
	fs.StringVar(&cfg.SeedsFile, "seeds-file", cfg.SeedsFile, "seed list file of host,port lines")
	seeds := fs.String("seeds", "", "comma-separated seed addresses (overrides -seeds-file)")
	static := fs.String("peers", "", "comma-separated fixed neighbours (skips the seed-driven join)")
	etcd := fs.String("etcd", "", "comma-separated etcd endpoints for seed discovery")
	fs.Int64Var(&cfg.EtcdLeaseTTL, "etcd-lease-ttl", cfg.EtcdLeaseTTL, "seed registration lease TTL in seconds")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "liveness probe round interval")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "liveness probe timeout")
	fs.IntVar(&cfg.Threshold, "failure-threshold", cfg.Threshold, "consecutive failed probes before eviction")
	fs.DurationVar(&cfg.GossipInterval, "gossip-interval", cfg.GossipInterval, "interval between originated messages")
	fs.IntVar(&cfg.GossipCount, "gossip-count", cfg.GossipCount, "messages to originate (0 for unbounded, -1 for none)")
	fanout := fs.String("fanout", cfg.Fanout.String(), "fanout policy: majority or random")
	fs.DurationVar(&cfg.DedupTTL, "dedup-ttl", cfg.DedupTTL, "how long fingerprints are remembered (0 for forever)")
	fs.IntVar(&cfg.DedupCapacity, "dedup-capacity", cfg.DedupCapacity, "max remembered fingerprints (0 for unbounded)")
	fs.StringVar(&cfg.RecordsPath, "records", cfg.RecordsPath, "append-only record of received messages (empty to disable)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.LogDev, "log-dev", false, "human-readable development logging")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Role = config.Role(strings.ToLower(*role))
	policy, err := gossip.ParseFanoutPolicy(*fanout)
	if err != nil {
		return cfg, err
	}
	cfg.Fanout = policy

	if *seeds != "" {
		if cfg.Seeds, err = config.ParseAddressList(*seeds); err != nil {
			return cfg, err
		}
		cfg.SeedsFile = ""
	}
	if *static != "" {
		if cfg.StaticPeers, err = config.ParseAddressList(*static); err != nil {
			return cfg, err
		}
	}
	if *etcd != "" {
		cfg.EtcdEndpoints = strings.Split(*etcd, ",")
		if *seeds == "" {
			cfg.SeedsFile = ""
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	self, err := cfg.Self()
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	var etcdCli *clientv3.Client
	if len(cfg.EtcdEndpoints) > 0 {
		if etcdCli, err = discovery.NewClient(cfg.EtcdEndpoints); err != nil {
			return err
		}
		defer etcdCli.Close()
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	switch cfg.Role {
	case config.RoleSeed:
		if etcdCli != nil {
			leaseID, err := discovery.RegisterSeed(ctx, etcdCli, etcdCli, self, cfg.EtcdLeaseTTL, logger)
			if err != nil {
				return err
			}
			defer func() {
				revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_, _ = etcdCli.Revoke(revokeCtx, leaseID)
			}()
		}
		return seed.NewService(self, nil, logger).Serve(ctx, lis)

	default:
		seeds, err := resolveSeeds(ctx, cfg, etcdCli)
		if err != nil {
			return err
		}
		logger.Info("Loaded seed list", zap.Int("seeds", len(seeds)))

		var sink gossip.Sink
		if cfg.RecordsPath != "" {
			records, err := recordlog.Open(cfg.RecordsPath)
			if err != nil {
				return err
			}
			defer records.Close()
			sink = records
		}

		gossipCount := cfg.GossipCount
		svc, err := peer.NewService(self, seeds, transport.NewClient(0, logger), peer.Options{
			ProbeInterval:  cfg.ProbeInterval,
			ProbeTimeout:   cfg.ProbeTimeout,
			Threshold:      cfg.Threshold,
			GossipInterval: cfg.GossipInterval,
			GossipCount:    gossipCount,
			Unbounded:      gossipCount == 0,
			Policy:         cfg.Fanout,
			StaticPeers:    cfg.StaticPeers,
			DedupTTL:       cfg.DedupTTL,
			DedupCapacity:  cfg.DedupCapacity,
			Sink:           sink,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.Run(ctx, lis)
	}
}

func resolveSeeds(ctx context.Context, cfg config.Config, etcdCli *clientv3.Client) ([]membership.Address, error) {
	switch {
	case len(cfg.Seeds) > 0:
		return cfg.Seeds, nil
	case etcdCli != nil:
		return discovery.ListSeeds(ctx, etcdCli)
	default:
		return config.LoadSeedsFile(cfg.SeedsFile)
	}
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}
