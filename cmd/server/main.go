// Package main runs the unified connector gateway: the HTTP API, webhook
// ingestion and a gRPC health endpoint for orchestrators.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nucleus/unified-core/internal/authority"
	"github.com/nucleus/unified-core/internal/config"
	"github.com/nucleus/unified-core/internal/connection"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/event"
	"github.com/nucleus/unified-core/internal/gateway"
	"github.com/nucleus/unified-core/internal/metrics"
	"github.com/nucleus/unified-core/internal/objectstore"
	"github.com/nucleus/unified-core/internal/operation"

	// Register every bundled connector.
	_ "github.com/nucleus/unified-core/internal/connector/all"
)

func main() {
	configPath := flag.String("config", os.Getenv("UNIFIED_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// closer collects shutdown hooks in reverse order of acquisition.
type closer []func() error

func (c *closer) add(fn func() error) { *c = append(*c, fn) }

func (c closer) close(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers closer
	defer closers.close(logger)
	checks := map[string]gateway.Check{}

	// =========================================================================
	// STORAGE
	// =========================================================================

	adapter, err := openAdapter(ctx, cfg.Storage, checks, &closers)
	if err != nil {
		return fmt.Errorf("connection store: %w", err)
	}
	logger.Info("connection store ready", "backend", cfg.Storage.Backend)

	sink, err := openSink(ctx, cfg.Dedupe, logger, checks, &closers)
	if err != nil {
		return fmt.Errorf("event ledger: %w", err)
	}

	store, err := openDeadLetterStore(ctx, cfg.DeadLetter)
	if err != nil {
		return fmt.Errorf("dead letter store: %w", err)
	}
	checks["deadLetter"] = store.Ping
	deadLetter := event.NewDeadLetter(store, cfg.DeadLetter.Bucket, cfg.DeadLetter.Prefix)

	// =========================================================================
	// RUNTIME
	// =========================================================================

	m := metrics.New(prometheus.DefaultRegisterer)
	auth := authority.New(endpoint.DefaultRegistry(), adapter, authority.Options{
		Apps:        cfg.Connectors,
		RedirectURL: cfg.RedirectURL(),
		HTTP: httpclient.ClientConfig{
			Timeout:    cfg.Upstream.Timeout,
			MaxRetries: cfg.Upstream.MaxRetries,
			RateLimit:  cfg.Upstream.RateLimit,
			RateBurst:  cfg.Upstream.RateBurst,
		},
		RefreshMargin: cfg.Upstream.RefreshMargin,
		StateTTL:      cfg.Upstream.StateTTL,
		Logger:        logger,
		Metrics:       m,
	})
	runner := operation.NewRunner(auth, logger)
	pipeline := event.NewPipeline(auth, event.Options{
		Sink:       sink,
		DeadLetter: deadLetter,
		Metrics:    m,
		Logger:     logger,
	})

	srv := gateway.New(gateway.Options{
		Authority:    auth,
		Runner:       runner,
		Pipeline:     pipeline,
		PublicURL:    cfg.Server.PublicURL,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Metrics:      m,
		Checks:       checks,
		Logger:       logger,
	})

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	logger.Info("connectors registered", "connectors", endpoint.DefaultRegistry().List())

	// =========================================================================
	// SERVE
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.Server.Addr, "publicUrl", cfg.Server.PublicURL)
		return srv.Start(cfg.Server.Addr)
	})

	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			logger.Info("grpc health listening", "port", cfg.Server.GRPCPort)
			return grpcServer.Serve(lis)
		})
	}

	g.Go(func() error {
		watchHealth(gctx, healthServer, checks, logger)
		return nil
	})

	if cfg.DeadLetter.Retention > 0 {
		g.Go(func() error {
			pruneDeadLetters(gctx, deadLetter, cfg.DeadLetter.Retention, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

func openAdapter(ctx context.Context, cfg config.StorageConfig, checks map[string]gateway.Check, closers *closer) (connection.Adapter, error) {
	switch cfg.Backend {
	case "postgres":
		a, err := connection.NewPostgresAdapter(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		closers.add(a.Close)
		checks["connections"] = a.Ping
		return a, nil
	case "redis":
		a, err := connection.NewRedisAdapterFromURL(ctx, cfg.URL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		closers.add(a.Close)
		checks["connections"] = a.Ping
		return a, nil
	default:
		return connection.NewMemoryAdapter(), nil
	}
}

// openSink puts the configured idempotency ledger in front of the log sink.
func openSink(ctx context.Context, cfg config.DedupeConfig, logger *slog.Logger, checks map[string]gateway.Check, closers *closer) (event.Sink, error) {
	next := &event.LogSink{Logger: logger.With("component", "sink")}

	var deduper event.Deduper
	switch cfg.Backend {
	case "memory":
		deduper = &event.MemoryDeduper{TTL: cfg.TTL}
	case "redis":
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed parsing redis URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		closers.add(rdb.Close)
		checks["ledger"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		deduper = event.NewRedisDeduper(rdb, "", cfg.TTL)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		closers.add(func() error { pool.Close(); return nil })
		checks["ledger"] = pool.Ping
		d := event.NewPostgresDeduper(pool, cfg.Table)
		if err := d.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		go pruneLedger(ctx, d, cfg.TTL, logger)
		deduper = d
	default:
		return next, nil
	}
	logger.Info("event ledger ready", "backend", cfg.Backend, "ttl", cfg.TTL)
	return &event.DedupeSink{Deduper: deduper, Next: next, Logger: logger.With("component", "dedupe")}, nil
}

func openDeadLetterStore(ctx context.Context, cfg config.DeadLetterConfig) (objectstore.Store, error) {
	if cfg.Backend != "minio" {
		return objectstore.NewLocalStore(cfg.Dir), nil
	}
	client, err := objectstore.NewS3Client(cfg.MinIO)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx, cfg.Bucket); err != nil {
		return nil, err
	}
	return client, nil
}

// =============================================================================
// BACKGROUND
// =============================================================================

// watchHealth mirrors the dependency checks into the gRPC health service.
func watchHealth(ctx context.Context, hs *health.Server, checks map[string]gateway.Check, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		for name, check := range checks {
			checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := check(checkCtx)
			cancel()
			if err != nil {
				logger.Warn("dependency unhealthy", "dependency", name, "error", err)
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		hs.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneDeadLetters(ctx context.Context, dl *event.DeadLetter, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := dl.Prune(ctx, retention)
			if err != nil {
				logger.Warn("dead letter prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("dead letters pruned", "count", n)
			}
		}
	}
}

func pruneLedger(ctx context.Context, d *event.PostgresDeduper, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Prune(ctx, ttl); err != nil {
				logger.Warn("ledger prune failed", "error", err)
			}
		}
	}
}
