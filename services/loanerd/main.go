package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loaner/core/events"
	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/ledger"
	"loaner/native/loaner"
	"loaner/native/vault"
	"loaner/observability"
	"loaner/observability/logging"
	telemetry "loaner/observability/otel"
	"loaner/services/loanerd/auth"
	"loaner/services/loanerd/config"
	"loaner/services/loanerd/jobs"
	"loaner/services/loanerd/query"
	"loaner/services/loanerd/server"
	"loaner/state"
	"loaner/storage"
)

const serviceName = "loanerd"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to loanerd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, logCloser := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level: logging.ParseLevel(cfg.Log.Level),
		File: logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   true,
		},
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Insecure:    true,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	}))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("loanerd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	protocol, err := loaner.LoadConfig(cfg.ProtocolConfig)
	if err != nil {
		return err
	}
	params, err := protocol.Params()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics("loaner")
	broadcaster := events.NewBroadcaster(cfg.Events.History)
	emitter := events.MultiEmitter{
		broadcaster,
		metrics,
		events.LogEmitter{Logger: logger.With(slog.String("component", "events"))},
	}
	assets := ledger.NewMemory()
	assets.SetEmitter(emitter)
	env := &common.Env{Ledger: assets, Emitter: emitter}

	var yield vault.Vault
	if params.Vault {
		breakerCfg := params.Breaker
		breakerCfg.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("vault breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}
		yield = vault.NewBreaker(vault.NewMemory(crypto.NamedAddress("loaner/vault"), assets), breakerCfg)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	store := state.NewStore(db)

	registry, err := loadRegistry(store, params, env, yield, logger)
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(auth.Options{
		Secret:   []byte(cfg.Auth.HMACSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return err
	}

	var snapshotter *jobs.Snapshotter
	var snapshots server.Snapshotter
	if cfg.Persistent() {
		snapshotter = jobs.NewSnapshotter(registry, store, metrics, logger.With(slog.String("component", "snapshot")))
		snapshots = snapshotter
	}
	srv, err := server.New(server.Config{
		Registry:    registry,
		Events:      broadcaster,
		Metrics:     metrics,
		Verifier:    verifier,
		RateLimit:   server.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		Logger:      logger,
		Snapshotter: snapshots,
		AllowMint:   cfg.Dev.AllowMint,
		ServiceName: serviceName,
	})
	if err != nil {
		return err
	}

	scheduler := jobs.NewScheduler(logger.With(slog.String("component", "jobs")), time.Minute)
	if snapshotter != nil {
		if err := scheduler.Add("snapshot", cfg.Jobs.Snapshot, func(ctx context.Context) error {
			_, err := snapshotter.SnapshotNow(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	auditor := jobs.NewAuditor(registry, metrics, logger.With(slog.String("component", "audit")))
	if err := scheduler.Add("audit", cfg.Jobs.Audit, func(ctx context.Context) error {
		_, err := auditor.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.Add("rate-limit-prune", "@every 5m", func(context.Context) error {
		srv.Limiter().Prune(10 * time.Minute)
		return nil
	}); err != nil {
		return err
	}

	var (
		grpcServer   *query.Server
		grpcListener net.Listener
	)
	if cfg.GRPCAddress != "" {
		grpcServer, err = query.NewServer(query.Config{
			Registry: registry,
			Verifier: verifier,
			Metrics:  metrics,
			Logger:   logger.With(slog.String("component", "grpc")),
		})
		if err != nil {
			return err
		}
		grpcListener, err = net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.GRPCAddress, err)
		}
	}

	scheduler.Start()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("loanerd listening", slog.String("addr", cfg.ListenAddress), slog.Bool("persistent", cfg.Persistent()))
		serverErr <- httpServer.ListenAndServe()
	}()
	if grpcServer != nil {
		go func() {
			logger.Info("loanerd grpc listening", slog.String("addr", cfg.GRPCAddress))
			if err := grpcServer.Serve(grpcListener); err != nil {
				serverErr <- fmt.Errorf("serve grpc: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing server stop", slog.Any("error", err))
		_ = httpServer.Close()
	}
	if grpcServer != nil {
		grpcServer.Drain(shutdownCtx)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("jobs did not stop in time", slog.Any("error", err))
	}
	if snapshotter != nil {
		if _, err := snapshotter.SnapshotNow(shutdownCtx); err != nil {
			serveErr = errors.Join(serveErr, fmt.Errorf("final snapshot: %w", err))
		}
	}
	return serveErr
}

func openDatabase(cfg config.Config) (storage.Database, error) {
	if !cfg.Persistent() {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return db, nil
}

// loadRegistry restores the last snapshot when one exists and starts an empty
// registry otherwise.
func loadRegistry(store *state.Store, params loaner.Params, env *common.Env, yield vault.Vault, logger *slog.Logger) (*loaner.Registry, error) {
	st, manifest, err := store.Load()
	if errors.Is(err, state.ErrNoSnapshot) {
		registry, err := loaner.NewRegistry(params, env)
		if err != nil {
			return nil, err
		}
		if yield != nil {
			registry.SetVault(yield)
		}
		logger.Info("starting with an empty registry", slog.Int("admins", len(params.Admins)))
		return registry, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	registry, err := loaner.Restore(st, params, env, yield)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	logger.Info("registry restored",
		slog.Int64("taken_at", manifest.TakenAt),
		slog.Int("communities", manifest.Communities),
		slog.Int("pools", manifest.Pools),
		slog.Int("loans", manifest.Loans))
	return registry, nil
}
