package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"OptionVault/internal/config"
	"OptionVault/internal/core"
	"OptionVault/internal/ingestion"
	"OptionVault/internal/market"
	"OptionVault/internal/observability"
	"OptionVault/internal/outbox"
	"OptionVault/internal/persistence"
	"OptionVault/internal/projection"
	"OptionVault/internal/query"
	"OptionVault/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configDir := flag.String("config", "", "directory containing optionvault.yaml")
	flag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}

	logFile := observability.ConfigureLogging(cfg.LogOptions())
	logger := observability.NewLogger("main")
	logger.Info().Str("strategy", cfg.Vault.Strategy).Msg("OptionVault starting")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("OptionVault stopped with error")
		logFile.Close()
		os.Exit(1)
	}
	logger.Info().Msg("OptionVault shutdown complete")
	logFile.Close()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	applied, err := persistence.NewMigrator(db, migrationFiles(cfg.Postgres.MigrationsDir)).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.SetNotReady("recovering")

	// --- Vault engine ---
	stateCfg, err := cfg.StateConfig()
	if err != nil {
		return err
	}
	stats, err := cfg.InitialStats()
	if err != nil {
		return err
	}
	aggregator := market.NewStaticAggregator(stats)
	strategy, err := market.NewStrikePriceStrategy(cfg.StrategyKind(), aggregator)
	if err != nil {
		return err
	}

	// The persist channel blocks; the projection feed drops when full
	persistChan := make(chan core.CoreOutput, cfg.Persistence.ChanSize)
	engine, err := core.NewVaultEngine(0, stateCfg, strategy, aggregator, persistChan,
		persistence.NewPostgresIdempotencyChecker(db), metrics)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// --- Recovery: load snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	recovery, err := persistence.NewRecoverer(snapMgr, cfg.Persistence.BatchSize, metrics).Recover(ctx, engine)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	healthChecker.ObserveSequence(recovery.TipSequence)

	// --- Outbox + projection feed ---
	store, err := outbox.Open(cfg.Outbox.Dir)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer store.Close()

	feed := projection.NewFeed(cfg.Persistence.ProjectionChanSize, metrics)
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, persistence.Downstreams{store, feed},
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics)

	// The engine pipeline outlives the intake goroutines so the final
	// snapshot and the last persisted batch see every applied command.
	dispatcher := core.NewDispatcher(engine, cfg.Persistence.DispatchQueue, metrics)
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	var pipeline errgroup.Group
	pipeline.Go(func() error {
		defer close(persistChan)
		return dispatcher.Run(engineCtx)
	})
	pipeline.Go(func() error {
		return persistWorker.Run(context.Background())
	})

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		stopEngine()
		pipeline.Wait()
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, cfg.NATS.MarketPrefix); err != nil {
		stopEngine()
		pipeline.Wait()
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	publishers := []outbox.Publisher{ingestion.NewOutboundPublisher(js)}
	if cfg.Kafka.Enabled {
		kafka := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafka.Close()
		publishers = append(publishers, kafka)
	}
	broadcaster := outbox.NewBroadcaster(store, publishers, cfg.Outbox.RetryInterval, cfg.Outbox.BatchSize, metrics)

	// --- Services ---
	snapshotter := persistence.NewSnapshotter(dispatcher, snapMgr, cfg.Persistence.SnapshotInterval, metrics)
	live := query.NewLiveReader(dispatcher)
	svc := server.NewVaultService(server.Deps{
		Submitter: dispatcher,
		Live:      live,
		Queries:   query.NewQueryService(db),
		Snapshots: snapshotter,
		Rebuild: func(ctx context.Context) (int, error) {
			return projection.RebuildProjections(ctx, db, snapMgr, cfg.Persistence.BatchSize)
		},
		EventLog: snapMgr,
	})
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, svc, healthChecker, metrics)

	natsSubscriber := ingestion.NewNATSSubscriber(js, dispatcher, cfg.StatsFeeder(), metrics)

	// --- Start goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return broadcaster.Run(gctx) })
	g.Go(func() error { return projection.NewProjectionWorker(db, feed.Outputs(), metrics).Run(gctx) })
	g.Go(func() error { return snapshotter.Run(gctx) })
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })
	g.Go(func() error {
		watchSequence(gctx, dispatcher, healthChecker)
		return nil
	})

	if err := natsSubscriber.Subscribe(gctx, ingestion.DefaultSubjects(cfg.NATS.MarketPrefix)); err != nil {
		stop()
		g.Wait()
		stopEngine()
		pipeline.Wait()
		return fmt.Errorf("nats subscribe: %w", err)
	}

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", recovery.TipSequence).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("OptionVault ready")

	// --- Wait for shutdown ---
	<-gctx.Done()
	logger.Info().Msg("shutting down")
	healthChecker.SetNotReady("shutting down")
	grpcServer.SetServing(false)
	natsSubscriber.Stop()

	runErr := g.Wait()

	// Step 1: Final snapshot while the engine is still running
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, err := snapshotter.Take(shutdownCtx); err != nil && !errors.Is(err, persistence.ErrNothingToSnapshot) {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	// Step 2: Stop the engine and drain the persist channel
	stopEngine()
	if err := pipeline.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	// Step 3: Hand what reached the outbox to the sinks before exit
	if n, err := broadcaster.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("published", n).Msg("outbox left pending")
	}
	nc.Drain()
	return runErr
}

// migrationFiles picks the embedded migrations unless dir overrides them.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return persistence.Migrations()
	}
	return os.DirFS(dir)
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// watchSequence keeps the readiness report on the last applied sequence.
func watchSequence(ctx context.Context, d *core.Dispatcher, h *observability.HealthChecker) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Query(ctx, func(v *core.VaultEngine) error {
				h.ObserveSequence(v.GetSequence() - 1)
				return nil
			})
		}
	}
}
