package main

import (
	"CohortLedger/internal/cohort"
	"CohortLedger/internal/config"
	"CohortLedger/internal/core"
	"CohortLedger/internal/ingestion"
	"CohortLedger/internal/observability"
	"CohortLedger/internal/persistence"
	"CohortLedger/internal/projection"
	"CohortLedger/internal/query"
	"CohortLedger/internal/recovery"
	"CohortLedger/internal/server"
	"CohortLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// build is the git version of this program, set with -ldflags.
var build = "develop"

func main() {
	cfg, err := config.Parse(build)
	if err != nil {
		if errors.Is(err, config.ErrHelpWanted) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("main", observability.ParseLevel(cfg.Log.Level))
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
}

// queue is a sink worker with a drainable input channel.
type queue interface {
	core.OutputSink
	Run(ctx context.Context) error
	Close()
	ChannelLen() (int, int)
}

func run(cfg config.Config, logger zerolog.Logger) error {
	instanceID := uuid.New()
	logger = logger.With().Str("instance", instanceID.String()).Logger()
	logger.Info().Str("version", build).Msg("CohortLedger starting")
	logger.Info().Msg(cfg.String())

	level := observability.ParseLevel(cfg.Log.Level)
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level).With().Str("instance", instanceID.String()).Logger()
	}

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Cohorts ---
	set, err := loadCohorts(cfg.Engine.CohortsFile)
	if err != nil {
		return err
	}
	router, err := cohort.NewRouter(set)
	if err != nil {
		return fmt.Errorf("cohort router: %w", err)
	}

	// --- Pebble ---
	pdb, err := persistence.OpenPebble(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer pdb.Close()
	series := persistence.NewVecStore(pdb, componentLogger("vecstore"))
	checkpoints := persistence.NewCheckpointStore(pdb)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, migrations.FS, componentLogger("migrator")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, componentLogger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()

	streams := cfg.Streams()
	if err := ingestion.EnsureStreams(ctx, js, streams, componentLogger("nats")); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	source, err := ingestion.NewJetStreamSource(ctx, js, streams, componentLogger("source"))
	if err != nil {
		return err
	}
	defer source.Stop()

	tips, err := source.SubscribeTips(ctx)
	if err != nil {
		return err
	}

	// --- Downstream sinks ---
	queues := map[string]queue{
		"persist": persistence.NewPostgresSink(db, cfg.Persist.ChanSize, cfg.Persist.BatchSize,
			cfg.Persist.FlushTimeout, metrics, componentLogger("persist")),
		"projection": projection.NewLatestWorker(db, cfg.Persist.ProjectionChan, metrics, componentLogger("projection")),
	}
	if cfg.NATS.Publish {
		queues["publish"] = ingestion.NewSnapshotPublisher(js, streams, cfg.Persist.PublishChan, metrics, componentLogger("publisher"))
	}

	// Persist first: it is the only blocking sink.
	sink := core.MultiSink{queues["persist"], queues["projection"]}
	if q, ok := queues["publish"]; ok {
		sink = append(sink, q)
	}

	// Workers outlive ctx so they can drain after the driver stops.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var workers sync.WaitGroup
	for name, q := range queues {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := q.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("worker", name).Msg("worker stopped")
			}
		}()
	}
	go monitorChannels(ctx, queues, metrics)

	// --- Engine + driver ---
	engine := core.NewEngine(router, cfg.EngineConfig(), metrics, componentLogger("engine"))
	defer engine.Close()

	driver := recovery.NewDriver(engine, source, series, checkpoints, sink, cfg.RecoveryConfig(), metrics, componentLogger("recovery")).
		WithHealth(healthChecker).
		WithTipNotifications(tips)

	// --- gRPC + HTTP gateway ---
	srv := server.NewGRPCServer(cfg.Web.GRPCAddr, cfg.Web.HTTPAddr, &server.ServerDeps{
		Engine:        engine,
		History:       query.NewQueryService(db, metrics),
		HealthChecker: healthChecker,
		InstanceID:    instanceID.String(),
		StartTime:     time.Now(),
	}, componentLogger("server"))

	errChan := make(chan error, 3)
	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTPGateway(ctx) }()

	driverDone := make(chan error, 1)
	go func() {
		next, err := driver.Start(ctx)
		if err != nil {
			driverDone <- fmt.Errorf("recovery: %w", err)
			return
		}
		logger.Info().Uint64("next_height", next).Msg("recovery complete, following tip")
		driverDone <- driver.Run(ctx)
	}()

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			runErr = fmt.Errorf("server: %w", err)
		}
	case err := <-driverDone:
		runErr = err
		driverDone = nil
	}
	stop()
	healthChecker.SetReady(false)

	// The driver only stops between blocks, so every applied block has
	// been handed to the sinks once it returns.
	if driverDone != nil {
		if err := <-driverDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("driver stopped with error")
		}
	}
	if err := series.Flush(); err != nil {
		logger.Error().Err(err).Msg("series flush failed")
	}

	for _, q := range queues {
		q.Close()
	}
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info().Msg("downstream queues drained")
	case <-time.After(cfg.Web.ShutdownTimeout):
		logger.Warn().Dur("timeout", cfg.Web.ShutdownTimeout).Msg("downstream drain timed out")
		cancelWorkers()
		<-drained
	}

	logger.Info().Msg("CohortLedger shutdown complete")
	return runErr
}

func loadCohorts(path string) (cohort.Set, error) {
	if path == "" {
		return cohort.Defaults(), nil
	}
	set, err := cohort.Load(path)
	if err != nil {
		return cohort.Set{}, fmt.Errorf("load cohorts: %w", err)
	}
	return set, nil
}

// monitorChannels samples queue depth for backpressure metrics.
func monitorChannels(ctx context.Context, queues map[string]queue, metrics *observability.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, q := range queues {
				n, c := q.ChannelLen()
				metrics.ChannelSize.WithLabelValues(name).Set(float64(n))
				metrics.ChannelCapacity.WithLabelValues(name).Set(float64(c))
				if c > 0 {
					metrics.ChannelUtilization.WithLabelValues(name).Set(float64(n) / float64(c))
				}
			}
		}
	}
}
