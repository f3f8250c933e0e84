package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/config"
	"VeilTrade/internal/core"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/ingestion"
	"VeilTrade/internal/observability"
	"VeilTrade/internal/oracle"
	"VeilTrade/internal/persistence"
	"VeilTrade/internal/projection"
	"VeilTrade/internal/query"
	"VeilTrade/internal/server"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("VEIL_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("veiltrade", observability.ParseLogLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("veiltrade stopped")
	}
	logger.Info().Msg("veiltrade shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("VeilTrade starting")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if cfg.Postgres.RunMigrations {
		migrator := persistence.NewMigrator(db, persistence.Migrations(), logger)
		applied, err := migrator.Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Confidential coprocessor ---
	cop, relayer, err := buildCoprocessor(cfg.Decryption)
	if err != nil {
		return err
	}

	// --- Channels ---
	// The persist channel blocks the core (backpressure); the projection
	// channel drops when full and projections are rebuilt from the log.
	persistCoreChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Core.PersistChanSize)
	publishChan := make(chan *event.Envelope, cfg.Core.PublishChanSize)

	// --- Deterministic core ---
	engine, err := core.NewDeterministicCore(
		core.Config{
			Ledger:              cfg.LedgerParams(),
			Orders:              cfg.OrdersParams(),
			Settlement:          cfg.SettlementParams(),
			Symbols:             cfg.Oracle.Symbols,
			PriceMaxAge:         cfg.Oracle.MaxAge.Duration,
			Chains:              cfg.Settlement.Chains,
			IdempotencyCapacity: cfg.Core.IdempotencyCapacity,
		},
		cfg.AdminAddress(),
		cop,
		0,
		persistCoreChan,
		projectionChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
		logger.With().Str("component", "core").Logger(),
	)
	if err != nil {
		return err
	}
	if err := grantGenesisRoles(engine.ACL(), cfg); err != nil {
		return err
	}

	// --- Restart: rebuild engine state from the event log ---
	checkpoints := persistence.NewCheckpointManager(db)
	if err := restore(ctx, engine, checkpoints, logger); err != nil {
		return err
	}

	// --- Inbox and ingestion surfaces ---
	inbox := core.NewInbox(cfg.Core.InboxSize, nil)

	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure outbound streams: %w", err)
	}

	natsSubscriber := ingestion.NewNATSSubscriber(js, inbox, metrics, logger)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, logger)
	queryService := query.NewQueryService(db, cfg.Oracle.Decimals)
	ingestService := ingestion.NewGRPCIngestService(inbox, cfg.Oracle.Decimals)

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Queries:       queryService,
		IngestService: ingestService,
		Core:          inbox,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		StartTime:     time.Now(),
		Logger:        logger,
		Rebuild: func(ctx context.Context) (int64, error) {
			return projection.RebuildProjections(ctx, db, 1000, logger)
		},
	})

	// --- Goroutines ---
	g, ctx := errgroup.WithContext(ctx)

	// 1. Deterministic core: the only goroutine touching engine state
	g.Go(func() error {
		defer close(persistCoreChan)
		return engine.Run(ctx, inbox.C())
	})

	// 2. Core output bridge: persist rows + outbound envelopes
	g.Go(func() error {
		return bridgeOutputs(ctx, persistCoreChan, persistWorkerChan, publishChan, metrics, logger)
	})

	// 3. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.Core.PersistBatchSize,
		cfg.Core.PersistFlushTimeout.Duration, metrics, logger.With().Str("component", "persistence").Logger())
	g.Go(func() error {
		return persistWorker.Run(ctx)
	})

	// 4. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, logger)
	g.Go(func() error {
		return projWorker.Run(ctx)
	})

	// 5. Outbound publisher
	g.Go(func() error {
		return publisher.Run(ctx)
	})

	// 6. NATS ingestion
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		natsSubscriber.Stop()
		return nil
	})

	// 7. Oracle feed
	if cfg.Redis.Enabled && cfg.Oracle.Feeder != "" {
		source, err := oracle.NewRedisSource(ctx, cfg.RedisParams(), cfg.Oracle.Decimals)
		if err != nil {
			return err
		}
		defer source.Close()
		healthChecker.AddCheck("redis", source.Ping)

		feed := oracle.NewFeed(source, cfg.Oracle.Symbols, cfg.Oracle.PollInterval.Duration,
			common.HexToAddress(cfg.Oracle.Feeder), inbox.Enqueue, logger.With().Str("component", "oracle_feed").Logger())
		g.Go(func() error {
			return feed.Run(ctx)
		})
	}

	// 8. Dev relayer: answers decryption requests in-process
	if relayer != nil {
		g.Go(func() error {
			return runDevRelayer(ctx, inbox, relayer, time.Second, logger)
		})
	}

	// 9. Checkpoints and channel metrics
	g.Go(func() error {
		return runCheckpoints(ctx, inbox, checkpoints, time.Minute, logger)
	})
	g.Go(func() error {
		return reportChannels(ctx, metrics, inbox, persistCoreChan, projectionChan, publishChan)
	})

	// 10. gRPC server and HTTP/JSON gateway
	g.Go(func() error {
		return grpcServer.StartGRPC(ctx)
	})
	g.Go(func() error {
		return grpcServer.StartHTTPGateway(ctx)
	})

	// 11. Prometheus metrics server
	g.Go(func() error {
		return serveMetrics(ctx, cfg.Server.MetricsAddr, logger)
	})

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("VeilTrade ready")

	err = g.Wait()
	healthChecker.SetReady(false)

	// Final checkpoint from a fresh context: the group context is done.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cpErr := saveCheckpoint(shutdownCtx, engine, checkpoints); cpErr != nil {
		logger.Error().Err(cpErr).Msg("final checkpoint failed")
	}
	return err
}

// buildCoprocessor assembles the executor, gateway and input verifier. With
// dev keys configured it also returns an in-process relayer holding them.
func buildCoprocessor(cfg config.DecryptionConfig) (core.Coprocessor, *fhe.Relayer, error) {
	x := fhe.NewExecutor()

	var (
		relayer *fhe.Relayer
		members []common.Address
	)
	if len(cfg.DevKeys) > 0 {
		signers := make([]*fhe.Signer, 0, len(cfg.DevKeys))
		for i, k := range cfg.DevKeys {
			s, err := fhe.NewSigner(k)
			if err != nil {
				return core.Coprocessor{}, nil, fmt.Errorf("decryption.dev_keys[%d]: %w", i, err)
			}
			signers = append(signers, s)
		}
		relayer = fhe.NewRelayer(x, signers...)
		members = relayer.Addresses()
	} else {
		for _, s := range cfg.Signers {
			members = append(members, common.HexToAddress(s))
		}
	}

	set, err := fhe.NewSignerSet(cfg.Threshold, members...)
	if err != nil {
		return core.Coprocessor{}, nil, fmt.Errorf("decryption signer set: %w", err)
	}
	return core.Coprocessor{
		Executor: x,
		Gateway:  fhe.NewGateway(set),
		Inputs:   fhe.NewInputVerifier(x, set),
	}, relayer, nil
}

func grantGenesisRoles(acl *access.Table, cfg *config.Config) error {
	for i, r := range cfg.Genesis.Roles {
		c, ok := access.ParseCapability(r.Capability)
		if !ok {
			return fmt.Errorf("genesis.roles[%d]: unknown capability %q", i, r.Capability)
		}
		acl.Grant(common.HexToAddress(r.Principal), c)
	}
	if cfg.Oracle.Feeder != "" {
		acl.Grant(common.HexToAddress(cfg.Oracle.Feeder), access.CapOracle)
	}
	return nil
}

// restore rebuilds the core by replaying the whole command log. Ciphertext
// inputs travel inside the logged commands, so replay reproduces every
// balance, order, position, settlement and pending decryption along with
// the sequence, chain tip and clock. The latest checkpoint on the chain
// cross-checks the rebuilt entities.
func restore(ctx context.Context, engine *core.DeterministicCore, cm *persistence.CheckpointManager, logger zerolog.Logger) error {
	cp, err := cm.LoadLatest(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load checkpoint, replaying without entity check")
		cp = nil
	}

	start := time.Now()
	replayed, err := cm.ReplayLog(ctx, engine, cp, 1000, logger)
	if err != nil {
		return fmt.Errorf("replay event log: %w", err)
	}
	if replayed == 0 {
		logger.Info().Msg("empty event log, cold start from sequence 0")
		return nil
	}

	tip, err := cm.LoadTip(ctx)
	if err != nil {
		return err
	}
	if tip == nil || tip.Sequence+1 != engine.GetSequence() || tip.StateHash != engine.GetStateHash() {
		return fmt.Errorf("replay stopped short of the persisted tip")
	}

	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", engine.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("rebuilt engine state from event log")
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
