package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"discount-engine/internal/config"
	"discount-engine/internal/database"
	"discount-engine/internal/events"
	"discount-engine/internal/handler"
	"discount-engine/internal/identity"
	"discount-engine/internal/importer"
	"discount-engine/internal/ledger"
	"discount-engine/internal/metrics"
	"discount-engine/internal/repository"
	"discount-engine/internal/router"
	"discount-engine/internal/service"
	"discount-engine/internal/tracing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger := config.NewLogger(cfg)
	logger.Info().Msg("starting discount-engine API server")

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	var tp interface{ Shutdown(context.Context) error }
	if cfg.Tracing.Enabled {
		provider, err := tracing.InitTracerProvider(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		tp = provider
	} else {
		tp = tracing.Disabled(cfg.Tracing.ServiceName)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	// Initialize database connection pool and schema
	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	recorder := metrics.NewRecorder()

	// Initialize repositories and the usage ledger
	productRepo := repository.NewProductRepository(pool, logger)
	codeRepo := repository.NewCodeRepository(pool, logger)

	health := healthChecks{pool}
	usage, closeLedger, err := newLedger(ctx, cfg, pool, codeRepo, logger)
	if err != nil {
		return err
	}
	defer closeLedger()
	if p, ok := usage.(router.Pinger); ok {
		health = append(health, p)
	}

	// Redemption events
	var publisher service.EventPublisher = events.Nop{}
	var sweepObserver ledger.SweepObserver = recorder
	if cfg.Events.Enabled {
		kafkaPublisher, err := newKafkaPublisher(ctx, cfg.Events, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := kafkaPublisher.Close(closeCtx); err != nil {
				logger.Warn().Err(err).Msg("failed to flush redemption events")
			}
		}()
		publisher = kafkaPublisher
		sweepObserver = ledger.Observers(recorder, kafkaPublisher)
	}

	// Initialize services
	resolver := identity.NewResolver(productRepo)
	opts := []service.Option{service.WithPublisher(publisher), service.WithRecorder(recorder)}

	productService := service.NewProductService(productRepo, codeRepo, logger)
	codeService := service.NewCodeService(codeRepo, usage, productRepo, resolver, logger, opts...)
	redemptionService := service.NewRedemptionService(codeRepo, usage, productRepo, logger, opts...)

	// Seed codes before serving traffic
	if cfg.Import.SeedFile != "" {
		if err := importSeedFile(ctx, cfg, codeService, logger); err != nil {
			return err
		}
	}

	// Initialize router
	mux := router.New(router.Options{
		Products:    handler.NewProductHandler(productService, logger),
		Codes:       handler.NewCodeHandler(codeService, resolver, logger),
		Redemptions: handler.NewRedemptionHandler(redemptionService, logger),
		Metrics:     recorder.Handler(),
		Observer:    recorder,
		Health:      health,
		APIKey:      cfg.Auth.APIKey,
	}, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeper := ledger.NewSweeper(usage, cfg.Ledger.SweepInterval, sweepObserver, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("address", cfg.Server.Address()).Msg("HTTP server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received, starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown server gracefully")
			if closeErr := server.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close server")
			}
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().Msg("server shutdown completed")
	return nil
}

// healthChecks pings every backing store in turn.
type healthChecks []router.Pinger

func (h healthChecks) Ping(ctx context.Context) error {
	for _, p := range h {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// newLedger builds the configured usage ledger and its cleanup function.
func newLedger(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, committed ledger.CommitStore, logger zerolog.Logger) (ledger.Ledger, func(), error) {
	opts := ledger.Options{ReservationTTL: cfg.Ledger.ReservationTTL}

	switch cfg.Ledger.Backend {
	case config.LedgerRedis:
		opts.Committed = committed
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		l := ledger.NewRedisLedger(client, opts, logger)
		if err := l.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to initialize redis ledger: %w", err)
		}
		return l, func() { client.Close() }, nil

	case config.LedgerMemory:
		opts.Committed = committed
		logger.Warn().Msg("using in-process ledger, usage counters are not shared between instances")
		return ledger.NewMemoryLedger(opts, logger), func() {}, nil

	default:
		return repository.NewLedgerRepository(pool, opts, logger), func() {}, nil
	}
}

func newKafkaPublisher(ctx context.Context, cfg config.EventsConfig, logger zerolog.Logger) (*events.KafkaPublisher, error) {
	client, err := events.NewKafkaClient(cfg.Brokers, cfg.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := events.EnsureTopic(ctx, client, cfg.Topic, cfg.Partitions, int16(cfg.ReplicationFactor)); err != nil {
		client.Close()
		return nil, err
	}

	return events.NewKafkaPublisher(client, cfg.Topic, logger), nil
}

func importSeedFile(ctx context.Context, cfg *config.Config, codes service.CodeService, logger zerolog.Logger) error {
	var remote importer.Loader
	if cfg.S3.Enabled {
		client, err := importer.NewS3Client(ctx, cfg.S3.Region)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialise S3 client, using local file system only")
		} else {
			remote = importer.NewS3Loader(client, cfg.S3.Bucket, logger)
		}
	}

	loader := importer.NewFallbackLoader(remote, importer.NewFileLoader(logger), cfg.S3.Prefix, logger)

	if _, err := importer.New(loader, codes, logger).Run(ctx, cfg.Import.SeedFile); err != nil {
		return fmt.Errorf("failed to import seed file: %w", err)
	}
	return nil
}
