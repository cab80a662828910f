package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	rcache "github.com/tackle-tarts/giveaway-backend/internal/cache/redis"
	"github.com/tackle-tarts/giveaway-backend/internal/common/config"
	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/user"
	apphttp "github.com/tackle-tarts/giveaway-backend/internal/http"
	"github.com/tackle-tarts/giveaway-backend/internal/payment"
	"github.com/tackle-tarts/giveaway-backend/internal/payment/omise"
	"github.com/tackle-tarts/giveaway-backend/internal/platform/db"
	"github.com/tackle-tarts/giveaway-backend/internal/platform/metrics"
	rplatform "github.com/tackle-tarts/giveaway-backend/internal/platform/redis"
	"github.com/tackle-tarts/giveaway-backend/internal/repository/memory"
	"github.com/tackle-tarts/giveaway-backend/internal/repository/postgres"
	"github.com/tackle-tarts/giveaway-backend/internal/service/allocator"
	"github.com/tackle-tarts/giveaway-backend/internal/service/auth"
	"github.com/tackle-tarts/giveaway-backend/internal/service/checkout"
	"github.com/tackle-tarts/giveaway-backend/internal/service/ledger"
	"github.com/tackle-tarts/giveaway-backend/internal/service/reconcile"
	"github.com/tackle-tarts/giveaway-backend/internal/utils/random"
	"github.com/tackle-tarts/giveaway-backend/internal/workers"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Init("tackle-tarts-api", true)
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init(cfg.ServiceName, cfg.Debug)
	logger.Info().Bool("debug", cfg.Debug).Str("store", cfg.StoreDriver).
		Str("payment_provider", cfg.Payment.Provider).Msg("Starting Tackle Tarts API")

	checks := map[string]apphttp.Checker{}

	var (
		store raffle.Store
		users user.Repository
	)
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := openPostgres(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pg.Close()
		store = postgres.NewCompetitionStore(pg)
		users = postgres.NewUserRepository(pg)
		checks["postgres"] = pg.PingContext
	default:
		logger.Warn().Msg("Using in-memory store, data is lost on restart")
		store = memory.NewStore()
		users = memory.NewUserRepository()
	}

	var (
		rdb   *rplatform.Client
		cache apphttp.CompetitionCache
	)
	if cfg.Redis.Enabled {
		rdb, err = rplatform.Open(ctx, cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		cache = rcache.NewCompetitionCache(rdb, cfg.Redis.CacheTTL)
		checks["redis"] = rdb.Check
	}

	rng, err := random.NewLocked()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed random source")
	}
	m := metrics.New()
	ledgerSvc := ledger.NewService(store, allocator.New(rng, allocator.WithMaxAttempts(cfg.Raffle.AllocationMaxAttempts)), rng, m, ledger.Defaults{
		Capacity:    cfg.Raffle.DefaultCapacity,
		InstantWins: cfg.Raffle.DefaultInstantWins,
		MaxAttempts: cfg.Raffle.AllocationMaxAttempts,
	})

	provider, verifier, err := paymentBackend(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure payment provider")
	}
	reconcileSvc := reconcile.NewService(store, ledgerSvc, verifier, m)

	var wg sync.WaitGroup
	var queue apphttp.EventQueue
	if cfg.Payment.Async {
		q := workers.NewPaymentQueue(rdb, cfg.Payment.Stream)
		queue = q
		w := workers.NewPaymentStreamWorker(rdb, reconcileSvc, workers.StreamOptions{
			Stream:       cfg.Payment.Stream,
			Group:        cfg.Payment.ConsumerGroup,
			Consumer:     cfg.ServiceName,
			Batch:        cfg.Workers.StreamBatch,
			Block:        cfg.Workers.StreamBlock,
			ClaimMinIdle: cfg.Workers.ClaimMinIdle,
		})
		w.OnApplied = func(ctx context.Context, res *reconcile.Result) {
			if cache != nil && !res.Duplicate {
				_ = cache.Invalidate(ctx, res.Order.CompetitionID)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}

	sweeper := workers.NewCloseSweeper(ledgerSvc, cfg.Workers.CloseSweepSchedule)
	sweeper.OnClosed = func(ctx context.Context) {
		// Drops listings; per-competition entries expire with CACHE_TTL.
		if cache != nil {
			_ = cache.Invalidate(ctx, 0)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Close sweeper failed to start")
		}
	}()

	router := apphttp.NewRouter(apphttp.Deps{
		Config:    cfg,
		Auth:      auth.NewService(users, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.IsAdminEmail),
		Ledger:    ledgerSvc,
		Checkout:  checkout.NewService(store, provider),
		Reconcile: reconcileSvc,
		Metrics:   m,
		Cache:     cache,
		Queue:     queue,
		Checks:    checks,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	wg.Wait()
	logger.Info().Msg("Server exited")
}

func openPostgres(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	pg, err := db.Open(ctx, cfg.Database.URL, db.Pool{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnMaxLife:  cfg.Database.ConnMaxLife,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(pg); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("Database migrations applied")
	}
	return pg, nil
}

func paymentBackend(cfg *config.Config) (payment.Provider, payment.Verifier, error) {
	switch cfg.Payment.Provider {
	case "omise":
		client, err := omise.NewClient(cfg.Payment.OmisePublicKey, cfg.Payment.OmiseSecretKey)
		if err != nil {
			return nil, nil, err
		}
		return omise.NewProvider(client, cfg.Payment.ReturnURL), omise.NewVerifier(client), nil
	default:
		return payment.NewHostedProvider(cfg.Payment.CheckoutBaseURL, cfg.Payment.ReturnURL),
			payment.NewHMACVerifier(cfg.Payment.WebhookSecret, cfg.Payment.WebhookTolerance), nil
	}
}
