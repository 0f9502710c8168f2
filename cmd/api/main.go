package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/inaiurai/escrow/internal/config"
	"github.com/inaiurai/escrow/internal/database"
	"github.com/inaiurai/escrow/internal/escrow"
	"github.com/inaiurai/escrow/internal/events"
	"github.com/inaiurai/escrow/internal/execution"
	"github.com/inaiurai/escrow/internal/ledger"
	"github.com/inaiurai/escrow/internal/middleware"
	"github.com/inaiurai/escrow/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		pool     *pgxpool.Pool
		provider token.Provider
		pgTokens *token.Postgres
	)
	switch cfg.TokenBackend {
	case config.TokenBackendPostgres:
		pool, err = connect(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Database setup failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pgTokens = token.NewPostgres(pool, cfg.CustodyAddress)
		provider = pgTokens
	default:
		mem := token.NewMemory(cfg.CustodyAddress)
		for addr, amount := range cfg.SeedBalances {
			mem.Mint(addr, amount)
			mem.Approve(addr, amount)
		}
		provider = mem
		slog.Warn("Using in-memory backend; balances and escrow state are lost on restart", "seeded_accounts", len(cfg.SeedBalances))
	}

	holds := ledger.NewRepository()
	ledgerSvc := ledger.NewService(holds, provider, cfg.CustodyAddress, logger)
	if pgTokens != nil {
		holdStore := ledger.NewPostgresStore(pool, pgTokens)
		n, err := holdStore.Load(ctx, holds)
		if err != nil {
			slog.Error("Failed to load custody holds", "error", err)
			os.Exit(1)
		}
		ledgerSvc.WithStore(holdStore)
		slog.Info("Custody holds loaded", "holds", n)
	}

	// Event sinks. The River sink's insert func is set after the River client
	// is created (breaks init cycle).
	sinks := []events.Sink{events.NewLogSink(logger)}
	var insertMu sync.Mutex
	var insertFn execution.InsertFunc
	var eventStore *events.PostgresSink
	if pool != nil {
		eventStore = events.NewPostgresSink(pool)
		sinks = append(sinks, eventStore)
		if cfg.IndexerURL != "" {
			sinks = append(sinks, execution.NewRiverSink(func(ctx context.Context, args execution.DeliverEventArgs) error {
				insertMu.Lock()
				fn := insertFn
				insertMu.Unlock()
				if fn == nil {
					return errors.New("river insert not wired")
				}
				return fn(ctx, args)
			}))
		}
	}
	journal := events.NewJournal(logger, 10_000, sinks...)
	defer journal.Close()
	if eventStore != nil {
		last, err := eventStore.LastSeq(ctx)
		if err != nil {
			slog.Error("Failed to read event sequence", "error", err)
			os.Exit(1)
		}
		journal.Resume(last)
	}

	svc, err := escrow.NewService(ledgerSvc, journal, cfg.Escrow(), cfg.Roles(), logger)
	if err != nil {
		slog.Error("Escrow service init failed", "error", err)
		os.Exit(1)
	}

	// Inserts are wired before Restore so repair events are delivered; the client starts after it.
	var riverClient *river.Client[pgx.Tx]
	if pool != nil {
		riverClient, err = newRiverClient(cfg, pool, svc, logger)
		if err != nil {
			slog.Error("Failed to create River client", "error", err)
			os.Exit(1)
		}
		insertMu.Lock()
		insertFn = func(ctx context.Context, args execution.DeliverEventArgs) error {
			_, err := riverClient.Insert(ctx, args, nil)
			return err
		}
		insertMu.Unlock()

		if _, err := svc.Restore(ctx, escrow.NewPostgresStore(pool)); err != nil {
			slog.Error("Failed to restore escrow state", "error", err)
			os.Exit(1)
		}
	}

	if held, custody, err := ledgerSvc.Reconcile(ctx); err != nil {
		slog.Warn("Custody does not match open holds at startup", "held", held, "custody", custody, "error", err)
	}

	// Automation: River periodic job when Postgres is available, ticker otherwise.
	if riverClient != nil {
		riverCtx, stopRiver := context.WithCancel(ctx)
		defer stopRiver()
		go func() {
			if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
				slog.Error("River client stopped", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = riverClient.Stop(stopCtx)
		}()
	} else {
		go runAutomation(ctx, svc, cfg.AutomationInterval, logger)
	}

	limiter, closeLimiter := newLimiter(ctx, cfg)
	defer closeLimiter()

	handler, err := buildHandler(cfg, svc, ledgerSvc, journal, limiter, logger)
	if err != nil {
		slog.Error("HTTP setup failed", "error", err)
		os.Exit(1)
	}

	serverAddr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Starting HTTP server", "addr", serverAddr, "token_backend", cfg.TokenBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := journal.Flush(flushCtx); err != nil {
		slog.Warn("Event journal not fully flushed", "error", err)
	}
	slog.Info("Server stopped")
}

// connect opens the pool and applies River and escrow migrations.
func connect(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d")
		return nil, err
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("River migrations applied")

	applied, err := database.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("Escrow migrations applied", "applied", applied)
	return pool, nil
}

func newRiverClient(cfg *config.Config, pool *pgxpool.Pool, svc *escrow.Service, logger *slog.Logger) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewProcessDueWorker(svc, logger))
	queues := map[string]river.QueueConfig{
		river.QueueDefault: {MaxWorkers: cfg.RiverWorkers},
	}
	if cfg.IndexerURL != "" {
		river.AddWorker(workers, execution.NewDeliverEventWorker(cfg.IndexerURL, logger))
		queues[execution.QueueEvents] = river.QueueConfig{MaxWorkers: cfg.RiverWorkers}
	}
	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:       queues,
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(cfg.AutomationInterval),
		Logger:       logger,
	})
}

// runAutomation sweeps due milestones on a ticker when River is not available.
func runAutomation(ctx context.Context, svc *escrow.Service, interval time.Duration, logger *slog.Logger) {
	w := execution.NewProcessDueWorker(svc, logger)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.Work(ctx, &river.Job[execution.ProcessDueArgs]{}); err != nil && ctx.Err() == nil {
				logger.Warn("automation sweep failed", "error", err)
			}
		}
	}
}

// newLimiter uses Redis when REDIS_ADDR is set so replicas share buckets.
func newLimiter(ctx context.Context, cfg *config.Config) (middleware.Limiter, func()) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable; rate limiter will fail open until it recovers", "addr", cfg.RedisAddr, "error", err)
		}
		return middleware.NewRedisLimiter(client, "", cfg.ProcessDueRPS, cfg.ProcessDueBurst), func() { _ = client.Close() }
	}
	l := middleware.NewMemoryLimiter(cfg.ProcessDueRPS, cfg.ProcessDueBurst)
	go l.Run(ctx)
	return l, func() {}
}
