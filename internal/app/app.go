// Package app wires configuration, storage, the probe pipeline, and the
// HTTP surface into a runnable application.
package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/linkpulse/linkpulse/internal/audit"
	"github.com/linkpulse/linkpulse/internal/config"
	"github.com/linkpulse/linkpulse/internal/errx"
	"github.com/linkpulse/linkpulse/internal/healthstate"
	"github.com/linkpulse/linkpulse/internal/link"
	"github.com/linkpulse/linkpulse/internal/probe"
	"github.com/linkpulse/linkpulse/internal/scoring"
	"github.com/linkpulse/linkpulse/internal/server"
)

// App holds the application dependencies and configuration.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DBPool    *pgxpool.Pool
	Server    *server.Server
	Scheduler *audit.Scheduler
	Links     link.Service

	recorder   *link.ClickRecorder
	stopTicker context.CancelFunc
}

// New initializes and returns a new App instance with all dependencies wired up.
func New(ctx context.Context) (*App, error) {
	if err := loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.App.LogLevel)

	logger.Info("starting application", "env", cfg.App.Environment)

	dbPool, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Probe and scoring
	checker, err := probe.NewChecker(cfg.Probe, nil)
	if err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to build probe checker: %w", err)
	}
	engine := scoring.NewEngine(cfg.Scoring, scoring.NewPGSnapshotRepository(dbPool), nil)

	// Audit pipeline
	table := healthstate.NewTable()
	auditRepo := audit.NewPGRepository(dbPool)
	scheduler := audit.NewScheduler(checker, auditRepo, table, engine, cfg.Audit, logger)

	// Links and the redirect path
	linkRepo := link.NewPGRepository(dbPool)
	linkSvc := link.NewService(linkRepo, nil)

	recorder := link.NewClickRecorder(linkRepo, link.ClickRecorderConfig{
		FlushSize:  cfg.Resolver.ClickFlushSize,
		FlushEvery: cfg.Resolver.ClickFlushEvery,
		Workers:    cfg.Resolver.ClickWorkers,
	}, logger)
	recorder.Start()

	resolver := link.NewResolver(link.ResolverConfig{
		Repository:       linkRepo,
		Table:            table,
		Issues:           &fallbackIssueCloser{repo: auditRepo},
		Recorder:         recorder,
		MinHealthyCycles: cfg.Resolver.MinHealthyCycles,
		Logger:           logger,
	})

	linkHandler := link.NewHandler(link.HandlerConfig{
		Service:  linkSvc,
		Resolver: resolver,
		Logger:   logger,
		BaseURL:  cfg.Server.BaseURL,
	})
	auditHandler := audit.NewHandler(audit.HandlerConfig{
		Scheduler: scheduler,
		Targets:   linkSvc,
		Engine:    engine,
		Logger:    logger,
	})

	srv := server.New(cfg, logger, linkHandler, auditHandler)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		DBPool:    dbPool,
		Server:    srv,
		Scheduler: scheduler,
		Links:     linkSvc,
		recorder:  recorder,
	}

	if cfg.Audit.Interval > 0 {
		tickerCtx, cancel := context.WithCancel(context.Background())
		a.stopTicker = cancel
		go a.runPeriodicAudits(tickerCtx)
	}

	logger.Info("application initialized",
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
		"audit_interval", cfg.Audit.Interval,
	)

	return a, nil
}

// Start starts the application server.
func (a *App) Start(ctx context.Context) error {
	a.Logger.Info("server starting",
		"port", a.Config.Server.Port,
		"base_url", a.Config.Server.BaseURL,
	)

	if err := a.Server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown() error {
	a.Logger.Info("shutting down application")

	if a.stopTicker != nil {
		a.stopTicker()
	}

	// Flush buffered clicks before the pool goes away.
	if a.recorder != nil {
		a.recorder.Stop()
	}

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database connection closed")
	}

	return nil
}

// runPeriodicAudits triggers a full audit for every account with active
// links on the configured interval.
func (a *App) runPeriodicAudits(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Audit.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.auditAllAccounts(ctx)
		}
	}
}

func (a *App) auditAllAccounts(ctx context.Context) {
	accounts, err := a.listAccountIDs(ctx)
	if err != nil {
		a.Logger.ErrorContext(ctx, "periodic audit: failed to list accounts", "error", err)
		return
	}

	for _, accountID := range accounts {
		// Skip accounts whose previous scheduled run is still in flight.
		if last, err := a.Scheduler.LatestRun(ctx, accountID); err == nil && !last.Status.Terminal() {
			a.Logger.InfoContext(ctx, "periodic audit: previous run still active, skipping",
				"account_id", accountID, "run_id", last.ID)
			continue
		}

		targets, err := a.Links.AuditTargets(ctx, accountID)
		if err != nil {
			if errx.KindOf(err) == errx.NotFound {
				continue
			}
			a.Logger.ErrorContext(ctx, "periodic audit: failed to load targets",
				"account_id", accountID, "error", err)
			continue
		}

		run, err := a.Scheduler.Run(ctx, accountID, targets)
		if err != nil {
			a.Logger.ErrorContext(ctx, "periodic audit: failed to start run",
				"account_id", accountID, "error", err)
			continue
		}
		a.Logger.InfoContext(ctx, "periodic audit started",
			"account_id", accountID,
			"run_id", run.ID,
			"links_found", run.LinksFound,
		)
	}
}

func (a *App) listAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := a.DBPool.Query(ctx,
		`SELECT DISTINCT account_id FROM smart_links WHERE active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// fallbackIssueCloser stamps open issues for a destination as resolved by
// auto-fallback once the resolver has rerouted traffic away from it.
type fallbackIssueCloser struct {
	repo audit.Repository
}

func (f *fallbackIssueCloser) ResolveAutoFallback(ctx context.Context, destinationID uuid.UUID) error {
	issues, err := f.repo.OpenIssuesForDestination(ctx, destinationID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, is := range issues {
		if err := f.repo.ResolveIssue(ctx, is.ID, audit.ResolutionAutoFallback, now); err != nil {
			return err
		}
	}
	return nil
}

// loadEnv loads .env file only in non-production environments.
func loadEnv() error {
	env := os.Getenv("APP_ENV")
	if env == "development" || env == "test" {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("no .env file found.")
		}
	}
	return nil
}

// setupLogger creates a structured logger based on the log level.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}

// connectDatabase establishes a connection to the PostgreSQL database.
func connectDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = cfg.Database.MinConns

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established")

	return pool, nil
}
