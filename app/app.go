// Package app assembles the chat core from a loaded configuration. The
// daemon and the CLI build the same graph; only the daemon serves it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aschepis/backscratcher/chatcore/abort"
	"github.com/aschepis/backscratcher/chatcore/chat"
	"github.com/aschepis/backscratcher/chatcore/config"
	"github.com/aschepis/backscratcher/chatcore/conversations"
	"github.com/aschepis/backscratcher/chatcore/events"
	"github.com/aschepis/backscratcher/chatcore/metrics"
	"github.com/aschepis/backscratcher/chatcore/migrations"
	"github.com/aschepis/backscratcher/chatcore/pricing"
	"github.com/aschepis/backscratcher/chatcore/runtime"
	"github.com/aschepis/backscratcher/chatcore/transport"
	"github.com/aschepis/backscratcher/chatcore/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// App is the assembled chat core.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Catalog  *config.Catalog
	Usage    *usage.Repository
	Sessions *conversations.Store
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder
	Bus      *events.Bus
	Pricing  *pricing.Service
	Chat     *chat.Service

	redis  *redis.Client
	logger zerolog.Logger
}

// Build opens the database, applies migrations and wires every component.
// Close releases what Build opened.
func Build(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	// ---------------------------
	// 1. Open SQLite + migrations
	// ---------------------------

	dbPath := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	logger.Info().Str("path", dbPath).Msg("Opening database")
	db, err := migrations.Open(dbPath)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if cfg.Database.MigrationsDir != "" {
		err = migrations.RunFromDir(db, cfg.Database.MigrationsDir, logger)
	} else {
		err = migrations.Run(db, logger)
	}
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// ---------------------------
	// 2. Metrics
	// ---------------------------

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	// ---------------------------
	// 3. Stores
	// ---------------------------

	a.Catalog = config.NewCatalog(cfg)
	a.Usage = usage.NewRepository(db, logger)
	a.Sessions = conversations.NewStore(db, logger)

	// ---------------------------
	// 4. Transport + pricing
	// ---------------------------

	client := transport.New(transport.Options{
		Timeout:          cfg.HTTP.TimeoutDuration(),
		MaxRetries:       cfg.HTTP.Retries(),
		RetryRateLimited: cfg.HTTP.RetryRateLimited,
		IdleTimeout:      cfg.HTTP.IdleTimeoutDuration(),
		Logger:           logger,
		Metrics:          a.Metrics,
	})

	cache, err := a.pricingCache()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Pricing = pricing.NewService(client, pricing.Options{
		BaseURL: cfg.Pricing.BaseURL,
		TTL:     cfg.Pricing.TTLDuration(),
		Cache:   cache,
		Logger:  logger,
		Metrics: a.Metrics,
	})

	// ---------------------------
	// 5. Orchestrator + chat service
	// ---------------------------

	a.Bus = events.NewBus(events.DefaultBuffer)
	orch := chat.NewOrchestrator(chat.Options{
		Transport:    client,
		Aborts:       abort.New(),
		Publisher:    a.Bus,
		Usage:        a.Usage,
		Pricing:      a.Pricing,
		Metrics:      a.Metrics,
		Logger:       logger,
		MaxLineBytes: cfg.HTTP.MaxLineBytes,
	})
	a.Chat = chat.NewService(orch, chat.Stores{
		Sessions:    a.Sessions,
		Characters:  a.Catalog,
		Personas:    a.Catalog,
		Credentials: a.Catalog,
		Models:      a.Catalog,
		Usage:       a.Usage,
	}, logger)

	logger.Info().
		Int("credentials", len(cfg.Credentials)).
		Int("characters", len(cfg.Characters)).
		Int("models", len(cfg.Models)).
		Str("pricingCache", cfg.Pricing.Cache).
		Msg("Chat core initialized")
	return a, nil
}

func (a *App) pricingCache() (pricing.Cache, error) {
	switch a.Config.Pricing.Cache {
	case config.CacheMemory:
		return pricing.NewMemoryCache(), nil
	case config.CacheRedis:
		a.redis = redis.NewClient(&redis.Options{Addr: a.Config.Pricing.RedisAddr})
		if err := a.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.Config.Pricing.RedisAddr, err)
		}
		return pricing.NewRedisCache(a.redis, a.Config.Pricing.TTLDuration()), nil
	default:
		return pricing.NewSQLCache(a.DB), nil
	}
}

// Retention returns the usage cleanup job, or nil when rows are kept forever.
func (a *App) Retention() (*runtime.Retention, error) {
	maxAge := a.Config.Usage.Retention()
	if maxAge <= 0 {
		return nil, nil
	}
	return runtime.NewRetention(a.Usage, maxAge, a.Config.Usage.Schedule, a.logger)
}

// Gatherer returns the metrics registry, or nil when /metrics is disabled.
func (a *App) Gatherer() prometheus.Gatherer {
	if !a.Config.Server.MetricsOn() {
		return nil
	}
	return a.Registry
}

// Close releases the database and the redis client.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
