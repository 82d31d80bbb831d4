package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tillpoint/tillpoint/internal/invoicing"
	jobmetrics "github.com/tillpoint/tillpoint/internal/jobs"
	"github.com/tillpoint/tillpoint/internal/platform/cache"
	"github.com/tillpoint/tillpoint/internal/platform/db"
	"github.com/tillpoint/tillpoint/internal/platform/storage"
	"github.com/tillpoint/tillpoint/internal/sales"
	"github.com/tillpoint/tillpoint/internal/settings"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/jobs"
	"github.com/tillpoint/tillpoint/report"
)

// Components are the long lived dependencies shared by the API, the worker
// and the CLI.
type Components struct {
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Engine     report.Engine
	Settings   *settings.Service
	Sales      *sales.Service
	Invoices   *invoicing.Service
	Notifier   *invoicing.RedisNotifier
	Queue      *jobs.Client
	JobMetrics *jobmetrics.Metrics
}

// RedisOpts returns the asynq connection options for cfg.
func RedisOpts(cfg *Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

// Build connects to Postgres and Redis and assembles the invoicing service.
// registerer may be nil to use the default Prometheus registry.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer, name string) (*Components, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ApplicationName: name})
	if err != nil {
		return nil, err
	}
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		pool.Close()
		return nil, err
	}
	c := &Components{Pool: pool, Redis: redisClient}

	engine, err := report.NewEngine(cfg.PDFEngine, cfg.GotenbergURL, cfg.PDFTimeout)
	if err != nil {
		c.Close()
		return nil, err
	}
	renderer, err := invoicing.NewRenderer(engine, loc)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init invoice renderer: %w", err)
	}
	queue, err := jobs.NewClient(RedisOpts(cfg))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init job client: %w", err)
	}

	c.Engine = engine
	c.Queue = queue
	c.Notifier = invoicing.NewRedisNotifier(redisClient)
	c.JobMetrics = jobmetrics.NewMetrics(registerer)
	c.Settings = settings.NewService(settings.NewRepository(pool), settings.NewCache(redisClient, cfg.SettingsCacheTTL), logger)
	c.Sales = sales.NewService(sales.NewRepository(pool))
	c.Invoices = invoicing.NewService(invoicing.ServiceConfig{
		Repository:        invoicing.NewRepository(pool),
		Sales:             c.Sales,
		Settings:          c.Settings,
		Renderer:          renderer,
		Storage:           storage.NewFileStore(cfg.InvoiceStorageDir, invoicing.DownloadURL(cfg.AppPublicURL)),
		Notifier:          c.Notifier,
		Queue:             queue,
		Audit:             shared.NewAuditLogger(pool, logger),
		Metrics:           c.JobMetrics,
		Logger:            logger,
		Location:          loc,
		NumberingAttempts: cfg.InvoiceNumberingRetries,
		RenderLease:       cfg.InvoiceRenderLease,
		RenderTimeout:     cfg.PDFTimeout,
		QueueRenders:      cfg.QueueRenders(),
		MaxRenderAttempts: cfg.InvoiceRenderMaxAttempts,
	})
	return c, nil
}

// Readiness returns the dependency probes served on /readyz.
func (c *Components) Readiness() []ReadinessCheck {
	return []ReadinessCheck{
		{Name: "postgres", Check: c.Pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() }},
		{Name: "pdf_engine", Check: c.Engine.Ping},
	}
}

// Close releases every connection held by c.
func (c *Components) Close() {
	if c == nil {
		return
	}
	if c.Queue != nil {
		_ = c.Queue.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
