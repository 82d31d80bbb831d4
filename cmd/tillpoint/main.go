package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hibiken/asynq"

	"github.com/tillpoint/tillpoint/internal/app"
	"github.com/tillpoint/tillpoint/internal/auth"
	invoicinghttp "github.com/tillpoint/tillpoint/internal/invoicing/http"
	"github.com/tillpoint/tillpoint/internal/observability"
	"github.com/tillpoint/tillpoint/jobs"
	"github.com/tillpoint/tillpoint/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	metrics := observability.NewMetrics()
	components, err := app.Build(ctx, cfg, logger, metrics.Registerer(), "tillpoint-api")
	if err != nil {
		logger.Error("init dependencies", slog.Any("error", err))
		os.Exit(1)
	}
	defer components.Close()

	if err := components.Settings.Watch(ctx, nil); err != nil {
		logger.Warn("watch settings invalidations", slog.Any("error", err))
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		logger.Error("init tokens", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(app.RedisOpts(cfg))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("close inspector", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		Tokens: tokens,
		InvoiceHandler: invoicinghttp.NewHandler(logger, components.Invoices, components.Notifier, invoicinghttp.Options{
			RendersPerMinute: cfg.RenderRateLimit,
		}),
		ReportHandler: report.NewHandler(components.Engine, logger),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
		Readiness:     components.Readiness(),
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening",
			slog.String("addr", cfg.AppAddr),
			slog.String("pdf_engine", components.Engine.Name()),
			slog.String("render_mode", cfg.InvoiceRenderMode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
