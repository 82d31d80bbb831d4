package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hibiken/asynq"

	"github.com/tillpoint/tillpoint/internal/app"
	"github.com/tillpoint/tillpoint/jobs"
)

const (
	sweepOlderThan = 2 * time.Minute
	sweepLimit     = 100
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	components, err := app.Build(ctx, cfg, logger, nil, "tillpoint-worker")
	if err != nil {
		logger.Error("init dependencies", slog.Any("error", err))
		os.Exit(1)
	}
	defer components.Close()

	pdfJob := jobs.NewInvoicePDFJob(components.Invoices, logger, components.JobMetrics)
	sweepJob := jobs.NewInvoiceSweepJob(components.Invoices, components.Queue, logger, components.JobMetrics)

	cron, err := cronRegistrations(cfg)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	if len(cron) == 0 {
		logger.Info("lazy render mode, pdf sweep disabled")
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   app.RedisOpts(cfg),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeInvoicePDF, Handler: pdfJob.Handle},
			{Type: jobs.TaskTypeInvoiceSweep, Handler: sweepJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

// cronRegistrations schedules the pdf sweep. In lazy mode PDFs render only
// on request, so nothing is scheduled.
func cronRegistrations(cfg *app.Config) ([]jobs.CronRegistration, error) {
	if !cfg.QueueRenders() {
		return nil, nil
	}
	task, err := jobs.NewInvoiceSweepTask(sweepOlderThan, sweepLimit)
	if err != nil {
		return nil, err
	}
	return []jobs.CronRegistration{
		{Spec: "* * * * *", Task: task, Options: []asynq.Option{asynq.MaxRetry(0), asynq.Queue(jobs.QueueDefault)}},
	}, nil
}
