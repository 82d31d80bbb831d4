package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/tillpoint/tillpoint/cmd/tillpointctl/cli"
	"github.com/tillpoint/tillpoint/internal/app"
	"github.com/tillpoint/tillpoint/internal/auth"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.LoadDotEnv(); err != nil {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	deps := cli.Deps{
		Invoices: func(ctx context.Context) (cli.InvoiceOps, func(), error) {
			components, err := build(ctx)
			if err != nil {
				return nil, nil, err
			}
			return components.Invoices, components.Close, nil
		},
		Settings: func(ctx context.Context) (cli.SettingsInvalidator, func(), error) {
			components, err := build(ctx)
			if err != nil {
				return nil, nil, err
			}
			return components.Settings, components.Close, nil
		},
		Sales: func(ctx context.Context) (cli.SalePayments, func(), error) {
			components, err := build(ctx)
			if err != nil {
				return nil, nil, err
			}
			return components.Sales, components.Close, nil
		},
		Jobs: func() (*cli.JobsCLI, error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, err
			}
			return cli.NewJobsCLI(app.RedisOpts(cfg)), nil
		},
		Tokens: func() (*auth.Tokens, error) {
			issuer := os.Getenv("JWT_ISSUER")
			if issuer == "" {
				issuer = "tillpoint"
			}
			return auth.NewTokens(os.Getenv("JWT_SECRET"), issuer)
		},
	}

	if err := cli.NewRootCommand(deps).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func build(ctx context.Context) (*app.Components, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, app.NewLogger(cfg), nil, "tillpointctl")
}
