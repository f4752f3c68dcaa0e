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

	"libracirc/internal/app"
	"libracirc/internal/config"
	"libracirc/internal/httpapi"
	"libracirc/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("circulation service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, telemetry.Options{ServiceName: cfg.ServiceName, Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, true).With("service", cfg.ServiceName)
	slog.SetDefault(logger)

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.Sweeper(cfg, logger).Run(ctx)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpapi.NewRouter(httpapi.Services{
			Catalog:  a.Catalog,
			Members:  a.Members,
			Lending:  a.Lending,
			Auth:     a.Auth,
			Audit:    a.Audit,
			Store:    a.DB,
			Counters: tel,
		}, logger, httpapi.Options{AuthRequired: cfg.AuthRequired}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service", "port", cfg.Port, "driver", cfg.DatabaseDriver, "auth_required", cfg.AuthRequired)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
