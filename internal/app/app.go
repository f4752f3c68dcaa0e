// Package app wires the circulation components onto one store.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"libracirc/internal/audit"
	"libracirc/internal/auth"
	"libracirc/internal/catalog"
	"libracirc/internal/config"
	"libracirc/internal/fines"
	"libracirc/internal/ids"
	"libracirc/internal/lending"
	"libracirc/internal/membership"
	"libracirc/internal/storage"
)

// App holds the services built from one Config.
type App struct {
	DB      *storage.DB
	Audit   *audit.Store
	IDs     *ids.Generator
	Catalog catalog.Service
	Members membership.Service
	Lending lending.Service
	Auth    auth.Service
}

// Open connects to the store, migrates it and builds every service.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := storage.Open(ctx, cfg.Storage(), logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	a, err := New(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// New builds the services on an open, migrated store.
func New(db *storage.DB, cfg config.Config, logger *slog.Logger) (*App, error) {
	log := audit.NewStore(db)
	gen := ids.New(db.Dialect(), cfg.IDStrategy, cfg.ItemIDSeed)

	svc, err := lending.NewService(db, gen, log, logger, lending.Config{
		LoanDays: cfg.LoanDays,
		Fines:    fines.NewCalculator(cfg.UnitFine),
	})
	if err != nil {
		return nil, fmt.Errorf("build lending service: %w", err)
	}

	return &App{
		DB:      db,
		Audit:   log,
		IDs:     gen,
		Catalog: catalog.NewService(db, gen, log, logger),
		Members: membership.NewService(db, log, logger),
		Lending: svc,
		Auth: auth.NewService(db, logger, auth.Options{
			SessionTTL:      cfg.SessionTTL,
			LoginsPerMinute: cfg.LoginsPerMinute,
		}),
	}, nil
}

// Sweeper returns the background overdue sweep, which also purges expired sessions.
func (a *App) Sweeper(cfg config.Config, logger *slog.Logger) *lending.Sweeper {
	return lending.NewSweeper(a.Lending, a.Auth, cfg.SweepInterval, logger)
}

func (a *App) Close() error {
	return a.DB.Close()
}
