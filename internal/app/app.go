// Package app wires configuration, repository, telemetry and storage into a
// running key-value store.
package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stacklok/gitkv/internal/config"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
	pkgsync "github.com/stacklok/gitkv/internal/sync"
	"github.com/stacklok/gitkv/internal/telemetry"
)

// App holds the components of one store instance and releases them on Close
type App struct {
	config     *config.Config
	repository *git.Repository
	telemetry  *telemetry.Telemetry
	storage    *store.Storage
	watcher    *pkgsync.Coordinator

	ownsRepository bool
	ownsTelemetry  bool
}

// Storage returns the reference holder registry
func (app *App) Storage() *store.Storage {
	return app.storage
}

// Repository returns the backing repository
func (app *App) Repository() *git.Repository {
	return app.repository
}

// GetConfig returns the application configuration
func (app *App) GetConfig() *config.Config {
	return app.config
}

// Close releases the components New created. Injected components are left
// to their owners.
func (app *App) Close(ctx context.Context) error {
	var errs []error
	if app.watcher != nil {
		if err := app.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if app.ownsRepository && app.repository != nil {
		if err := app.repository.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if app.ownsTelemetry && app.telemetry != nil {
		if err := app.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("Failed to release resources", "error", err)
		return err
	}
	return nil
}
