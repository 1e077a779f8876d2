package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stacklok/gitkv/internal/config"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
	pkgsync "github.com/stacklok/gitkv/internal/sync"
	"github.com/stacklok/gitkv/internal/telemetry"
	"github.com/stacklok/gitkv/internal/versions"
)

// Options is a function that configures the app builder
type Options func(*appConfig) error

// appConfig collects the inputs of New. Injected components take
// precedence over what the configuration would create.
type appConfig struct {
	config *config.Config

	repository *git.Repository
	telemetry  *telemetry.Telemetry
	skipChecks bool
}

// WithConfig sets the application configuration
func WithConfig(cfg *config.Config) Options {
	return func(ac *appConfig) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		ac.config = cfg
		return nil
	}
}

// WithRepository injects an already opened repository
func WithRepository(repo *git.Repository) Options {
	return func(ac *appConfig) error {
		ac.repository = repo
		return nil
	}
}

// WithTelemetry injects initialized telemetry
func WithTelemetry(tel *telemetry.Telemetry) Options {
	return func(ac *appConfig) error {
		ac.telemetry = tel
		return nil
	}
}

// WithoutStartupChecks skips startup validation regardless of the configuration
func WithoutStartupChecks() Options {
	return func(ac *appConfig) error {
		ac.skipChecks = true
		return nil
	}
}

// New opens the repository, sets up telemetry and builds the storage. When
// enabled, startup validation runs before New returns and a failure is fatal.
// With a refresh interval configured, a background watcher reloads
// references moved by other writers until Close.
func New(ctx context.Context, opts ...Options) (*App, error) {
	ac := &appConfig{}
	for _, opt := range opts {
		if err := opt(ac); err != nil {
			return nil, err
		}
	}
	if ac.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	app := &App{config: ac.config}
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			_ = app.Close(ctx)
		}
	}()

	if err := app.buildTelemetry(ctx, ac); err != nil {
		return nil, err
	}
	if err := app.buildRepository(ctx, ac); err != nil {
		return nil, err
	}
	app.buildStorage()

	if !ac.skipChecks && ac.config.ValidateOnStartup() {
		slog.Info("Validating repository", "path", ac.config.Repository.Path, "default_ref", app.storage.DefaultRef())
		if err := app.storage.Validate(ctx); err != nil {
			return nil, fmt.Errorf("startup validation failed: %w", err)
		}
	}

	app.startWatcher(ctx)

	cleanupNeeded = false
	return app, nil
}

// startWatcher polls for reference changes made by other writers when a
// refresh interval is configured
func (app *App) startWatcher(ctx context.Context) {
	interval := app.config.GetCache().GetRefreshInterval()
	if interval <= 0 {
		return
	}
	app.watcher = pkgsync.New(app.repository, app.storage,
		pkgsync.WithInterval(interval),
		pkgsync.WithStoreMetrics(app.telemetry.StoreMetrics()),
	)
	// the baseline is taken before New returns so no later change is missed
	if _, err := app.watcher.Poll(ctx); err != nil {
		slog.Warn("Failed to record reference targets", "error", err)
	}
	go func() {
		if err := app.watcher.Start(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Reference watcher failed", "error", err)
		}
	}()
}

func (app *App) buildTelemetry(ctx context.Context, ac *appConfig) error {
	if ac.telemetry != nil {
		app.telemetry = ac.telemetry
		return nil
	}
	tel, err := telemetry.New(ctx,
		telemetry.WithTelemetryConfig(ac.config.Telemetry),
		telemetry.WithServiceVersion(versions.GetVersionInfo().Version),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	app.telemetry = tel
	app.ownsTelemetry = true
	return nil
}

func (app *App) buildRepository(ctx context.Context, ac *appConfig) error {
	if ac.repository != nil {
		app.repository = ac.repository
		return nil
	}

	repoCfg := ac.config.Repository
	var (
		repo *git.Repository
		err  error
	)
	if repoCfg.Init {
		repo, err = git.Init(repoCfg.Path)
	} else {
		repo, err = git.Open(repoCfg.Path)
	}
	if err != nil {
		return err
	}
	app.repository = repo
	app.ownsRepository = true

	if repoCfg.Init {
		return bootstrap(ctx, repo, store.NormalizeRef(repoCfg.DefaultRef, store.DefaultRef))
	}
	return nil
}

// bootstrap gives a repository without references an empty default branch
func bootstrap(ctx context.Context, repo *git.Repository, ref string) error {
	has, err := repo.HasReferences()
	if err != nil || has {
		return err
	}
	_, err = repo.CreateReference(ctx, ref, nil, git.CommitInfo{UserName: "gitkv", Message: "initialize " + ref})
	if err != nil && !errors.Is(err, git.ErrReferenceExists) {
		return fmt.Errorf("failed to create default reference: %w", err)
	}
	slog.Info("Created default reference", "ref", ref)
	return nil
}

func (app *App) buildStorage() {
	cache := app.config.GetCache()
	tracer := app.telemetry.Tracer()

	app.storage = store.NewStorage(app.repository,
		store.WithDefaultRef(app.config.Repository.DefaultRef),
		store.WithHolderOptions(
			store.WithCacheSize(cache.Size),
			store.WithStreamThreshold(cache.StreamThreshold),
			store.WithReloadConcurrency(cache.ReloadConcurrency),
			store.WithStoreMetrics(app.telemetry.StoreMetrics()),
			store.WithTracer(tracer),
		),
		store.WithValidatorOptions(
			store.WithValidationConcurrency(app.config.GetValidationConcurrency()),
			store.WithValidationMetrics(app.telemetry.ValidationMetrics()),
			store.WithValidatorTracer(tracer),
		),
	)
}
