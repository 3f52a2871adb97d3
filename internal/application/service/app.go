package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	appsync "github.com/eshaffer321/ynab-sync/internal/application/sync"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/cache"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/config"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/logging"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/remote"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/storage"
)

// ErrNoAccessToken is returned when no access token is configured.
var ErrNoAccessToken = errors.New("no access token configured (set remote.access_token or YNAB_ACCESS_TOKEN)")

// App holds every long-lived component built from a Config.
type App struct {
	Config  *config.Config
	Client  *remote.Client
	Storage *storage.Storage
	Cache   *cache.Store
	Engine  *appsync.Engine
	Sync    *SyncService
}

// AppOptions tunes NewApp for the calling command.
type AppOptions struct {
	// AutoDrain delivers local changes in the background. One-shot
	// commands leave it off and drain explicitly.
	AutoDrain bool
}

// NewApp opens storage and the cache and builds the engine on top of them.
func NewApp(cfg *config.Config, opts AppOptions) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	token := cfg.GetAPIKey(cfg.Remote.AccessToken, "YNAB_ACCESS_TOKEN", "YNAB_TOKEN")
	if token == "" {
		return nil, ErrNoAccessToken
	}

	logCfg := cfg.Observability.Logging
	logger := logging.NewLoggerWithSystem(logCfg, "sync")

	remoteCfg, err := RemoteConfig(cfg.Remote)
	if err != nil {
		return nil, err
	}
	remoteCfg.AccessToken = token
	client := remote.NewClient(remoteCfg, logging.NewLoggerWithSystem(logCfg, "remote"))

	if dir := filepath.Dir(cfg.Storage.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := storage.OpenOrRecover(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	client.SetRecorder(db)

	store, err := cache.NewStore(cfg.Storage.CacheDir, logging.NewLoggerWithSystem(logCfg, "cache"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	engineOpts := appsync.DefaultOptions()
	engineOpts.RetryPolicy = RetryPolicy(cfg.Sync.Backoff)
	engineOpts.AutoDrain = opts.AutoDrain
	engine := appsync.NewEngine(client, store, db, engineOpts, logger)

	return &App{
		Config:  cfg,
		Client:  client,
		Storage: db,
		Cache:   store,
		Engine:  engine,
		Sync:    NewSyncService(engine, cfg.Sync, logger),
	}, nil
}

// Close stops background work and closes storage.
func (a *App) Close() error {
	a.Sync.StopBackgroundRefresh()
	err := a.Engine.Close()
	if cerr := a.Storage.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// RemoteConfig converts the remote section of the config file.
func RemoteConfig(rc config.RemoteConfig) (remote.Config, error) {
	interval, err := rc.RateInterval()
	if err != nil {
		return remote.Config{}, err
	}

	out := remote.DefaultConfig()
	out.BaseURL = rc.BaseURL
	out.AccessToken = rc.AccessToken
	out.RateInterval = interval
	if rc.Timeout > 0 {
		out.Timeout = rc.Timeout
	}
	if rc.RateBurst > 0 {
		out.RateBurst = rc.RateBurst
	}
	if rc.FetchRetries > 0 {
		out.FetchRetries = rc.FetchRetries
	}
	return out, nil
}

// RetryPolicy converts the configured backoff schedule.
func RetryPolicy(b config.BackoffConfig) storage.RetryPolicy {
	p := storage.DefaultRetryPolicy()
	if b.BaseDelay > 0 {
		p.BaseDelay = b.BaseDelay
	}
	if b.Multiplier >= 1 {
		p.Multiplier = b.Multiplier
	}
	if b.MaxDelay > 0 {
		p.MaxDelay = b.MaxDelay
	}
	if b.MaxAttempts > 0 {
		p.MaxAttempts = b.MaxAttempts
	}
	return p
}
