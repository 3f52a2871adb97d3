package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	appsync "github.com/eshaffer321/ynab-sync/internal/application/sync"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/config"
)

// ErrRefreshRunning is returned when background refresh is already started.
var ErrRefreshRunning = errors.New("background refresh already running")

// BudgetResult is the outcome of syncing one budget in SyncAll.
type BudgetResult struct {
	BudgetID string
	Result   *appsync.SyncResult
	Err      error
}

// SyncService runs the engine across every configured budget.
type SyncService struct {
	engine *appsync.Engine
	cfg    config.SyncConfig
	logger *slog.Logger

	// Background refresh
	mu          sync.Mutex
	refreshStop chan struct{}
	refreshDone chan struct{}
}

// NewSyncService creates a new sync service.
func NewSyncService(engine *appsync.Engine, cfg config.SyncConfig, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		engine: engine,
		cfg:    cfg,
		logger: logger,
	}
}

// Engine returns the engine the service drives.
func (s *SyncService) Engine() *appsync.Engine {
	return s.engine
}

// Budgets returns the configured budget ids. When none are configured every
// budget visible to the access token is used.
func (s *SyncService) Budgets(ctx context.Context) ([]string, error) {
	if len(s.cfg.Budgets) > 0 {
		return append([]string(nil), s.cfg.Budgets...), nil
	}

	remote, err := s.engine.RemoteBudgets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	ids := make([]string, 0, len(remote))
	for _, b := range remote {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// SyncAll syncs every budget with at most cfg.Concurrency running at once.
// A failing budget does not stop the others; the first error is returned
// alongside the full result list.
func (s *SyncService) SyncAll(ctx context.Context) ([]BudgetResult, error) {
	ids, err := s.Budgets(ctx)
	if err != nil {
		return nil, err
	}

	limit := s.cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}

	results := make([]BudgetResult, len(ids))
	var g errgroup.Group
	g.SetLimit(limit)

	start := time.Now()
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			r, err := s.engine.Sync(ctx, id)
			results[i] = BudgetResult{BudgetID: id, Result: r, Err: err}
			if err != nil {
				s.logger.Error("budget sync failed", "budget", id, "error", err)
				return err
			}
			return nil
		})
	}
	err = g.Wait()

	s.logger.Info("sync finished",
		"budgets", len(ids),
		"duration", time.Since(start).Round(time.Millisecond),
		"failed", countFailed(results),
	)
	return results, err
}

func countFailed(results []BudgetResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// StartBackgroundRefresh refreshes every budget once per interval until
// StopBackgroundRefresh is called. Refreshes run in the engine's own
// goroutines, so a slow server never delays the ticker.
func (s *SyncService) StartBackgroundRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.cfg.RefreshInterval
	}
	if interval <= 0 {
		return fmt.Errorf("invalid refresh interval %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshStop != nil {
		return ErrRefreshRunning
	}

	ids, err := s.Budgets(ctx)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.refreshStop, s.refreshDone = stop, done

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Info("background refresh started",
			"interval", interval,
			"budgets", len(ids),
		)

		for _, id := range ids {
			s.engine.Refresh(id)
		}

		for {
			select {
			case <-stop:
				s.logger.Info("background refresh stopped")
				return
			case <-ticker.C:
				for _, id := range ids {
					s.engine.Refresh(id)
				}
			}
		}
	}()
	return nil
}

// StopBackgroundRefresh stops the refresh loop.
// This method blocks until the loop has fully stopped.
func (s *SyncService) StopBackgroundRefresh() {
	s.mu.Lock()
	stop, done := s.refreshStop, s.refreshDone
	s.refreshStop, s.refreshDone = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
