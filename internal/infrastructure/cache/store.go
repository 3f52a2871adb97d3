// Package cache persists budget snapshots as one JSON file per budget.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

const (
	filePrefix = "budget_"
	fileSuffix = ".json"

	// formatVersion is bumped whenever the on-disk layout changes
	// incompatibly. Files with another version are treated as corrupt.
	formatVersion = 1

	filePerm = 0o600
)

// fileEnvelope is the on-disk form of a snapshot.
type fileEnvelope struct {
	Version  int              `json:"version"`
	SavedAt  time.Time        `json:"saved_at"`
	Snapshot *budget.Snapshot `json:"snapshot"`
}

// Store reads and writes snapshot files under a directory.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewStore creates the cache directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger, now: time.Now}, nil
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file a budget's snapshot is stored in.
func (s *Store) Path(budgetID string) string {
	return filepath.Join(s.dir, filePrefix+budgetID+fileSuffix)
}

// Load reads the snapshot of a budget. It returns budget.ErrNotFound when
// nothing is cached and budget.ErrCacheCorrupt when the file could not be
// decoded; in the latter case the file has been moved aside.
func (s *Store) Load(budgetID string) (*budget.Snapshot, error) {
	if err := validateID(budgetID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(budgetID)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("budget %s: %w", budgetID, budget.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	snap, decodeErr := decode(data)
	if decodeErr == nil && snap.BudgetID() != budgetID {
		decodeErr = fmt.Errorf("file holds budget %q", snap.BudgetID())
	}
	if decodeErr != nil {
		aside := s.quarantine(path)
		s.logger.Warn("cache file unreadable, moved aside",
			slog.String("budget_id", budgetID),
			slog.String("moved_to", aside),
			slog.String("error", decodeErr.Error()))
		return nil, fmt.Errorf("%w: %s: %v", budget.ErrCacheCorrupt, filepath.Base(path), decodeErr)
	}

	return snap, nil
}

func decode(data []byte) (*budget.Snapshot, error) {
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("unsupported format version %d", env.Version)
	}
	if env.Snapshot == nil {
		return nil, errors.New("missing snapshot")
	}
	env.Snapshot.EnsureMaps()
	return env.Snapshot, nil
}

// Save writes snap atomically: a reader sees either the previous file or
// the new one, never a partial write.
func (s *Store) Save(snap *budget.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if err := validateID(snap.BudgetID()); err != nil {
		return err
	}

	data, err := json.Marshal(fileEnvelope{
		Version:  formatVersion,
		SavedAt:  s.now().UTC(),
		Snapshot: snap,
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return writeAtomic(s.Path(snap.BudgetID()), data)
}

// writeAtomic replaces path through a temp file in the same directory.
// The file is synced before the rename and the directory after it.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	pf, err := renameio.NewPendingFile(path, renameio.WithTempDir(dir), renameio.WithPermissions(filePerm))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer pf.Cleanup()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// ApplyDelta merges d into base using the store's clock. Entities for which
// deferred returns true are buffered instead of overwritten. The result is
// not written; callers Save once the merge is accepted.
func (s *Store) ApplyDelta(base *budget.Snapshot, d *budget.Delta, deferred budget.DeferFunc) (*budget.Snapshot, budget.MergeReport) {
	return budget.ApplyDelta(base, d, deferred, s.now())
}

// ReplaceFull swaps base for a freshly fetched snapshot.
func (s *Store) ReplaceFull(base, full *budget.Snapshot, deferred budget.DeferFunc) (*budget.Snapshot, budget.MergeReport) {
	return budget.ReplaceFull(base, full, deferred, s.now())
}

// Evict removes the snapshot of a budget. Evicting an uncached budget is
// not an error.
func (s *Store) Evict(budgetID string) error {
	if err := validateID(budgetID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(budgetID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to evict budget %s: %w", budgetID, err)
	}
	return nil
}

// List returns the ids of all cached budgets, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// quarantine renames a bad file so the next Load starts fresh. It returns
// the new path, or "" if the rename failed.
func (s *Store) quarantine(path string) string {
	aside := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
	if err := os.Rename(path, aside); err != nil {
		s.logger.Error("failed to move corrupt cache file aside",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return ""
	}
	return aside
}

func validateID(budgetID string) error {
	if budgetID == "" {
		return fmt.Errorf("budget id is required")
	}
	if strings.ContainsAny(budgetID, `/\`) || budgetID == "." || budgetID == ".." {
		return fmt.Errorf("invalid budget id %q", budgetID)
	}
	return nil
}
