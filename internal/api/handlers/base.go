package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eshaffer321/ynab-sync/internal/api/dto"
	appsync "github.com/eshaffer321/ynab-sync/internal/application/sync"
	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/view"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/storage"
)

// Engine is the part of the sync engine the handlers use.
// *appsync.Engine satisfies it.
type Engine interface {
	Open(ctx context.Context, budgetID string) error
	CurrentView(budgetID, month string) (*view.BudgetView, error)
	SyncStatus(budgetID string) appsync.Status
	Refresh(budgetID string)
	EnqueueMutation(ctx context.Context, budgetID string, m budget.Mutation) (budget.OperationHandle, error)
	PendingOperations(budgetID string) ([]budget.Operation, error)
	Notices(budgetID string) ([]budget.Notice, error)
	NoticeHistory(budgetID string) ([]budget.Notice, error)
	AcknowledgeNotice(id string) error
	SyncRuns(budgetID string, limit int) ([]storage.SyncRun, error)
	SyncRun(runID int64) (*storage.SyncRun, error)
	RunCalls(runID int64) ([]storage.APICall, error)
}

// Base provides shared functionality for all handlers.
type Base struct {
	engine Engine
}

// NewBase creates a new base handler with the given engine.
func NewBase(engine Engine) *Base {
	return &Base{engine: engine}
}

// WriteJSON writes a JSON response with the given status code.
func (b *Base) WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an error response with the given status code.
func (b *Base) WriteError(w http.ResponseWriter, status int, err dto.APIError) {
	b.WriteJSON(w, status, err)
}

// WriteEngineError maps an engine error onto a status code and envelope.
func (b *Base) WriteEngineError(w http.ResponseWriter, resource string, err error) {
	switch {
	case errors.Is(err, budget.ErrInvalidMutation):
		b.WriteError(w, http.StatusBadRequest, dto.ValidationError(err.Error()))
	case errors.Is(err, budget.ErrNotFound), errors.Is(err, appsync.ErrNotOpen):
		b.WriteError(w, http.StatusNotFound, dto.NotFoundError(resource))
	case errors.Is(err, appsync.ErrClosed):
		b.WriteError(w, http.StatusServiceUnavailable, dto.UnavailableError())
	default:
		b.WriteError(w, http.StatusInternalServerError, dto.InternalError())
	}
}

// openBudget opens the budget named in the URL. Opening is idempotent and
// reads only the local cache.
func (b *Base) openBudget(w http.ResponseWriter, r *http.Request) (string, bool) {
	budgetID := chi.URLParam(r, "budgetID")
	if budgetID == "" {
		b.WriteError(w, http.StatusBadRequest, dto.BadRequestError("budget ID is required"))
		return "", false
	}
	if err := b.engine.Open(r.Context(), budgetID); err != nil {
		b.WriteEngineError(w, "budget", err)
		return "", false
	}
	return budgetID, true
}

// ParseIntParam parses an integer query parameter with a default value.
func ParseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

// ParseBoolParam parses a boolean query parameter with a default value.
func ParseBoolParam(r *http.Request, name string, defaultVal bool) bool {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "1"
}
