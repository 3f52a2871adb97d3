package dto

import (
	"encoding/json"
	"time"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/money"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/storage"
)

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	OpenBudgets int    `json:"open_budgets"`
}

// NewHealthResponse creates a health response with current timestamp.
func NewHealthResponse() HealthResponse {
	return HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Amount carries a milliunit value together with its display form.
type Amount struct {
	Milliunits int64  `json:"milliunits"`
	Display    string `json:"display"`
}

// NewAmount formats m for API responses.
func NewAmount(m budget.Milliunits) Amount {
	return Amount{Milliunits: int64(m), Display: money.Format(m)}
}

// StatusResponse is the sync status of one budget.
type StatusResponse struct {
	BudgetID  string `json:"budget_id"`
	State     string `json:"state"`
	Syncing   bool   `json:"syncing"`
	Cursor    int64  `json:"cursor"`
	Pending   int    `json:"pending"`
	Notices   int    `json:"notices"`
	LastSync  string `json:"last_sync,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// RefreshResponse is returned when a background refresh is started.
type RefreshResponse struct {
	BudgetID string `json:"budget_id"`
	Status   string `json:"status"`
}

// MutationResponse is returned when a mutation is queued.
type MutationResponse struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
}

// NoticeResponse represents a notice in API responses.
type NoticeResponse struct {
	ID           string          `json:"id"`
	BudgetID     string          `json:"budget_id"`
	Kind         string          `json:"kind"`
	Severity     string          `json:"severity"`
	EntityKind   string          `json:"entity_kind,omitempty"`
	EntityID     string          `json:"entity_id,omitempty"`
	OpKind       string          `json:"op_kind,omitempty"`
	Reason       string          `json:"reason"`
	Requested    json.RawMessage `json:"requested,omitempty"`
	ServerState  json.RawMessage `json:"server_state,omitempty"`
	RaisedAt     string          `json:"raised_at"`
	Acknowledged bool            `json:"acknowledged"`
}

// NoticeListResponse is returned when listing notices.
type NoticeListResponse struct {
	Notices []NoticeResponse `json:"notices"`
	Count   int              `json:"count"`
}

// NewNoticeResponse converts a domain notice.
func NewNoticeResponse(n budget.Notice) NoticeResponse {
	return NoticeResponse{
		ID:           n.ID,
		BudgetID:     n.BudgetID,
		Kind:         string(n.Kind),
		Severity:     n.Kind.Severity(),
		EntityKind:   string(n.EntityKind),
		EntityID:     n.EntityID,
		OpKind:       string(n.OpKind),
		Reason:       n.Reason,
		Requested:    n.Requested,
		ServerState:  n.ServerState,
		RaisedAt:     n.RaisedAt.UTC().Format(time.RFC3339),
		Acknowledged: n.Acknowledged,
	}
}

// SyncRunResponse represents a sync run in API responses.
type SyncRunResponse struct {
	ID               int64  `json:"id"`
	BudgetID         string `json:"budget_id"`
	Mode             string `json:"mode"`
	StartedAt        string `json:"started_at"`
	CompletedAt      string `json:"completed_at,omitempty"`
	CursorBefore     int64  `json:"cursor_before"`
	CursorAfter      int64  `json:"cursor_after"`
	EntitiesChanged  int    `json:"entities_changed"`
	EntitiesDeferred int    `json:"entities_deferred"`
	OpsSubmitted     int    `json:"ops_submitted"`
	OpsConfirmed     int    `json:"ops_confirmed"`
	OpsFailed        int    `json:"ops_failed"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}

// SyncRunDetailResponse is one sync run with the gateway calls it made.
type SyncRunDetailResponse struct {
	SyncRunResponse
	Calls []APICallResponse `json:"calls"`
}

// APICallResponse is one recorded request to the remote service.
type APICallResponse struct {
	ID           int64  `json:"id"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	StatusCode   int    `json:"status_code"`
	DurationMs   int64  `json:"duration_ms"`
	Timestamp    string `json:"timestamp"`
	Error        string `json:"error,omitempty"`
	RequestJSON  string `json:"request_json,omitempty"`
	ResponseJSON string `json:"response_json,omitempty"`
}

// NewSyncRunDetailResponse converts a stored run and its calls.
func NewSyncRunDetailResponse(run storage.SyncRun, calls []storage.APICall) SyncRunDetailResponse {
	resp := SyncRunDetailResponse{
		SyncRunResponse: NewSyncRunResponse(run),
		Calls:           make([]APICallResponse, 0, len(calls)),
	}
	for _, c := range calls {
		resp.Calls = append(resp.Calls, APICallResponse{
			ID:           c.ID,
			Method:       c.Method,
			Path:         c.Path,
			StatusCode:   c.StatusCode,
			DurationMs:   c.DurationMs,
			Timestamp:    c.Timestamp.UTC().Format(time.RFC3339),
			Error:        c.Error,
			RequestJSON:  c.RequestJSON,
			ResponseJSON: c.ResponseJSON,
		})
	}
	return resp
}

// SyncRunListResponse is returned when listing sync runs.
type SyncRunListResponse struct {
	Runs  []SyncRunResponse `json:"runs"`
	Count int               `json:"count"`
}

// NewSyncRunResponse converts a stored sync run.
func NewSyncRunResponse(run storage.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:               run.ID,
		BudgetID:         run.BudgetID,
		Mode:             run.Mode,
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
		CursorBefore:     run.CursorBefore,
		CursorAfter:      run.CursorAfter,
		EntitiesChanged:  run.EntitiesChanged,
		EntitiesDeferred: run.EntitiesDeferred,
		OpsSubmitted:     run.OpsSubmitted,
		OpsConfirmed:     run.OpsConfirmed,
		OpsFailed:        run.OpsFailed,
		Status:           run.Status,
		Error:            run.Error,
	}
}

// MessageResponse is a generic message response.
type MessageResponse struct {
	Message string `json:"message"`
}
