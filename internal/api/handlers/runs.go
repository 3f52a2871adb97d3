package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eshaffer321/ynab-sync/internal/api/dto"
)

// RunsHandler handles sync run-related HTTP requests.
type RunsHandler struct {
	*Base
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(engine Engine) *RunsHandler {
	return &RunsHandler{
		Base: NewBase(engine),
	}
}

// List handles GET /api/runs - returns recent sync runs, newest first.
// ?budget_id= narrows the list to one budget.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	params := dto.DefaultSyncRunListParams()
	params.Limit = ParseIntParam(r, "limit", params.Limit)
	params.BudgetID = r.URL.Query().Get("budget_id")

	runs, err := h.engine.SyncRuns(params.BudgetID, params.Limit)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	response := dto.SyncRunListResponse{
		Runs:  make([]dto.SyncRunResponse, 0, len(runs)),
		Count: len(runs),
	}

	for _, run := range runs {
		response.Runs = append(response.Runs, dto.NewSyncRunResponse(run))
	}

	h.WriteJSON(w, http.StatusOK, response)
}

// Get handles GET /api/runs/{id} - returns a single sync run by ID along
// with the gateway calls it made.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	if idStr == "" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("run ID is required"))
		return
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid run ID"))
		return
	}

	run, err := h.engine.SyncRun(id)
	if err != nil {
		h.WriteEngineError(w, "sync run", err)
		return
	}

	calls, err := h.engine.RunCalls(id)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusOK, dto.NewSyncRunDetailResponse(*run, calls))
}
