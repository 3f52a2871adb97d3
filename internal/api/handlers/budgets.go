package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/eshaffer321/ynab-sync/internal/api/dto"
	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// maxMutationBody bounds the size of a mutation request.
const maxMutationBody = 1 << 20

// BudgetsHandler handles the per-budget endpoints.
type BudgetsHandler struct {
	*Base
}

// NewBudgetsHandler creates a new budgets handler.
func NewBudgetsHandler(engine Engine) *BudgetsHandler {
	return &BudgetsHandler{
		Base: NewBase(engine),
	}
}

// View handles GET /api/budgets/{budgetID}/view?month=YYYY-MM.
func (h *BudgetsHandler) View(w http.ResponseWriter, r *http.Request) {
	budgetID, ok := h.openBudget(w, r)
	if !ok {
		return
	}

	v, err := h.engine.CurrentView(budgetID, r.URL.Query().Get("month"))
	if err != nil {
		if errors.Is(err, budget.ErrInvalidMutation) {
			h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid month"))
			return
		}
		h.WriteEngineError(w, "budget", err)
		return
	}

	h.WriteJSON(w, http.StatusOK, dto.NewViewResponse(v))
}

// Status handles GET /api/budgets/{budgetID}/status.
func (h *BudgetsHandler) Status(w http.ResponseWriter, r *http.Request) {
	budgetID, ok := h.openBudget(w, r)
	if !ok {
		return
	}

	st := h.engine.SyncStatus(budgetID)
	resp := dto.StatusResponse{
		BudgetID:  st.BudgetID,
		State:     string(st.State),
		Syncing:   st.Syncing,
		Cursor:    st.Cursor,
		Pending:   st.Pending,
		Notices:   st.Notices,
		LastError: st.LastError,
	}
	if !st.LastSync.IsZero() {
		resp.LastSync = st.LastSync.UTC().Format(time.RFC3339)
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// Refresh handles POST /api/budgets/{budgetID}/refresh. The sync runs in
// the background; poll the status endpoint for progress.
func (h *BudgetsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	budgetID, ok := h.openBudget(w, r)
	if !ok {
		return
	}

	h.engine.Refresh(budgetID)
	h.WriteJSON(w, http.StatusAccepted, dto.RefreshResponse{
		BudgetID: budgetID,
		Status:   "refreshing",
	})
}

// Enqueue handles POST /api/budgets/{budgetID}/mutations.
func (h *BudgetsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	budgetID, ok := h.openBudget(w, r)
	if !ok {
		return
	}

	var req dto.MutationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMutationBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid request body: "+err.Error()))
		return
	}

	m, err := req.ToMutation()
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError(err.Error()))
		return
	}

	handle, err := h.engine.EnqueueMutation(r.Context(), budgetID, m)
	if err != nil {
		h.WriteEngineError(w, "budget", err)
		return
	}

	h.WriteJSON(w, http.StatusAccepted, dto.MutationResponse{
		Handle: string(handle),
		Status: "queued",
	})
}

// Operations handles GET /api/budgets/{budgetID}/operations.
func (h *BudgetsHandler) Operations(w http.ResponseWriter, r *http.Request) {
	budgetID, ok := h.openBudget(w, r)
	if !ok {
		return
	}

	ops, err := h.engine.PendingOperations(budgetID)
	if err != nil {
		h.WriteEngineError(w, "budget", err)
		return
	}

	resp := dto.OperationListResponse{
		Operations: make([]dto.OperationResponse, 0, len(ops)),
		Count:      len(ops),
	}
	for _, op := range ops {
		resp.Operations = append(resp.Operations, dto.NewOperationResponse(op))
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// Notices handles GET /api/budgets/{budgetID}/notices. Pass all=true to
// include acknowledged notices.
func (h *BudgetsHandler) Notices(w http.ResponseWriter, r *http.Request) {
	budgetID, ok := h.openBudget(w, r)
	if !ok {
		return
	}

	var (
		notices []budget.Notice
		err     error
	)
	if ParseBoolParam(r, "all", false) {
		notices, err = h.engine.NoticeHistory(budgetID)
	} else {
		notices, err = h.engine.Notices(budgetID)
	}
	if err != nil {
		h.WriteEngineError(w, "budget", err)
		return
	}

	resp := dto.NoticeListResponse{
		Notices: make([]dto.NoticeResponse, 0, len(notices)),
		Count:   len(notices),
	}
	for _, n := range notices {
		resp.Notices = append(resp.Notices, dto.NewNoticeResponse(n))
	}
	h.WriteJSON(w, http.StatusOK, resp)
}
