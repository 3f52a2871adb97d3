package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/eshaffer321/ynab-sync/internal/api/dto"
)

// BudgetLister reports the budgets the engine has open.
type BudgetLister interface {
	Budgets() []string
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	budgets BudgetLister
}

// NewHealthHandler creates a new health handler. budgets may be nil.
func NewHealthHandler(budgets BudgetLister) *HealthHandler {
	return &HealthHandler{budgets: budgets}
}

// ServeHTTP handles the health check request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := dto.NewHealthResponse()
	if h.budgets != nil {
		response.OpenBudgets = len(h.budgets.Budgets())
	}
	_ = json.NewEncoder(w).Encode(response)
}
