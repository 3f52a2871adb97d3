package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eshaffer321/ynab-sync/internal/api/dto"
)

// NoticesHandler handles notice acknowledgement.
type NoticesHandler struct {
	*Base
}

// NewNoticesHandler creates a new notices handler.
func NewNoticesHandler(engine Engine) *NoticesHandler {
	return &NoticesHandler{
		Base: NewBase(engine),
	}
}

// Acknowledge handles POST /api/notices/{id}/ack.
func (h *NoticesHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("notice ID is required"))
		return
	}

	if err := h.engine.AcknowledgeNotice(id); err != nil {
		h.WriteEngineError(w, "notice", err)
		return
	}

	h.WriteJSON(w, http.StatusOK, dto.MessageResponse{Message: "notice acknowledged"})
}
