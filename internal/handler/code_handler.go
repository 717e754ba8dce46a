package handler

import (
	"net/http"

	"discount-engine/internal/model"
	"discount-engine/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CodeHandler serves the seller-facing discount code endpoints.
type CodeHandler struct {
	codes    service.CodeService
	identity service.Identity
	logger   zerolog.Logger
}

// NewCodeHandler creates a new code handler.
func NewCodeHandler(codes service.CodeService, identity service.Identity, logger zerolog.Logger) *CodeHandler {
	return &CodeHandler{
		codes:    codes,
		identity: identity,
		logger:   logger.With().Str("handler", "code").Logger(),
	}
}

// Create handles POST /api/products/{productID}/codes.
func (h *CodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req model.CreateCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	code, err := h.codes.Create(r.Context(), ownerID, chi.URLParam(r, "productID"), &req)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, code)
}

// List handles GET /api/products/{productID}/codes.
func (h *CodeHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	codes, err := h.codes.ListByProduct(r.Context(), ownerID, chi.URLParam(r, "productID"))
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}
	if codes == nil {
		codes = []model.DiscountCode{}
	}

	writeJSON(w, http.StatusOK, codes)
}

// Get handles GET /api/codes/{codeID}.
func (h *CodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, codeID, ok := h.ownerAndCode(w, r)
	if !ok {
		return
	}

	code, err := h.codes.Get(r.Context(), codeID, ownerID)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, code)
}

// Toggle handles POST /api/codes/{codeID}/toggle.
func (h *CodeHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	ownerID, codeID, ok := h.ownerAndCode(w, r)
	if !ok {
		return
	}

	code, err := h.codes.ToggleActive(r.Context(), codeID, ownerID)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, code)
}

// Delete handles DELETE /api/codes/{codeID}.
func (h *CodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, codeID, ok := h.ownerAndCode(w, r)
	if !ok {
		return
	}

	if err := h.codes.Delete(r.Context(), codeID, ownerID); err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *CodeHandler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, err := h.identity.CurrentUserID(r.Context())
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return "", false
	}
	return ownerID, true
}

func (h *CodeHandler) ownerAndCode(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return "", uuid.Nil, false
	}

	// A malformed id cannot name a stored code.
	codeID, err := uuid.Parse(chi.URLParam(r, "codeID"))
	if err != nil {
		writeServiceError(w, r, model.ErrDiscountNotFound, h.logger)
		return "", uuid.Nil, false
	}
	return ownerID, codeID, true
}
