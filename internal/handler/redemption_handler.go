package handler

import (
	"net/http"

	"discount-engine/internal/model"
	"discount-engine/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RedemptionHandler serves the checkout-facing redemption endpoints.
type RedemptionHandler struct {
	redemptions service.RedemptionService
	logger      zerolog.Logger
}

// NewRedemptionHandler creates a new redemption handler.
func NewRedemptionHandler(redemptions service.RedemptionService, logger zerolog.Logger) *RedemptionHandler {
	return &RedemptionHandler{
		redemptions: redemptions,
		logger:      logger.With().Str("handler", "redemption").Logger(),
	}
}

// Redeem handles POST /api/redemptions. Ineligible codes are reported in
// the outcome status with 200, only a reserved use carries a reservation.
func (h *RedemptionHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req model.RedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}
	if req.ProductID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeMissingField, "productId is required", h.logger)
		return
	}

	outcome, err := h.redemptions.Redeem(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// Finalize handles POST /api/redemptions/{reservationID}/finalize.
func (h *RedemptionHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	reservationID, err := uuid.Parse(chi.URLParam(r, "reservationID"))
	if err != nil {
		writeServiceError(w, r, model.ErrReservationNotFound, h.logger)
		return
	}

	var req model.FinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}
	if req.CodeID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeMissingField, "codeId is required", h.logger)
		return
	}

	reservation := &model.Reservation{ID: reservationID, CodeID: req.CodeID}
	if err := h.redemptions.FinalizeRedeem(r.Context(), reservation, req.Succeeded); err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	// The ledger reports the state the reservation settled in, which is
	// committed when a release arrives after the commit.
	if reservation.Status == "" || reservation.Status == model.ReservationPending {
		reservation.Status = model.ReservationReleased
		if req.Succeeded {
			reservation.Status = model.ReservationCommitted
		}
	}

	writeJSON(w, http.StatusOK, reservation)
}

// Preview handles GET /api/products/{productID}/preview?code=.
func (h *RedemptionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeMissingField, "code query parameter is required", h.logger)
		return
	}

	preview, err := h.redemptions.Preview(r.Context(), code, chi.URLParam(r, "productID"))
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, preview)
}
