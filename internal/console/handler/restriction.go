package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/usbmode/internal/console/service"
	"github.com/xela07ax/usbmode/internal/domain"
	"go.uber.org/zap"
)

type RestrictionHandler struct {
	service *service.RestrictionService
	logger  *zap.Logger
}

func NewRestrictionHandler(s *service.RestrictionService, logger *zap.Logger) *RestrictionHandler {
	return &RestrictionHandler{service: s, logger: logger}
}

// List GET /v1/users/{id}/restrictions
func (h *RestrictionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	items, err := h.service.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list restrictions", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// Enable PUT /v1/users/{id}/restrictions/{tier}/{restriction}
func (h *RestrictionHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, true)
}

// Disable DELETE /v1/users/{id}/restrictions/{tier}/{restriction}
func (h *RestrictionHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, false)
}

func (h *RestrictionHandler) update(w http.ResponseWriter, r *http.Request, on bool) {
	ur, err := restrictionFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if on {
		err = h.service.Enable(r.Context(), ur)
	} else {
		err = h.service.Disable(r.Context(), ur)
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func restrictionFromPath(r *http.Request) (domain.UserRestriction, error) {
	userID := chi.URLParam(r, "id")
	if err := domain.ValidateUserID(userID); err != nil {
		return domain.UserRestriction{}, err
	}
	tier, err := domain.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		return domain.UserRestriction{}, err
	}
	restriction, err := domain.ParseRestriction(chi.URLParam(r, "restriction"))
	if err != nil {
		return domain.UserRestriction{}, err
	}
	return domain.UserRestriction{UserID: userID, Tier: tier, Restriction: restriction}, nil
}
