package pricing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-scm/meridian/internal/platform/httpx"
	"github.com/meridian-scm/meridian/internal/shared"
)

// Handler wires HTTP endpoints for price ingestion.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	defaults UploadOptions
	validate *validator.Validate
}

// NewHandler constructs pricing handler.
func NewHandler(logger *slog.Logger, service *Service, defaults UploadOptions) *Handler {
	return &Handler{logger: logger, service: service, defaults: defaults, validate: validator.New()}
}

// MountRoutes registers pricing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/price-lists/{priceListID}/process", h.handleProcess)
}

type processRequest struct {
	AutoCreateProducts        *bool    `json:"auto_create_products"`
	PriceChangeThreshold      *float64 `json:"price_change_threshold"`
	TriggerReorderSuggestions *bool    `json:"trigger_reorder_suggestions"`
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	priceListID, err := strconv.ParseInt(chi.URLParam(r, "priceListID"), 10, 64)
	if err != nil || priceListID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid price list id")
		return
	}
	opts := h.defaults
	if r.ContentLength > 0 {
		var req processRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
			return
		}
		if req.AutoCreateProducts != nil {
			opts.AutoCreateProducts = *req.AutoCreateProducts
		}
		if req.PriceChangeThreshold != nil {
			opts.PriceChangeThreshold = *req.PriceChangeThreshold
		}
		if req.TriggerReorderSuggestions != nil {
			opts.TriggerReorderSuggestions = *req.TriggerReorderSuggestions
		}
	}
	result, err := h.service.ProcessPriceListUpload(r.Context(), priceListID, opts)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"price_list_id": result.PriceListID,
		"processed":     result.Processed,
		"created":       result.Created,
		"updated":       result.Updated,
		"warnings":      result.Warnings,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPriceListNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("pricing request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
