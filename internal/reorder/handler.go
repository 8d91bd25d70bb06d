package reorder

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-scm/meridian/internal/platform/httpx"
	"github.com/meridian-scm/meridian/internal/shared"
)

// Handler wires HTTP endpoints for reorder suggestions.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs reorder handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers reorder routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/suppliers/{supplierID}/suggestions", h.handleSuggestions)
	r.Post("/suppliers/{supplierID}/scan", h.handleScan)
}

func (h *Handler) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	supplierID, ok := h.supplierID(w, r)
	if !ok {
		return
	}
	report, err := h.service.LatestReport(r.Context(), supplierID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	supplierID, ok := h.supplierID(w, r)
	if !ok {
		return
	}
	report, err := h.service.Generate(r.Context(), supplierID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) supplierID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	supplierID, err := strconv.ParseInt(chi.URLParam(r, "supplierID"), 10, 64)
	if err != nil || supplierID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid supplier id")
		return 0, false
	}
	return supplierID, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	default:
		h.logger.Error("reorder request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
