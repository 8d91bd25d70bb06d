package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-scm/meridian/internal/platform/httpx"
	"github.com/meridian-scm/meridian/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/entries", h.handleGetEntry)
	r.Get("/movements", h.handleListMovements)
	r.Post("/adjustments", h.handleAdjustment)
	r.Post("/entries", h.handleSeed)
}

type entryResponse struct {
	ProductID    int64   `json:"product_id"`
	WarehouseID  int64   `json:"warehouse_id"`
	OnHand       int64   `json:"on_hand"`
	Available    int64   `json:"available"`
	Reserved     int64   `json:"reserved"`
	InTransit    int64   `json:"in_transit"`
	ReorderPoint int64   `json:"reorder_point"`
	ReorderQty   int64   `json:"reorder_qty"`
	AvgCost      float64 `json:"avg_cost"`
	Status       string  `json:"status"`
	UpdatedAt    string  `json:"updated_at"`
}

func toEntryResponse(e Entry) entryResponse {
	return entryResponse{
		ProductID:    e.ProductID,
		WarehouseID:  e.WarehouseID,
		OnHand:       e.OnHand,
		Available:    e.Available,
		Reserved:     e.Reserved,
		InTransit:    e.InTransit,
		ReorderPoint: e.ReorderPoint,
		ReorderQty:   e.ReorderQty,
		AvgCost:      e.AvgCost,
		Status:       string(e.Status),
		UpdatedAt:    e.UpdatedAt.Format(time.RFC3339),
	}
}

type movementResponse struct {
	ID          int64   `json:"id"`
	ProductID   int64   `json:"product_id"`
	WarehouseID int64   `json:"warehouse_id"`
	Type        string  `json:"type"`
	Qty         int64   `json:"qty"`
	UnitCost    float64 `json:"unit_cost"`
	Reference   string  `json:"reference,omitempty"`
	Note        string  `json:"note,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func toMovementResponse(m Movement) movementResponse {
	return movementResponse{
		ID:          m.ID,
		ProductID:   m.ProductID,
		WarehouseID: m.WarehouseID,
		Type:        string(m.Type),
		Qty:         m.Qty,
		UnitCost:    m.UnitCost,
		Reference:   m.Reference,
		Note:        m.Note,
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}
	entry, err := h.service.GetEntry(r.Context(), key)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEntryResponse(entry))
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}
	filter := MovementFilter{ProductID: key.ProductID, WarehouseID: key.WarehouseID, Limit: 100}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
			return
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, toMovementResponse(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out})
}

type adjustmentRequest struct {
	ProductID   int64   `json:"product_id" validate:"required"`
	WarehouseID int64   `json:"warehouse_id" validate:"required"`
	Qty         int64   `json:"qty" validate:"required"`
	UnitCost    float64 `json:"unit_cost" validate:"gte=0"`
	Reference   string  `json:"reference"`
	Note        string  `json:"note"`
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, movement, err := h.service.Apply(r.Context(), ApplyInput{
		Key:   Key{ProductID: req.ProductID, WarehouseID: req.WarehouseID},
		Delta: Delta{OnHand: req.Qty, Available: req.Qty},
		Movement: MovementInput{
			Type:      MovementAdjust,
			Qty:       req.Qty,
			UnitCost:  req.UnitCost,
			Reference: req.Reference,
			Note:      req.Note,
		},
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entry":    toEntryResponse(entry),
		"movement": toMovementResponse(movement),
	})
}

type seedRequest struct {
	ProductID    int64   `json:"product_id" validate:"required"`
	WarehouseID  int64   `json:"warehouse_id" validate:"required"`
	OnHand       int64   `json:"on_hand" validate:"gte=0"`
	Available    int64   `json:"available" validate:"gte=0"`
	Reserved     int64   `json:"reserved" validate:"gte=0"`
	ReorderPoint int64   `json:"reorder_point" validate:"gte=0"`
	ReorderQty   int64   `json:"reorder_qty" validate:"gte=0"`
	AvgCost      float64 `json:"avg_cost" validate:"gte=0"`
}

func (h *Handler) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.Seed(r.Context(), Entry{
		ProductID:    req.ProductID,
		WarehouseID:  req.WarehouseID,
		OnHand:       req.OnHand,
		Available:    req.Available,
		Reserved:     req.Reserved,
		ReorderPoint: req.ReorderPoint,
		ReorderQty:   req.ReorderQty,
		AvgCost:      req.AvgCost,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryResponse(entry))
}

func keyFromQuery(w http.ResponseWriter, r *http.Request) (Key, bool) {
	q := r.URL.Query()
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil || productID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id is required")
		return Key{}, false
	}
	warehouseID, err := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	if err != nil || warehouseID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "warehouse_id is required")
		return Key{}, false
	}
	return Key{ProductID: productID, WarehouseID: warehouseID}, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEntryNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrInvalidMovement), errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, shared.ErrConcurrencyConflict), errors.Is(err, shared.ErrLockTimeout):
		httpx.Problem(w, http.StatusConflict, "Conflict", shared.UserSafeMessage(err))
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
