package fulfillment

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-scm/meridian/internal/ledger"
	"github.com/meridian-scm/meridian/internal/platform/httpx"
	"github.com/meridian-scm/meridian/internal/shared"
)

// Handler wires HTTP endpoints for order fulfilment.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	defaults Options
	validate *validator.Validate
}

// NewHandler constructs fulfilment handler. defaults supplies the allocation
// policy when the request does not override it.
func NewHandler(logger *slog.Logger, service *Service, defaults Options) *Handler {
	return &Handler{logger: logger, service: service, defaults: defaults, validate: validator.New()}
}

// MountRoutes registers fulfilment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.handleCreateOrder)
	r.Get("/orders/{orderID}", h.handleGetOrder)
	r.Post("/returns", h.handleReturn)
	r.Post("/releases", h.handleRelease)
	r.Post("/shipments", h.handleShipment)
}

type orderLineRequest struct {
	ProductID int64  `json:"product_id" validate:"required"`
	SKU       string `json:"sku"`
	Qty       int64  `json:"qty" validate:"required,gt=0"`
}

type orderRequest struct {
	Number          string             `json:"number"`
	CustomerID      int64              `json:"customer_id"`
	WarehouseID     int64              `json:"warehouse_id" validate:"required"`
	Lines           []orderLineRequest `json:"lines" validate:"required,min=1,dive"`
	AllowBackorders *bool              `json:"allow_backorders"`
}

type allocationResponse struct {
	ProductID   int64  `json:"product_id"`
	SKU         string `json:"sku,omitempty"`
	Requested   int64  `json:"requested"`
	Allocated   int64  `json:"allocated"`
	Backordered int64  `json:"backordered"`
	Status      string `json:"status"`
}

type orderResponse struct {
	OrderID          int64                `json:"order_id"`
	Number           string               `json:"number"`
	Status           string               `json:"status"`
	FullyAllocated   bool                 `json:"fully_allocated"`
	BackorderedItems int                  `json:"backordered_items"`
	Allocations      []allocationResponse `json:"allocations"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	opts := h.defaults
	if req.AllowBackorders != nil {
		opts.AllowBackorders = *req.AllowBackorders
	}
	input := OrderInput{Number: req.Number, CustomerID: req.CustomerID, WarehouseID: req.WarehouseID}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, OrderLineInput{ProductID: line.ProductID, SKU: line.SKU, Qty: line.Qty})
	}
	result, err := h.service.ProcessCustomerOrder(r.Context(), input, opts)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOrderResponse(result))
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || orderID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid order id")
		return
	}
	order, allocations, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	resp := orderResponse{OrderID: order.ID, Number: order.Number, Status: string(order.Status)}
	for _, alloc := range allocations {
		resp.Allocations = append(resp.Allocations, toAllocationResponse(alloc))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type returnRequest struct {
	ProductID   int64  `json:"product_id" validate:"required"`
	WarehouseID int64  `json:"warehouse_id" validate:"required"`
	Qty         int64  `json:"qty" validate:"required,gt=0"`
	Reference   string `json:"reference"`
	Note        string `json:"note"`
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	movement, entry, err := h.service.ProcessReturn(r.Context(), ReturnInput{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Qty:         req.Qty,
		Reference:   req.Reference,
		Note:        req.Note,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"movement_id": movement.ID,
		"on_hand":     entry.OnHand,
		"available":   entry.Available,
		"reserved":    entry.Reserved,
		"status":      string(entry.Status),
	})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.ReleaseAllocation(r.Context(), ReleaseInput{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Qty:         req.Qty,
		Reference:   req.Reference,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"available": entry.Available,
		"reserved":  entry.Reserved,
	})
}

func (h *Handler) handleShipment(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.ConfirmShipment(r.Context(), ShipmentInput{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Qty:         req.Qty,
		Reference:   req.Reference,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"on_hand":  entry.OnHand,
		"reserved": entry.Reserved,
		"status":   string(entry.Status),
	})
}

func toOrderResponse(result OrderResult) orderResponse {
	resp := orderResponse{
		OrderID:          result.Order.ID,
		Number:           result.Order.Number,
		Status:           string(result.Order.Status),
		FullyAllocated:   result.Summary.FullyAllocated,
		BackorderedItems: result.Summary.BackorderedItems,
	}
	for _, alloc := range result.Allocations {
		resp.Allocations = append(resp.Allocations, toAllocationResponse(alloc))
	}
	return resp
}

func toAllocationResponse(alloc Allocation) allocationResponse {
	return allocationResponse{
		ProductID:   alloc.ProductID,
		SKU:         alloc.SKU,
		Requested:   alloc.Requested,
		Allocated:   alloc.Allocated,
		Backordered: alloc.Backordered,
		Status:      string(alloc.Status),
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, ledger.ErrInvariantViolation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, shared.ErrConcurrencyConflict), errors.Is(err, shared.ErrLockTimeout):
		httpx.Problem(w, http.StatusConflict, "Conflict", shared.UserSafeMessage(err))
	default:
		h.logger.Error("fulfillment request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
