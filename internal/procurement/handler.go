package procurement

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-scm/meridian/internal/ledger"
	"github.com/meridian-scm/meridian/internal/platform/httpx"
	"github.com/meridian-scm/meridian/internal/shared"
)

// Handler wires HTTP endpoints for procurement.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	defaults Options
	validate *validator.Validate
}

// NewHandler constructs procurement handler.
func NewHandler(logger *slog.Logger, service *Service, defaults Options) *Handler {
	return &Handler{logger: logger, service: service, defaults: defaults, validate: validator.New()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/purchase-orders", h.handleCreatePO)
	r.Get("/purchase-orders/{poID}", h.handleGetPO)
	r.Post("/purchase-orders/{poID}/approve", h.handleApprove)
	r.Post("/purchase-orders/{poID}/reject", h.handleReject)
	r.Post("/receipts", h.handleReceipt)
}

type poItemRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	SKU       string  `json:"sku"`
	Qty       int64   `json:"qty" validate:"required,gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

type createPORequest struct {
	Number      string          `json:"number"`
	SupplierID  int64           `json:"supplier_id" validate:"required"`
	Currency    string          `json:"currency"`
	ExpectedAt  string          `json:"expected_at"`
	Note        string          `json:"note"`
	Items       []poItemRequest `json:"items" validate:"required,min=1,dive"`
	AutoApprove *bool           `json:"auto_approve"`
}

type poLineResponse struct {
	ID          int64   `json:"id"`
	ProductID   int64   `json:"product_id"`
	SKU         string  `json:"sku,omitempty"`
	QtyOrdered  int64   `json:"qty_ordered"`
	QtyAccepted int64   `json:"qty_accepted"`
	UnitPrice   float64 `json:"unit_price"`
}

type poResponse struct {
	ID         int64            `json:"id"`
	Number     string           `json:"number"`
	SupplierID int64            `json:"supplier_id"`
	Status     string           `json:"status"`
	Currency   string           `json:"currency,omitempty"`
	Total      float64          `json:"total"`
	Lines      []poLineResponse `json:"lines"`
}

func (h *Handler) handleCreatePO(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreatePOInput{
		Number:     req.Number,
		SupplierID: req.SupplierID,
		Currency:   req.Currency,
		Note:       req.Note,
	}
	if req.ExpectedAt != "" {
		t, err := time.Parse("2006-01-02", req.ExpectedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid expected_at date")
			return
		}
		input.ExpectedAt = t
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, POItemInput{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Qty:       item.Qty,
			UnitPrice: item.UnitPrice,
		})
	}
	opts := h.defaults
	if req.AutoApprove != nil {
		opts.AutoApprove = *req.AutoApprove
	}
	po, lines, err := h.service.CreatePurchaseOrder(r.Context(), input, opts)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPOResponse(po, lines))
}

func (h *Handler) handleGetPO(w http.ResponseWriter, r *http.Request) {
	poID, ok := h.poID(w, r)
	if !ok {
		return
	}
	po, lines, err := h.service.GetPurchaseOrder(r.Context(), poID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po, lines))
}

type decisionRequest struct {
	ActorID int64 `json:"actor_id" validate:"required"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, h.service.ApprovePurchaseOrder)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, h.service.RejectPurchaseOrder)
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, decide func(context.Context, int64, int64) error) {
	poID, ok := h.poID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := decide(r.Context(), poID, req.ActorID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"po_id": poID})
}

type receiptItemRequest struct {
	ProductID   int64   `json:"product_id" validate:"required"`
	SKU         string  `json:"sku"`
	QtyOrdered  int64   `json:"qty_ordered" validate:"gte=0"`
	QtyReceived int64   `json:"qty_received" validate:"gte=0"`
	QtyAccepted int64   `json:"qty_accepted" validate:"gte=0"`
	QtyRejected int64   `json:"qty_rejected" validate:"gte=0"`
	UnitCost    float64 `json:"unit_cost" validate:"gte=0"`
}

type receiptRequest struct {
	POID        int64                `json:"po_id" validate:"required"`
	Number      string               `json:"number" validate:"required"`
	WarehouseID int64                `json:"warehouse_id" validate:"required"`
	Items       []receiptItemRequest `json:"items" validate:"required,min=1,dive"`
}

type receiptItemResponse struct {
	ProductID   int64  `json:"product_id"`
	SKU         string `json:"sku,omitempty"`
	QtyReceived int64  `json:"qty_received"`
	QtyAccepted int64  `json:"qty_accepted"`
	QtyRejected int64  `json:"qty_rejected"`
	Discrepancy string `json:"discrepancy,omitempty"`
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ReceiptInput{
		POID:        req.POID,
		Number:      req.Number,
		WarehouseID: req.WarehouseID,
		ReceivedAt:  time.Now().UTC(),
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, ReceiptItemInput{
			ProductID:   item.ProductID,
			SKU:         item.SKU,
			QtyOrdered:  item.QtyOrdered,
			QtyReceived: item.QtyReceived,
			QtyAccepted: item.QtyAccepted,
			QtyRejected: item.QtyRejected,
			UnitCost:    item.UnitCost,
		})
	}
	result, err := h.service.ProcessReceipt(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	items := make([]receiptItemResponse, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, receiptItemResponse{
			ProductID:   item.ProductID,
			SKU:         item.SKU,
			QtyReceived: item.QtyReceived,
			QtyAccepted: item.QtyAccepted,
			QtyRejected: item.QtyRejected,
			Discrepancy: string(item.Discrepancy),
		})
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"receipt_id":        result.Receipt.ID,
		"number":            result.Receipt.Number,
		"has_discrepancies": result.HasDiscrepancies,
		"items":             items,
	})
}

func (h *Handler) poID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	poID, err := strconv.ParseInt(chi.URLParam(r, "poID"), 10, 64)
	if err != nil || poID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid purchase order id")
		return 0, false
	}
	return poID, true
}

func toPOResponse(po PurchaseOrder, lines []POLine) poResponse {
	resp := poResponse{
		ID:         po.ID,
		Number:     po.Number,
		SupplierID: po.SupplierID,
		Status:     string(po.Status),
		Currency:   po.Currency,
		Total:      po.Total,
	}
	for _, line := range lines {
		resp.Lines = append(resp.Lines, poLineResponse{
			ID:          line.ID,
			ProductID:   line.ProductID,
			SKU:         line.SKU,
			QtyOrdered:  line.QtyOrdered,
			QtyAccepted: line.QtyAccepted,
			UnitPrice:   line.UnitPrice,
		})
	}
	return resp
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDuplicateReceipt):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, ledger.ErrInvariantViolation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, shared.ErrConcurrencyConflict), errors.Is(err, shared.ErrLockTimeout):
		httpx.Problem(w, http.StatusConflict, "Conflict", shared.UserSafeMessage(err))
	default:
		h.logger.Error("procurement request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
