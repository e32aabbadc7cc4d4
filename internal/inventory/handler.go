package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costledger/internal/platform/httpx"
	"github.com/odyssey-erp/costledger/internal/rbac"
	"github.com/odyssey-erp/costledger/internal/shared"
)

// HeaderIdempotencyKey carries the optional client idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// Handler wires HTTP endpoints for the cost ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	rbac      rbac.Middleware
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, mw rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, service: service, validator: v, rbac: mw}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole(rbac.RoleStaff))
		r.Post("/receipts", h.handleReceive)
		r.Post("/sales", h.handleSale)
		r.Get("/adjustments/{id}", h.handleGetAdjustment)
		r.Get("/stock", h.handleStock)
		r.Get("/layers", h.handleLayers)
		r.Get("/movements", h.handleMovements)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole(rbac.RoleManager))
		r.Post("/adjustments", h.handleApplyAdjustment)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole(rbac.RoleDirector))
		r.Post("/adjustments/{id}/cancel", h.handleCancelAdjustment)
		r.Get("/integrity", h.handleIntegrity)
	})
}

type receiptRequest struct {
	BranchID    int64           `json:"branch_id" validate:"required,gt=0"`
	ItemID      int64           `json:"item_id" validate:"required,gt=0"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	ReceiptDate string          `json:"receipt_date" validate:"omitempty,datetime=2006-01-02"`
	Reference   string          `json:"reference" validate:"max=120"`
	Note        string          `json:"note" validate:"max=500"`
}

type saleRequest struct {
	BranchID int64           `json:"branch_id" validate:"required,gt=0"`
	ItemID   int64           `json:"item_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"quantity"`
	SaleID   string          `json:"sale_id" validate:"required,max=120"`
	SaleDate string          `json:"sale_date" validate:"omitempty,datetime=2006-01-02"`
	Note     string          `json:"note" validate:"max=500"`
}

type adjustmentRequest struct {
	Code            string              `json:"code" validate:"max=64"`
	BranchID        int64               `json:"branch_id" validate:"required,gt=0"`
	ItemID          int64               `json:"item_id" validate:"required,gt=0"`
	Type            string              `json:"type" validate:"required,oneof=INCREASE DECREASE"`
	Reason          string              `json:"reason" validate:"required,oneof=STOCK_COUNT DAMAGE LOSS RETURN OTHER"`
	Quantity        decimal.Decimal     `json:"quantity"`
	UnitCost        decimal.Decimal     `json:"unit_cost"`
	SupplyPrice     decimal.NullDecimal `json:"supply_price"`
	TaxAmount       decimal.NullDecimal `json:"tax_amount"`
	TotalCost       decimal.NullDecimal `json:"total_cost"`
	AdjustmentDate  string              `json:"adjustment_date" validate:"omitempty,datetime=2006-01-02"`
	Notes           string              `json:"notes" validate:"max=500"`
	ReferenceNumber string              `json:"reference_number" validate:"max=120"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := shared.ParseDate(req.ReceiptDate)
	layer, err := h.service.ReceiveStock(r.Context(), actorFrom(r), ReceiveInput{
		BranchID:       req.BranchID,
		ItemID:         req.ItemID,
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		ReceiptDate:    date,
		Reference:      req.Reference,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLayerResponse(layer))
}

func (h *Handler) handleSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := shared.ParseDate(req.SaleDate)
	result, err := h.service.RecordSale(r.Context(), actorFrom(r), SaleInput{
		BranchID:       req.BranchID,
		ItemID:         req.ItemID,
		Quantity:       req.Quantity,
		SaleID:         req.SaleID,
		SaleDate:       date,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, saleResponse{
		Entries:             toEntryResponses(result.Entries),
		Quantity:            result.Quantity,
		Shortfall:           result.Shortfall,
		TotalCost:           result.TotalCost,
		WeightedAverageCost: result.WeightedAverageCost,
		Stock:               toStockResponse(result.Stock),
	})
}

func (h *Handler) handleApplyAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := shared.ParseDate(req.AdjustmentDate)
	result, err := h.service.ApplyAdjustment(r.Context(), actorFrom(r), AdjustmentInput{
		Code:            req.Code,
		BranchID:        req.BranchID,
		ItemID:          req.ItemID,
		Type:            AdjustmentType(req.Type),
		Reason:          AdjustmentReason(req.Reason),
		Quantity:        req.Quantity,
		UnitCost:        req.UnitCost,
		SupplyPrice:     req.SupplyPrice,
		TaxAmount:       req.TaxAmount,
		TotalCost:       req.TotalCost,
		AdjustmentDate:  date,
		Notes:           req.Notes,
		ReferenceNumber: req.ReferenceNumber,
		IdempotencyKey:  r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, adjustmentResultResponse{
		Adjustment: toAdjustmentResponse(result.Adjustment),
		Stock:      toStockResponse(result.Stock),
	})
}

func (h *Handler) handleGetAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.ValidationProblem(w, map[string]string{"id": "invalid"})
		return
	}
	adj, err := h.service.GetAdjustment(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAdjustmentResponse(adj))
}

func (h *Handler) handleCancelAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.ValidationProblem(w, map[string]string{"id": "invalid"})
		return
	}
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	adj, err := h.service.CancelAdjustment(r.Context(), actorFrom(r), id, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAdjustmentResponse(adj))
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	branchID, itemID, ok := partitionQuery(w, r)
	if !ok {
		return
	}
	stock, err := h.service.GetCurrentStock(r.Context(), branchID, itemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toStockResponse(stock))
}

func (h *Handler) handleLayers(w http.ResponseWriter, r *http.Request) {
	branchID, itemID, ok := partitionQuery(w, r)
	if !ok {
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	layers, err := h.service.ListLayers(r.Context(), branchID, itemID, all)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]layerResponse, 0, len(layers))
	for _, l := range layers {
		out = append(out, toLayerResponse(l))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"layers": out})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	branchID, itemID, ok := partitionQuery(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := shared.ParseDate(q.Get("from"))
	if err != nil {
		httpx.ValidationProblem(w, map[string]string{"from": "must be YYYY-MM-DD"})
		return
	}
	to, err := shared.ParseDate(q.Get("to"))
	if err != nil {
		httpx.ValidationProblem(w, map[string]string{"to": "must be YYYY-MM-DD"})
		return
	}
	report, err := h.service.GetMovements(r.Context(), MovementFilter{BranchID: branchID, ItemID: itemID, From: from, To: to})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toMovementReportResponse(report))
}

func (h *Handler) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	branchID, itemID, ok := partitionQuery(w, r)
	if !ok {
		return
	}
	report, err := h.service.VerifyPartition(r.Context(), branchID, itemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, integrityResponse{
		BranchID:       report.BranchID,
		ItemID:         report.ItemID,
		OK:             report.OK(),
		ConservationOK: report.ConservationOK,
		BalanceOK:      report.BalanceOK,
		MovementsOK:    report.MovementsOK,
		Original:       report.Totals.Original,
		Remaining:      report.Totals.Remaining,
		ActiveConsumed: report.Totals.ActiveConsumed,
		OpenOverage:    report.Totals.OpenOverage,
		MovementNet:    report.Totals.MovementNet,
		BalanceQty:     report.Totals.BalanceQty,
		CheckedAt:      report.CheckedAt,
	})
}

// decode parses and validates a JSON body, writing a problem response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return false
		}
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fe.Field()] = validationMessage(fe)
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	level := slog.LevelInfo
	if kind == KindInfrastructure {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "inventory request rejected",
		slog.String("path", r.URL.Path), slog.String("kind", string(kind)), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "datetime":
		return "must be YYYY-MM-DD"
	case "max":
		return "too long"
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

func partitionQuery(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	q := r.URL.Query()
	fields := map[string]string{}
	branchID, err := strconv.ParseInt(q.Get("branch_id"), 10, 64)
	if err != nil || branchID <= 0 {
		fields["branch_id"] = "required"
	}
	itemID, err := strconv.ParseInt(q.Get("item_id"), 10, 64)
	if err != nil || itemID <= 0 {
		fields["item_id"] = "required"
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return 0, 0, false
	}
	return branchID, itemID, true
}

func actorFrom(r *http.Request) rbac.Actor {
	actor, _ := rbac.ActorFromContext(r.Context())
	return actor
}
