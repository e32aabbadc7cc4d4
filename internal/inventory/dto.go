package inventory

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costledger/internal/shared"
)

type layerResponse struct {
	ID                int64           `json:"id"`
	BranchID          int64           `json:"branch_id"`
	ItemID            int64           `json:"item_id"`
	ReceiptDate       string          `json:"receipt_date"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	OriginalQuantity  decimal.Decimal `json:"original_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Provenance        Provenance      `json:"provenance"`
	SourceRef         string          `json:"source_ref,omitempty"`
}

type entryResponse struct {
	ID         int64           `json:"id"`
	LayerID    *int64          `json:"layer_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	ConsumedAt time.Time       `json:"consumed_at"`
	ReversedAt *time.Time      `json:"reversed_at,omitempty"`
}

type stockResponse struct {
	BranchID      int64           `json:"branch_id"`
	ItemID        int64           `json:"item_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	LayerQuantity decimal.Decimal `json:"layer_quantity"`
	Overage       decimal.Decimal `json:"overage"`
	Value         decimal.Decimal `json:"value"`
}

type saleResponse struct {
	Entries             []entryResponse `json:"entries"`
	Quantity            decimal.Decimal `json:"quantity"`
	Shortfall           decimal.Decimal `json:"shortfall"`
	TotalCost           decimal.Decimal `json:"total_cost"`
	WeightedAverageCost decimal.Decimal `json:"weighted_average_cost"`
	Stock               stockResponse   `json:"stock"`
}

type adjustmentResponse struct {
	ID              int64           `json:"id"`
	Code            string          `json:"code"`
	BranchID        int64           `json:"branch_id"`
	ItemID          int64           `json:"item_id"`
	Type            AdjustmentType  `json:"type"`
	Reason          string          `json:"reason"`
	Status          string          `json:"status"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	SupplyPrice     decimal.Decimal `json:"supply_price"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	LayerID         *int64          `json:"layer_id,omitempty"`
	AdjustmentDate  string          `json:"adjustment_date"`
	Notes           string          `json:"notes,omitempty"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	CreatedBy       int64           `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CancelledBy     int64           `json:"cancelled_by,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	Consumptions    []entryResponse `json:"consumptions,omitempty"`
}

type adjustmentResultResponse struct {
	Adjustment adjustmentResponse `json:"adjustment"`
	Stock      stockResponse      `json:"stock"`
}

type movementRowResponse struct {
	ID        int64           `json:"id"`
	Date      string          `json:"date"`
	Kind      MovementKind    `json:"kind"`
	Reference string          `json:"reference"`
	QtyIn     decimal.Decimal `json:"qty_in"`
	QtyOut    decimal.Decimal `json:"qty_out"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Balance   decimal.Decimal `json:"balance"`
	Cancelled bool            `json:"cancelled"`
	Note      string          `json:"note,omitempty"`
}

type subtotalResponse struct {
	Month          string          `json:"month"`
	QtyIn          decimal.Decimal `json:"qty_in"`
	QtyOut         decimal.Decimal `json:"qty_out"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
}

type movementReportResponse struct {
	BranchID  int64                 `json:"branch_id"`
	ItemID    int64                 `json:"item_id"`
	From      string                `json:"from,omitempty"`
	To        string                `json:"to,omitempty"`
	Opening   decimal.Decimal       `json:"opening"`
	Rows      []movementRowResponse `json:"rows"`
	Subtotals []subtotalResponse    `json:"subtotals"`
	Closing   decimal.Decimal       `json:"closing"`
}

type integrityResponse struct {
	BranchID       int64           `json:"branch_id"`
	ItemID         int64           `json:"item_id"`
	OK             bool            `json:"ok"`
	ConservationOK bool            `json:"conservation_ok"`
	BalanceOK      bool            `json:"balance_ok"`
	MovementsOK    bool            `json:"movements_ok"`
	Original       decimal.Decimal `json:"original"`
	Remaining      decimal.Decimal `json:"remaining"`
	ActiveConsumed decimal.Decimal `json:"active_consumed"`
	OpenOverage    decimal.Decimal `json:"open_overage"`
	MovementNet    decimal.Decimal `json:"movement_net"`
	BalanceQty     decimal.Decimal `json:"balance_qty"`
	CheckedAt      time.Time       `json:"checked_at"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(shared.DateLayout)
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func toLayerResponse(l CostLayer) layerResponse {
	return layerResponse{
		ID:                l.ID,
		BranchID:          l.BranchID,
		ItemID:            l.ItemID,
		ReceiptDate:       formatDate(l.ReceiptDate),
		UnitCost:          l.UnitCost,
		OriginalQuantity:  l.OriginalQty,
		RemainingQuantity: l.RemainingQty,
		Provenance:        l.Provenance,
		SourceRef:         l.SourceRef,
	}
}

func toEntryResponses(entries []ConsumptionEntry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:         e.ID,
			LayerID:    optionalID(e.LayerID),
			Quantity:   e.Quantity,
			UnitCost:   e.UnitCost,
			ConsumedAt: e.ConsumedAt,
			ReversedAt: e.ReversedAt,
		})
	}
	return out
}

func toStockResponse(s StockLevel) stockResponse {
	return stockResponse{
		BranchID:      s.BranchID,
		ItemID:        s.ItemID,
		Quantity:      s.Quantity,
		LayerQuantity: s.LayerQuantity,
		Overage:       s.Overage,
		Value:         s.Value,
	}
}

func toAdjustmentResponse(a Adjustment) adjustmentResponse {
	resp := adjustmentResponse{
		ID:              a.ID,
		Code:            a.Code,
		BranchID:        a.BranchID,
		ItemID:          a.ItemID,
		Type:            a.Type,
		Reason:          string(a.Reason),
		Status:          string(a.Status()),
		Quantity:        a.Quantity,
		UnitCost:        a.UnitCost,
		SupplyPrice:     a.SupplyPrice,
		TaxAmount:       a.TaxAmount,
		TotalCost:       a.TotalCost,
		LayerID:         optionalID(a.LayerID),
		AdjustmentDate:  formatDate(a.AdjustmentDate),
		Notes:           a.Notes,
		ReferenceNumber: a.ReferenceNumber,
		CreatedBy:       a.CreatedBy,
		CreatedAt:       a.CreatedAt,
		CancelReason:    a.CancelReason,
		CancelledBy:     a.CancelledBy,
		CancelledAt:     a.CancelledAt,
	}
	if len(a.Consumptions) > 0 {
		resp.Consumptions = toEntryResponses(a.Consumptions)
	}
	return resp
}

func toMovementReportResponse(r MovementReport) movementReportResponse {
	resp := movementReportResponse{
		BranchID:  r.BranchID,
		ItemID:    r.ItemID,
		From:      formatDate(r.From),
		To:        formatDate(r.To),
		Opening:   r.Opening,
		Rows:      make([]movementRowResponse, 0, len(r.Rows)),
		Subtotals: make([]subtotalResponse, 0, len(r.Subtotals)),
		Closing:   r.Closing,
	}
	for _, row := range r.Rows {
		resp.Rows = append(resp.Rows, movementRowResponse{
			ID:        row.ID,
			Date:      formatDate(row.Date),
			Kind:      row.Kind,
			Reference: row.Reference,
			QtyIn:     row.QtyIn,
			QtyOut:    row.QtyOut,
			UnitCost:  row.UnitCost,
			Balance:   row.Balance,
			Cancelled: row.Cancelled,
			Note:      row.Note,
		})
	}
	for _, s := range r.Subtotals {
		resp.Subtotals = append(resp.Subtotals, subtotalResponse{
			Month:          s.Month,
			QtyIn:          s.QtyIn,
			QtyOut:         s.QtyOut,
			ClosingBalance: s.ClosingBalance,
		})
	}
	return resp
}
