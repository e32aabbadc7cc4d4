package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provenance tags the origin of a cost layer.
type Provenance string

const (
	// ProvenancePurchase marks layers created by stock receipts.
	ProvenancePurchase Provenance = "PURCHASE"
	// ProvenanceAdjustmentIncrease marks layers owned by an increase adjustment.
	ProvenanceAdjustmentIncrease Provenance = "ADJUSTMENT_INCREASE"
)

// AdjustmentType enumerates manual stock adjustments.
type AdjustmentType string

const (
	// AdjustmentIncrease adds stock as a new cost layer.
	AdjustmentIncrease AdjustmentType = "INCREASE"
	// AdjustmentDecrease consumes stock FIFO.
	AdjustmentDecrease AdjustmentType = "DECREASE"
)

// Valid reports whether the type is known.
func (t AdjustmentType) Valid() bool {
	return t == AdjustmentIncrease || t == AdjustmentDecrease
}

// AdjustmentReason enumerates why stock was adjusted.
type AdjustmentReason string

const (
	ReasonStockCount AdjustmentReason = "STOCK_COUNT"
	ReasonDamage     AdjustmentReason = "DAMAGE"
	ReasonLoss       AdjustmentReason = "LOSS"
	ReasonReturn     AdjustmentReason = "RETURN"
	ReasonOther      AdjustmentReason = "OTHER"
)

// Valid reports whether the reason is known.
func (r AdjustmentReason) Valid() bool {
	switch r {
	case ReasonStockCount, ReasonDamage, ReasonLoss, ReasonReturn, ReasonOther:
		return true
	}
	return false
}

// AdjustmentStatus is derived from the cancellation flag.
type AdjustmentStatus string

const (
	StatusActive    AdjustmentStatus = "ACTIVE"
	StatusCancelled AdjustmentStatus = "CANCELLED"
)

// OwnerType identifies the operation a consumption entry belongs to.
type OwnerType string

const (
	OwnerSale       OwnerType = "SALE"
	OwnerAdjustment OwnerType = "ADJUSTMENT"
)

// MovementKind labels events in the movement history.
type MovementKind string

const (
	MovementReceipt            MovementKind = "RECEIPT"
	MovementSale               MovementKind = "SALE"
	MovementAdjustmentIncrease MovementKind = "ADJUSTMENT_INCREASE"
	MovementAdjustmentDecrease MovementKind = "ADJUSTMENT_DECREASE"
	MovementCancelIncrease     MovementKind = "CANCEL_INCREASE"
	MovementCancelDecrease     MovementKind = "CANCEL_DECREASE"
)

// Table names used for audit entries.
const (
	TableCostLayers  = "cost_layers"
	TableAdjustments = "inventory_adjustments"
)

// CostLayer is one stock receipt with its own unit cost and remaining quantity.
type CostLayer struct {
	ID           int64
	BranchID     int64
	ItemID       int64
	ReceiptDate  time.Time
	UnitCost     decimal.Decimal
	OriginalQty  decimal.Decimal
	RemainingQty decimal.Decimal
	Provenance   Provenance
	SourceRef    string
	CreatedAt    time.Time
}

// ConsumedQty returns how much of the layer has been drawn.
func (l CostLayer) ConsumedQty() decimal.Decimal {
	return l.OriginalQty.Sub(l.RemainingQty)
}

// Untouched reports whether nothing has been consumed from the layer.
func (l CostLayer) Untouched() bool {
	return l.RemainingQty.Equal(l.OriginalQty)
}

// ConsumptionEntry records how much one operation drew from one layer.
// A zero LayerID marks an overage drawn beyond available stock.
type ConsumptionEntry struct {
	ID         int64
	BranchID   int64
	ItemID     int64
	OwnerType  OwnerType
	OwnerID    string
	LayerID    int64
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	ConsumedAt time.Time
	ReversedAt *time.Time
}

// IsOverage reports whether the entry is not backed by a layer.
func (e ConsumptionEntry) IsOverage() bool {
	return e.LayerID == 0
}

// Cost returns quantity × unit cost.
func (e ConsumptionEntry) Cost() decimal.Decimal {
	return e.Quantity.Mul(e.UnitCost)
}

// Adjustment is a manual, non-trade stock change.
type Adjustment struct {
	ID              int64
	Code            string
	BranchID        int64
	ItemID          int64
	Type            AdjustmentType
	Reason          AdjustmentReason
	Quantity        decimal.Decimal
	UnitCost        decimal.Decimal
	SupplyPrice     decimal.Decimal
	TaxAmount       decimal.Decimal
	TotalCost       decimal.Decimal
	LayerID         int64
	AdjustmentDate  time.Time
	Notes           string
	ReferenceNumber string
	CreatedBy       int64
	CreatedAt       time.Time
	IsCancelled     bool
	CancelReason    string
	CancelledBy     int64
	CancelledAt     *time.Time
	Consumptions    []ConsumptionEntry
}

// Status derives the state machine position.
func (a Adjustment) Status() AdjustmentStatus {
	if a.IsCancelled {
		return StatusCancelled
	}
	return StatusActive
}

// Balance is the per-partition row locked to serialise mutations.
type Balance struct {
	BranchID  int64
	ItemID    int64
	Qty       decimal.Decimal
	Value     decimal.Decimal
	UpdatedAt time.Time
}

// StockLevel summarises the current stock of a partition.
type StockLevel struct {
	BranchID      int64
	ItemID        int64
	Quantity      decimal.Decimal
	LayerQuantity decimal.Decimal
	Overage       decimal.Decimal
	Value         decimal.Decimal
}

// Movement is one ledger-affecting event. Cancelled is filled on read for
// adjustment events whose adjustment was later cancelled.
type Movement struct {
	ID           int64
	BranchID     int64
	ItemID       int64
	Date         time.Time
	Kind         MovementKind
	Reference    string
	AdjustmentID int64
	QtyIn        decimal.Decimal
	QtyOut       decimal.Decimal
	UnitCost     decimal.Decimal
	Note         string
	ActorID      int64
	CreatedAt    time.Time
	Cancelled    bool
}

// Net returns in minus out.
func (m Movement) Net() decimal.Decimal {
	return m.QtyIn.Sub(m.QtyOut)
}

// MovementFilter selects movements of one partition in a date range.
// Zero dates are unbounded.
type MovementFilter struct {
	BranchID int64
	ItemID   int64
	From     time.Time
	To       time.Time
}

// MovementRow is a movement with its running balance.
type MovementRow struct {
	Movement
	Balance decimal.Decimal
}

// MonthlySubtotal aggregates movement rows of one calendar month.
type MonthlySubtotal struct {
	Month          string
	QtyIn          decimal.Decimal
	QtyOut         decimal.Decimal
	ClosingBalance decimal.Decimal
}

// MovementReport is the reconstructed movement history of a partition.
type MovementReport struct {
	BranchID  int64
	ItemID    int64
	From      time.Time
	To        time.Time
	Opening   decimal.Decimal
	Rows      []MovementRow
	Subtotals []MonthlySubtotal
	Closing   decimal.Decimal
}

// Partition identifies one (branch, item) ledger.
type Partition struct {
	BranchID int64
	ItemID   int64
}

// PartitionTotals aggregates the figures checked by integrity verification.
type PartitionTotals struct {
	Original       decimal.Decimal
	Remaining      decimal.Decimal
	ActiveConsumed decimal.Decimal
	OpenOverage    decimal.Decimal
	MovementNet    decimal.Decimal
	BalanceQty     decimal.Decimal
	HasBalance     bool
}

// IntegrityReport is the outcome of verifying one partition.
type IntegrityReport struct {
	BranchID       int64
	ItemID         int64
	Totals         PartitionTotals
	ConservationOK bool
	BalanceOK      bool
	MovementsOK    bool
	CheckedAt      time.Time
}

// OK reports whether every check passed.
func (r IntegrityReport) OK() bool {
	return r.ConservationOK && r.BalanceOK && r.MovementsOK
}

// ReceiveInput describes a stock receipt.
type ReceiveInput struct {
	BranchID       int64
	ItemID         int64
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	ReceiptDate    time.Time
	Reference      string
	Note           string
	IdempotencyKey string
}

// SaleInput describes stock leaving through a sale.
type SaleInput struct {
	BranchID       int64
	ItemID         int64
	Quantity       decimal.Decimal
	SaleID         string
	SaleDate       time.Time
	Note           string
	IdempotencyKey string
}

// AdjustmentInput describes a manual adjustment. Cost fields apply to
// increases only; the nullable ones are derived when omitted.
type AdjustmentInput struct {
	Code            string
	BranchID        int64
	ItemID          int64
	Type            AdjustmentType
	Reason          AdjustmentReason
	Quantity        decimal.Decimal
	UnitCost        decimal.Decimal
	SupplyPrice     decimal.NullDecimal
	TaxAmount       decimal.NullDecimal
	TotalCost       decimal.NullDecimal
	AdjustmentDate  time.Time
	Notes           string
	ReferenceNumber string
	IdempotencyKey  string
}

// ConsumptionResult is returned by sale consumption.
type ConsumptionResult struct {
	Entries             []ConsumptionEntry
	Quantity            decimal.Decimal
	Shortfall           decimal.Decimal
	TotalCost           decimal.Decimal
	WeightedAverageCost decimal.Decimal
	Stock               StockLevel
}

// AdjustmentResult is returned by ApplyAdjustment.
type AdjustmentResult struct {
	Adjustment Adjustment
	Stock      StockLevel
}
