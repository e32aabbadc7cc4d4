package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// PartitionChangedEvent is emitted after any committed mutation of a partition.
type PartitionChangedEvent struct {
	BranchID  int64
	ItemID    int64
	Kind      MovementKind
	Reference string
	ActorID   int64
	At        time.Time
}

// AdjustmentPostedEvent represents an adjustment committed to the ledger.
type AdjustmentPostedEvent struct {
	AdjustmentID int64
	Code         string
	BranchID     int64
	ItemID       int64
	Type         AdjustmentType
	Quantity     decimal.Decimal
	TotalCost    decimal.Decimal
	PostedAt     time.Time
}

// AdjustmentCancelledEvent represents a committed cancellation.
type AdjustmentCancelledEvent struct {
	AdjustmentID int64
	Code         string
	BranchID     int64
	ItemID       int64
	Type         AdjustmentType
	Quantity     decimal.Decimal
	CancelledBy  int64
	CancelledAt  time.Time
}
