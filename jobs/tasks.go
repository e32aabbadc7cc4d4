package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskVerifyPartition re-checks one partition after a mutation.
	TaskVerifyPartition = "ledger:verify_partition"
	// TaskIntegritySweep verifies every partition.
	TaskIntegritySweep = "ledger:integrity_sweep"
	// TaskIdempotencyCleanup drops expired idempotency keys.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
	// TaskAdjustmentEvent records adjustment lifecycle events.
	TaskAdjustmentEvent = "ledger:adjustment_event"
)

// VerifyPartitionPayload identifies the partition to verify.
type VerifyPartitionPayload struct {
	BranchID int64 `json:"branch_id"`
	ItemID   int64 `json:"item_id"`
}

// NewVerifyPartitionTask constructs an Asynq task for one partition.
func NewVerifyPartitionTask(branchID, itemID int64) (*asynq.Task, error) {
	body, err := json.Marshal(VerifyPartitionPayload{BranchID: branchID, ItemID: itemID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVerifyPartition, body, asynq.Queue(QueueDefault)), nil
}

// IntegritySweepPayload carries scheduling metadata.
type IntegritySweepPayload struct {
	Concurrency int `json:"concurrency"`
}

// NewIntegritySweepTask constructs the sweep task.
func NewIntegritySweepTask(concurrency int) (*asynq.Task, error) {
	body, err := json.Marshal(IntegritySweepPayload{Concurrency: concurrency})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegritySweep, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload sets the retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// AdjustmentEventPayload describes a posted or cancelled adjustment.
type AdjustmentEventPayload struct {
	Event        string    `json:"event"`
	AdjustmentID int64     `json:"adjustment_id"`
	Code         string    `json:"code"`
	BranchID     int64     `json:"branch_id"`
	ItemID       int64     `json:"item_id"`
	Type         string    `json:"type"`
	Quantity     string    `json:"quantity"`
	TotalCost    string    `json:"total_cost,omitempty"`
	ActorID      int64     `json:"actor_id,omitempty"`
	At           time.Time `json:"at"`
}

// Adjustment event names.
const (
	EventAdjustmentPosted    = "posted"
	EventAdjustmentCancelled = "cancelled"
)

// NewAdjustmentEventTask constructs an Asynq task for an adjustment event.
func NewAdjustmentEventTask(payload AdjustmentEventPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAdjustmentEvent, body, asynq.Queue(QueueDefault)), nil
}
