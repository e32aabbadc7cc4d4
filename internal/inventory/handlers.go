package inventory

import "context"

// IntegrationHandler receives ledger events after commit. Failures are logged
// and never undo the committed mutation.
type IntegrationHandler interface {
	HandlePartitionChanged(ctx context.Context, evt PartitionChangedEvent) error
	HandleAdjustmentPosted(ctx context.Context, evt AdjustmentPostedEvent) error
	HandleAdjustmentCancelled(ctx context.Context, evt AdjustmentCancelledEvent) error
}

// MetricsRecorder observes ledger operations.
type MetricsRecorder interface {
	ObserveOperation(operation string, kind string)
}

// IdempotencyPort stores processed request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}
