package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/costledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/costledger/internal/jobs"
)

const defaultSweepConcurrency = 4

// IntegrityVerifier is the ledger surface used by integrity jobs.
type IntegrityVerifier interface {
	VerifyPartition(ctx context.Context, branchID, itemID int64) (inventory.IntegrityReport, error)
	ListPartitions(ctx context.Context) ([]inventory.Partition, error)
}

// MismatchGauge publishes the latest sweep outcome.
type MismatchGauge interface {
	SetIntegrityMismatches(check string, partitions int)
}

// SweepSummary reports one sweep.
type SweepSummary struct {
	Partitions   int
	Conservation int
	Balance      int
	Movements    int
	Errors       int
}

// IntegrityJob verifies ledger partitions.
type IntegrityJob struct {
	Verifier IntegrityVerifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	Gauge    MismatchGauge
	clock    func() time.Time
}

// NewIntegrityJob initialises the integrity handlers.
func NewIntegrityJob(verifier IntegrityVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics, gauge MismatchGauge) *IntegrityJob {
	return &IntegrityJob{
		Verifier: verifier,
		Logger:   logger,
		Metrics:  metrics,
		Gauge:    gauge,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleVerify processes TaskVerifyPartition tasks.
func (j *IntegrityJob) HandleVerify(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Verifier == nil {
		return errors.New("integrity: handler not configured")
	}
	var payload VerifyPartitionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.BranchID <= 0 || payload.ItemID <= 0 {
		return fmt.Errorf("integrity: invalid partition %d/%d: %w", payload.BranchID, payload.ItemID, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskVerifyPartition)
	report, err := j.Verifier.VerifyPartition(ctx, payload.BranchID, payload.ItemID)
	if err != nil {
		return tracker.End(err)
	}
	j.Metrics.AddVerified(1)
	j.record(report)
	return tracker.End(nil)
}

// HandleSweep processes TaskIntegritySweep tasks.
func (j *IntegrityJob) HandleSweep(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Verifier == nil {
		return errors.New("integrity: handler not configured")
	}
	var payload IntegritySweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Sweep(ctx, payload.Concurrency)
	return err
}

// Sweep verifies every partition with bounded concurrency. Mismatches are
// reported, not returned; the error covers partitions that could not be read.
func (j *IntegrityJob) Sweep(ctx context.Context, concurrency int) (SweepSummary, error) {
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	start := j.now()
	tracker := j.Metrics.Track(TaskIntegritySweep)
	logger := j.logger().With(slog.Int("concurrency", concurrency))

	partitions, err := j.Verifier.ListPartitions(ctx)
	if err != nil {
		logger.Error("integrity sweep list partitions", slog.Any("error", err))
		return SweepSummary{}, tracker.End(err)
	}

	var (
		mu      sync.Mutex
		summary = SweepSummary{Partitions: len(partitions)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, p := range partitions {
		g.Go(func() error {
			report, err := j.Verifier.VerifyPartition(gctx, p.BranchID, p.ItemID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				summary.Errors++
				logger.Warn("integrity verify partition",
					slog.Int64("branch_id", p.BranchID), slog.Int64("item_id", p.ItemID), slog.Any("error", err))
				return nil
			}
			if !report.ConservationOK {
				summary.Conservation++
			}
			if !report.BalanceOK {
				summary.Balance++
			}
			if !report.MovementsOK {
				summary.Movements++
			}
			j.record(report)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, tracker.End(err)
	}
	j.Metrics.AddVerified(summary.Partitions - summary.Errors)
	if j.Gauge != nil {
		j.Gauge.SetIntegrityMismatches("conservation", summary.Conservation)
		j.Gauge.SetIntegrityMismatches("balance", summary.Balance)
		j.Gauge.SetIntegrityMismatches("movements", summary.Movements)
	}
	logger.Info("completed integrity sweep",
		slog.Int("partitions", summary.Partitions),
		slog.Int("conservation_failures", summary.Conservation),
		slog.Int("balance_failures", summary.Balance),
		slog.Int("movement_failures", summary.Movements),
		slog.Int("errors", summary.Errors),
		slog.Duration("duration", time.Since(start)),
	)
	var sweepErr error
	if summary.Errors > 0 {
		sweepErr = fmt.Errorf("integrity sweep: %d of %d partitions could not be verified", summary.Errors, summary.Partitions)
	}
	return summary, tracker.End(sweepErr)
}

func (j *IntegrityJob) record(report inventory.IntegrityReport) {
	if report.OK() {
		return
	}
	if !report.ConservationOK {
		j.Metrics.AddMismatch("conservation")
	}
	if !report.BalanceOK {
		j.Metrics.AddMismatch("balance")
	}
	if !report.MovementsOK {
		j.Metrics.AddMismatch("movements")
	}
	j.logger().Error("ledger integrity mismatch",
		slog.Int64("branch_id", report.BranchID),
		slog.Int64("item_id", report.ItemID),
		slog.Bool("conservation_ok", report.ConservationOK),
		slog.Bool("balance_ok", report.BalanceOK),
		slog.Bool("movements_ok", report.MovementsOK),
	)
}

func (j *IntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *IntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
