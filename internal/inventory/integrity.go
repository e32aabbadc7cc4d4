package inventory

import (
	"context"
	"log/slog"
)

// VerifyPartition checks that layer quantities, consumption entries, the
// balance row and the movement history of a partition agree.
func (s *Service) VerifyPartition(ctx context.Context, branchID, itemID int64) (IntegrityReport, error) {
	if err := validatePartition(branchID, itemID); err != nil {
		return IntegrityReport{}, err
	}
	totals, err := s.repo.PartitionTotals(ctx, branchID, itemID)
	if err != nil {
		return IntegrityReport{}, structured(err)
	}
	report := EvaluateIntegrity(branchID, itemID, totals)
	report.CheckedAt = s.calendar.Now().UTC()
	if !report.OK() {
		s.logger.Warn("inventory integrity mismatch",
			slog.Int64("branch_id", branchID), slog.Int64("item_id", itemID),
			slog.Bool("conservation", report.ConservationOK),
			slog.Bool("balance", report.BalanceOK),
			slog.Bool("movements", report.MovementsOK))
	}
	return report, nil
}

// EvaluateIntegrity applies the partition checks to aggregated totals.
func EvaluateIntegrity(branchID, itemID int64, t PartitionTotals) IntegrityReport {
	onHand := t.Remaining.Sub(t.OpenOverage)
	report := IntegrityReport{BranchID: branchID, ItemID: itemID, Totals: t}
	report.ConservationOK = t.Original.Sub(t.Remaining).Equal(t.ActiveConsumed)
	report.BalanceOK = (!t.HasBalance && onHand.IsZero()) || (t.HasBalance && t.BalanceQty.Equal(onHand))
	report.MovementsOK = t.MovementNet.Equal(onHand)
	return report
}

// ListPartitions returns every partition that has a balance row.
func (s *Service) ListPartitions(ctx context.Context) ([]Partition, error) {
	partitions, err := s.repo.ListPartitions(ctx)
	if err != nil {
		return nil, structured(err)
	}
	return partitions, nil
}
