package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costledger/internal/shared"
)

// GetMovements reconstructs the movement history of a partition between two
// dates, inclusive. Zero dates are unbounded.
func (s *Service) GetMovements(ctx context.Context, filter MovementFilter) (MovementReport, error) {
	if err := validatePartition(filter.BranchID, filter.ItemID); err != nil {
		return MovementReport{}, err
	}
	filter.From = shared.DateOnly(filter.From)
	filter.To = shared.DateOnly(filter.To)
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return MovementReport{}, ErrInvalidDateRange
	}
	opening := decimal.Zero
	if !filter.From.IsZero() {
		var err error
		opening, err = s.repo.OpeningBalance(ctx, filter.BranchID, filter.ItemID, filter.From)
		if err != nil {
			return MovementReport{}, structured(err)
		}
	}
	movements, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return MovementReport{}, structured(err)
	}
	return BuildMovementReport(filter, opening, movements), nil
}

// BuildMovementReport orders movements by (date, id), computes the running
// balance from opening and groups rows into calendar-month subtotals.
func BuildMovementReport(filter MovementFilter, opening decimal.Decimal, movements []Movement) MovementReport {
	ordered := make([]Movement, len(movements))
	copy(ordered, movements)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Date.Equal(ordered[j].Date) {
			return ordered[i].Date.Before(ordered[j].Date)
		}
		return ordered[i].ID < ordered[j].ID
	})

	report := MovementReport{
		BranchID: filter.BranchID,
		ItemID:   filter.ItemID,
		From:     filter.From,
		To:       filter.To,
		Opening:  opening,
		Rows:     make([]MovementRow, 0, len(ordered)),
	}
	balance := opening
	var current *MonthlySubtotal
	for _, m := range ordered {
		if m.QtyIn.IsZero() && m.QtyOut.IsZero() {
			continue
		}
		balance = balance.Add(m.Net())
		report.Rows = append(report.Rows, MovementRow{Movement: m, Balance: balance})

		month := shared.MonthKey(m.Date)
		if current == nil || current.Month != month {
			report.Subtotals = append(report.Subtotals, MonthlySubtotal{Month: month, QtyIn: decimal.Zero, QtyOut: decimal.Zero})
			current = &report.Subtotals[len(report.Subtotals)-1]
		}
		current.QtyIn = current.QtyIn.Add(m.QtyIn)
		current.QtyOut = current.QtyOut.Add(m.QtyOut)
		current.ClosingBalance = balance
	}
	report.Closing = balance
	return report
}

// Includes reports whether date falls inside the filter bounds.
func (f MovementFilter) Includes(date time.Time) bool {
	d := shared.DateOnly(date)
	if !f.From.IsZero() && d.Before(shared.DateOnly(f.From)) {
		return false
	}
	if !f.To.IsZero() && d.After(shared.DateOnly(f.To)) {
		return false
	}
	return true
}
