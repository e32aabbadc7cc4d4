package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odyssey-erp/costledger/internal/inventory"
)

// Verifier is the part of the ledger engine the integrity command needs.
type Verifier interface {
	VerifyPartition(ctx context.Context, branchID, itemID int64) (inventory.IntegrityReport, error)
	ListPartitions(ctx context.Context) ([]inventory.Partition, error)
}

// IntegrityCLI runs partition verification from the command line.
type IntegrityCLI struct {
	verifier Verifier
}

// NewIntegrityCLI wires the helper to a verifier.
func NewIntegrityCLI(verifier Verifier) (*IntegrityCLI, error) {
	if verifier == nil {
		return nil, errors.New("integrity cli: verifier is required")
	}
	return &IntegrityCLI{verifier: verifier}, nil
}

// VerifyOptions defines available flags for the verify command. Zero
// BranchID and ItemID verify every partition.
type VerifyOptions struct {
	BranchID   int64
	ItemID     int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifySummary describes the JSON response for verify.
type VerifySummary struct {
	OK         bool                `json:"ok"`
	Checked    int                 `json:"checked"`
	Mismatches []PartitionMismatch `json:"mismatches"`
}

// PartitionMismatch lists the failed checks of one partition.
type PartitionMismatch struct {
	BranchID int64    `json:"branch_id"`
	ItemID   int64    `json:"item_id"`
	Checks   []string `json:"checks"`
	OnHand   string   `json:"on_hand"`
	Balance  string   `json:"balance"`
}

// VerifyCommand verifies one or all partitions and prints the outcome.
// Exit codes: 0 clean, 1 usage or runtime error, 10 mismatches found.
func (c *IntegrityCLI) VerifyCommand(ctx context.Context, opts VerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if (opts.BranchID == 0) != (opts.ItemID == 0) || opts.BranchID < 0 || opts.ItemID < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "verify: --branch and --item must be given together and be positive")
		return 1
	}
	partitions := []inventory.Partition{{BranchID: opts.BranchID, ItemID: opts.ItemID}}
	if opts.BranchID == 0 {
		var err error
		partitions, err = c.verifier.ListPartitions(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: list partitions: %v\n", err)
			return 1
		}
	}
	reports := make([]inventory.IntegrityReport, 0, len(partitions))
	for _, p := range partitions {
		report, err := c.verifier.VerifyPartition(ctx, p.BranchID, p.ItemID)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: partition %d/%d: %v\n", p.BranchID, p.ItemID, err)
			return 1
		}
		reports = append(reports, report)
	}
	summary := buildVerifySummary(reports)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: encode json: %v\n", err)
			return 1
		}
	} else {
		renderVerifyHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func buildVerifySummary(reports []inventory.IntegrityReport) VerifySummary {
	mismatches := make([]PartitionMismatch, 0)
	for _, r := range reports {
		if r.OK() {
			continue
		}
		var checks []string
		if !r.ConservationOK {
			checks = append(checks, "conservation")
		}
		if !r.BalanceOK {
			checks = append(checks, "balance")
		}
		if !r.MovementsOK {
			checks = append(checks, "movements")
		}
		mismatches = append(mismatches, PartitionMismatch{
			BranchID: r.BranchID,
			ItemID:   r.ItemID,
			Checks:   checks,
			OnHand:   r.Totals.Remaining.Sub(r.Totals.OpenOverage).String(),
			Balance:  r.Totals.BalanceQty.String(),
		})
	}
	sort.Slice(mismatches, func(i, j int) bool {
		if mismatches[i].BranchID == mismatches[j].BranchID {
			return mismatches[i].ItemID < mismatches[j].ItemID
		}
		return mismatches[i].BranchID < mismatches[j].BranchID
	})
	return VerifySummary{OK: len(mismatches) == 0, Checked: len(reports), Mismatches: mismatches}
}

func renderVerifyHuman(out io.Writer, summary VerifySummary) {
	_, _ = fmt.Fprintf(out, "Verified %d partition(s).\n", summary.Checked)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All partitions consistent.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d partition(s) inconsistent:\n", len(summary.Mismatches))
	for _, m := range summary.Mismatches {
		_, _ = fmt.Fprintf(out, " - %d/%d failed %v (on hand %s, balance %s)\n", m.BranchID, m.ItemID, m.Checks, m.OnHand, m.Balance)
	}
}
