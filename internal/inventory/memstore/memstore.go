// Package memstore keeps the cost ledger in process memory. Transactions lock
// the partitions they touch and stage their writes until commit, so a failed
// operation leaves no trace. It backs tests and single-node demo deployments.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costledger/internal/inventory"
	"github.com/odyssey-erp/costledger/internal/shared"
)

type partitionKey struct {
	branchID int64
	itemID   int64
}

func keyOf(branchID, itemID int64) partitionKey {
	return partitionKey{branchID: branchID, itemID: itemID}
}

type idempotencyRecord struct {
	module    string
	createdAt time.Time
}

// Store is a transactional in-memory ledger store.
type Store struct {
	mu           sync.RWMutex
	layers       map[int64]inventory.CostLayer
	adjustments  map[int64]inventory.Adjustment
	consumptions map[int64]inventory.ConsumptionEntry
	movements    map[int64]inventory.Movement
	balances     map[partitionKey]inventory.Balance
	audit        []shared.AuditEntry
	idempotency  map[string]idempotencyRecord
	codes        map[string]int64

	layerSeq       atomic.Int64
	adjustmentSeq  atomic.Int64
	consumptionSeq atomic.Int64
	movementSeq    atomic.Int64

	slotsMu sync.Mutex
	slots   map[partitionKey]chan struct{}

	now        func() time.Time
	auditFault error
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		layers:       make(map[int64]inventory.CostLayer),
		adjustments:  make(map[int64]inventory.Adjustment),
		consumptions: make(map[int64]inventory.ConsumptionEntry),
		movements:    make(map[int64]inventory.Movement),
		balances:     make(map[partitionKey]inventory.Balance),
		idempotency:  make(map[string]idempotencyRecord),
		codes:        make(map[string]int64),
		slots:        make(map[partitionKey]chan struct{}),
		now:          time.Now,
	}
}

// SetClock replaces the clock used for idempotency timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailAuditWrites makes every subsequent audit insert fail with err; nil restores.
func (s *Store) FailAuditWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditFault = err
}

// OverrideBalance replaces a balance row outside any transaction. Used by
// repair tooling and integrity tests.
func (s *Store) OverrideBalance(b inventory.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[keyOf(b.BranchID, b.ItemID)] = b
}

func (s *Store) slot(key partitionKey) chan struct{} {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	ch, ok := s.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[key] = ch
	}
	return ch
}

// WithTx runs fn in a transaction. Staged writes are applied only when fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := newTx(s)
	defer t.release()
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.committed = true
	for id, l := range t.layers {
		if l == nil {
			delete(s.layers, id)
			continue
		}
		s.layers[id] = *l
	}
	for id, a := range t.adjustments {
		s.adjustments[id] = a
	}
	for id, e := range t.consumptions {
		s.consumptions[id] = e
	}
	for _, m := range t.movements {
		s.movements[m.ID] = m
	}
	for k, b := range t.balances {
		s.balances[k] = b
	}
	s.audit = append(s.audit, t.audit...)
}

// GetAdjustment loads a committed adjustment.
func (s *Store) GetAdjustment(_ context.Context, id int64) (inventory.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adjustments[id]
	if !ok {
		return inventory.Adjustment{}, inventory.ErrAdjustmentNotFound
	}
	return a, nil
}

// ListConsumptions lists committed entries of one owner.
func (s *Store) ListConsumptions(_ context.Context, owner inventory.OwnerType, ownerID string) ([]inventory.ConsumptionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []inventory.ConsumptionEntry
	for _, e := range s.consumptions {
		if e.OwnerType == owner && e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// ListLayers lists committed layers of a partition.
func (s *Store) ListLayers(_ context.Context, branchID, itemID int64, includeExhausted bool) ([]inventory.CostLayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []inventory.CostLayer
	for _, l := range s.layers {
		if l.BranchID != branchID || l.ItemID != itemID {
			continue
		}
		if !includeExhausted && !l.RemainingQty.IsPositive() {
			continue
		}
		out = append(out, l)
	}
	sortLayers(out)
	return out, nil
}

// StockLevel aggregates committed layers and open overage.
func (s *Store) StockLevel(_ context.Context, branchID, itemID int64) (inventory.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stock := inventory.StockLevel{
		BranchID:      branchID,
		ItemID:        itemID,
		LayerQuantity: decimal.Zero,
		Overage:       decimal.Zero,
		Value:         decimal.Zero,
	}
	for _, l := range s.layers {
		if l.BranchID == branchID && l.ItemID == itemID {
			stock.LayerQuantity = stock.LayerQuantity.Add(l.RemainingQty)
			stock.Value = stock.Value.Add(l.RemainingQty.Mul(l.UnitCost))
		}
	}
	for _, e := range s.consumptions {
		if e.BranchID == branchID && e.ItemID == itemID && e.IsOverage() && e.ReversedAt == nil {
			stock.Overage = stock.Overage.Add(e.Quantity)
		}
	}
	stock.Quantity = stock.LayerQuantity.Sub(stock.Overage)
	return stock, nil
}

// OpeningBalance sums movement nets dated before the given day.
func (s *Store) OpeningBalance(_ context.Context, branchID, itemID int64, before time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	cutoff := shared.DateOnly(before)
	for _, m := range s.movements {
		if m.BranchID == branchID && m.ItemID == itemID && shared.DateOnly(m.Date).Before(cutoff) {
			total = total.Add(m.Net())
		}
	}
	return total, nil
}

// ListMovements lists movements of a partition ordered by date and id.
func (s *Store) ListMovements(_ context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []inventory.Movement
	for _, m := range s.movements {
		if m.BranchID != filter.BranchID || m.ItemID != filter.ItemID || !filter.Includes(m.Date) {
			continue
		}
		if m.Kind == inventory.MovementAdjustmentIncrease || m.Kind == inventory.MovementAdjustmentDecrease {
			m.Cancelled = s.adjustments[m.AdjustmentID].IsCancelled
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PartitionTotals aggregates integrity figures under one read lock.
func (s *Store) PartitionTotals(_ context.Context, branchID, itemID int64) (inventory.PartitionTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := inventory.PartitionTotals{
		Original:       decimal.Zero,
		Remaining:      decimal.Zero,
		ActiveConsumed: decimal.Zero,
		OpenOverage:    decimal.Zero,
		MovementNet:    decimal.Zero,
		BalanceQty:     decimal.Zero,
	}
	for _, l := range s.layers {
		if l.BranchID == branchID && l.ItemID == itemID {
			t.Original = t.Original.Add(l.OriginalQty)
			t.Remaining = t.Remaining.Add(l.RemainingQty)
		}
	}
	for _, e := range s.consumptions {
		if e.BranchID != branchID || e.ItemID != itemID || e.ReversedAt != nil {
			continue
		}
		if e.IsOverage() {
			t.OpenOverage = t.OpenOverage.Add(e.Quantity)
		} else {
			t.ActiveConsumed = t.ActiveConsumed.Add(e.Quantity)
		}
	}
	for _, m := range s.movements {
		if m.BranchID == branchID && m.ItemID == itemID {
			t.MovementNet = t.MovementNet.Add(m.Net())
		}
	}
	if b, ok := s.balances[keyOf(branchID, itemID)]; ok {
		t.HasBalance = true
		t.BalanceQty = b.Qty
	}
	return t, nil
}

// ListPartitions lists partitions with a balance row.
func (s *Store) ListPartitions(_ context.Context) ([]inventory.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]inventory.Partition, 0, len(s.balances))
	for k := range s.balances {
		out = append(out, inventory.Partition{BranchID: k.branchID, ItemID: k.itemID})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BranchID != out[j].BranchID {
			return out[i].BranchID < out[j].BranchID
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

// CheckAndInsert reserves an idempotency key.
func (s *Store) CheckAndInsert(_ context.Context, key, module string) error {
	if key == "" || module == "" {
		return fmt.Errorf("memstore: idempotency key and module required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idempotency[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.idempotency[key] = idempotencyRecord{module: module, createdAt: s.now()}
	return nil
}

// Delete releases an idempotency key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, key)
	return nil
}

// Cleanup drops idempotency keys older than the retention window.
func (s *Store) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var removed int64
	for key, rec := range s.idempotency {
		if rec.createdAt.Before(cutoff) {
			delete(s.idempotency, key)
			removed++
		}
	}
	return removed, nil
}

// ListAuditEntries returns matching audit entries in chronological order.
func (s *Store) ListAuditEntries(_ context.Context, filter shared.AuditFilter) ([]shared.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := s.matchAudit(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []shared.AuditEntry{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]shared.AuditEntry, len(matched))
	copy(out, matched)
	return out, nil
}

// CountAuditEntries counts matching audit entries.
func (s *Store) CountAuditEntries(_ context.Context, filter shared.AuditFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matchAudit(filter)), nil
}

func (s *Store) matchAudit(f shared.AuditFilter) []shared.AuditEntry {
	var out []shared.AuditEntry
	for _, e := range s.audit {
		if f.TableName != "" && e.TableName != f.TableName {
			continue
		}
		if f.RecordID != "" && e.RecordID != f.RecordID {
			continue
		}
		if f.ActorID != 0 && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.From.IsZero() && e.At.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.At.After(f.To) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func sortLayers(layers []inventory.CostLayer) {
	sort.Slice(layers, func(i, j int) bool {
		if !layers[i].ReceiptDate.Equal(layers[j].ReceiptDate) {
			return layers[i].ReceiptDate.Before(layers[j].ReceiptDate)
		}
		return layers[i].ID < layers[j].ID
	})
}

func sortEntries(entries []inventory.ConsumptionEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
