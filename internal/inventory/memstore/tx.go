package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costledger/internal/inventory"
	"github.com/odyssey-erp/costledger/internal/shared"
)

// tx stages writes over the committed state. A nil layer marks a deletion.
type tx struct {
	store        *Store
	held         map[partitionKey]chan struct{}
	layers       map[int64]*inventory.CostLayer
	adjustments  map[int64]inventory.Adjustment
	consumptions map[int64]inventory.ConsumptionEntry
	movements    []inventory.Movement
	balances     map[partitionKey]inventory.Balance
	audit        []shared.AuditEntry
	codes        []string
	committed    bool
}

func newTx(s *Store) *tx {
	return &tx{
		store:        s,
		held:         make(map[partitionKey]chan struct{}),
		layers:       make(map[int64]*inventory.CostLayer),
		adjustments:  make(map[int64]inventory.Adjustment),
		consumptions: make(map[int64]inventory.ConsumptionEntry),
		balances:     make(map[partitionKey]inventory.Balance),
	}
}

func (t *tx) release() {
	if !t.committed && len(t.codes) > 0 {
		t.store.mu.Lock()
		for _, code := range t.codes {
			delete(t.store.codes, code)
		}
		t.store.mu.Unlock()
	}
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *tx) LockPartition(ctx context.Context, branchID, itemID int64) (inventory.Balance, error) {
	key := keyOf(branchID, itemID)
	if _, ok := t.held[key]; !ok {
		ch := t.store.slot(key)
		select {
		case ch <- struct{}{}:
			t.held[key] = ch
		case <-ctx.Done():
			return inventory.Balance{}, fmt.Errorf("memstore: lock partition %d/%d: %w", branchID, itemID, ctx.Err())
		}
	}
	if b, ok := t.balances[key]; ok {
		return b, nil
	}
	t.store.mu.RLock()
	b, ok := t.store.balances[key]
	t.store.mu.RUnlock()
	if !ok {
		b = inventory.Balance{BranchID: branchID, ItemID: itemID, Qty: decimal.Zero, Value: decimal.Zero}
	}
	return b, nil
}

func (t *tx) UpsertBalance(_ context.Context, b inventory.Balance) error {
	t.balances[keyOf(b.BranchID, b.ItemID)] = b
	return nil
}

// StockLevel reads the partition as this transaction sees it.
func (t *tx) StockLevel(_ context.Context, branchID, itemID int64) (inventory.StockLevel, error) {
	stock := inventory.StockLevel{
		BranchID:      branchID,
		ItemID:        itemID,
		LayerQuantity: decimal.Zero,
		Overage:       decimal.Zero,
		Value:         decimal.Zero,
	}
	for _, l := range t.partitionLayers(branchID, itemID) {
		stock.LayerQuantity = stock.LayerQuantity.Add(l.RemainingQty)
		stock.Value = stock.Value.Add(l.RemainingQty.Mul(l.UnitCost))
	}
	seen := func(e inventory.ConsumptionEntry) {
		if e.BranchID == branchID && e.ItemID == itemID && e.IsOverage() && e.ReversedAt == nil {
			stock.Overage = stock.Overage.Add(e.Quantity)
		}
	}
	t.store.mu.RLock()
	for id, e := range t.store.consumptions {
		if _, staged := t.consumptions[id]; !staged {
			seen(e)
		}
	}
	t.store.mu.RUnlock()
	for _, e := range t.consumptions {
		seen(e)
	}
	stock.Quantity = stock.LayerQuantity.Sub(stock.Overage)
	return stock, nil
}

// partitionLayers merges committed and staged layers of one partition.
func (t *tx) partitionLayers(branchID, itemID int64) []inventory.CostLayer {
	var out []inventory.CostLayer
	t.store.mu.RLock()
	for id, l := range t.store.layers {
		if _, staged := t.layers[id]; staged {
			continue
		}
		if l.BranchID == branchID && l.ItemID == itemID {
			out = append(out, l)
		}
	}
	t.store.mu.RUnlock()
	for _, l := range t.layers {
		if l != nil && l.BranchID == branchID && l.ItemID == itemID {
			out = append(out, *l)
		}
	}
	sortLayers(out)
	return out
}

func (t *tx) ListOpenLayers(_ context.Context, branchID, itemID int64) ([]inventory.CostLayer, error) {
	var open []inventory.CostLayer
	for _, l := range t.partitionLayers(branchID, itemID) {
		if l.RemainingQty.IsPositive() {
			open = append(open, l)
		}
	}
	return open, nil
}

func (t *tx) LastUnitCost(_ context.Context, branchID, itemID int64) (decimal.Decimal, error) {
	layers := t.partitionLayers(branchID, itemID)
	if len(layers) == 0 {
		return decimal.Zero, nil
	}
	return layers[len(layers)-1].UnitCost, nil
}

func (t *tx) GetLayer(_ context.Context, id int64) (inventory.CostLayer, error) {
	if l, staged := t.layers[id]; staged {
		if l == nil {
			return inventory.CostLayer{}, inventory.ErrLayerNotFound
		}
		return *l, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	l, ok := t.store.layers[id]
	if !ok {
		return inventory.CostLayer{}, inventory.ErrLayerNotFound
	}
	return l, nil
}

func (t *tx) InsertLayer(_ context.Context, l inventory.CostLayer) (int64, error) {
	l.ID = t.store.layerSeq.Add(1)
	t.layers[l.ID] = &l
	return l.ID, nil
}

func (t *tx) UpdateLayerRemaining(ctx context.Context, id int64, remaining decimal.Decimal) error {
	l, err := t.GetLayer(ctx, id)
	if err != nil {
		return err
	}
	if remaining.IsNegative() || remaining.GreaterThan(l.OriginalQty) {
		return fmt.Errorf("memstore: layer %d remaining %s outside [0, %s]", id, remaining, l.OriginalQty)
	}
	l.RemainingQty = remaining
	t.layers[id] = &l
	return nil
}

func (t *tx) DeleteLayer(ctx context.Context, id int64) error {
	if _, err := t.GetLayer(ctx, id); err != nil {
		return err
	}
	t.layers[id] = nil
	return nil
}

func (t *tx) InsertConsumptions(_ context.Context, entries []inventory.ConsumptionEntry) ([]inventory.ConsumptionEntry, error) {
	out := make([]inventory.ConsumptionEntry, len(entries))
	for i, e := range entries {
		e.ID = t.store.consumptionSeq.Add(1)
		t.consumptions[e.ID] = e
		out[i] = e
	}
	return out, nil
}

func (t *tx) ListConsumptions(_ context.Context, owner inventory.OwnerType, ownerID string) ([]inventory.ConsumptionEntry, error) {
	var out []inventory.ConsumptionEntry
	t.store.mu.RLock()
	for id, e := range t.store.consumptions {
		if _, staged := t.consumptions[id]; staged {
			continue
		}
		if e.OwnerType == owner && e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	t.store.mu.RUnlock()
	for _, e := range t.consumptions {
		if e.OwnerType == owner && e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (t *tx) MarkConsumptionsReversed(ctx context.Context, owner inventory.OwnerType, ownerID string, at time.Time) error {
	entries, err := t.ListConsumptions(ctx, owner, ownerID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ReversedAt != nil {
			continue
		}
		reversed := at
		e.ReversedAt = &reversed
		t.consumptions[e.ID] = e
	}
	return nil
}

func (t *tx) adjustment(id int64) (inventory.Adjustment, bool) {
	if a, ok := t.adjustments[id]; ok {
		return a, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	a, ok := t.store.adjustments[id]
	return a, ok
}

// InsertAdjustment reserves the code store-wide right away, like a unique
// index would; the reservation is dropped if the transaction rolls back.
func (t *tx) InsertAdjustment(_ context.Context, a inventory.Adjustment) (int64, error) {
	t.store.mu.Lock()
	if _, taken := t.store.codes[a.Code]; taken {
		t.store.mu.Unlock()
		return 0, fmt.Errorf("%w: adjustment code %s already used", inventory.ErrDuplicateRequest, a.Code)
	}
	a.ID = t.store.adjustmentSeq.Add(1)
	t.store.codes[a.Code] = a.ID
	t.store.mu.Unlock()
	t.codes = append(t.codes, a.Code)
	a.Consumptions = nil
	t.adjustments[a.ID] = a
	return a.ID, nil
}

func (t *tx) GetAdjustmentForUpdate(_ context.Context, id int64) (inventory.Adjustment, error) {
	a, ok := t.adjustment(id)
	if !ok {
		return inventory.Adjustment{}, inventory.ErrAdjustmentNotFound
	}
	return a, nil
}

func (t *tx) MarkAdjustmentCancelled(_ context.Context, a inventory.Adjustment) error {
	current, ok := t.adjustment(a.ID)
	if !ok {
		return inventory.ErrAdjustmentNotFound
	}
	if current.IsCancelled {
		return inventory.ErrAlreadyCancelled
	}
	current.IsCancelled = true
	current.CancelReason = a.CancelReason
	current.CancelledBy = a.CancelledBy
	current.CancelledAt = a.CancelledAt
	t.adjustments[a.ID] = current
	return nil
}

func (t *tx) InsertMovement(_ context.Context, m inventory.Movement) (int64, error) {
	m.ID = t.store.movementSeq.Add(1)
	m.Cancelled = false
	t.movements = append(t.movements, m)
	return m.ID, nil
}

func (t *tx) InsertAuditEntry(_ context.Context, entry shared.AuditEntry) error {
	t.store.mu.RLock()
	fault := t.store.auditFault
	t.store.mu.RUnlock()
	if fault != nil {
		return fault
	}
	t.audit = append(t.audit, entry)
	return nil
}
