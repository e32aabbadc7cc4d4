package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costledger/internal/platform/db"
	"github.com/odyssey-erp/costledger/internal/shared"
)

// Repository persists the cost ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a read-committed transaction. Writers of
// a partition serialise on the balance row lock taken by LockPartition.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	return classify(err)
}

// classify maps transient postgres failures to ErrStoreConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if db.IsConflict(err) {
		return fmt.Errorf("%w: %w", ErrStoreConflict, err)
	}
	return err
}

const layerColumns = `id, branch_id, item_id, receipt_date, unit_cost, original_quantity, remaining_quantity, provenance, source_ref, created_at`

func scanLayer(row pgx.Row) (CostLayer, error) {
	var l CostLayer
	var provenance string
	if err := row.Scan(&l.ID, &l.BranchID, &l.ItemID, &l.ReceiptDate, &l.UnitCost, &l.OriginalQty, &l.RemainingQty, &provenance, &l.SourceRef, &l.CreatedAt); err != nil {
		return CostLayer{}, err
	}
	l.Provenance = Provenance(provenance)
	return l, nil
}

func collectLayers(rows pgx.Rows) ([]CostLayer, error) {
	defer rows.Close()
	var layers []CostLayer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

const adjustmentColumns = `id, code, branch_id, item_id, type, reason, quantity, unit_cost, supply_price, tax_amount, total_cost,
	layer_id, adjustment_date, notes, reference_number, created_by, created_at, is_cancelled, cancel_reason, cancelled_by, cancelled_at`

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var a Adjustment
	var typ, reason string
	var layerID, cancelledBy pgtype.Int8
	err := row.Scan(&a.ID, &a.Code, &a.BranchID, &a.ItemID, &typ, &reason, &a.Quantity, &a.UnitCost, &a.SupplyPrice, &a.TaxAmount, &a.TotalCost,
		&layerID, &a.AdjustmentDate, &a.Notes, &a.ReferenceNumber, &a.CreatedBy, &a.CreatedAt, &a.IsCancelled, &a.CancelReason, &cancelledBy, &a.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Adjustment{}, ErrAdjustmentNotFound
		}
		return Adjustment{}, err
	}
	a.Type = AdjustmentType(typ)
	a.Reason = AdjustmentReason(reason)
	a.LayerID = layerID.Int64
	a.CancelledBy = cancelledBy.Int64
	return a, nil
}

const consumptionColumns = `id, branch_id, item_id, owner_type, owner_id, layer_id, quantity, unit_cost, consumed_at, reversed_at`

func listConsumptions(ctx context.Context, q querier, owner OwnerType, ownerID string) ([]ConsumptionEntry, error) {
	rows, err := q.Query(ctx, `SELECT `+consumptionColumns+` FROM consumption_entries
		WHERE owner_type = $1 AND owner_id = $2 ORDER BY id`, string(owner), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []ConsumptionEntry
	for rows.Next() {
		var e ConsumptionEntry
		var ownerType string
		var layerID pgtype.Int8
		if err := rows.Scan(&e.ID, &e.BranchID, &e.ItemID, &ownerType, &e.OwnerID, &layerID, &e.Quantity, &e.UnitCost, &e.ConsumedAt, &e.ReversedAt); err != nil {
			return nil, err
		}
		e.OwnerType = OwnerType(ownerType)
		e.LayerID = layerID.Int64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableID(id int64) pgtype.Int8 {
	return pgtype.Int8{Int64: id, Valid: id != 0}
}

func nullableDate(t time.Time) pgtype.Date {
	return pgtype.Date{Time: t, Valid: !t.IsZero()}
}

// GetAdjustment loads an adjustment by id.
func (r *Repository) GetAdjustment(ctx context.Context, id int64) (Adjustment, error) {
	return scanAdjustment(r.pool.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM inventory_adjustments WHERE id = $1`, id))
}

// ListConsumptions lists entries of one owner in consumption order.
func (r *Repository) ListConsumptions(ctx context.Context, owner OwnerType, ownerID string) ([]ConsumptionEntry, error) {
	return listConsumptions(ctx, r.pool, owner, ownerID)
}

// ListLayers lists layers of a partition in FIFO order.
func (r *Repository) ListLayers(ctx context.Context, branchID, itemID int64, includeExhausted bool) ([]CostLayer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+layerColumns+` FROM cost_layers
		WHERE branch_id = $1 AND item_id = $2 AND ($3::boolean OR remaining_quantity > 0)
		ORDER BY receipt_date, id`, branchID, itemID, includeExhausted)
	if err != nil {
		return nil, err
	}
	return collectLayers(rows)
}

// StockLevel aggregates layers and open overage of a partition.
func (r *Repository) StockLevel(ctx context.Context, branchID, itemID int64) (StockLevel, error) {
	return stockLevel(ctx, r.pool, branchID, itemID)
}

func stockLevel(ctx context.Context, q querier, branchID, itemID int64) (StockLevel, error) {
	stock := StockLevel{BranchID: branchID, ItemID: itemID}
	err := q.QueryRow(ctx, `SELECT
		COALESCE((SELECT SUM(remaining_quantity) FROM cost_layers WHERE branch_id = $1 AND item_id = $2), 0),
		COALESCE((SELECT SUM(remaining_quantity * unit_cost) FROM cost_layers WHERE branch_id = $1 AND item_id = $2), 0),
		COALESCE((SELECT SUM(quantity) FROM consumption_entries
			WHERE branch_id = $1 AND item_id = $2 AND layer_id IS NULL AND reversed_at IS NULL), 0)`,
		branchID, itemID).Scan(&stock.LayerQuantity, &stock.Value, &stock.Overage)
	if err != nil {
		return StockLevel{}, err
	}
	stock.Quantity = stock.LayerQuantity.Sub(stock.Overage)
	return stock, nil
}

// OpeningBalance sums movement nets dated before the given day.
func (r *Repository) OpeningBalance(ctx context.Context, branchID, itemID int64, before time.Time) (decimal.Decimal, error) {
	var opening decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(qty_in - qty_out), 0) FROM inventory_movements
		WHERE branch_id = $1 AND item_id = $2 AND movement_date < $3`, branchID, itemID, before).Scan(&opening)
	return opening, err
}

// ListMovements lists movements of a partition ordered by date and id.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, `SELECT m.id, m.branch_id, m.item_id, m.movement_date, m.kind, m.reference, m.adjustment_id,
			m.qty_in, m.qty_out, m.unit_cost, m.note, m.actor_id, m.created_at,
			COALESCE(a.is_cancelled AND m.kind IN ('ADJUSTMENT_INCREASE', 'ADJUSTMENT_DECREASE'), FALSE)
		FROM inventory_movements m
		LEFT JOIN inventory_adjustments a ON a.id = m.adjustment_id
		WHERE m.branch_id = $1 AND m.item_id = $2
			AND ($3::date IS NULL OR m.movement_date >= $3)
			AND ($4::date IS NULL OR m.movement_date <= $4)
		ORDER BY m.movement_date, m.id`,
		filter.BranchID, filter.ItemID, nullableDate(filter.From), nullableDate(filter.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		var m Movement
		var kind string
		var adjustmentID pgtype.Int8
		if err := rows.Scan(&m.ID, &m.BranchID, &m.ItemID, &m.Date, &kind, &m.Reference, &adjustmentID,
			&m.QtyIn, &m.QtyOut, &m.UnitCost, &m.Note, &m.ActorID, &m.CreatedAt, &m.Cancelled); err != nil {
			return nil, err
		}
		m.Kind = MovementKind(kind)
		m.AdjustmentID = adjustmentID.Int64
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// PartitionTotals aggregates the integrity figures in one statement so they
// share a snapshot.
func (r *Repository) PartitionTotals(ctx context.Context, branchID, itemID int64) (PartitionTotals, error) {
	var t PartitionTotals
	var balance decimal.NullDecimal
	err := r.pool.QueryRow(ctx, `SELECT
		COALESCE((SELECT SUM(original_quantity) FROM cost_layers WHERE branch_id = $1 AND item_id = $2), 0),
		COALESCE((SELECT SUM(remaining_quantity) FROM cost_layers WHERE branch_id = $1 AND item_id = $2), 0),
		COALESCE((SELECT SUM(quantity) FROM consumption_entries
			WHERE branch_id = $1 AND item_id = $2 AND layer_id IS NOT NULL AND reversed_at IS NULL), 0),
		COALESCE((SELECT SUM(quantity) FROM consumption_entries
			WHERE branch_id = $1 AND item_id = $2 AND layer_id IS NULL AND reversed_at IS NULL), 0),
		COALESCE((SELECT SUM(qty_in - qty_out) FROM inventory_movements WHERE branch_id = $1 AND item_id = $2), 0),
		(SELECT qty FROM inventory_balances WHERE branch_id = $1 AND item_id = $2)`,
		branchID, itemID).Scan(&t.Original, &t.Remaining, &t.ActiveConsumed, &t.OpenOverage, &t.MovementNet, &balance)
	if err != nil {
		return PartitionTotals{}, err
	}
	t.HasBalance = balance.Valid
	t.BalanceQty = balance.Decimal
	return t, nil
}

// ListPartitions lists partitions with a balance row.
func (r *Repository) ListPartitions(ctx context.Context) ([]Partition, error) {
	rows, err := r.pool.Query(ctx, `SELECT branch_id, item_id FROM inventory_balances ORDER BY branch_id, item_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.BranchID, &p.ItemID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepo) LockPartition(ctx context.Context, branchID, itemID int64) (Balance, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO inventory_balances (branch_id, item_id, qty, value, updated_at)
		VALUES ($1, $2, 0, 0, now()) ON CONFLICT (branch_id, item_id) DO NOTHING`, branchID, itemID); err != nil {
		return Balance{}, fmt.Errorf("inventory: ensure balance row: %w", err)
	}
	var b Balance
	err := r.tx.QueryRow(ctx, `SELECT branch_id, item_id, qty, value, updated_at FROM inventory_balances
		WHERE branch_id = $1 AND item_id = $2 FOR UPDATE`, branchID, itemID).
		Scan(&b.BranchID, &b.ItemID, &b.Qty, &b.Value, &b.UpdatedAt)
	if err != nil {
		return Balance{}, fmt.Errorf("inventory: lock balance row: %w", err)
	}
	return b, nil
}

func (r *txRepo) UpsertBalance(ctx context.Context, b Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_balances (branch_id, item_id, qty, value, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (branch_id, item_id) DO UPDATE SET qty = EXCLUDED.qty, value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		b.BranchID, b.ItemID, b.Qty, b.Value, b.UpdatedAt)
	return err
}

func (r *txRepo) StockLevel(ctx context.Context, branchID, itemID int64) (StockLevel, error) {
	return stockLevel(ctx, r.tx, branchID, itemID)
}

func (r *txRepo) ListOpenLayers(ctx context.Context, branchID, itemID int64) ([]CostLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+` FROM cost_layers
		WHERE branch_id = $1 AND item_id = $2 AND remaining_quantity > 0
		ORDER BY receipt_date, id`, branchID, itemID)
	if err != nil {
		return nil, err
	}
	return collectLayers(rows)
}

func (r *txRepo) LastUnitCost(ctx context.Context, branchID, itemID int64) (decimal.Decimal, error) {
	var cost decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT unit_cost FROM cost_layers WHERE branch_id = $1 AND item_id = $2
		ORDER BY receipt_date DESC, id DESC LIMIT 1`, branchID, itemID).Scan(&cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return cost, err
}

func (r *txRepo) GetLayer(ctx context.Context, id int64) (CostLayer, error) {
	layer, err := scanLayer(r.tx.QueryRow(ctx, `SELECT `+layerColumns+` FROM cost_layers WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return CostLayer{}, ErrLayerNotFound
	}
	return layer, err
}

func (r *txRepo) InsertLayer(ctx context.Context, l CostLayer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_layers
		(branch_id, item_id, receipt_date, unit_cost, original_quantity, remaining_quantity, provenance, source_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		l.BranchID, l.ItemID, l.ReceiptDate, l.UnitCost, l.OriginalQty, l.RemainingQty, string(l.Provenance), l.SourceRef, l.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) UpdateLayerRemaining(ctx context.Context, id int64, remaining decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE cost_layers SET remaining_quantity = $2 WHERE id = $1`, id, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

func (r *txRepo) DeleteLayer(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM cost_layers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

func (r *txRepo) InsertConsumptions(ctx context.Context, entries []ConsumptionEntry) ([]ConsumptionEntry, error) {
	out := make([]ConsumptionEntry, len(entries))
	for i, e := range entries {
		err := r.tx.QueryRow(ctx, `INSERT INTO consumption_entries
			(branch_id, item_id, owner_type, owner_id, layer_id, quantity, unit_cost, consumed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			e.BranchID, e.ItemID, string(e.OwnerType), e.OwnerID, nullableID(e.LayerID), e.Quantity, e.UnitCost, e.ConsumedAt).Scan(&e.ID)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func (r *txRepo) ListConsumptions(ctx context.Context, owner OwnerType, ownerID string) ([]ConsumptionEntry, error) {
	return listConsumptions(ctx, r.tx, owner, ownerID)
}

func (r *txRepo) MarkConsumptionsReversed(ctx context.Context, owner OwnerType, ownerID string, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE consumption_entries SET reversed_at = $3
		WHERE owner_type = $1 AND owner_id = $2 AND reversed_at IS NULL`, string(owner), ownerID, at)
	return err
}

func (r *txRepo) InsertAdjustment(ctx context.Context, a Adjustment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_adjustments
		(code, branch_id, item_id, type, reason, quantity, unit_cost, supply_price, tax_amount, total_cost,
		 layer_id, adjustment_date, notes, reference_number, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING id`,
		a.Code, a.BranchID, a.ItemID, string(a.Type), string(a.Reason), a.Quantity, a.UnitCost, a.SupplyPrice, a.TaxAmount, a.TotalCost,
		nullableID(a.LayerID), a.AdjustmentDate, a.Notes, a.ReferenceNumber, a.CreatedBy, a.CreatedAt).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, withDetail(ErrDuplicateRequest, "adjustment code %s already used", a.Code)
	}
	return id, err
}

func (r *txRepo) GetAdjustmentForUpdate(ctx context.Context, id int64) (Adjustment, error) {
	return scanAdjustment(r.tx.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM inventory_adjustments WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) MarkAdjustmentCancelled(ctx context.Context, a Adjustment) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_adjustments
		SET is_cancelled = TRUE, cancel_reason = $2, cancelled_by = $3, cancelled_at = $4
		WHERE id = $1 AND is_cancelled = FALSE`, a.ID, a.CancelReason, nullableID(a.CancelledBy), a.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyCancelled
	}
	return nil
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_movements
		(branch_id, item_id, movement_date, kind, reference, adjustment_id, qty_in, qty_out, unit_cost, note, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		m.BranchID, m.ItemID, m.Date, string(m.Kind), m.Reference, nullableID(m.AdjustmentID),
		m.QtyIn, m.QtyOut, m.UnitCost, m.Note, m.ActorID, m.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertAuditEntry(ctx context.Context, entry shared.AuditEntry) error {
	before, err := shared.MarshalImage(entry.Before)
	if err != nil {
		return err
	}
	after, err := shared.MarshalImage(entry.After)
	if err != nil {
		return err
	}
	changed := entry.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO audit_entries
		(id, table_name, record_id, action, actor_id, occurred_at, before_image, after_image, changed_fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.TableName, entry.RecordID, string(entry.Action), entry.ActorID, entry.At, before, after, changed)
	return err
}
