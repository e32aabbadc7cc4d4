package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/costledger/internal/shared"
)

// PGRepository reads audit_entries from Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres audit reader.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func whereClause(f shared.AuditFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TableName != "" {
		add("table_name = $%d", f.TableName)
	}
	if f.RecordID != "" {
		add("record_id = $%d", f.RecordID)
	}
	if f.ActorID != 0 {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListAuditEntries returns entries in chronological order.
func (r *PGRepository) ListAuditEntries(ctx context.Context, filter shared.AuditFilter) ([]shared.AuditEntry, error) {
	where, args := whereClause(filter)
	query := `SELECT id, table_name, record_id, action, actor_id, occurred_at, before_image, after_image, changed_fields
		FROM audit_entries` + where + ` ORDER BY occurred_at, seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (shared.AuditEntry, error) {
		var (
			e             shared.AuditEntry
			action        string
			before, after []byte
		)
		if err := row.Scan(&e.ID, &e.TableName, &e.RecordID, &action, &e.ActorID, &e.At, &before, &after, &e.ChangedFields); err != nil {
			return shared.AuditEntry{}, err
		}
		e.Action = shared.AuditAction(action)
		if e.Before, err = shared.UnmarshalImage(before); err != nil {
			return shared.AuditEntry{}, err
		}
		if e.After, err = shared.UnmarshalImage(after); err != nil {
			return shared.AuditEntry{}, err
		}
		return e, nil
	})
}

// CountAuditEntries counts matching entries.
func (r *PGRepository) CountAuditEntries(ctx context.Context, filter shared.AuditFilter) (int, error) {
	where, args := whereClause(filter)
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
