package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/costledger/internal/shared"
)

// TimelineFilters menampung filter dasar untuk audit timeline.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Table    string
	RecordID string
	ActorID  int64
	Action   shared.AuditAction
	Page     int
	PageSize int
}

func (f TimelineFilters) auditFilter() shared.AuditFilter {
	return shared.AuditFilter{
		TableName: f.Table,
		RecordID:  f.RecordID,
		ActorID:   f.ActorID,
		Action:    f.Action,
		From:      f.From,
		To:        f.To,
	}
}

// TimelineRow mewakili satu baris audit timeline.
type TimelineRow struct {
	ID            uuid.UUID
	At            time.Time
	ActorID       int64
	Action        shared.AuditAction
	Table         string
	RecordID      string
	ChangedFields []string
	Before        shared.AuditImage
	After         shared.AuditImage
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	shared.Pagination
	HasNext  bool
	PrevPage int
	NextPage int
}

func toTimelineRow(e shared.AuditEntry) TimelineRow {
	return TimelineRow{
		ID:            e.ID,
		At:            e.At,
		ActorID:       e.ActorID,
		Action:        e.Action,
		Table:         e.TableName,
		RecordID:      e.RecordID,
		ChangedFields: e.ChangedFields,
		Before:        e.Before,
		After:         e.After,
	}
}
