package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/costledger/internal/shared"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// maxExportRows bounds CSV exports.
	maxExportRows = 10000
)

// ErrInvalidRange is returned when the window ends before it starts.
var ErrInvalidRange = errors.New("audit: end before start")

// Repository menyediakan akses ke audit_entries.
type Repository interface {
	ListAuditEntries(ctx context.Context, filter shared.AuditFilter) ([]shared.AuditEntry, error)
	CountAuditEntries(ctx context.Context, filter shared.AuditFilter) (int, error)
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []TimelineRow
	Paging PagingInfo
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline mengambil data audit dengan paging.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	if err := validateRange(filters); err != nil {
		return Result{}, err
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	filter := filters.auditFilter()
	total, err := s.repo.CountAuditEntries(ctx, filter)
	if err != nil {
		return Result{}, fmt.Errorf("audit: count entries: %w", err)
	}
	filter.Offset = (page - 1) * pageSize
	filter.Limit = pageSize
	entries, err := s.repo.ListAuditEntries(ctx, filter)
	if err != nil {
		return Result{}, fmt.Errorf("audit: list entries: %w", err)
	}
	rows := make([]TimelineRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, toTimelineRow(e))
	}
	paging := PagingInfo{Pagination: shared.NewPagination(page, pageSize, total)}
	paging.HasNext = page < paging.TotalPages
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if paging.HasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export mengambil seluruh data timeline tanpa paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	if err := validateRange(filters); err != nil {
		return nil, err
	}
	filter := filters.auditFilter()
	filter.Limit = maxExportRows
	entries, err := s.repo.ListAuditEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	rows := make([]TimelineRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, toTimelineRow(e))
	}
	return rows, nil
}

func validateRange(f TimelineFilters) error {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return ErrInvalidRange
	}
	return nil
}
