package audithttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/costledger/internal/audit"
	"github.com/odyssey-erp/costledger/internal/platform/httpx"
	"github.com/odyssey-erp/costledger/internal/rbac"
	"github.com/odyssey-erp/costledger/internal/shared"
)

const (
	defaultPageSize  = 20
	maxPageSize      = 100
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 90 * 24 * time.Hour
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Handler menangani permintaan audit timeline.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	rbac    rbac.Middleware
	now     func() time.Time
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service TimelineService, mw rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		rbac:    mw,
		now:     time.Now,
	}
}

type entryResponse struct {
	ID            uuid.UUID         `json:"id"`
	At            time.Time         `json:"at"`
	ActorID       int64             `json:"actor_id"`
	Action        string            `json:"action"`
	Table         string            `json:"table"`
	RecordID      string            `json:"record_id"`
	ChangedFields []string          `json:"changed_fields,omitempty"`
	Before        shared.AuditImage `json:"before,omitempty"`
	After         shared.AuditImage `json:"after,omitempty"`
}

type pagingResponse struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	PrevPage   int  `json:"prev_page,omitempty"`
	NextPage   int  `json:"next_page,omitempty"`
}

type timelineResponse struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Entries []entryResponse `json:"entries"`
	Paging  pagingResponse  `json:"paging"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.handleServiceError(w, "load audit timeline", err)
		return
	}
	resp := timelineResponse{
		From:    filters.From.Format(shared.DateLayout),
		To:      filters.To.Format(shared.DateLayout),
		Entries: make([]entryResponse, 0, len(result.Rows)),
		Paging: pagingResponse{
			Page:       result.Paging.Page,
			PageSize:   result.Paging.PerPage,
			Total:      result.Paging.Total,
			TotalPages: result.Paging.TotalPages,
			HasNext:    result.Paging.HasNext,
			PrevPage:   result.Paging.PrevPage,
			NextPage:   result.Paging.NextPage,
		},
	}
	for _, row := range result.Rows {
		resp.Entries = append(resp.Entries, entryResponse{
			ID:            row.ID,
			At:            row.At,
			ActorID:       row.ActorID,
			Action:        string(row.Action),
			Table:         row.Table,
			RecordID:      row.RecordID,
			ChangedFields: row.ChangedFields,
			Before:        row.Before,
			After:         row.After,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.handleServiceError(w, "export audit timeline", err)
		return
	}
	csvBytes, err := audit.WriteCSV(rows)
	if err != nil {
		h.handleServiceError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-entries.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

// parseFilters reads the query; dates are inclusive calendar days.
func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = now.Format(shared.DateLayout)
	}
	toDay, err := time.Parse(shared.DateLayout, toStr)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "to"}
	}
	fromStr := strings.TrimSpace(q.Get("from"))
	if fromStr == "" {
		fromStr = toDay.Add(-defaultDateRange).Format(shared.DateLayout)
	}
	fromDay, err := time.Parse(shared.DateLayout, fromStr)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "from"}
	}
	if fromDay.After(toDay) || toDay.Sub(fromDay) > maxDateRange {
		return audit.TimelineFilters{}, validationError{field: "range"}
	}

	page := 1
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, validationError{field: "page"}
		}
		page = parsed
	}
	pageSize := defaultPageSize
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, validationError{field: "page_size"}
		}
		if parsed > maxPageSize {
			parsed = maxPageSize
		}
		pageSize = parsed
	}
	var actorID int64
	if v := strings.TrimSpace(q.Get("actor")); v != "" {
		actorID, err = strconv.ParseInt(v, 10, 64)
		if err != nil || actorID <= 0 {
			return audit.TimelineFilters{}, validationError{field: "actor"}
		}
	}
	action := shared.AuditAction(strings.ToUpper(strings.TrimSpace(q.Get("action"))))
	if action != "" && !action.Valid() {
		return audit.TimelineFilters{}, validationError{field: "action"}
	}

	return audit.TimelineFilters{
		From:     fromDay,
		To:       toDay.Add(24*time.Hour - time.Nanosecond),
		Table:    strings.TrimSpace(q.Get("table")),
		RecordID: strings.TrimSpace(q.Get("record_id")),
		ActorID:  actorID,
		Action:   action,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func (h *Handler) handleFilterError(w http.ResponseWriter, err error) {
	var v validationError
	if errors.As(err, &v) {
		httpx.ValidationProblem(w, map[string]string{v.field: "invalid"})
		return
	}
	h.handleServiceError(w, "validate filters", err)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, audit.ErrInvalidRange) {
		httpx.ValidationProblem(w, map[string]string{"range": "invalid"})
		return
	}
	h.logger.Error(message, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

type validationError struct {
	field string
}

func (validationError) Error() string {
	return "validation failed"
}
