package shared

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for business dates.
const DateLayout = "2006-01-02"

// BusinessCalendar resolves instants into calendar days of the business location.
type BusinessCalendar struct {
	loc *time.Location
	now func() time.Time
}

// NewBusinessCalendar builds a calendar; nil location means UTC and nil clock means time.Now.
func NewBusinessCalendar(loc *time.Location, now func() time.Time) BusinessCalendar {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return BusinessCalendar{loc: loc, now: now}
}

// LoadBusinessCalendar resolves an IANA zone name.
func LoadBusinessCalendar(zone string, now func() time.Time) (BusinessCalendar, error) {
	if zone == "" {
		return NewBusinessCalendar(time.UTC, now), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return BusinessCalendar{}, fmt.Errorf("shared: load business timezone %q: %w", zone, err)
	}
	return NewBusinessCalendar(loc, now), nil
}

// Location returns the calendar's location.
func (c BusinessCalendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Now returns the current instant.
func (c BusinessCalendar) Now() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// Today returns the current business day at midnight UTC.
func (c BusinessCalendar) Today() time.Time {
	return c.DayOf(c.Now())
}

// DayOf maps an instant to its business day, normalised to midnight UTC.
func (c BusinessCalendar) DayOf(t time.Time) time.Time {
	local := t.In(c.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// DateOnly drops the clock part of a date value that already denotes a calendar day.
func DateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay compares two calendar dates.
func SameDay(a, b time.Time) bool {
	return DateOnly(a).Equal(DateOnly(b))
}

// MonthKey formats the calendar month of a date as YYYY-MM.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// ParseDate parses an optional YYYY-MM-DD string.
func ParseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", value, err)
	}
	return t, nil
}
