package shared

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AuditAction enumerates the row-level operations captured in audit_entries.
type AuditAction string

const (
	// AuditInsert marks a newly created record.
	AuditInsert AuditAction = "INSERT"
	// AuditUpdate marks a modification of an existing record.
	AuditUpdate AuditAction = "UPDATE"
	// AuditDelete marks a removed record.
	AuditDelete AuditAction = "DELETE"
)

// Valid reports whether the action is one of the known values.
func (a AuditAction) Valid() bool {
	switch a {
	case AuditInsert, AuditUpdate, AuditDelete:
		return true
	}
	return false
}

// AuditImage is a key-value snapshot of a record.
type AuditImage map[string]any

// AuditEntry represents a record stored in audit_entries. Entries are append-only.
type AuditEntry struct {
	ID            uuid.UUID
	TableName     string
	RecordID      string
	Action        AuditAction
	ActorID       int64
	At            time.Time
	Before        AuditImage
	After         AuditImage
	ChangedFields []string
}

// AuditFilter narrows audit entry listings.
type AuditFilter struct {
	TableName string
	RecordID  string
	ActorID   int64
	Action    AuditAction
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// ErrInvalidAuditEntry is returned when an entry misses mandatory attributes.
var ErrInvalidAuditEntry = errors.New("audit entry requires table, record id and action")

// NewAuditEntry builds an entry and derives changed fields for updates.
func NewAuditEntry(table, recordID string, action AuditAction, actorID int64, at time.Time, before, after AuditImage) (AuditEntry, error) {
	if table == "" || recordID == "" || !action.Valid() {
		return AuditEntry{}, ErrInvalidAuditEntry
	}
	entry := AuditEntry{
		ID:        uuid.New(),
		TableName: table,
		RecordID:  recordID,
		Action:    action,
		ActorID:   actorID,
		At:        at.UTC(),
		Before:    before,
		After:     after,
	}
	if action == AuditUpdate {
		entry.ChangedFields = ChangedFields(before, after)
	}
	return entry, nil
}

// ChangedFields lists keys whose values differ between the two images, sorted.
func ChangedFields(before, after AuditImage) []string {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	changed := make([]string, 0)
	for k := range keys {
		if !sameValue(before[k], after[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// sameValue compares through the JSON encoding so that decimals, times and
// pointers compare the way they are persisted.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}

// MarshalImage encodes an image as JSON, mapping nil to SQL NULL.
func MarshalImage(img AuditImage) ([]byte, error) {
	if img == nil {
		return nil, nil
	}
	return json.Marshal(img)
}

// UnmarshalImage decodes a JSON image; empty input yields nil.
func UnmarshalImage(raw []byte) (AuditImage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var img AuditImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, err
	}
	return img, nil
}
