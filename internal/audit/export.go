package audit

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{"id", "at", "actor_id", "action", "table", "record_id", "changed_fields"}

// WriteCSV renders timeline rows as CSV.
func WriteCSV(rows []TimelineRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := []string{
			row.ID.String(),
			row.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(row.ActorID, 10),
			string(row.Action),
			row.Table,
			row.RecordID,
			strings.Join(row.ChangedFields, ";"),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
