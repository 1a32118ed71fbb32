package sqlutil

import (
	"encoding/json"
	"fmt"

	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
)

// Helper functions for converting between catalog values and nullable JSON columns

// ToNullJSON converts attributes to a nullable jsonb value. Nil attributes map to SQL NULL.
func ToNullJSON(attrs catalog.Attributes) (pqtype.NullRawMessage, error) {
	if attrs == nil {
		return pqtype.NullRawMessage{Valid: false}, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true}, nil
}

// FromNullJSON converts a nullable jsonb value to attributes, nil when NULL.
func FromNullJSON(val pqtype.NullRawMessage) (catalog.Attributes, error) {
	if !val.Valid || len(val.RawMessage) == 0 {
		return nil, nil
	}
	return FromJSON(val.RawMessage)
}

// FromJSON decodes a non-null jsonb column.
func FromJSON(data []byte) (catalog.Attributes, error) {
	var attrs catalog.Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	if attrs == nil {
		attrs = catalog.Attributes{}
	}
	return attrs, nil
}

// ToIndexJSON encodes derived index entries for storage alongside a record.
func ToIndexJSON(entries []catalog.IndexEntry) ([]byte, error) {
	if entries == nil {
		entries = []catalog.IndexEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode index entries: %w", err)
	}
	return data, nil
}

// FromIndexJSON decodes stored index entries.
func FromIndexJSON(data []byte) ([]catalog.IndexEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var entries []catalog.IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode index entries: %w", err)
	}
	return entries, nil
}
