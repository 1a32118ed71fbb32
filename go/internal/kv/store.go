// Package kv defines the partitioned key-value store the catalog is written
// to, with atomic multi-record transactions and secondary index queries.
package kv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
)

// Store is implemented by every catalog backend.
type Store interface {
	// Get returns the record at key or an error wrapping catalog.ErrNotFound.
	Get(ctx context.Context, key catalog.Key) (catalog.Entity, error)
	// Query returns one page of records from a primary partition or an index.
	Query(ctx context.Context, q Query) (Page, error)
	// Transact applies every op or none of them. Failed conditions return a
	// *ConditionFailedError; anything else is a store failure.
	Transact(ctx context.Context, ops []WriteOp) ([]ChangeEvent, error)
	// ScanDeleted returns soft-deleted records whose deletedAt is before the
	// given instant, oldest first.
	ScanDeleted(ctx context.Context, before time.Time, limit int) ([]catalog.Entity, error)
}

// OpKind is the kind of a write inside a transaction.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	// OpCheck asserts a condition without writing.
	OpCheck
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCheck:
		return "check"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Condition guards a write.
type Condition int

const (
	CondNone Condition = iota
	CondNotExists
	CondExists
	// CondVersion requires the stored version to equal WriteOp.ExpectedVersion.
	CondVersion
)

// WriteOp is one write of a transaction. For deletes and checks only
// Entity.Key is read.
type WriteOp struct {
	Kind            OpKind
	Entity          catalog.Entity
	Condition       Condition
	ExpectedVersion int64
}

// Put writes e unconditionally.
func Put(e catalog.Entity) WriteOp {
	return WriteOp{Kind: OpPut, Entity: e}
}

// Create writes e only when nothing exists at its key.
func Create(e catalog.Entity) WriteOp {
	return WriteOp{Kind: OpPut, Entity: e, Condition: CondNotExists}
}

// Replace writes e only when the stored version equals version.
func Replace(e catalog.Entity, version int64) WriteOp {
	return WriteOp{Kind: OpPut, Entity: e, Condition: CondVersion, ExpectedVersion: version}
}

// Delete removes the record at key if present.
func Delete(key catalog.Key) WriteOp {
	return WriteOp{Kind: OpDelete, Entity: catalog.Entity{Key: key}}
}

// DeleteVersion removes the record at key only at the given version.
func DeleteVersion(key catalog.Key, version int64) WriteOp {
	return WriteOp{Kind: OpDelete, Entity: catalog.Entity{Key: key}, Condition: CondVersion, ExpectedVersion: version}
}

// CheckExists fails the transaction unless a record exists at key.
func CheckExists(key catalog.Key) WriteOp {
	return WriteOp{Kind: OpCheck, Entity: catalog.Entity{Key: key}, Condition: CondExists}
}

// CheckVersion fails the transaction unless the record at key has version.
func CheckVersion(key catalog.Key, version int64) WriteOp {
	return WriteOp{Kind: OpCheck, Entity: catalog.Entity{Key: key}, Condition: CondVersion, ExpectedVersion: version}
}

// ConditionFailedError reports which ops of a transaction failed their
// condition. It unwraps to catalog.ErrConflict.
type ConditionFailedError struct {
	Failed []int
	Keys   []catalog.Key
}

func (e *ConditionFailedError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, idx := range e.Failed {
		parts[i] = fmt.Sprintf("op %d (%s)", idx, e.Keys[i])
	}
	return "condition failed: " + strings.Join(parts, ", ")
}

func (e *ConditionFailedError) Unwrap() error {
	return catalog.ErrConflict
}

// Add records a failing op.
func (e *ConditionFailedError) Add(idx int, key catalog.Key) {
	e.Failed = append(e.Failed, idx)
	e.Keys = append(e.Keys, key)
}

// Query selects records from one partition. When Index is empty the primary
// table is read; otherwise PartitionKey and SortPrefix address the index.
type Query struct {
	Index        catalog.IndexName
	PartitionKey string
	SortPrefix   string
	Limit        int
	Cursor       string
}

// DefaultPageSize applies when Query.Limit is zero.
const DefaultPageSize = 100

// PageSize returns the effective page size.
func (q Query) PageSize() int {
	if q.Limit <= 0 {
		return DefaultPageSize
	}
	return q.Limit
}

// Page is one page of query results.
type Page struct {
	Items []catalog.Entity
	// NextCursor is empty on the last page.
	NextCursor string
}

// Position is the resume point encoded in a cursor: the sort key of the last
// item returned plus, for index queries, its primary key.
type Position struct {
	SortKey string      `json:"s"`
	Key     catalog.Key `json:"k"`
}

// EncodeCursor renders p as an opaque cursor.
func EncodeCursor(p Position) string {
	data, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (Position, error) {
	var p Position
	if cursor == "" {
		return p, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return p, catalog.ValidationErrorf("malformed cursor")
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, catalog.ValidationErrorf("malformed cursor")
	}
	return p, nil
}

// After reports whether an item at (sortKey, key) comes strictly after p in
// query order.
func (p Position) After(sortKey string, key catalog.Key) bool {
	if sortKey != p.SortKey {
		return sortKey > p.SortKey
	}
	if key.PK != p.Key.PK {
		return key.PK > p.Key.PK
	}
	return key.SK > p.Key.SK
}

// ChangeOp is the kind of committed change.
type ChangeOp string

const (
	ChangePut    ChangeOp = "put"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent describes one committed write. Old is nil for creates and New is
// nil for deletes.
type ChangeEvent struct {
	ID          string             `json:"id"`
	Op          ChangeOp           `json:"op"`
	Type        catalog.EntityType `json:"type"`
	Key         catalog.Key        `json:"key"`
	Version     int64              `json:"version"`
	Old         catalog.Attributes `json:"old,omitempty"`
	New         catalog.Attributes `json:"new,omitempty"`
	CommittedAt time.Time          `json:"committedAt"`
}

// IsCreate reports whether the change created the record.
func (e ChangeEvent) IsCreate() bool {
	return e.Op == ChangePut && e.Old == nil
}
