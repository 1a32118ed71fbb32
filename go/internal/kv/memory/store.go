// Package memory provides an in-memory implementation of the catalog store
// used for tests and ephemeral environments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
)

// Compile-time contract assertion.
var _ kv.Store = (*Store)(nil)

// Fault is consulted before each op of a transaction is applied. A non-nil
// error aborts the transaction after the earlier ops were applied, exercising
// the rollback path.
type Fault func(op kv.WriteOp, index int) error

// Store keeps every record in a map guarded by a single lock. Transactions
// snapshot the map and restore it on failure.
type Store struct {
	mu      sync.RWMutex
	items   map[catalog.Key]catalog.Entity
	changes []kv.ChangeEvent
	faults  []Fault
	clock   clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp change events.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		items: make(map[catalog.Key]catalog.Entity),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InjectFault queues f for the next transaction. Faults are consumed one per
// transaction in the order injected.
func (s *Store) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// FailAt returns a fault that aborts a transaction when it reaches op index.
func FailAt(index int, err error) Fault {
	return func(_ kv.WriteOp, i int) error {
		if i == index {
			return err
		}
		return nil
	}
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key catalog.Key) (catalog.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	if !ok {
		return catalog.Entity{}, catalog.NotFoundErrorf("%s", key)
	}
	return cloneEntity(e), nil
}

type hit struct {
	sortKey string
	entity  catalog.Entity
}

// Query implements kv.Store.
func (s *Store) Query(_ context.Context, q kv.Query) (kv.Page, error) {
	pos, err := kv.DecodeCursor(q.Cursor)
	if err != nil {
		return kv.Page{}, err
	}

	s.mu.RLock()
	var hits []hit
	for key, e := range s.items {
		if q.Index == "" {
			if key.PK == q.PartitionKey && strings.HasPrefix(key.SK, q.SortPrefix) {
				hits = append(hits, hit{sortKey: key.SK, entity: e})
			}
			continue
		}
		for _, ie := range e.Indexes {
			if ie.Index == q.Index && ie.PK == q.PartitionKey && strings.HasPrefix(ie.SK, q.SortPrefix) {
				hits = append(hits, hit{sortKey: ie.SK, entity: e})
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.sortKey != b.sortKey {
			return a.sortKey < b.sortKey
		}
		if a.entity.Key.PK != b.entity.Key.PK {
			return a.entity.Key.PK < b.entity.Key.PK
		}
		return a.entity.Key.SK < b.entity.Key.SK
	})

	limit := q.PageSize()
	var (
		page        kv.Page
		lastSortKey string
	)
	for _, h := range hits {
		if q.Cursor != "" && !pos.After(h.sortKey, h.entity.Key) {
			continue
		}
		if len(page.Items) == limit {
			last := page.Items[len(page.Items)-1]
			page.NextCursor = kv.EncodeCursor(kv.Position{SortKey: lastSortKey, Key: last.Key})
			break
		}
		page.Items = append(page.Items, cloneEntity(h.entity))
		lastSortKey = h.sortKey
	}
	return page, nil
}

// Transact implements kv.Store.
func (s *Store) Transact(_ context.Context, ops []kv.WriteOp) ([]kv.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fault Fault
	if len(s.faults) > 0 {
		fault = s.faults[0]
		s.faults = s.faults[1:]
	}

	seen := make(map[catalog.Key]struct{}, len(ops))
	failed := &kv.ConditionFailedError{}
	for i, op := range ops {
		key := op.Entity.Key
		if _, dup := seen[key]; dup {
			return nil, catalog.ValidationErrorf("transaction touches %s more than once", key)
		}
		seen[key] = struct{}{}
		current, exists := s.items[key]
		if !conditionHolds(op, current, exists) {
			failed.Add(i, key)
		}
	}
	if len(failed.Failed) > 0 {
		return nil, failed
	}

	snapshot := make(map[catalog.Key]catalog.Entity, len(s.items))
	for k, v := range s.items {
		snapshot[k] = v
	}

	now := s.clock.Now().UTC()
	var events []kv.ChangeEvent
	for i, op := range ops {
		if fault != nil {
			if err := fault(op, i); err != nil {
				s.items = snapshot
				return nil, catalog.TransientError("memory transact", err)
			}
		}
		key := op.Entity.Key
		current, exists := s.items[key]
		switch op.Kind {
		case kv.OpPut:
			next := cloneEntity(op.Entity)
			next.Version = 1
			var old catalog.Attributes
			if exists {
				next.Version = current.Version + 1
				old = current.Attrs.Clone()
			}
			s.items[key] = next
			events = append(events, kv.ChangeEvent{
				ID:          uuid.NewString(),
				Op:          kv.ChangePut,
				Type:        next.Type,
				Key:         key,
				Version:     next.Version,
				Old:         old,
				New:         next.Attrs.Clone(),
				CommittedAt: now,
			})
		case kv.OpDelete:
			if !exists {
				continue
			}
			delete(s.items, key)
			events = append(events, kv.ChangeEvent{
				ID:          uuid.NewString(),
				Op:          kv.ChangeDelete,
				Type:        current.Type,
				Key:         key,
				Version:     current.Version + 1,
				Old:         current.Attrs.Clone(),
				CommittedAt: now,
			})
		}
	}

	s.changes = append(s.changes, events...)
	return events, nil
}

// ScanDeleted implements kv.Store.
func (s *Store) ScanDeleted(_ context.Context, before time.Time, limit int) ([]catalog.Entity, error) {
	s.mu.RLock()
	var out []catalog.Entity
	for _, e := range s.items {
		if !e.IsDeleted() {
			continue
		}
		deletedAt, ok := e.Attrs.Time(catalog.AttrDeletedAt)
		if !ok || !deletedAt.Before(before) {
			continue
		}
		out = append(out, cloneEntity(e))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i].Attrs.Time(catalog.AttrDeletedAt)
		b, _ := out[j].Attrs.Time(catalog.AttrDeletedAt)
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DrainChanges returns and clears the committed change events, oldest first.
func (s *Store) DrainChanges() []kv.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.changes
	s.changes = nil
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Keys returns every stored key in sorted order.
func (s *Store) Keys() []catalog.Key {
	s.mu.RLock()
	keys := make([]catalog.Key, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func conditionHolds(op kv.WriteOp, current catalog.Entity, exists bool) bool {
	switch op.Condition {
	case kv.CondNotExists:
		return !exists
	case kv.CondExists:
		return exists
	case kv.CondVersion:
		return exists && current.Version == op.ExpectedVersion
	default:
		return true
	}
}

func cloneEntity(e catalog.Entity) catalog.Entity {
	out := e
	out.Attrs = e.Attrs.Clone()
	if e.Indexes != nil {
		out.Indexes = append([]catalog.IndexEntry(nil), e.Indexes...)
	}
	return out
}
