// Package entities implements the generic catalog operations over every
// registered entity type: create, read, pattern queries and allow-listed
// updates. Typed packages (users, teams, leagues, games) build on it.
package entities

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/txn"
)

// PatternPartition names the primary-table access pattern (partition key plus
// optional sort prefix) accepted by QueryByPattern alongside the index names.
const PatternPartition = "partition"

const teamOwnerRole = "team-owner"

// PatternKey addresses one partition of an access pattern.
type PatternKey struct {
	Partition  string
	SortPrefix string
}

// Pagination controls one page of a pattern query.
type Pagination struct {
	Limit          int
	Cursor         string
	IncludeDeleted bool
}

// Page is one page of pattern query results.
type Page struct {
	Items      []catalog.Entity
	NextCursor string
}

// App handles the generic catalog operations.
type App struct {
	store kv.Store
	txn   *txn.Coordinator
	clock clockwork.Clock
}

// NewApp creates a new entities App.
func NewApp(coordinator *txn.Coordinator, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		store: coordinator.Store(),
		txn:   coordinator,
		clock: clock,
	}
}

// Clock returns the clock used to stamp writes.
func (a *App) Clock() clockwork.Clock {
	return a.clock
}

// Coordinator returns the transaction coordinator writes go through.
func (a *App) Coordinator() *txn.Coordinator {
	return a.txn
}

// NewEntity validates attrs for t and builds the record CreateEntity would
// write, without writing it. Missing ids are generated; timestamps and the
// default status are filled in.
func (a *App) NewEntity(t catalog.EntityType, attrs catalog.Attributes) (catalog.Entity, error) {
	s, err := publicSchema(t)
	if err != nil {
		return catalog.Entity{}, err
	}
	attrs, err = attrs.Normalize()
	if err != nil {
		return catalog.Entity{}, catalog.ValidationErrorf("%s attributes: %v", t, err)
	}
	for name := range attrs {
		if !s.Known(name) {
			return catalog.Entity{}, catalog.SchemaErrorf("%s has no attribute %q", t, name)
		}
	}
	if st := attrs.String(catalog.AttrStatus); st == catalog.StatusDeleted {
		return catalog.Entity{}, catalog.ValidationErrorf("%s cannot be created deleted", t)
	}
	if s.Mirrorable && attrs.Bool(catalog.AttrInheritedFromLeague) {
		return catalog.Entity{}, catalog.ValidationErrorf("%s mirrors are written by the mirroring engine", t)
	}
	for _, f := range []string{catalog.AttrDeletedAt, catalog.AttrRecoveryToken, catalog.AttrLifecycleState} {
		if !attrs.IsNull(f) {
			return catalog.Entity{}, catalog.ValidationErrorf("%s.%s is maintained by the catalog", t, f)
		}
	}

	now := a.clock.Now()
	if s.IDField != "" && attrs.IsNull(s.IDField) {
		attrs[s.IDField] = uuid.NewString()
	}
	attrs[catalog.AttrCreatedAt] = catalog.FormatTime(now)
	attrs[catalog.AttrUpdatedAt] = catalog.FormatTime(now)
	if attrs.IsNull(catalog.AttrStatus) {
		attrs[catalog.AttrStatus] = s.DefaultStatus
	}
	if err := s.Normalize(attrs, now); err != nil {
		return catalog.Entity{}, err
	}
	if err := s.CheckRequired(attrs); err != nil {
		return catalog.Entity{}, err
	}
	if err := s.CheckEnums(attrs); err != nil {
		return catalog.Entity{}, err
	}
	key, err := catalog.KeyFromAttributes(t, attrs)
	if err != nil {
		return catalog.Entity{}, err
	}
	return catalog.Entity{Type: t, Key: key, Attrs: attrs}, nil
}

// CreateEntity validates and writes a new record. The write fails with a
// conflict when the key already exists; with an idempotency key a repeated
// call returns the originally created record instead. A team is written
// together with its owner's membership.
func (a *App) CreateEntity(ctx context.Context, t catalog.EntityType, attrs catalog.Attributes, idempotencyKey string) (catalog.Entity, error) {
	e, err := a.NewEntity(t, attrs)
	if err != nil {
		return catalog.Entity{}, err
	}
	records := []catalog.Entity{e}
	if t == catalog.EntityTeam {
		owner, err := a.NewEntity(catalog.EntityMembership, catalog.Attributes{
			"userId":    e.Attrs.String("ownerId"),
			"scopeType": catalog.ScopeTeam,
			"scopeId":   e.Attrs.String("teamId"),
			"role":      teamOwnerRole,
			"joinedAt":  catalog.FormatTime(a.clock.Now()),
		})
		if err != nil {
			return catalog.Entity{}, err
		}
		records = append(records, owner)
	}
	created, err := a.CreateMany(ctx, records, idempotencyKey)
	if err != nil {
		return catalog.Entity{}, err
	}
	return created[0], nil
}

// CreateMany writes sibling records built with NewEntity in one transaction,
// each guarded by a not-exists condition.
func (a *App) CreateMany(ctx context.Context, records []catalog.Entity, idempotencyKey string) ([]catalog.Entity, error) {
	ops := make([]kv.WriteOp, len(records))
	for i, e := range records {
		ops[i] = kv.Create(e)
	}
	var opts []txn.Option
	if idempotencyKey != "" {
		opts = append(opts, txn.WithIdempotencyToken(idempotencyKey))
	}
	res, err := a.txn.ExecuteAtomic(ctx, ops, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", describe(records), err)
	}

	out := make([]catalog.Entity, 0, len(res.Keys))
	if res.Replayed {
		for _, key := range res.Keys {
			e, err := a.store.Get(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to load replayed record: %w", err)
			}
			out = append(out, e)
		}
		return out, nil
	}
	for i, e := range records {
		e.Version = res.Events[i].Version
		e.Indexes = catalog.DeriveIndexEntries(e.Type, e.Attrs)
		out = append(out, e)
	}
	log.Debug().Str("records", describe(records)).Msg("created entities")
	return out, nil
}

// GetEntity reads one record by its key parts. Soft-deleted records are
// reported as not found.
func (a *App) GetEntity(ctx context.Context, t catalog.EntityType, ids ...string) (catalog.Entity, error) {
	key, err := catalog.BuildKey(t, ids...)
	if err != nil {
		return catalog.Entity{}, err
	}
	return a.Lookup(ctx, t, key, false)
}

// Lookup reads the record of type t stored at key.
func (a *App) Lookup(ctx context.Context, t catalog.EntityType, key catalog.Key, includeDeleted bool) (catalog.Entity, error) {
	e, err := a.store.Get(ctx, key)
	if err != nil {
		return catalog.Entity{}, err
	}
	if e.Type != t {
		return catalog.Entity{}, catalog.NotFoundErrorf("%s at %s", t, key)
	}
	if e.IsDeleted() && !includeDeleted {
		return catalog.Entity{}, catalog.NotFoundErrorf("%s at %s", t, key)
	}
	return e, nil
}

// QueryByPattern reads one page of an access pattern: PatternPartition or
// one of the secondary index names.
func (a *App) QueryByPattern(ctx context.Context, pattern string, key PatternKey, page Pagination) (Page, error) {
	q := kv.Query{
		PartitionKey: key.Partition,
		SortPrefix:   key.SortPrefix,
		Limit:        page.Limit,
		Cursor:       page.Cursor,
	}
	if pattern != PatternPartition {
		idx, err := catalog.ParseIndexName(pattern)
		if err != nil {
			return Page{}, err
		}
		q.Index = idx
	}
	if key.Partition == "" {
		return Page{}, catalog.ValidationErrorf("pattern %s needs a partition key", pattern)
	}

	res, err := a.store.Query(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query %s: %w", pattern, err)
	}
	out := Page{NextCursor: res.NextCursor}
	for _, e := range res.Items {
		if e.IsDeleted() && !page.IncludeDeleted {
			continue
		}
		out.Items = append(out.Items, e)
	}
	return out, nil
}

// QueryAll drains every page of a pattern query.
func (a *App) QueryAll(ctx context.Context, pattern string, key PatternKey, includeDeleted bool) ([]catalog.Entity, error) {
	var (
		out  []catalog.Entity
		page = Pagination{IncludeDeleted: includeDeleted}
	)
	for {
		res, err := a.QueryByPattern(ctx, pattern, key, page)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Items...)
		if res.NextCursor == "" {
			return out, nil
		}
		page.Cursor = res.NextCursor
	}
}

// UpdateEntity applies a caller patch restricted to the type's editable
// fields. A non-zero expectedVersion must match the stored version. Mirrors
// of league records are read-only.
func (a *App) UpdateEntity(ctx context.Context, t catalog.EntityType, ids []string, patch catalog.Attributes, expectedVersion int64) (catalog.Entity, error) {
	s, err := publicSchema(t)
	if err != nil {
		return catalog.Entity{}, err
	}
	if len(patch) == 0 {
		return catalog.Entity{}, catalog.ValidationErrorf("empty %s patch", t)
	}
	patch, err = patch.Normalize()
	if err != nil {
		return catalog.Entity{}, catalog.ValidationErrorf("%s patch: %v", t, err)
	}
	for name, v := range patch {
		switch {
		case !s.Known(name):
			return catalog.Entity{}, catalog.SchemaErrorf("%s has no attribute %q", t, name)
		case s.IsReadonly(name), !s.IsEditable(name):
			return catalog.Entity{}, catalog.ValidationErrorf("%s.%s is read-only", t, name)
		case name == catalog.AttrStatus && v == catalog.StatusDeleted:
			return catalog.Entity{}, catalog.ValidationErrorf("%s must be deleted through soft delete", t)
		}
	}

	key, err := catalog.BuildKey(t, ids...)
	if err != nil {
		return catalog.Entity{}, err
	}
	current, err := a.Lookup(ctx, t, key, false)
	if err != nil {
		return catalog.Entity{}, err
	}
	if current.IsMirror() {
		return catalog.Entity{}, catalog.ValidationErrorf("%s at %s is a read-only league mirror", t, key)
	}
	if expectedVersion != 0 && expectedVersion != current.Version {
		return catalog.Entity{}, catalog.ConflictErrorf("%s at %s is at version %d, expected %d", t, key, current.Version, expectedVersion)
	}
	if next, ok := patch[catalog.AttrStatus].(string); ok {
		if err := s.CheckTransition(current.Attrs.String(catalog.AttrStatus), next); err != nil {
			return catalog.Entity{}, err
		}
	}

	return a.replace(ctx, s, current, func(attrs catalog.Attributes) error {
		for name, v := range patch {
			attrs[name] = v
		}
		return nil
	})
}

// Mutate applies a system change to the record at key, bypassing the field
// allow-list, under a version condition. Used by the lifecycle and mirroring
// components for fields callers may not edit.
func (a *App) Mutate(ctx context.Context, t catalog.EntityType, key catalog.Key, fn func(attrs catalog.Attributes) error) (catalog.Entity, error) {
	s, err := catalog.SchemaFor(t)
	if err != nil {
		return catalog.Entity{}, err
	}
	current, err := a.Lookup(ctx, t, key, true)
	if err != nil {
		return catalog.Entity{}, err
	}
	return a.replace(ctx, s, current, fn)
}

// Prepare returns the versioned write that would apply fn to current, for
// callers that group it with other writes in one transaction.
func (a *App) Prepare(current catalog.Entity, fn func(attrs catalog.Attributes) error) (kv.WriteOp, catalog.Entity, error) {
	s, err := catalog.SchemaFor(current.Type)
	if err != nil {
		return kv.WriteOp{}, catalog.Entity{}, err
	}
	next, err := a.next(s, current, fn)
	if err != nil {
		return kv.WriteOp{}, catalog.Entity{}, err
	}
	return kv.Replace(next, current.Version), next, nil
}

func (a *App) replace(ctx context.Context, s catalog.Schema, current catalog.Entity, fn func(attrs catalog.Attributes) error) (catalog.Entity, error) {
	next, err := a.next(s, current, fn)
	if err != nil {
		return catalog.Entity{}, err
	}
	res, err := a.txn.ExecuteAtomic(ctx, []kv.WriteOp{kv.Replace(next, current.Version)})
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("failed to update %s: %w", current.Key, err)
	}
	next.Version = res.Events[0].Version
	next.Indexes = catalog.DeriveIndexEntries(next.Type, next.Attrs)
	return next, nil
}

func (a *App) next(s catalog.Schema, current catalog.Entity, fn func(attrs catalog.Attributes) error) (catalog.Entity, error) {
	attrs := current.Attrs.Clone()
	if err := fn(attrs); err != nil {
		return catalog.Entity{}, err
	}
	attrs, err := attrs.Normalize()
	if err != nil {
		return catalog.Entity{}, catalog.ValidationErrorf("%s attributes: %v", s.Type, err)
	}
	now := a.clock.Now()
	attrs[catalog.AttrUpdatedAt] = catalog.FormatTime(now)
	if err := s.Normalize(attrs, now); err != nil {
		return catalog.Entity{}, err
	}
	if err := s.CheckRequired(attrs); err != nil {
		return catalog.Entity{}, err
	}
	if err := s.CheckEnums(attrs); err != nil {
		return catalog.Entity{}, err
	}
	next := current
	next.Attrs = attrs
	return next, nil
}

func publicSchema(t catalog.EntityType) (catalog.Schema, error) {
	if t == catalog.EntityAudit || t == catalog.EntityIdempotency {
		return catalog.Schema{}, catalog.SchemaErrorf("%s records are internal", t)
	}
	return catalog.SchemaFor(t)
}

func describe(records []catalog.Entity) string {
	parts := make([]string, len(records))
	for i, e := range records {
		parts[i] = string(e.Type)
	}
	return strings.Join(parts, "+")
}
