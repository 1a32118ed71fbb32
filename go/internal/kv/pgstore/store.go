// Package pgstore implements the catalog store on PostgreSQL. Records live in
// one table keyed by (pk, sk); index entries and the change outbox are written
// in the same SQL transaction as the records they describe.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/sqlutil"
)

// Compile-time contract assertion.
var _ kv.Store = (*Store)(nil)

// Config holds pool and notification settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// NotifyChannel receives the id of every committed change.
	NotifyChannel string
}

// DefaultConfig returns pool defaults for dsn.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		NotifyChannel:   "catalog_changes",
	}
}

// Store is a kv.Store backed by a pgx connection pool.
type Store struct {
	pool    *pgxpool.Pool
	channel string
	clock   clockwork.Clock
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	channel := cfg.NotifyChannel
	if channel == "" {
		channel = "catalog_changes"
	}
	return &Store{pool: pool, channel: channel, clock: clockwork.NewRealClock()}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectItem = `SELECT entity_type, pk, sk, attrs, indexes, version FROM catalog_items`

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key catalog.Key) (catalog.Entity, error) {
	row := s.pool.QueryRow(ctx, selectItem+` WHERE pk = $1 AND sk = $2`, key.PK, key.SK)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Entity{}, catalog.NotFoundErrorf("%s", key)
	}
	if err != nil {
		return catalog.Entity{}, catalog.TransientError("get item", err)
	}
	return e, nil
}

// Query implements kv.Store.
func (s *Store) Query(ctx context.Context, q kv.Query) (kv.Page, error) {
	pos, err := kv.DecodeCursor(q.Cursor)
	if err != nil {
		return kv.Page{}, err
	}
	limit := q.PageSize()

	var rows pgx.Rows
	if q.Index == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT i.sk, i.entity_type, i.pk, i.sk, i.attrs, i.indexes, i.version
			FROM catalog_items i
			WHERE i.pk = $1 AND starts_with(i.sk, $2) AND ($3 = '' OR i.sk > $3)
			ORDER BY i.sk
			LIMIT $4`,
			q.PartitionKey, q.SortPrefix, pos.SortKey, limit+1)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT x.isk, i.entity_type, i.pk, i.sk, i.attrs, i.indexes, i.version
			FROM catalog_index x
			JOIN catalog_items i ON i.pk = x.pk AND i.sk = x.sk
			WHERE x.index_name = $1 AND x.ipk = $2 AND starts_with(x.isk, $3)
			  AND ($4 = '' OR (x.isk, x.pk, x.sk) > ($4, $5, $6))
			ORDER BY x.isk, x.pk, x.sk
			LIMIT $7`,
			string(q.Index), q.PartitionKey, q.SortPrefix, pos.SortKey, pos.Key.PK, pos.Key.SK, limit+1)
	}
	if err != nil {
		return kv.Page{}, catalog.TransientError("query items", err)
	}
	defer rows.Close()

	var (
		page     kv.Page
		sortKeys []string
	)
	for rows.Next() {
		var sortKey string
		e, err := scanEntity(rows, &sortKey)
		if err != nil {
			return kv.Page{}, catalog.TransientError("scan item", err)
		}
		page.Items = append(page.Items, e)
		sortKeys = append(sortKeys, sortKey)
	}
	if err := rows.Err(); err != nil {
		return kv.Page{}, catalog.TransientError("query items", err)
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = kv.EncodeCursor(kv.Position{SortKey: sortKeys[limit-1], Key: last.Key})
	}
	return page, nil
}

// ScanDeleted implements kv.Store.
func (s *Store) ScanDeleted(ctx context.Context, before time.Time, limit int) ([]catalog.Entity, error) {
	if limit <= 0 {
		limit = kv.DefaultPageSize
	}
	rows, err := s.pool.Query(ctx, selectItem+`
		WHERE attrs->>'status' = 'deleted'
		  AND (attrs->>'deletedAt')::timestamptz < $1
		ORDER BY (attrs->>'deletedAt')::timestamptz, pk, sk
		LIMIT $2`, before.UTC(), limit)
	if err != nil {
		return nil, catalog.TransientError("scan deleted", err)
	}
	defer rows.Close()

	var out []catalog.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, catalog.TransientError("scan deleted", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, catalog.TransientError("scan deleted", err)
	}
	return out, nil
}

type current struct {
	exists  bool
	typ     catalog.EntityType
	attrs   catalog.Attributes
	version int64
}

// Transact implements kv.Store. Existing rows touched by the transaction are
// locked before any condition is evaluated.
func (s *Store) Transact(ctx context.Context, ops []kv.WriteOp) ([]kv.ChangeEvent, error) {
	seen := make(map[catalog.Key]struct{}, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.Entity.Key]; dup {
			return nil, catalog.ValidationErrorf("transaction touches %s more than once", op.Entity.Key)
		}
		seen[op.Entity.Key] = struct{}{}
	}

	var events []kv.ChangeEvent
	err := sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		events = events[:0]
		states := make([]current, len(ops))
		failed := &kv.ConditionFailedError{}
		for i, op := range ops {
			st, err := lockItem(ctx, tx, op.Entity.Key)
			if err != nil {
				return err
			}
			states[i] = st
			if !conditionHolds(op, st) {
				failed.Add(i, op.Entity.Key)
			}
		}
		if len(failed.Failed) > 0 {
			return failed
		}

		now := s.clock.Now().UTC()
		for i, op := range ops {
			st := states[i]
			var ev *kv.ChangeEvent
			var err error
			switch op.Kind {
			case kv.OpPut:
				ev, err = putItem(ctx, tx, op, st, i)
			case kv.OpDelete:
				ev, err = deleteItem(ctx, tx, op.Entity.Key, st)
			}
			if err != nil {
				return err
			}
			if ev == nil {
				continue
			}
			ev.ID = uuid.NewString()
			ev.CommittedAt = now
			if err := s.writeChange(ctx, tx, *ev); err != nil {
				return err
			}
			events = append(events, *ev)
		}
		return nil
	})
	if err != nil {
		var cfe *kv.ConditionFailedError
		if errors.As(err, &cfe) || errors.Is(err, catalog.ErrValidation) {
			return nil, err
		}
		return nil, catalog.TransientError("transact", err)
	}

	log.Debug().Int("ops", len(ops)).Int("changes", len(events)).Msg("catalog transaction committed")
	return events, nil
}

func lockItem(ctx context.Context, tx pgx.Tx, key catalog.Key) (current, error) {
	var (
		st    current
		typ   string
		attrs []byte
	)
	err := tx.QueryRow(ctx,
		`SELECT entity_type, attrs, version FROM catalog_items WHERE pk = $1 AND sk = $2 FOR UPDATE`,
		key.PK, key.SK).Scan(&typ, &attrs, &st.version)
	if errors.Is(err, pgx.ErrNoRows) {
		return current{}, nil
	}
	if err != nil {
		return current{}, fmt.Errorf("lock %s: %w", key, err)
	}
	st.exists = true
	st.typ = catalog.EntityType(typ)
	st.attrs, err = sqlutil.FromJSON(attrs)
	if err != nil {
		return current{}, err
	}
	return st, nil
}

func conditionHolds(op kv.WriteOp, st current) bool {
	switch op.Condition {
	case kv.CondNotExists:
		return !st.exists
	case kv.CondExists:
		return st.exists
	case kv.CondVersion:
		return st.exists && st.version == op.ExpectedVersion
	default:
		return true
	}
}

func putItem(ctx context.Context, tx pgx.Tx, op kv.WriteOp, st current, idx int) (*kv.ChangeEvent, error) {
	e := op.Entity
	attrs, err := json.Marshal(e.Attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	indexes, err := sqlutil.ToIndexJSON(e.Indexes)
	if err != nil {
		return nil, err
	}

	version := int64(1)
	if st.exists {
		version = st.version + 1
		_, err = tx.Exec(ctx, `
			UPDATE catalog_items
			SET entity_type = $3, attrs = $4, indexes = $5, version = $6, updated_at = now()
			WHERE pk = $1 AND sk = $2`,
			e.Key.PK, e.Key.SK, string(e.Type), attrs, indexes, version)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", e.Key, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM catalog_index WHERE pk = $1 AND sk = $2`, e.Key.PK, e.Key.SK); err != nil {
			return nil, fmt.Errorf("clear index entries %s: %w", e.Key, err)
		}
	} else {
		// A concurrent insert of the same key is not covered by FOR UPDATE.
		tag, err := tx.Exec(ctx, `
			INSERT INTO catalog_items (pk, sk, entity_type, attrs, indexes, version)
			VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (pk, sk) DO NOTHING`,
			e.Key.PK, e.Key.SK, string(e.Type), attrs, indexes)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", e.Key, err)
		}
		if tag.RowsAffected() == 0 {
			failed := &kv.ConditionFailedError{}
			failed.Add(idx, e.Key)
			return nil, failed
		}
	}

	for _, ie := range e.Indexes {
		_, err := tx.Exec(ctx, `
			INSERT INTO catalog_index (index_name, ipk, isk, pk, sk)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			string(ie.Index), ie.PK, ie.SK, e.Key.PK, e.Key.SK)
		if err != nil {
			return nil, fmt.Errorf("insert index entry %s: %w", e.Key, err)
		}
	}

	ev := &kv.ChangeEvent{
		Op:      kv.ChangePut,
		Type:    e.Type,
		Key:     e.Key,
		Version: version,
		New:     e.Attrs.Clone(),
	}
	if st.exists {
		ev.Old = st.attrs
	}
	return ev, nil
}

func deleteItem(ctx context.Context, tx pgx.Tx, key catalog.Key, st current) (*kv.ChangeEvent, error) {
	if !st.exists {
		return nil, nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM catalog_items WHERE pk = $1 AND sk = $2`, key.PK, key.SK); err != nil {
		return nil, fmt.Errorf("delete %s: %w", key, err)
	}
	return &kv.ChangeEvent{
		Op:      kv.ChangeDelete,
		Type:    st.typ,
		Key:     key,
		Version: st.version + 1,
		Old:     st.attrs,
	}, nil
}

func (s *Store) writeChange(ctx context.Context, tx pgx.Tx, ev kv.ChangeEvent) error {
	oldAttrs, err := sqlutil.ToNullJSON(ev.Old)
	if err != nil {
		return err
	}
	newAttrs, err := sqlutil.ToNullJSON(ev.New)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return fmt.Errorf("invalid change id: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO catalog_changes (id, op, entity_type, pk, sk, version, old_attrs, new_attrs, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, string(ev.Op), string(ev.Type), ev.Key.PK, ev.Key.SK, ev.Version, oldAttrs, newAttrs, ev.CommittedAt)
	if err != nil {
		return fmt.Errorf("insert change %s: %w", ev.ID, err)
	}
	// Delivered on commit only.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, ev.ID); err != nil {
		return fmt.Errorf("notify change %s: %w", ev.ID, err)
	}
	return nil
}

// scanEntity scans the selectItem column list, optionally preceded by extra
// leading columns.
func scanEntity(row pgx.Row, leading ...any) (catalog.Entity, error) {
	var (
		e       catalog.Entity
		typ     string
		attrs   []byte
		indexes []byte
	)
	dest := append(leading, &typ, &e.Key.PK, &e.Key.SK, &attrs, &indexes, &e.Version)
	if err := row.Scan(dest...); err != nil {
		return catalog.Entity{}, err
	}
	e.Type = catalog.EntityType(typ)
	var err error
	if e.Attrs, err = sqlutil.FromJSON(attrs); err != nil {
		return catalog.Entity{}, err
	}
	if e.Indexes, err = sqlutil.FromIndexJSON(indexes); err != nil {
		return catalog.Entity{}, err
	}
	return e, nil
}
