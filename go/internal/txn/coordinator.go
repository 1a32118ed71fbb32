// Package txn groups catalog writes into bounded all-or-nothing transactions.
// Every put gets its secondary index entries derived here, so the index can
// never drift from the primary record.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/metrics"
)

// MaxOps bounds the writes of one transaction, idempotency record included.
const MaxOps = 25

// Result describes a committed (or replayed) transaction.
type Result struct {
	// Keys are the keys written by the transaction, in op order.
	Keys   []catalog.Key
	Events []kv.ChangeEvent
	// Replayed is set when the idempotency token had already been used; Keys
	// then holds the keys of the original transaction and nothing was written.
	Replayed bool
}

// Option configures one ExecuteAtomic call.
type Option func(*options)

type options struct {
	token string
}

// WithIdempotencyToken makes the transaction safe to retry: the first commit
// records the token, later calls with the same token return the original keys.
func WithIdempotencyToken(token string) Option {
	return func(o *options) { o.token = token }
}

// Coordinator executes catalog transactions against a kv.Store.
type Coordinator struct {
	store   kv.Store
	clock   clockwork.Clock
	metrics metrics.Collector
}

// NewCoordinator creates a Coordinator. A nil collector disables metrics.
func NewCoordinator(store kv.Store, clock clockwork.Clock, m metrics.Collector) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Coordinator{store: store, clock: clock, metrics: m}
}

// Store returns the underlying store for reads.
func (c *Coordinator) Store() kv.Store {
	return c.store
}

type idempotencyRecord struct {
	Token     string        `json:"token"`
	Keys      []catalog.Key `json:"keys"`
	CreatedAt string        `json:"createdAt"`
}

// ExecuteAtomic applies ops as one transaction. Condition failures return an
// error wrapping catalog.ErrConflict (and the *kv.ConditionFailedError naming
// the failing ops); store failures wrap catalog.ErrTransient.
func (c *Coordinator) ExecuteAtomic(ctx context.Context, ops []kv.WriteOp, opts ...Option) (Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	limit := MaxOps
	if o.token != "" {
		limit--
	}
	if len(ops) == 0 {
		return Result{}, catalog.ValidationErrorf("transaction has no writes")
	}
	if len(ops) > limit {
		c.metrics.RecordTransaction(metrics.OutcomeRejected, len(ops), 0)
		return Result{}, catalog.ValidationErrorf("transaction has %d writes, limit is %d", len(ops), limit)
	}

	if o.token != "" {
		if res, ok, err := c.replay(ctx, o.token); err != nil || ok {
			return res, err
		}
	}

	prepared := make([]kv.WriteOp, 0, len(ops)+1)
	keys := make([]catalog.Key, 0, len(ops))
	for _, op := range ops {
		if op.Entity.Key.IsZero() {
			return Result{}, catalog.ValidationErrorf("write without a key")
		}
		if op.Kind == kv.OpPut {
			op.Entity.Indexes = catalog.DeriveIndexEntries(op.Entity.Type, op.Entity.Attrs)
		}
		prepared = append(prepared, op)
		if op.Kind != kv.OpCheck {
			keys = append(keys, op.Entity.Key)
		}
	}

	idempotencyIdx := -1
	if o.token != "" {
		rec, err := catalog.AttributesFrom(idempotencyRecord{
			Token:     o.token,
			Keys:      keys,
			CreatedAt: catalog.FormatTime(c.clock.Now()),
		})
		if err != nil {
			return Result{}, err
		}
		idempotencyIdx = len(prepared)
		prepared = append(prepared, kv.Create(catalog.Entity{
			Type:  catalog.EntityIdempotency,
			Key:   catalog.IdempotencyKey(o.token),
			Attrs: rec,
		}))
	}

	start := c.clock.Now()
	events, err := c.store.Transact(ctx, prepared)
	elapsed := c.clock.Since(start)
	if err != nil {
		var cfe *kv.ConditionFailedError
		switch {
		case errors.As(err, &cfe):
			if idempotencyIdx >= 0 && len(cfe.Failed) == 1 && cfe.Failed[0] == idempotencyIdx {
				// Lost a race with a concurrent call carrying the same token.
				if res, ok, rerr := c.replay(ctx, o.token); rerr == nil && ok {
					return res, nil
				}
			}
			c.metrics.RecordTransaction(metrics.OutcomeConflict, len(prepared), elapsed)
			return Result{}, fmt.Errorf("atomic write: %w", err)
		case errors.Is(err, catalog.ErrValidation):
			c.metrics.RecordTransaction(metrics.OutcomeRejected, len(prepared), elapsed)
			return Result{}, err
		case errors.Is(err, catalog.ErrTransient):
			c.metrics.RecordTransaction(metrics.OutcomeTransient, len(prepared), elapsed)
			return Result{}, err
		default:
			c.metrics.RecordTransaction(metrics.OutcomeTransient, len(prepared), elapsed)
			return Result{}, catalog.TransientError("atomic write", err)
		}
	}

	c.metrics.RecordTransaction(metrics.OutcomeCommitted, len(prepared), elapsed)
	log.Debug().
		Int("ops", len(prepared)).
		Dur("elapsed", elapsed).
		Msg("catalog transaction committed")
	return Result{Keys: keys, Events: events}, nil
}

func (c *Coordinator) replay(ctx context.Context, token string) (Result, bool, error) {
	existing, err := c.store.Get(ctx, catalog.IdempotencyKey(token))
	if catalog.IsNotFound(err) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	var rec idempotencyRecord
	if err := existing.Attrs.Decode(&rec); err != nil {
		return Result{}, false, err
	}
	c.metrics.RecordTransaction(metrics.OutcomeReplayed, 0, time.Duration(0))
	log.Debug().Str("token", token).Msg("idempotent replay")
	return Result{Keys: rec.Keys, Replayed: true}, true, nil
}
