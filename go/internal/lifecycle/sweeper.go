// Package lifecycle moves records through soft deletion, anonymization,
// recovery and the retention sweep that hard-deletes them.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/audit"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/metrics"
	"github.com/mcdev12/hacktracker/go/internal/mirror"
	"github.com/mcdev12/hacktracker/go/internal/txn"
)

const (
	// DefaultRetention is how long soft-deleted records stay recoverable.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultBatchSize bounds the records read per sweep scan.
	DefaultBatchSize = 200

	// StateAnonymized marks a user whose personal data has been scrubbed.
	StateAnonymized = "anonymized"
)

// Promoter hands a deleted league's mirrors to their teams.
type Promoter interface {
	PromoteLeague(ctx context.Context, leagueID string) (mirror.PromotionReport, error)
}

// SweepReport summarizes one retention sweep.
type SweepReport struct {
	Scanned  int
	Deleted  int
	Deferred int
	Failed   int
	Duration time.Duration
}

// Sweeper owns the deletion lifecycle.
type Sweeper struct {
	entities  *entities.App
	store     kv.Store
	audit     *audit.Recorder
	promoter  Promoter
	clock     clockwork.Clock
	metrics   metrics.Collector
	retention time.Duration
	batchSize int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) { s.retention = d }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithMetrics records sweep results on m.
func WithMetrics(m metrics.Collector) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper creates a Sweeper. promoter may be nil when leagues are never
// deleted through it.
func NewSweeper(app *entities.App, recorder *audit.Recorder, promoter Promoter, opts ...Option) *Sweeper {
	s := &Sweeper{
		entities:  app,
		store:     app.Coordinator().Store(),
		audit:     recorder,
		promoter:  promoter,
		clock:     app.Clock(),
		metrics:   metrics.NoOp{},
		retention: DefaultRetention,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the recovery window.
func (s *Sweeper) Retention() time.Duration {
	return s.retention
}

// SoftDelete marks the record deleted in one conditional write together with
// its audit record. A non-zero expectedVersion must match. Users are
// anonymized right after.
func (s *Sweeper) SoftDelete(ctx context.Context, t catalog.EntityType, ids []string, expectedVersion int64, actor string) (catalog.Entity, error) {
	key, err := catalog.BuildKey(t, ids...)
	if err != nil {
		return catalog.Entity{}, err
	}
	current, err := s.entities.Lookup(ctx, t, key, true)
	if err != nil {
		return catalog.Entity{}, err
	}
	if current.IsDeleted() {
		return catalog.Entity{}, catalog.ConflictErrorf("%s at %s is already deleted", t, key)
	}
	if current.IsMirror() {
		return catalog.Entity{}, catalog.ValidationErrorf("%s at %s is a read-only league mirror", t, key)
	}
	if expectedVersion != 0 && expectedVersion != current.Version {
		return catalog.Entity{}, catalog.ConflictErrorf("%s at %s is at version %d, expected %d", t, key, current.Version, expectedVersion)
	}

	now := s.clock.Now()
	op, next, err := s.entities.Prepare(current, func(attrs catalog.Attributes) error {
		attrs[catalog.AttrRestoreStatus] = attrs.String(catalog.AttrStatus)
		attrs[catalog.AttrStatus] = catalog.StatusDeleted
		attrs[catalog.AttrDeletedAt] = catalog.FormatTime(now)
		attrs[catalog.AttrRecoveryToken] = uuid.NewString()
		return nil
	})
	if err != nil {
		return catalog.Entity{}, err
	}
	auditOp, rec, err := s.audit.Prepare(audit.Record{
		Event:      audit.EventSoftDeleted,
		EntityType: t,
		Key:        key,
		Actor:      actor,
	})
	if err != nil {
		return catalog.Entity{}, err
	}
	res, err := s.entities.Coordinator().ExecuteAtomic(ctx, []kv.WriteOp{op, auditOp})
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("failed to soft delete %s: %w", key, err)
	}
	s.audit.Archive(ctx, rec)
	next.Version = res.Events[0].Version

	log.Info().
		Str("type", string(t)).
		Str("key", key.String()).
		Str("actor", actor).
		Msg("record soft deleted")

	if t == catalog.EntityUser {
		if err := s.Anonymize(ctx, current.Attrs.String("userId"), actor); err != nil {
			return next, fmt.Errorf("user deleted but not yet anonymized: %w", err)
		}
		return s.entities.Lookup(ctx, t, key, true)
	}
	return next, nil
}

// Recover restores a soft-deleted record inside the retention window when
// token matches the one issued on deletion. Anonymized users and leagues
// whose mirrors were already promoted cannot be recovered.
func (s *Sweeper) Recover(ctx context.Context, t catalog.EntityType, ids []string, token, actor string) (catalog.Entity, error) {
	key, err := catalog.BuildKey(t, ids...)
	if err != nil {
		return catalog.Entity{}, err
	}
	current, err := s.entities.Lookup(ctx, t, key, true)
	if err != nil {
		return catalog.Entity{}, err
	}
	if !current.IsDeleted() {
		return catalog.Entity{}, catalog.ValidationErrorf("%s at %s is not deleted", t, key)
	}
	if token == "" || current.Attrs.String(catalog.AttrRecoveryToken) != token {
		return catalog.Entity{}, catalog.ValidationErrorf("recovery token does not match")
	}
	if current.Attrs.String(catalog.AttrLifecycleState) == StateAnonymized {
		return catalog.Entity{}, catalog.ValidationErrorf("%s at %s has been anonymized", t, key)
	}
	if t == catalog.EntityLeague && !current.Attrs.IsNull("promotionCompletedAt") {
		return catalog.Entity{}, catalog.ValidationErrorf("league mirrors were already handed to their teams")
	}
	deletedAt, _ := current.Attrs.Time(catalog.AttrDeletedAt)
	if s.clock.Now().After(deletedAt.Add(s.retention)) {
		return catalog.Entity{}, catalog.ValidationErrorf("recovery window for %s closed at %s", key, catalog.FormatTime(deletedAt.Add(s.retention)))
	}

	op, next, err := s.entities.Prepare(current, func(attrs catalog.Attributes) error {
		status := attrs.String(catalog.AttrRestoreStatus)
		if status == "" {
			sch, err := catalog.SchemaFor(t)
			if err != nil {
				return err
			}
			status = sch.DefaultStatus
		}
		attrs[catalog.AttrStatus] = status
		delete(attrs, catalog.AttrDeletedAt)
		delete(attrs, catalog.AttrRecoveryToken)
		delete(attrs, catalog.AttrRestoreStatus)
		return nil
	})
	if err != nil {
		return catalog.Entity{}, err
	}
	auditOp, rec, err := s.audit.Prepare(audit.Record{
		Event:      audit.EventRecovered,
		EntityType: t,
		Key:        key,
		Actor:      actor,
	})
	if err != nil {
		return catalog.Entity{}, err
	}
	res, err := s.entities.Coordinator().ExecuteAtomic(ctx, []kv.WriteOp{op, auditOp})
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("failed to recover %s: %w", key, err)
	}
	s.audit.Archive(ctx, rec)
	next.Version = res.Events[0].Version
	return next, nil
}

// RunRetentionSweep hard-deletes every record soft-deleted more than the
// retention window before now. Records that fail are counted and picked up
// again by the next run.
func (s *Sweeper) RunRetentionSweep(ctx context.Context) (SweepReport, error) {
	start := s.clock.Now()
	cutoff := start.Add(-s.retention)
	var (
		report    SweepReport
		attempted = make(map[catalog.Key]struct{})
	)

	for {
		limit := len(attempted) + s.batchSize
		records, err := s.store.ScanDeleted(ctx, cutoff, limit)
		if err != nil {
			return report, fmt.Errorf("failed to scan deleted records: %w", err)
		}
		fresh := 0
		for _, e := range records {
			if _, seen := attempted[e.Key]; seen {
				continue
			}
			attempted[e.Key] = struct{}{}
			fresh++
			report.Scanned++

			deleted, err := s.hardDelete(ctx, e)
			switch {
			case err != nil:
				report.Failed++
				s.escalate(ctx, e, err)
			case deleted:
				report.Deleted++
			default:
				report.Deferred++
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
		}
		if fresh == 0 || len(records) < limit {
			break
		}
	}

	report.Duration = s.clock.Since(start)
	s.metrics.RecordSweep(report.Deleted, report.Failed, report.Duration)
	log.Info().
		Int("scanned", report.Scanned).
		Int("deleted", report.Deleted).
		Int("deferred", report.Deferred).
		Int("failed", report.Failed).
		Dur("elapsed", report.Duration).
		Msg("retention sweep finished")
	return report, nil
}

// hardDelete removes one expired record and what it owns. It returns false
// without error when the record has to wait, e.g. a league whose mirrors are
// not yet promoted.
func (s *Sweeper) hardDelete(ctx context.Context, e catalog.Entity) (bool, error) {
	var (
		children []catalog.Key
		err      error
	)
	switch e.Type {
	case catalog.EntityUser:
		if e.Attrs.String(catalog.AttrLifecycleState) != StateAnonymized {
			if err := s.Anonymize(ctx, e.Attrs.String("userId"), "retention-sweep"); err != nil {
				return false, err
			}
		}
		children, err = s.userChildren(ctx, e)
	case catalog.EntityTeam:
		children, err = s.teamChildren(ctx, e)
	case catalog.EntityLeague:
		// Promotion runs again even when stamped: a late link delivery can
		// leave a live mirror behind after the stamp was written.
		if s.promoter == nil {
			if e.Attrs.IsNull("promotionCompletedAt") {
				return false, nil
			}
		} else {
			report, perr := s.promoter.PromoteLeague(ctx, e.Attrs.String("leagueId"))
			if perr != nil || !report.Complete {
				log.Warn().Err(perr).Str("key", e.Key.String()).Msg("league hard delete deferred until promotion completes")
				return false, nil
			}
		}
		children, err = s.partitionChildren(ctx, e.Key.PK, "", e.Key)
	}
	if err != nil {
		return false, err
	}

	if err := s.commitChunks(ctx, children); err != nil {
		return false, err
	}

	// Re-read so a concurrent recovery or promotion stamp is not overwritten.
	current, err := s.store.Get(ctx, e.Key)
	if catalog.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !current.IsDeleted() {
		return false, nil
	}
	auditOp, rec, err := s.audit.Prepare(audit.Record{
		Event:      audit.EventHardDeleted,
		EntityType: current.Type,
		Key:        current.Key,
		Actor:      "retention-sweep",
		Snapshot:   current.Attrs,
	})
	if err != nil {
		return false, err
	}
	ops := []kv.WriteOp{kv.DeleteVersion(current.Key, current.Version), auditOp}
	if _, err := s.entities.Coordinator().ExecuteAtomic(ctx, ops); err != nil {
		return false, fmt.Errorf("failed to hard delete %s: %w", current.Key, err)
	}
	s.audit.Archive(ctx, rec)
	log.Info().Str("type", string(current.Type)).Str("key", current.Key.String()).Msg("record hard deleted")
	return true, nil
}

// userChildren lists the memberships and listing kept under the user's partition.
func (s *Sweeper) userChildren(ctx context.Context, e catalog.Entity) ([]catalog.Key, error) {
	var out []catalog.Key
	for _, prefix := range []string{catalog.SortPrefixTeam, catalog.SortPrefixLeague, catalog.SortKeyFreeAgent} {
		keys, err := s.partitionChildren(ctx, e.Key.PK, prefix, e.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
	}
	return out, nil
}

// teamChildren lists the team's ghost players and its invites. Linked players
// stay with the user's stats.
func (s *Sweeper) teamChildren(ctx context.Context, e catalog.Entity) ([]catalog.Key, error) {
	players, err := s.entities.QueryAll(ctx, entities.PatternPartition,
		entities.PatternKey{Partition: e.Key.PK, SortPrefix: catalog.SortPrefixPlayer}, true)
	if err != nil {
		return nil, err
	}
	var out []catalog.Key
	for _, p := range players {
		if p.Attrs.Bool("isGhost") {
			out = append(out, p.Key)
		}
	}
	invites, err := s.partitionChildren(ctx, e.Key.PK, catalog.SortPrefixInvite, e.Key)
	if err != nil {
		return nil, err
	}
	return append(out, invites...), nil
}

func (s *Sweeper) partitionChildren(ctx context.Context, partition, prefix string, self catalog.Key) ([]catalog.Key, error) {
	records, err := s.entities.QueryAll(ctx, entities.PatternPartition,
		entities.PatternKey{Partition: partition, SortPrefix: prefix}, true)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Key, 0, len(records))
	for _, r := range records {
		if r.Key != self {
			out = append(out, r.Key)
		}
	}
	return out, nil
}

// commitChunks deletes keys in transactions no larger than the coordinator
// allows. Deleting an absent key is a no-op, so a partially applied run is
// safe to repeat.
func (s *Sweeper) commitChunks(ctx context.Context, keys []catalog.Key) error {
	ops := make([]kv.WriteOp, len(keys))
	for i, k := range keys {
		ops[i] = kv.Delete(k)
	}
	return s.commitOps(ctx, ops)
}

func (s *Sweeper) commitOps(ctx context.Context, ops []kv.WriteOp) error {
	for len(ops) > 0 {
		n := min(len(ops), txn.MaxOps)
		if _, err := s.entities.Coordinator().ExecuteAtomic(ctx, ops[:n]); err != nil {
			return err
		}
		ops = ops[n:]
	}
	return nil
}

func (s *Sweeper) escalate(ctx context.Context, e catalog.Entity, cause error) {
	log.Error().Err(cause).Str("key", e.Key.String()).Msg("retention sweep failed for record")
	if ctx.Err() != nil {
		return
	}
	if _, err := s.audit.Record(ctx, audit.Record{
		Event:      audit.EventSweepEscalation,
		EntityType: e.Type,
		Key:        e.Key,
		Detail:     cause.Error(),
	}); err != nil {
		log.Error().Err(err).Msg("failed to record sweep escalation")
	}
}
