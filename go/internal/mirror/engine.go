// Package mirror copies league-owned seasons and games into every linked
// team and promotes those copies to team ownership when the league is
// deleted.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/audit"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/metrics"
)

// OriginPreserved marks a mirror that was promoted to team ownership.
const OriginPreserved = "preservedFromLeague"

// Config tunes the per-unit retry budget.
type Config struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns the production retry budget.
func DefaultConfig() Config {
	return Config{
		MaxTries:        5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// PromotionReport summarizes one PromoteLeague run.
type PromotionReport struct {
	Promoted int
	Failed   int
	Complete bool
}

// Engine reacts to committed catalog changes.
type Engine struct {
	entities *entities.App
	audit    *audit.Recorder
	clock    clockwork.Clock
	metrics  metrics.Collector
	cfg      Config
}

// NewEngine creates a mirroring engine. recorder and m may be nil.
func NewEngine(app *entities.App, recorder *audit.Recorder, m metrics.Collector, cfg Config) *Engine {
	if m == nil {
		m = metrics.NoOp{}
	}
	if cfg.MaxTries == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		entities: app,
		audit:    recorder,
		clock:    app.Clock(),
		metrics:  m,
		cfg:      cfg,
	}
}

// OnSourceChanged handles one change event. Units that keep failing after
// the retry budget are escalated to the audit log and not returned; the only
// error returned is a cancelled context, so the event is redelivered.
func (e *Engine) OnSourceChanged(ctx context.Context, ev kv.ChangeEvent) error {
	switch ev.Type {
	case catalog.EntitySeason, catalog.EntityGame:
		if ev.Op != kv.ChangePut || !isLeagueSource(ev.New) {
			return nil
		}
		leagueID := ev.New.String(catalog.AttrOwnerID)
		e.propagate(ctx, ev.Type, ev.Key, leagueID)
		e.promoteIfDeleted(ctx, leagueID)
	case catalog.EntityLeagueTeam:
		// Withdrawals leave existing mirrors as a historical snapshot.
		if !ev.IsCreate() {
			return nil
		}
		leagueID := ev.New.String("leagueId")
		e.backfill(ctx, leagueID, ev.New.String("teamId"))
		e.promoteIfDeleted(ctx, leagueID)
	case catalog.EntityLeague:
		if ev.Op != kv.ChangePut || ev.New.String(catalog.AttrStatus) != catalog.StatusDeleted {
			return nil
		}
		if ev.Old != nil && ev.Old.String(catalog.AttrStatus) == catalog.StatusDeleted {
			return nil
		}
		if _, err := e.PromoteLeague(ctx, ev.New.String("leagueId")); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("league_id", ev.New.String("leagueId")).Msg("league promotion incomplete")
		}
	}
	return ctx.Err()
}

// promoteIfDeleted promotes mirrors written after their league was deleted,
// which happens when a link or source change is delivered after the league's
// deletion. Promotion of a league already stamped only picks up those.
func (e *Engine) promoteIfDeleted(ctx context.Context, leagueID string) {
	key, err := catalog.BuildKey(catalog.EntityLeague, leagueID)
	if err != nil {
		return
	}
	league, err := e.entities.Lookup(ctx, catalog.EntityLeague, key, true)
	if catalog.IsNotFound(err) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("league_id", leagueID).Msg("failed to read league")
		return
	}
	if !league.IsDeleted() {
		return
	}
	if _, err := e.PromoteLeague(ctx, leagueID); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("league_id", leagueID).Msg("late league promotion incomplete")
	}
}

func isLeagueSource(attrs catalog.Attributes) bool {
	return attrs.String(catalog.AttrOwnerType) == catalog.OwnerLeague && !attrs.Bool(catalog.AttrInheritedFromLeague)
}

// propagate mirrors one league record to every team linked to the league.
func (e *Engine) propagate(ctx context.Context, t catalog.EntityType, source catalog.Key, leagueID string) {
	links, err := e.links(ctx, leagueID)
	if err != nil {
		e.escalate(ctx, t, source, fmt.Errorf("list league links: %w", err))
		return
	}
	for _, link := range links {
		teamID := link.Attrs.String("teamId")
		if err := e.retry(ctx, func() error { return e.upsert(ctx, t, source, teamID) }); err != nil {
			e.escalate(ctx, t, source, fmt.Errorf("mirror to team %s: %w", teamID, err))
		}
	}
}

// backfill mirrors every existing season and game of the league into a
// newly linked team.
func (e *Engine) backfill(ctx context.Context, leagueID, teamID string) {
	partition, err := catalog.PartitionFor(catalog.ScopeLeague, leagueID)
	if err != nil {
		log.Error().Err(err).Msg("invalid league link")
		return
	}
	for _, t := range []catalog.EntityType{catalog.EntitySeason, catalog.EntityGame} {
		prefix := catalog.SortPrefixSeason
		if t == catalog.EntityGame {
			prefix = catalog.SortPrefixGame
		}
		var sources []catalog.Entity
		err := e.retry(ctx, func() error {
			var qerr error
			sources, qerr = e.entities.QueryAll(ctx, entities.PatternPartition,
				entities.PatternKey{Partition: partition, SortPrefix: prefix}, true)
			return qerr
		})
		if err != nil {
			e.escalate(ctx, t, catalog.Key{PK: partition}, fmt.Errorf("backfill team %s: %w", teamID, err))
			continue
		}
		for _, src := range sources {
			err := e.retry(ctx, func() error { return e.upsert(ctx, t, src.Key, teamID) })
			if err != nil {
				e.escalate(ctx, t, src.Key, fmt.Errorf("backfill team %s: %w", teamID, err))
				continue
			}
			e.metrics.RecordMirror(metrics.MirrorBackfill, true)
		}
	}
}

// upsert writes or refreshes the team's mirror of the record at source. The
// source is re-read so out-of-order and repeated events converge on the
// latest version.
func (e *Engine) upsert(ctx context.Context, t catalog.EntityType, source catalog.Key, teamID string) error {
	src, err := e.entities.Lookup(ctx, t, source, true)
	if catalog.IsNotFound(err) {
		e.metrics.RecordMirror(metrics.MirrorSkip, true)
		return nil
	}
	if err != nil {
		return err
	}
	if !isLeagueSource(src.Attrs) {
		return nil
	}
	if src.IsDeleted() {
		// The mirror keeps its last live snapshot.
		e.metrics.RecordMirror(metrics.MirrorSkip, true)
		return nil
	}
	leagueID := src.Attrs.String(catalog.AttrOwnerID)

	s, err := catalog.SchemaFor(t)
	if err != nil {
		return err
	}
	key, err := catalog.BuildKey(t, catalog.OwnerTeam, teamID, src.Attrs.String(s.IDField))
	if err != nil {
		return err
	}

	current, err := e.entities.Lookup(ctx, t, key, true)
	switch {
	case catalog.IsNotFound(err):
		current = catalog.Entity{}
	case err != nil:
		return err
	case !current.IsMirror() || current.Attrs.String(catalog.AttrSourceLeagueID) != leagueID:
		// Promoted mirrors and team records of the same id are left alone.
		e.metrics.RecordMirror(metrics.MirrorSkip, true)
		return nil
	default:
		if v, _ := current.Attrs.Int(catalog.AttrSourceVersion); v >= src.Version {
			e.metrics.RecordMirror(metrics.MirrorSkip, true)
			return nil
		}
	}

	attrs := src.Attrs.Clone()
	for _, name := range []string{catalog.AttrRecoveryToken, catalog.AttrDeletedAt, catalog.AttrRestoreStatus, catalog.AttrLifecycleState} {
		delete(attrs, name)
	}
	attrs[catalog.AttrIsEditable] = false
	attrs[catalog.AttrInheritedFromLeague] = true
	attrs[catalog.AttrSourceLeagueID] = leagueID
	attrs[catalog.AttrSourceVersion] = src.Version
	attrs["teamId"] = teamID
	attrs["mirroredAt"] = catalog.FormatTime(e.clock.Now())
	if err := s.Normalize(attrs, e.clock.Now()); err != nil {
		return backoff.Permanent(err)
	}
	mirror := catalog.Entity{Type: t, Key: key, Attrs: attrs}

	op := kv.Create(mirror)
	if current.Version > 0 {
		op = kv.Replace(mirror, current.Version)
	}
	if _, err := e.entities.Coordinator().ExecuteAtomic(ctx, []kv.WriteOp{op}); err != nil {
		e.metrics.RecordMirror(metrics.MirrorUpsert, false)
		return err
	}
	e.metrics.RecordMirror(metrics.MirrorUpsert, true)
	log.Debug().
		Str("source", source.String()).
		Str("mirror", key.String()).
		Int64("source_version", src.Version).
		Msg("mirror upserted")
	return nil
}

// PromoteLeague hands every live mirror of the league to the team holding it.
// Each mirror is flipped at most once; repeated runs only pick up what is
// left. When nothing is left the league is stamped promotionCompletedAt.
func (e *Engine) PromoteLeague(ctx context.Context, leagueID string) (PromotionReport, error) {
	var report PromotionReport
	for _, t := range []catalog.EntityType{catalog.EntitySeason, catalog.EntityGame} {
		mirrors, err := e.liveMirrors(ctx, t, leagueID)
		if err != nil {
			return report, err
		}
		for _, m := range mirrors {
			promoted := false
			err := e.retry(ctx, func() error {
				var perr error
				promoted, perr = e.promote(ctx, t, m.Key, leagueID)
				return perr
			})
			if err != nil {
				report.Failed++
				e.escalate(ctx, t, m.Key, fmt.Errorf("promote mirror: %w", err))
				continue
			}
			if promoted {
				report.Promoted++
			}
		}
	}
	if report.Failed > 0 {
		return report, fmt.Errorf("promotion of league %s: %d mirrors failed", leagueID, report.Failed)
	}
	if err := e.complete(ctx, leagueID, report); err != nil {
		return report, err
	}
	report.Complete = true
	return report, nil
}

// PendingPromotions counts the live mirrors of the league.
func (e *Engine) PendingPromotions(ctx context.Context, leagueID string) (int, error) {
	n := 0
	for _, t := range []catalog.EntityType{catalog.EntitySeason, catalog.EntityGame} {
		mirrors, err := e.liveMirrors(ctx, t, leagueID)
		if err != nil {
			return 0, err
		}
		n += len(mirrors)
	}
	return n, nil
}

func (e *Engine) liveMirrors(ctx context.Context, t catalog.EntityType, leagueID string) ([]catalog.Entity, error) {
	mirrors, err := e.entities.QueryAll(ctx, string(catalog.IndexByType), entities.PatternKey{
		Partition:  catalog.TypePartition(t),
		SortPrefix: catalog.MirrorSortPrefix(leagueID),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrors of league %s: %w", leagueID, err)
	}
	return mirrors, nil
}

func (e *Engine) promote(ctx context.Context, t catalog.EntityType, key catalog.Key, leagueID string) (bool, error) {
	current, err := e.entities.Lookup(ctx, t, key, true)
	if catalog.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !current.IsMirror() || current.Attrs.String(catalog.AttrSourceLeagueID) != leagueID {
		return false, nil
	}
	now := e.clock.Now()
	op, _, err := e.entities.Prepare(current, func(attrs catalog.Attributes) error {
		attrs[catalog.AttrOwnerType] = catalog.OwnerTeam
		attrs[catalog.AttrOwnerID] = attrs.String("teamId")
		attrs[catalog.AttrIsEditable] = true
		attrs[catalog.AttrInheritedFromLeague] = false
		attrs[catalog.AttrOrigin] = OriginPreserved
		attrs["promotedAt"] = catalog.FormatTime(now)
		return nil
	})
	if err != nil {
		return false, backoff.Permanent(err)
	}
	if _, err := e.entities.Coordinator().ExecuteAtomic(ctx, []kv.WriteOp{op}); err != nil {
		e.metrics.RecordMirror(metrics.MirrorPromote, false)
		return false, err
	}
	e.metrics.RecordMirror(metrics.MirrorPromote, true)
	return true, nil
}

// complete stamps the league and writes the promotion audit record in one
// transaction. A league already stamped is left as is.
func (e *Engine) complete(ctx context.Context, leagueID string, report PromotionReport) error {
	return e.retry(ctx, func() error {
		key, err := catalog.BuildKey(catalog.EntityLeague, leagueID)
		if err != nil {
			return backoff.Permanent(err)
		}
		league, err := e.entities.Lookup(ctx, catalog.EntityLeague, key, true)
		if catalog.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !league.Attrs.IsNull("promotionCompletedAt") {
			return nil
		}
		op, _, err := e.entities.Prepare(league, func(attrs catalog.Attributes) error {
			attrs["promotionCompletedAt"] = catalog.FormatTime(e.clock.Now())
			return nil
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		ops := []kv.WriteOp{op}
		var rec audit.Record
		if e.audit != nil {
			var auditOp kv.WriteOp
			auditOp, rec, err = e.audit.Prepare(audit.Record{
				Event:      audit.EventPromotionCompleted,
				EntityType: catalog.EntityLeague,
				Key:        key,
				Detail:     fmt.Sprintf("%d mirrors promoted", report.Promoted),
			})
			if err != nil {
				return backoff.Permanent(err)
			}
			ops = append(ops, auditOp)
		}
		if _, err := e.entities.Coordinator().ExecuteAtomic(ctx, ops); err != nil {
			return err
		}
		if e.audit != nil {
			e.audit.Archive(ctx, rec)
		}
		log.Info().Str("league_id", leagueID).Int("promoted", report.Promoted).Msg("league promotion completed")
		return nil
	})
}

func (e *Engine) links(ctx context.Context, leagueID string) ([]catalog.Entity, error) {
	partition, err := catalog.PartitionFor(catalog.ScopeLeague, leagueID)
	if err != nil {
		return nil, err
	}
	var links []catalog.Entity
	err = e.retry(ctx, func() error {
		var qerr error
		links, qerr = e.entities.QueryAll(ctx, entities.PatternPartition,
			entities.PatternKey{Partition: partition, SortPrefix: catalog.SortPrefixTeam}, false)
		return qerr
	})
	return links, err
}

// retry runs op under the engine's backoff budget. Conflicts and transient
// store errors are retried; anything else stops immediately.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !catalog.IsRetryable(err) && !catalog.IsConflict(err) {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) {
				err = backoff.Permanent(err)
			}
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Dur("retry_in", wait).Msg("mirror unit failed, retrying")
		}),
	)
	return err
}

// escalate records a unit that exhausted its retry budget.
func (e *Engine) escalate(ctx context.Context, t catalog.EntityType, key catalog.Key, cause error) {
	e.metrics.RecordMirror(metrics.MirrorEscalated, false)
	log.Error().Err(cause).Str("key", key.String()).Msg("mirror unit escalated")
	if e.audit == nil || ctx.Err() != nil {
		return
	}
	if _, err := e.audit.Record(ctx, audit.Record{
		Event:      audit.EventMirrorEscalation,
		EntityType: t,
		Key:        key,
		Detail:     cause.Error(),
	}); err != nil {
		log.Error().Err(err).Msg("failed to record mirror escalation")
	}
}
