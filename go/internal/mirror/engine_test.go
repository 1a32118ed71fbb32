package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matryer/is"

	"github.com/mcdev12/hacktracker/go/internal/audit"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/kv/memory"
	"github.com/mcdev12/hacktracker/go/internal/txn"
)

type fixture struct {
	store    *memory.Store
	app      *entities.App
	engine   *Engine
	recorder *audit.Recorder
	clock    *clockwork.FakeClock
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 4, 1, 18, 0, 0, 0, time.UTC))
	store := memory.NewStore(memory.WithClock(clock))
	coord := txn.NewCoordinator(store, clock, nil)
	app := entities.NewApp(coord, clock)
	rec := audit.NewRecorder(coord, nil, clock)
	engine := NewEngine(app, rec, nil, Config{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	return &fixture{store: store, app: app, engine: engine, recorder: rec, clock: clock}
}

// pump delivers every pending change to the engine, including the changes
// the engine itself writes, and returns how many events were delivered.
func (f *fixture) pump(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		events := f.store.DrainChanges()
		if len(events) == 0 {
			return n
		}
		for _, ev := range events {
			if err := f.engine.OnSourceChanged(context.Background(), ev); err != nil {
				t.Fatal(err)
			}
			n++
		}
	}
}

func (f *fixture) create(t *testing.T, typ catalog.EntityType, attrs catalog.Attributes) catalog.Entity {
	t.Helper()
	e, err := f.app.CreateEntity(context.Background(), typ, attrs, "")
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (f *fixture) league(t *testing.T, leagueID string, teams ...string) {
	t.Helper()
	f.create(t, catalog.EntityLeague, catalog.Attributes{"leagueId": leagueID, "name": "Metro", "adminUserId": "admin"})
	for _, teamID := range teams {
		f.create(t, catalog.EntityLeagueTeam, catalog.Attributes{"leagueId": leagueID, "teamId": teamID})
	}
}

func mirrorKey(t *testing.T, typ catalog.EntityType, teamID, id string) catalog.Key {
	t.Helper()
	key, err := catalog.BuildKey(typ, catalog.OwnerTeam, teamID, id)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestSeasonMirroredToLinkedTeams(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.league(t, "L", "T1", "T2")
	f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	f.pump(t)

	for _, team := range []string{"T1", "T2"} {
		m, err := f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, team, "S1"))
		is.NoErr(err)
		is.Equal(m.Attrs.String(catalog.AttrOwnerType), catalog.OwnerLeague)
		is.Equal(m.Attrs.Bool(catalog.AttrIsEditable), false)
		is.True(m.IsMirror())
		is.Equal(m.Attrs.String(catalog.AttrSourceLeagueID), "L")
		is.Equal(m.Attrs.String("name"), "Spring")
		v, _ := m.Attrs.Int(catalog.AttrSourceVersion)
		is.Equal(v, int64(1))
	}

	// Callers cannot edit a mirror.
	_, err := f.app.UpdateEntity(ctx, catalog.EntitySeason, []string{catalog.OwnerTeam, "T1", "S1"}, catalog.Attributes{"name": "Mine"}, 0)
	is.True(errors.Is(err, catalog.ErrValidation))
}

func TestSourceUpdateRefreshesMirror(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.league(t, "L", "T1")
	f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	f.pump(t)

	_, err := f.app.UpdateEntity(ctx, catalog.EntitySeason, []string{catalog.OwnerLeague, "L", "S1"}, catalog.Attributes{"name": "Spring 2024"}, 0)
	is.NoErr(err)
	events := f.store.DrainChanges()
	is.Equal(len(events), 1)

	is.NoErr(f.engine.OnSourceChanged(ctx, events[0]))
	m, err := f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T1", "S1"))
	is.NoErr(err)
	is.Equal(m.Attrs.String("name"), "Spring 2024")
	before := m.Version

	// Redelivery of the same event is a no-op.
	is.NoErr(f.engine.OnSourceChanged(ctx, events[0]))
	m, err = f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T1", "S1"))
	is.NoErr(err)
	is.Equal(m.Version, before)
}

func TestNewLinkBackfillsExistingRecords(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.league(t, "L")
	f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	f.create(t, catalog.EntityGame, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "gameId": "G1", "seasonId": "S1",
	})
	f.pump(t)
	is.Equal(len(f.store.Keys()), 3) // nothing linked yet

	f.create(t, catalog.EntityLeagueTeam, catalog.Attributes{"leagueId": "L", "teamId": "T9"})
	f.pump(t)

	_, err := f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T9", "S1"))
	is.NoErr(err)
	g, err := f.store.Get(ctx, mirrorKey(t, catalog.EntityGame, "T9", "G1"))
	is.NoErr(err)
	is.True(g.IsMirror())
}

func TestWithdrawLeavesSnapshot(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.league(t, "L", "T1")
	f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	f.pump(t)

	link, err := catalog.BuildKey(catalog.EntityLeagueTeam, "L", "T1")
	is.NoErr(err)
	_, err = f.store.Transact(ctx, []kv.WriteOp{kv.Delete(link)})
	is.NoErr(err)
	f.pump(t)

	_, err = f.app.UpdateEntity(ctx, catalog.EntitySeason, []string{catalog.OwnerLeague, "L", "S1"}, catalog.Attributes{"name": "Renamed"}, 0)
	is.NoErr(err)
	f.pump(t)

	m, err := f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T1", "S1"))
	is.NoErr(err)
	is.Equal(m.Attrs.String("name"), "Spring") // unlinked teams keep the old copy
}

func TestLeagueDeletionPromotesOnce(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.league(t, "L", "T1")
	f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	f.pump(t)

	leagueKey, err := catalog.BuildKey(catalog.EntityLeague, "L")
	is.NoErr(err)
	_, err = f.app.Mutate(ctx, catalog.EntityLeague, leagueKey, func(attrs catalog.Attributes) error {
		attrs[catalog.AttrStatus] = catalog.StatusDeleted
		attrs[catalog.AttrDeletedAt] = catalog.FormatTime(f.clock.Now())
		return nil
	})
	is.NoErr(err)
	f.pump(t)

	m, err := f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T1", "S1"))
	is.NoErr(err)
	is.Equal(m.Attrs.String(catalog.AttrOwnerType), catalog.OwnerTeam)
	is.Equal(m.Attrs.String(catalog.AttrOwnerID), "T1")
	is.Equal(m.Attrs.Bool(catalog.AttrIsEditable), true)
	is.Equal(m.Attrs.Bool(catalog.AttrInheritedFromLeague), false)
	is.Equal(m.Attrs.String(catalog.AttrOrigin), OriginPreserved)
	promotedVersion := m.Version

	league, err := f.store.Get(ctx, leagueKey)
	is.NoErr(err)
	is.True(!league.Attrs.IsNull("promotionCompletedAt"))

	// A second run finds nothing left to promote.
	report, err := f.engine.PromoteLeague(ctx, "L")
	is.NoErr(err)
	is.Equal(report.Promoted, 0)
	is.True(report.Complete)
	m, err = f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T1", "S1"))
	is.NoErr(err)
	is.Equal(m.Version, promotedVersion)

	pending, err := f.engine.PendingPromotions(ctx, "L")
	is.NoErr(err)
	is.Equal(pending, 0)

	// The promoted copy is now the team's own record.
	_, err = f.app.UpdateEntity(ctx, catalog.EntitySeason, []string{catalog.OwnerTeam, "T1", "S1"}, catalog.Attributes{"name": "Ours"}, 0)
	is.NoErr(err)

	records, err := f.recorder.List(ctx, f.clock.Now())
	is.NoErr(err)
	is.Equal(len(records), 1)
	is.Equal(records[0].Event, audit.EventPromotionCompleted)
}

func TestPersistentFailureEscalates(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.league(t, "L", "T1")
	f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	f.store.DrainChanges()

	season, err := catalog.BuildKey(catalog.EntitySeason, catalog.OwnerLeague, "L", "S1")
	is.NoErr(err)
	boom := errors.New("disk on fire")
	f.store.InjectFault(memory.FailAt(0, boom))
	f.store.InjectFault(memory.FailAt(0, boom))

	is.NoErr(f.engine.OnSourceChanged(ctx, kv.ChangeEvent{
		Op:   kv.ChangePut,
		Type: catalog.EntitySeason,
		Key:  season,
		New:  catalog.Attributes{catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L"},
	}))

	_, err = f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T1", "S1"))
	is.True(catalog.IsNotFound(err))
	records, err := f.recorder.List(ctx, f.clock.Now())
	is.NoErr(err)
	is.Equal(len(records), 1)
	is.Equal(records[0].Event, audit.EventMirrorEscalation)
}

func TestLinkDeliveredAfterLeagueDeletionIsPromoted(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.league(t, "L", "T1")
	f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	f.pump(t)

	// The link for T2 is committed before the deletion but delivered after it.
	f.create(t, catalog.EntityLeagueTeam, catalog.Attributes{"leagueId": "L", "teamId": "T2"})
	held := f.store.DrainChanges()
	is.Equal(len(held), 1)

	leagueKey, err := catalog.BuildKey(catalog.EntityLeague, "L")
	is.NoErr(err)
	_, err = f.app.Mutate(ctx, catalog.EntityLeague, leagueKey, func(attrs catalog.Attributes) error {
		attrs[catalog.AttrStatus] = catalog.StatusDeleted
		attrs[catalog.AttrDeletedAt] = catalog.FormatTime(f.clock.Now())
		return nil
	})
	is.NoErr(err)
	f.pump(t)

	league, err := f.store.Get(ctx, leagueKey)
	is.NoErr(err)
	is.True(!league.Attrs.IsNull("promotionCompletedAt"))

	for _, ev := range held {
		is.NoErr(f.engine.OnSourceChanged(ctx, ev))
	}
	f.pump(t)

	m, err := f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T2", "S1"))
	is.NoErr(err)
	is.Equal(m.Attrs.String(catalog.AttrOwnerType), catalog.OwnerTeam)
	is.Equal(m.Attrs.String(catalog.AttrOwnerID), "T2")
	is.Equal(m.Attrs.Bool(catalog.AttrIsEditable), true)
	is.Equal(m.Attrs.String(catalog.AttrOrigin), OriginPreserved)

	pending, err := f.engine.PendingPromotions(ctx, "L")
	is.NoErr(err)
	is.Equal(pending, 0)
}

func TestDeletedSourceKeepsMirrorLive(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.league(t, "L", "T1")
	season := f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	f.pump(t)

	_, err := f.app.Mutate(ctx, catalog.EntitySeason, season.Key, func(attrs catalog.Attributes) error {
		attrs[catalog.AttrRestoreStatus] = attrs.String(catalog.AttrStatus)
		attrs[catalog.AttrStatus] = catalog.StatusDeleted
		attrs[catalog.AttrDeletedAt] = catalog.FormatTime(f.clock.Now())
		attrs[catalog.AttrRecoveryToken] = "token"
		return nil
	})
	is.NoErr(err)
	f.pump(t)

	m, err := f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T1", "S1"))
	is.NoErr(err)
	is.True(!m.IsDeleted())
	is.True(m.Attrs.IsNull(catalog.AttrDeletedAt))
	is.True(m.Attrs.IsNull(catalog.AttrRestoreStatus))
	is.True(m.Attrs.IsNull(catalog.AttrRecoveryToken))
	v, _ := m.Attrs.Int(catalog.AttrSourceVersion)
	is.Equal(v, int64(1))

	// A team linked later gets no copy of the deleted record.
	f.create(t, catalog.EntityLeagueTeam, catalog.Attributes{"leagueId": "L", "teamId": "T2"})
	f.pump(t)
	_, err = f.store.Get(ctx, mirrorKey(t, catalog.EntitySeason, "T2", "S1"))
	is.True(catalog.IsNotFound(err))
}
