package lifecycle

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
	"github.com/mcdev12/hacktracker/go/internal/kv/memory"
	"github.com/mcdev12/hacktracker/go/internal/mirror"
	"github.com/mcdev12/hacktracker/go/internal/txn"
)

type fixture struct {
	store    *memory.Store
	app      *entities.App
	recorder *audit.Recorder
	engine   *mirror.Engine
	sweeper  *Sweeper
	clock    *clockwork.FakeClock
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	store := memory.NewStore(memory.WithClock(clock))
	coord := txn.NewCoordinator(store, clock, nil)
	app := entities.NewApp(coord, clock)
	rec := audit.NewRecorder(coord, nil, clock)
	engine := mirror.NewEngine(app, rec, nil, mirror.Config{MaxTries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	return &fixture{
		store:    store,
		app:      app,
		recorder: rec,
		engine:   engine,
		sweeper:  NewSweeper(app, rec, engine),
		clock:    clock,
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

func (f *fixture) events(t *testing.T, day time.Time, event string) []audit.Record {
	t.Helper()
	recs, err := f.recorder.List(context.Background(), day)
	if err != nil {
		t.Fatal(err)
	}
	var out []audit.Record
	for _, r := range recs {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

func TestTeamRetentionBoundary(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()

	team := f.create(t, catalog.EntityTeam, catalog.Attributes{"teamId": "T", "name": "Sharks", "ownerId": "u1"})
	ghost := f.create(t, catalog.EntityPlayer, catalog.Attributes{"teamId": "T", "playerId": "p-ghost", "firstName": "Sam"})
	linked := f.create(t, catalog.EntityPlayer, catalog.Attributes{"teamId": "T", "playerId": "p-linked", "firstName": "Lee", "userId": "u2"})
	invite := f.create(t, catalog.EntityInvite, catalog.Attributes{
		"scopeType": "team", "scopeId": "T", "inviteId": "i1", "email": "x@y.z", "role": "team-player",
		"expiresAt": catalog.FormatTime(f.clock.Now().Add(7 * 24 * time.Hour)),
	})

	deleted, err := f.sweeper.SoftDelete(ctx, catalog.EntityTeam, []string{"T"}, team.Version, "u1")
	is.NoErr(err)
	is.Equal(deleted.Attrs.String(catalog.AttrStatus), catalog.StatusDeleted)
	is.True(deleted.Attrs.String(catalog.AttrRecoveryToken) != "")
	deletedOn := f.clock.Now()

	_, err = f.app.GetEntity(ctx, catalog.EntityTeam, "T")
	is.True(catalog.IsNotFound(err)) // hidden once deleted

	f.clock.Advance(DefaultRetention - time.Second)
	report, err := f.sweeper.RunRetentionSweep(ctx)
	is.NoErr(err)
	is.Equal(report.Deleted, 0)
	_, err = f.store.Get(ctx, team.Key)
	is.NoErr(err)

	f.clock.Advance(time.Second)
	report, err = f.sweeper.RunRetentionSweep(ctx)
	is.NoErr(err)
	is.Equal(report.Deleted, 0) // exactly at the boundary is still inside the window

	f.clock.Advance(time.Second)
	report, err = f.sweeper.RunRetentionSweep(ctx)
	is.NoErr(err)
	is.Equal(report.Deleted, 1)
	is.Equal(report.Failed, 0)

	for _, k := range []catalog.Key{team.Key, ghost.Key, invite.Key} {
		_, err := f.store.Get(ctx, k)
		is.True(catalog.IsNotFound(err))
	}
	_, err = f.store.Get(ctx, linked.Key)
	is.NoErr(err) // linked players keep the user's stats

	hard := f.events(t, f.clock.Now(), audit.EventHardDeleted)
	is.Equal(len(hard), 1)
	is.Equal(hard[0].Key, team.Key)
	is.Equal(hard[0].Snapshot["name"], "Sharks")
	is.Equal(len(f.events(t, deletedOn, audit.EventSoftDeleted)), 1)

	// A second run has nothing to do.
	report, err = f.sweeper.RunRetentionSweep(ctx)
	is.NoErr(err)
	is.Equal(report.Scanned, 0)
}

func TestSoftDeleteConflicts(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	team := f.create(t, catalog.EntityTeam, catalog.Attributes{"teamId": "T", "name": "Sharks", "ownerId": "u1"})

	_, err := f.sweeper.SoftDelete(ctx, catalog.EntityTeam, []string{"T"}, team.Version+1, "u1")
	is.True(errors.Is(err, catalog.ErrConflict))

	_, err = f.sweeper.SoftDelete(ctx, catalog.EntityTeam, []string{"T"}, 0, "u1")
	is.NoErr(err)
	_, err = f.sweeper.SoftDelete(ctx, catalog.EntityTeam, []string{"T"}, 0, "u1")
	is.True(errors.Is(err, catalog.ErrConflict)) // already deleted
}

func TestRecover(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.create(t, catalog.EntityGame, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerTeam, catalog.AttrOwnerID: "T", "gameId": "G", "seasonId": "S",
		catalog.AttrStatus: catalog.GameInProgress,
	})
	ids := []string{catalog.OwnerTeam, "T", "G"}
	deleted, err := f.sweeper.SoftDelete(ctx, catalog.EntityGame, ids, 0, "coach")
	is.NoErr(err)
	token := deleted.Attrs.String(catalog.AttrRecoveryToken)

	_, err = f.sweeper.Recover(ctx, catalog.EntityGame, ids, "wrong", "coach")
	is.True(errors.Is(err, catalog.ErrValidation))

	f.clock.Advance(24 * time.Hour)
	restored, err := f.sweeper.Recover(ctx, catalog.EntityGame, ids, token, "coach")
	is.NoErr(err)
	is.Equal(restored.Attrs.String(catalog.AttrStatus), catalog.GameInProgress)
	is.True(restored.Attrs.IsNull(catalog.AttrDeletedAt))
	is.True(restored.Attrs.IsNull(catalog.AttrRecoveryToken))

	got, err := f.app.GetEntity(ctx, catalog.EntityGame, ids...)
	is.NoErr(err)
	is.Equal(got.Version, restored.Version)
	is.Equal(len(f.events(t, f.clock.Now(), audit.EventRecovered)), 1)
}

func TestRecoverWindowClosed(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	f.create(t, catalog.EntityTeam, catalog.Attributes{"teamId": "T", "name": "Sharks", "ownerId": "u1"})
	deleted, err := f.sweeper.SoftDelete(ctx, catalog.EntityTeam, []string{"T"}, 0, "u1")
	is.NoErr(err)

	f.clock.Advance(DefaultRetention + time.Minute)
	_, err = f.sweeper.Recover(ctx, catalog.EntityTeam, []string{"T"}, deleted.Attrs.String(catalog.AttrRecoveryToken), "u1")
	is.True(errors.Is(err, catalog.ErrValidation))
}

func TestUserDeletionAnonymizes(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()

	f.create(t, catalog.EntityUser, catalog.Attributes{"userId": "u1", "email": "Pat@Example.com", "displayName": "Pat"})
	player := f.create(t, catalog.EntityPlayer, catalog.Attributes{
		"teamId": "T", "playerId": "p1", "firstName": "Pat", "lastName": "Jones", "userId": "u1",
	})
	listing := f.create(t, catalog.EntityFreeAgentListing, catalog.Attributes{"userId": "u1", "region": "austin", "position": "SS"})
	pending := f.create(t, catalog.EntityInvite, catalog.Attributes{
		"scopeType": "team", "scopeId": "T2", "inviteId": "i1", "email": "pat@example.com", "role": "team-player",
		"expiresAt": catalog.FormatTime(f.clock.Now().Add(time.Hour)),
	})
	membership := f.create(t, catalog.EntityMembership, catalog.Attributes{
		"userId": "u1", "scopeType": "team", "scopeId": "T", "role": "team-player",
	})

	user, err := f.sweeper.SoftDelete(ctx, catalog.EntityUser, []string{"u1"}, 0, "u1")
	is.NoErr(err)
	is.Equal(user.Attrs.String(catalog.AttrLifecycleState), StateAnonymized)
	is.Equal(user.Attrs.String("email"), "u1@anonymized.invalid")
	is.True(user.Attrs.IsNull("displayName"))

	p, err := f.store.Get(ctx, player.Key)
	is.NoErr(err)
	is.True(p.Attrs.IsNull("userId"))
	is.True(p.Attrs.Bool("isGhost"))
	is.Equal(p.Attrs.String("firstName"), "Anonymous")
	is.True(p.Attrs.IsNull("lastName"))

	linked, err := f.app.QueryAll(ctx, string(catalog.IndexUserPlayers), entities.PatternKey{Partition: catalog.UserPlayersPartition("u1")}, true)
	is.NoErr(err)
	is.Equal(len(linked), 0)

	for _, k := range []catalog.Key{listing.Key, pending.Key} {
		_, err := f.store.Get(ctx, k)
		is.True(catalog.IsNotFound(err))
	}
	is.Equal(len(f.events(t, f.clock.Now(), audit.EventAnonymized)), 1)

	_, err = f.sweeper.Recover(ctx, catalog.EntityUser, []string{"u1"}, user.Attrs.String(catalog.AttrRecoveryToken), "u1")
	is.True(errors.Is(err, catalog.ErrValidation)) // anonymized users stay deleted

	f.clock.Advance(DefaultRetention + time.Hour)
	report, err := f.sweeper.RunRetentionSweep(ctx)
	is.NoErr(err)
	is.Equal(report.Deleted, 1)
	_, err = f.store.Get(ctx, user.Key)
	is.True(catalog.IsNotFound(err))
	_, err = f.store.Get(ctx, membership.Key)
	is.True(catalog.IsNotFound(err))
	_, err = f.store.Get(ctx, player.Key)
	is.NoErr(err) // the ghost keeps the team's stats
}

func TestLeagueSweepPromotesFirst(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()

	league := f.create(t, catalog.EntityLeague, catalog.Attributes{"leagueId": "L", "name": "Metro", "adminUserId": "admin"})
	f.create(t, catalog.EntityLeagueTeam, catalog.Attributes{"leagueId": "L", "teamId": "T1"})
	f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	for _, ev := range f.store.DrainChanges() {
		is.NoErr(f.engine.OnSourceChanged(ctx, ev))
	}
	f.store.DrainChanges()

	// Deleted without the change feed running, so promotion has not happened.
	_, err := f.sweeper.SoftDelete(ctx, catalog.EntityLeague, []string{"L"}, 0, "admin")
	is.NoErr(err)
	f.store.DrainChanges()

	f.clock.Advance(DefaultRetention + time.Hour)
	report, err := f.sweeper.RunRetentionSweep(ctx)
	is.NoErr(err)
	is.Equal(report.Deleted, 1)

	for _, k := range f.store.Keys() {
		is.True(k.PK != league.Key.PK) // the whole league partition is gone
	}
	mirrorKey, err := catalog.BuildKey(catalog.EntitySeason, catalog.OwnerTeam, "T1", "S1")
	is.NoErr(err)
	m, err := f.store.Get(ctx, mirrorKey)
	is.NoErr(err)
	is.Equal(m.Attrs.String(catalog.AttrOrigin), mirror.OriginPreserved)
	is.Equal(m.Attrs.String(catalog.AttrOwnerType), catalog.OwnerTeam)
}

func TestLeagueSweepPromotesLeftoverMirrorsOfStampedLeague(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()

	league := f.create(t, catalog.EntityLeague, catalog.Attributes{"leagueId": "L", "name": "Metro", "adminUserId": "admin"})
	f.create(t, catalog.EntityLeagueTeam, catalog.Attributes{"leagueId": "L", "teamId": "T2"})
	f.create(t, catalog.EntitySeason, catalog.Attributes{
		catalog.AttrOwnerType: catalog.OwnerLeague, catalog.AttrOwnerID: "L", "seasonId": "S1", "name": "Spring",
	})
	for _, ev := range f.store.DrainChanges() {
		is.NoErr(f.engine.OnSourceChanged(ctx, ev))
	}

	// The stamp was written by an earlier run that missed the T2 mirror.
	_, err := f.sweeper.SoftDelete(ctx, catalog.EntityLeague, []string{"L"}, 0, "admin")
	is.NoErr(err)
	_, err = f.app.Mutate(ctx, catalog.EntityLeague, league.Key, func(attrs catalog.Attributes) error {
		attrs["promotionCompletedAt"] = catalog.FormatTime(f.clock.Now())
		return nil
	})
	is.NoErr(err)
	f.store.DrainChanges()
	pending, err := f.engine.PendingPromotions(ctx, "L")
	is.NoErr(err)
	is.Equal(pending, 1)

	f.clock.Advance(DefaultRetention + time.Hour)
	report, err := f.sweeper.RunRetentionSweep(ctx)
	is.NoErr(err)
	is.Equal(report.Deleted, 1)

	mirrorKey, err := catalog.BuildKey(catalog.EntitySeason, catalog.OwnerTeam, "T2", "S1")
	is.NoErr(err)
	m, err := f.store.Get(ctx, mirrorKey)
	is.NoErr(err)
	is.Equal(m.Attrs.String(catalog.AttrOwnerType), catalog.OwnerTeam)
	is.Equal(m.Attrs.Bool(catalog.AttrIsEditable), true)
	pending, err = f.engine.PendingPromotions(ctx, "L")
	is.NoErr(err)
	is.Equal(pending, 0)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	is := is.New(t)
	f := newFixture()
	_, err := NewScheduler(f.sweeper, "every tuesday")
	is.True(err != nil)

	s, err := NewScheduler(f.sweeper, "")
	is.NoErr(err)
	is.Equal(s.schedule, DefaultSchedule)
}
