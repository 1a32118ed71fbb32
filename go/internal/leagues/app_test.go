package leagues

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matryer/is"

	"github.com/mcdev12/hacktracker/go/internal/audit"
	"github.com/mcdev12/hacktracker/go/internal/authz"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/changefeed"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/kv/memory"
	"github.com/mcdev12/hacktracker/go/internal/lifecycle"
	"github.com/mcdev12/hacktracker/go/internal/mirror"
	"github.com/mcdev12/hacktracker/go/internal/txn"
)

type fixture struct {
	app   *App
	ents  *entities.App
	relay *changefeed.MemoryRelay
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(memory.WithClock(clock))
	coord := txn.NewCoordinator(store, clock, nil)
	ents := entities.NewApp(coord, clock)
	rec := audit.NewRecorder(coord, nil, clock)
	engine := mirror.NewEngine(ents, rec, nil, mirror.Config{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	return &fixture{
		app:   NewApp(NewRepository(ents), authz.NewAuthorizer(store), lifecycle.NewSweeper(ents, rec, engine)),
		ents:  ents,
		relay: changefeed.NewMemoryRelay(store, engine, clock, 0),
	}
}

func (f *fixture) team(t *testing.T, owner string, personal bool) string {
	t.Helper()
	team, err := f.ents.NewEntity(catalog.EntityTeam, catalog.Attributes{"name": "Team " + owner, "ownerId": owner, "isPersonal": personal})
	if err != nil {
		t.Fatal(err)
	}
	m, err := f.ents.NewEntity(catalog.EntityMembership, catalog.Attributes{
		"userId": owner, "scopeType": "team", "scopeId": team.Attrs.String("teamId"), "role": "team-owner",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ents.CreateMany(context.Background(), []catalog.Entity{team, m}, ""); err != nil {
		t.Fatal(err)
	}
	return team.Attrs.String("teamId")
}

func TestCreateLeagueGrantsAdmin(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()

	league, err := f.app.CreateLeague(ctx, "admin", CreateLeagueRequest{Name: "  Metro   Slowpitch "})
	is.NoErr(err)
	is.Equal(league.Name, "Metro Slowpitch")
	is.Equal(league.AdminUserID, "admin")

	m, err := f.ents.GetEntity(ctx, catalog.EntityMembership, "admin", catalog.ScopeLeague, league.LeagueID)
	is.NoErr(err)
	is.Equal(m.Attrs.String("role"), string(authz.RoleLeagueAdmin))

	_, err = f.app.CreateLeague(ctx, "admin", CreateLeagueRequest{Name: "ab"})
	is.True(errors.Is(err, catalog.ErrValidation))
}

func TestLinkAndWithdraw(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	league, err := f.app.CreateLeague(ctx, "admin", CreateLeagueRequest{Name: "Metro"})
	is.NoErr(err)
	managed := f.team(t, "coach", false)
	personal := f.team(t, "solo", true)

	_, err = f.app.LinkTeam(ctx, "coach", league.LeagueID, managed)
	is.True(errors.Is(err, authz.ErrAuthorizationDenied))
	_, err = f.app.LinkTeam(ctx, "admin", league.LeagueID, personal)
	is.True(errors.Is(err, catalog.ErrValidation))

	_, err = f.app.LinkTeam(ctx, "admin", league.LeagueID, managed)
	is.NoErr(err)
	_, err = f.app.LinkTeam(ctx, "admin", league.LeagueID, managed)
	is.True(errors.Is(err, catalog.ErrConflict))

	links, err := f.app.ListTeams(ctx, "admin", league.LeagueID)
	is.NoErr(err)
	is.Equal(len(links), 1)

	// The team itself may leave.
	is.True(errors.Is(f.app.WithdrawTeam(ctx, "stranger", league.LeagueID, managed), authz.ErrAuthorizationDenied))
	is.NoErr(f.app.WithdrawTeam(ctx, "coach", league.LeagueID, managed))
	links, err = f.app.ListTeams(ctx, "admin", league.LeagueID)
	is.NoErr(err)
	is.Equal(len(links), 0)

	// And be linked again.
	_, err = f.app.LinkTeam(ctx, "admin", league.LeagueID, managed)
	is.NoErr(err)
}

func TestDeletedLeagueRejectsLinks(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	league, err := f.app.CreateLeague(ctx, "admin", CreateLeagueRequest{Name: "Metro"})
	is.NoErr(err)
	team := f.team(t, "coach", false)

	_, err = f.app.DeleteLeague(ctx, "admin", league.LeagueID, 0)
	is.NoErr(err)
	_, err = f.app.LinkTeam(ctx, "admin", league.LeagueID, team)
	is.True(errors.Is(err, catalog.ErrValidation))
}

func TestDeleteLeaguePromotesMirrors(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture()
	league, err := f.app.CreateLeague(ctx, "admin", CreateLeagueRequest{Name: "Metro"})
	is.NoErr(err)
	team := f.team(t, "coach", false)
	_, err = f.app.LinkTeam(ctx, "admin", league.LeagueID, team)
	is.NoErr(err)
	_, err = f.ents.CreateEntity(ctx, catalog.EntitySeason, catalog.Attributes{
		"ownerType": "league", "ownerId": league.LeagueID, "seasonId": "s1", "name": "Spring",
	}, "")
	is.NoErr(err)
	f.relay.Flush(ctx)

	mirrorKey, err := catalog.BuildKey(catalog.EntitySeason, "team", team, "s1")
	is.NoErr(err)
	m, err := f.ents.Lookup(ctx, catalog.EntitySeason, mirrorKey, false)
	is.NoErr(err)
	is.True(m.IsMirror())

	deleted, err := f.app.DeleteLeague(ctx, "admin", league.LeagueID, 0)
	is.NoErr(err)
	is.Equal(deleted.Status, catalog.StatusDeleted)
	f.relay.Flush(ctx)

	m, err = f.ents.Lookup(ctx, catalog.EntitySeason, mirrorKey, false)
	is.NoErr(err)
	is.True(!m.IsMirror())
	is.Equal(m.Attrs.String(catalog.AttrOwnerType), catalog.OwnerTeam)

	e, err := f.ents.Lookup(ctx, catalog.EntityLeague, catalog.Key{PK: "LEAGUE#" + league.LeagueID, SK: "METADATA"}, true)
	is.NoErr(err)
	_, err = f.app.RecoverLeague(ctx, "admin", league.LeagueID, e.Attrs.String(catalog.AttrRecoveryToken))
	is.True(err != nil) // promotion already happened
}
