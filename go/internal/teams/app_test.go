package teams

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
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/kv/memory"
	"github.com/mcdev12/hacktracker/go/internal/lifecycle"
	"github.com/mcdev12/hacktracker/go/internal/mirror"
	"github.com/mcdev12/hacktracker/go/internal/txn"
)

type fixture struct {
	app   *App
	ents  *entities.App
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(memory.WithClock(clock))
	coord := txn.NewCoordinator(store, clock, nil)
	ents := entities.NewApp(coord, clock)
	rec := audit.NewRecorder(coord, nil, clock)
	sweeper := lifecycle.NewSweeper(ents, rec, mirror.NewEngine(ents, rec, nil, mirror.DefaultConfig()))
	for _, id := range users {
		if _, err := ents.CreateEntity(context.Background(), catalog.EntityUser, catalog.Attributes{
			"userId": id, "email": id + "@example.com",
		}, ""); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{
		app:   NewApp(NewRepository(ents), authz.NewAuthorizer(store), sweeper, clock),
		ents:  ents,
		clock: clock,
	}
}

func TestValidateTeamName(t *testing.T) {
	for in, want := range map[string]string{
		"  Sand   Sharks ": "Sand Sharks",
		"B52":              "B52",
	} {
		got, err := ValidateTeamName(in)
		if err != nil || got != want {
			t.Errorf("ValidateTeamName(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"ab", "Sharks!", "", "a very long team name that keeps going well past fifty"} {
		if _, err := ValidateTeamName(in); !errors.Is(err, catalog.ErrValidation) {
			t.Errorf("ValidateTeamName(%q) accepted", in)
		}
	}
}

func TestCreateTeamGrantsOwner(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(t, "owner", "other")

	team, err := f.app.CreateTeam(ctx, "owner", CreateTeamRequest{Name: " Sand  Sharks "})
	is.NoErr(err)
	is.Equal(team.Name, "Sand Sharks")
	is.Equal(team.TeamType, catalog.TeamManaged)
	is.Equal(team.OwnerID, "owner")

	m, err := f.ents.GetEntity(ctx, catalog.EntityMembership, "owner", catalog.ScopeTeam, team.TeamID)
	is.NoErr(err)
	is.Equal(m.Attrs.String("role"), string(authz.RoleTeamOwner))

	_, err = f.app.GetTeam(ctx, "other", team.TeamID)
	is.True(errors.Is(err, authz.ErrAuthorizationDenied))

	_, err = f.app.CreateTeam(ctx, "nobody", CreateTeamRequest{Name: "Ghosts"})
	is.True(catalog.IsNotFound(err))
}

func TestRosterManagement(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(t, "owner", "u2")
	team, err := f.app.CreateTeam(ctx, "owner", CreateTeamRequest{Name: "Sharks"})
	is.NoErr(err)

	seven := 7
	p, err := f.app.AddPlayer(ctx, "owner", team.TeamID, AddPlayerRequest{FirstName: "Sam", LastName: "O'Neil", PlayerNumber: &seven})
	is.NoErr(err)
	is.True(p.IsGhost)
	is.Equal(*p.PlayerNumber, 7)

	bad := 100
	_, err = f.app.AddPlayer(ctx, "owner", team.TeamID, AddPlayerRequest{FirstName: "Max", PlayerNumber: &bad})
	is.True(errors.Is(err, catalog.ErrValidation))
	_, err = f.app.AddPlayer(ctx, "owner", team.TeamID, AddPlayerRequest{FirstName: "   "})
	is.True(errors.Is(err, catalog.ErrValidation))

	linked, err := f.app.LinkPlayer(ctx, "owner", team.TeamID, p.PlayerID, "u2")
	is.NoErr(err)
	is.True(!linked.IsGhost)
	is.Equal(*linked.UserID, "u2")
	is.True(linked.LinkedAt != nil)

	_, err = f.app.LinkPlayer(ctx, "owner", team.TeamID, p.PlayerID, "owner")
	is.True(errors.Is(err, catalog.ErrConflict))

	ghost, err := f.app.UnlinkPlayer(ctx, "owner", team.TeamID, p.PlayerID)
	is.NoErr(err)
	is.True(ghost.IsGhost)
	is.True(ghost.UserID == nil)

	players, err := f.app.ListPlayers(ctx, "owner", team.TeamID)
	is.NoErr(err)
	is.Equal(len(players), 1)

	is.NoErr(f.app.RemovePlayer(ctx, "owner", team.TeamID, p.PlayerID))
	players, err = f.app.ListPlayers(ctx, "owner", team.TeamID)
	is.NoErr(err)
	is.Equal(len(players), 0)
}

func TestPersonalTeamRestrictions(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(t, "u1")

	team, err := f.ents.NewEntity(catalog.EntityTeam, catalog.Attributes{"name": "Personal Stats", "ownerId": "u1", "isPersonal": true})
	is.NoErr(err)
	membership, err := f.ents.NewEntity(catalog.EntityMembership, catalog.Attributes{
		"userId": "u1", "scopeType": "team", "scopeId": team.Attrs.String("teamId"), "role": "team-owner",
	})
	is.NoErr(err)
	_, err = f.ents.CreateMany(ctx, []catalog.Entity{team, membership}, "")
	is.NoErr(err)
	teamID := team.Attrs.String("teamId")

	_, err = f.app.AddPlayer(ctx, "u1", teamID, AddPlayerRequest{FirstName: "Sam"})
	is.True(errors.Is(err, authz.ErrAuthorizationDenied))
	_, err = f.app.DeleteTeam(ctx, "u1", teamID, 0)
	is.True(errors.Is(err, authz.ErrAuthorizationDenied))
	name := "Renamed"
	_, err = f.app.UpdateTeam(ctx, "u1", teamID, UpdateTeamRequest{Name: &name})
	is.True(errors.Is(err, authz.ErrAuthorizationDenied))

	_, err = f.app.GetTeam(ctx, "u1", teamID)
	is.NoErr(err)
}

func TestInviteFlow(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(t, "owner", "u2", "u3")
	team, err := f.app.CreateTeam(ctx, "owner", CreateTeamRequest{Name: "Sharks"})
	is.NoErr(err)

	_, err = f.app.CreateInvite(ctx, "owner", team.TeamID, CreateInviteRequest{Email: "u2@example.com", Role: "team-owner"})
	is.True(errors.Is(err, catalog.ErrValidation))
	_, err = f.app.CreateInvite(ctx, "owner", team.TeamID, CreateInviteRequest{Email: "u2@example.com", Role: "league-admin"})
	is.True(errors.Is(err, catalog.ErrValidation))

	inv, err := f.app.CreateInvite(ctx, "owner", team.TeamID, CreateInviteRequest{Email: " U2@Example.com ", Role: "team-coach"})
	is.NoErr(err)
	is.Equal(inv.Email, "u2@example.com")
	is.Equal(inv.Status, catalog.InvitePending)
	is.True(inv.ExpiresAt.Equal(f.clock.Now().Add(InviteTTL)))

	_, err = f.app.AcceptInvite(ctx, "u3", team.TeamID, inv.InviteID)
	is.True(errors.Is(err, authz.ErrAuthorizationDenied))

	m, err := f.app.AcceptInvite(ctx, "u2", team.TeamID, inv.InviteID)
	is.NoErr(err)
	is.Equal(m.Role, "team-coach")
	is.Equal(m.InvitedBy, "owner")

	accepted, err := f.ents.GetEntity(ctx, catalog.EntityInvite, "team", team.TeamID, inv.InviteID)
	is.NoErr(err)
	is.Equal(accepted.Attrs.String("status"), catalog.InviteAccepted)

	// The coach can now manage the roster.
	_, err = f.app.AddPlayer(ctx, "u2", team.TeamID, AddPlayerRequest{FirstName: "Kit"})
	is.NoErr(err)

	_, err = f.app.AcceptInvite(ctx, "u2", team.TeamID, inv.InviteID)
	is.True(errors.Is(err, catalog.ErrConflict))
}

func TestExpiredAndRevokedInvites(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(t, "owner", "u2")
	team, err := f.app.CreateTeam(ctx, "owner", CreateTeamRequest{Name: "Sharks"})
	is.NoErr(err)

	expiring, err := f.app.CreateInvite(ctx, "owner", team.TeamID, CreateInviteRequest{Email: "u2@example.com", Role: "team-player"})
	is.NoErr(err)
	revoked, err := f.app.CreateInvite(ctx, "owner", team.TeamID, CreateInviteRequest{Email: "u2@example.com", Role: "team-viewer"})
	is.NoErr(err)
	_, err = f.app.RevokeInvite(ctx, "owner", team.TeamID, revoked.InviteID)
	is.NoErr(err)

	_, err = f.app.AcceptInvite(ctx, "u2", team.TeamID, revoked.InviteID)
	is.True(errors.Is(err, catalog.ErrConflict))

	f.clock.Advance(InviteTTL)
	_, err = f.app.AcceptInvite(ctx, "u2", team.TeamID, expiring.InviteID)
	is.True(errors.Is(err, catalog.ErrValidation))
	e, err := f.ents.GetEntity(ctx, catalog.EntityInvite, "team", team.TeamID, expiring.InviteID)
	is.NoErr(err)
	is.Equal(e.Attrs.String("status"), catalog.InviteExpired)
}

func TestDeleteAndRecoverTeam(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(t, "owner")
	team, err := f.app.CreateTeam(ctx, "owner", CreateTeamRequest{Name: "Sharks"})
	is.NoErr(err)

	deleted, err := f.app.DeleteTeam(ctx, "owner", team.TeamID, team.Version)
	is.NoErr(err)
	is.Equal(deleted.Status, catalog.StatusDeleted)
	_, err = f.app.GetTeam(ctx, "owner", team.TeamID)
	is.True(catalog.IsNotFound(err))

	e, err := f.ents.Lookup(ctx, catalog.EntityTeam, catalog.Key{PK: "TEAM#" + team.TeamID, SK: "METADATA"}, true)
	is.NoErr(err)
	token := e.Attrs.String(catalog.AttrRecoveryToken)

	_, err = f.app.RecoverTeam(ctx, "owner", team.TeamID, "wrong")
	is.True(err != nil)
	restored, err := f.app.RecoverTeam(ctx, "owner", team.TeamID, token)
	is.NoErr(err)
	is.Equal(restored.Status, catalog.StatusActive)
}
