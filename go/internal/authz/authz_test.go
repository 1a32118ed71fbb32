package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/kv/memory"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		role   string
		action Action
		want   bool
	}{
		{"team-owner", ActionDeleteTeam, true},
		{"team-coach", ActionManageRoster, true},
		{"team-coach", ActionDeleteTeam, false},
		{"team-scorekeeper", ActionRecordStats, true},
		{"team-scorekeeper", ActionManageRoster, false},
		{"team-player", ActionView, true},
		{"team-viewer", ActionRecordStats, false},
		{"league-admin", ActionDeleteLeague, true},
		{"league-scorekeeper", ActionLinkTeams, false},
		{"league-viewer", ActionView, true},
		{"system-admin", ActionDeleteLeague, true},
		{"system-admin", Action("launch_rockets"), false},
		{"team-captain", ActionView, false}, // unknown role fails closed
		{"", ActionView, false},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+string(tt.action), func(t *testing.T) {
			is := is.New(t)
			is.Equal(Resolve(tt.role, string(tt.action)), tt.want)
		})
	}
}

func TestPermissionsAreCopies(t *testing.T) {
	is := is.New(t)
	p := Permissions("team-viewer")
	p[0] = ActionDeleteTeam
	is.True(!Resolve("team-viewer", string(ActionDeleteTeam)))
	is.Equal(len(Permissions("nobody")), 0)
}

func TestValidScopeRole(t *testing.T) {
	is := is.New(t)
	is.True(ValidScopeRole("team", "team-coach"))
	is.True(!ValidScopeRole("league", "team-coach"))
	is.True(ValidScopeRole("league", "league-admin"))
	is.True(!ValidScopeRole("team", "system-admin"))
}

func putMembership(t *testing.T, s *memory.Store, userID, teamID, role, status string) {
	t.Helper()
	key, err := catalog.BuildKey(catalog.EntityMembership, userID, catalog.ScopeTeam, teamID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Transact(context.Background(), []kv.WriteOp{kv.Put(catalog.Entity{
		Type: catalog.EntityMembership,
		Key:  key,
		Attrs: catalog.Attributes{
			"userId": userID, "scopeType": "team", "scopeId": teamID, "role": role, "status": status,
		},
	})})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	putMembership(t, s, "coach", "t1", "team-coach", "active")
	putMembership(t, s, "former", "t1", "team-owner", "inactive")
	putMembership(t, s, "odd", "t1", "team-captain", "active")
	a := NewAuthorizer(s, "root")

	t.Run("allowed", func(t *testing.T) {
		is := is.New(t)
		m, err := a.Authorize(ctx, "coach", TeamScope("t1"), ActionManageRoster)
		is.NoErr(err)
		is.Equal(m.Attrs.String("role"), "team-coach")
	})

	t.Run("insufficient role", func(t *testing.T) {
		is := is.New(t)
		_, err := a.Authorize(ctx, "coach", TeamScope("t1"), ActionDeleteTeam)
		is.True(errors.Is(err, ErrAuthorizationDenied))
	})

	t.Run("not a member", func(t *testing.T) {
		is := is.New(t)
		_, err := a.Authorize(ctx, "stranger", TeamScope("t1"), ActionView)
		is.True(errors.Is(err, ErrAuthorizationDenied))
	})

	t.Run("inactive membership", func(t *testing.T) {
		is := is.New(t)
		_, err := a.Authorize(ctx, "former", TeamScope("t1"), ActionView)
		is.True(errors.Is(err, ErrAuthorizationDenied))
	})

	t.Run("unknown stored role", func(t *testing.T) {
		is := is.New(t)
		_, err := a.Authorize(ctx, "odd", TeamScope("t1"), ActionView)
		is.True(errors.Is(err, ErrAuthorizationDenied))
	})

	t.Run("system admin", func(t *testing.T) {
		is := is.New(t)
		_, err := a.Authorize(ctx, "root", TeamScope("t1"), ActionDeleteTeam)
		is.NoErr(err)
	})
}

func TestAuthorizeSelf(t *testing.T) {
	is := is.New(t)
	a := NewAuthorizer(memory.NewStore(), "root")
	is.NoErr(a.AuthorizeSelf("u1", "u1"))
	is.NoErr(a.AuthorizeSelf("root", "u1"))
	is.True(errors.Is(a.AuthorizeSelf("u2", "u1"), ErrAuthorizationDenied))
	is.True(errors.Is(a.AuthorizeSelf("", ""), ErrAuthorizationDenied))
}
