package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
)

// ErrAuthorizationDenied is returned when a caller lacks the permission.
var ErrAuthorizationDenied = errors.New("authorization denied")

// Scope identifies the team or league an action targets.
type Scope struct {
	Type string
	ID   string
}

// TeamScope returns the scope of a team.
func TeamScope(id string) Scope { return Scope{Type: catalog.ScopeTeam, ID: id} }

// LeagueScope returns the scope of a league.
func LeagueScope(id string) Scope { return Scope{Type: catalog.ScopeLeague, ID: id} }

// Authorizer checks actions against the caller's stored membership.
type Authorizer struct {
	store kv.Store
	// admins are user ids granted system-admin regardless of membership.
	admins map[string]struct{}
}

// NewAuthorizer creates an Authorizer reading memberships from store.
func NewAuthorizer(store kv.Store, systemAdmins ...string) *Authorizer {
	admins := make(map[string]struct{}, len(systemAdmins))
	for _, id := range systemAdmins {
		admins[id] = struct{}{}
	}
	return &Authorizer{store: store, admins: admins}
}

// Authorize returns the caller's membership when its role permits action on
// scope. Missing, inactive or insufficient memberships wrap ErrAuthorizationDenied.
func (a *Authorizer) Authorize(ctx context.Context, userID string, scope Scope, action Action) (catalog.Entity, error) {
	if _, ok := a.admins[userID]; ok && Known(action) {
		return catalog.Entity{}, nil
	}

	key, err := catalog.BuildKey(catalog.EntityMembership, userID, scope.Type, scope.ID)
	if err != nil {
		return catalog.Entity{}, err
	}
	membership, err := a.store.Get(ctx, key)
	if catalog.IsNotFound(err) {
		log.Warn().
			Str("user_id", userID).
			Str("scope", scope.Type+"/"+scope.ID).
			Msg("user is not a member of this scope")
		return catalog.Entity{}, fmt.Errorf("%w: not a member of %s %s", ErrAuthorizationDenied, scope.Type, scope.ID)
	}
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("failed to load membership: %w", err)
	}

	if status := membership.Attrs.String(catalog.AttrStatus); status != catalog.StatusActive {
		log.Warn().
			Str("user_id", userID).
			Str("status", status).
			Msg("membership is not active")
		return catalog.Entity{}, fmt.Errorf("%w: membership is %s", ErrAuthorizationDenied, status)
	}

	role := membership.Attrs.String("role")
	if !Resolve(role, string(action)) {
		log.Warn().
			Str("user_id", userID).
			Str("role", role).
			Str("action", string(action)).
			Msg("insufficient permissions")
		return catalog.Entity{}, fmt.Errorf("%w: role %q may not %s", ErrAuthorizationDenied, role, action)
	}
	return membership, nil
}

// IsSystemAdmin reports whether userID was configured as a system admin.
func (a *Authorizer) IsSystemAdmin(userID string) bool {
	_, ok := a.admins[userID]
	return ok
}

// AuthorizeSelf permits a caller to act on their own user record. System
// admins may act on any user.
func (a *Authorizer) AuthorizeSelf(callerID, userID string) error {
	if callerID != "" && (callerID == userID || a.IsSystemAdmin(callerID)) {
		return nil
	}
	log.Warn().
		Str("caller_id", callerID).
		Str("user_id", userID).
		Msg("caller may not act on another user")
	return fmt.Errorf("%w: %s may not act on user %s", ErrAuthorizationDenied, callerID, userID)
}
