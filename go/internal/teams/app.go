package teams

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/authz"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/models"
)

// TeamsRepository defines what the app layer needs from the repository
type TeamsRepository interface {
	CreateTeamWithOwner(ctx context.Context, ownerID string, req CreateTeamRequest) (*models.Team, error)
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	UpdateTeam(ctx context.Context, id string, patch catalog.Attributes, expectedVersion int64) (*models.Team, error)
	UserEmail(ctx context.Context, userID string) (string, error)
	CreatePlayer(ctx context.Context, teamID string, req AddPlayerRequest) (*models.Player, error)
	GetPlayer(ctx context.Context, teamID, playerID string) (*models.Player, error)
	SetPlayerUser(ctx context.Context, teamID, playerID, userID string) (*models.Player, error)
	ListPlayers(ctx context.Context, teamID string) ([]models.Player, error)
	CreateInvite(ctx context.Context, teamID, invitedBy string, req CreateInviteRequest, expiresAt time.Time) (*models.Invite, error)
	GetInvite(ctx context.Context, teamID, inviteID string) (*models.Invite, error)
	AcceptInvite(ctx context.Context, teamID, inviteID, userID string) (*models.Membership, error)
	SetInviteStatus(ctx context.Context, teamID, inviteID, status string) (*models.Invite, error)
}

// Lifecycle soft-deletes and recovers records.
type Lifecycle interface {
	SoftDelete(ctx context.Context, t catalog.EntityType, ids []string, expectedVersion int64, actor string) (catalog.Entity, error)
	Recover(ctx context.Context, t catalog.EntityType, ids []string, token, actor string) (catalog.Entity, error)
}

// App handles teams business logic
type App struct {
	repo       TeamsRepository
	authorizer *authz.Authorizer
	lifecycle  Lifecycle
	clock      clockwork.Clock
}

// NewApp creates a new teams App
func NewApp(repo TeamsRepository, authorizer *authz.Authorizer, lifecycle Lifecycle, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		repo:       repo,
		authorizer: authorizer,
		lifecycle:  lifecycle,
		clock:      clock,
	}
}

// CreateTeam creates a managed team owned by the caller
func (a *App) CreateTeam(ctx context.Context, callerID string, req CreateTeamRequest) (*models.Team, error) {
	name, err := ValidateTeamName(req.Name)
	if err != nil {
		return nil, err
	}
	req.Name = name
	if req.Description, err = validateDescription(req.Description); err != nil {
		return nil, err
	}
	if _, err := a.repo.UserEmail(ctx, callerID); err != nil {
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}

	team, err := a.repo.CreateTeamWithOwner(ctx, callerID, req)
	if err != nil {
		return nil, err
	}
	log.Info().Str("team_id", team.TeamID).Str("owner_id", callerID).Msg("created team")
	return team, nil
}

// GetTeam retrieves a team visible to the caller
func (a *App) GetTeam(ctx context.Context, callerID, id string) (*models.Team, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.TeamScope(id), authz.ActionView); err != nil {
		return nil, err
	}
	return a.repo.GetTeam(ctx, id)
}

// UpdateTeam renames or re-describes a managed team
func (a *App) UpdateTeam(ctx context.Context, callerID, id string, req UpdateTeamRequest) (*models.Team, error) {
	if _, err := a.authorizeManaged(ctx, callerID, id, authz.ActionManageTeam); err != nil {
		return nil, err
	}
	patch := catalog.Attributes{}
	if req.Name != nil {
		name, err := ValidateTeamName(*req.Name)
		if err != nil {
			return nil, err
		}
		patch["name"] = name
	}
	if req.Description != nil {
		desc, err := validateDescription(*req.Description)
		if err != nil {
			return nil, err
		}
		patch["description"] = desc
	}

	team, err := a.repo.UpdateTeam(ctx, id, patch, req.ExpectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update team: %w", err)
	}
	log.Info().Str("team_id", id).Msg("updated team")
	return team, nil
}

// DeleteTeam soft-deletes a managed team. It stays recoverable for the
// retention window.
func (a *App) DeleteTeam(ctx context.Context, callerID, id string, expectedVersion int64) (*models.Team, error) {
	if _, err := a.authorizeManaged(ctx, callerID, id, authz.ActionDeleteTeam); err != nil {
		return nil, err
	}
	e, err := a.lifecycle.SoftDelete(ctx, catalog.EntityTeam, []string{id}, expectedVersion, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete team: %w", err)
	}
	return models.FromEntity[models.Team](e)
}

// RecoverTeam restores a deleted team with the token issued on deletion
func (a *App) RecoverTeam(ctx context.Context, callerID, id, token string) (*models.Team, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.TeamScope(id), authz.ActionDeleteTeam); err != nil {
		return nil, err
	}
	e, err := a.lifecycle.Recover(ctx, catalog.EntityTeam, []string{id}, token, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to recover team: %w", err)
	}
	return models.FromEntity[models.Team](e)
}

// AddPlayer adds a ghost player to a managed team's roster
func (a *App) AddPlayer(ctx context.Context, callerID, teamID string, req AddPlayerRequest) (*models.Player, error) {
	if _, err := a.authorizeManaged(ctx, callerID, teamID, authz.ActionManageRoster); err != nil {
		return nil, err
	}
	var err error
	if req.FirstName, err = validatePlayerName(req.FirstName, "firstName", true); err != nil {
		return nil, err
	}
	if req.LastName, err = validatePlayerName(req.LastName, "lastName", false); err != nil {
		return nil, err
	}
	if n := req.PlayerNumber; n != nil && (*n < 0 || *n > 99) {
		return nil, catalog.ValidationErrorf("playerNumber must be between 0 and 99")
	}

	player, err := a.repo.CreatePlayer(ctx, teamID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to add player: %w", err)
	}
	log.Info().Str("team_id", teamID).Str("player_id", player.PlayerID).Msg("added player")
	return player, nil
}

// LinkPlayer attaches a ghost player to a user
func (a *App) LinkPlayer(ctx context.Context, callerID, teamID, playerID, userID string) (*models.Player, error) {
	if _, err := a.authorizeManaged(ctx, callerID, teamID, authz.ActionManageRoster); err != nil {
		return nil, err
	}
	if _, err := a.repo.UserEmail(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	player, err := a.repo.SetPlayerUser(ctx, teamID, playerID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to link player: %w", err)
	}
	log.Info().Str("player_id", playerID).Str("user_id", userID).Msg("linked player")
	return player, nil
}

// UnlinkPlayer turns a linked player back into a ghost
func (a *App) UnlinkPlayer(ctx context.Context, callerID, teamID, playerID string) (*models.Player, error) {
	if _, err := a.authorizeManaged(ctx, callerID, teamID, authz.ActionManageRoster); err != nil {
		return nil, err
	}
	player, err := a.repo.SetPlayerUser(ctx, teamID, playerID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to unlink player: %w", err)
	}
	log.Info().Str("player_id", playerID).Msg("unlinked player")
	return player, nil
}

// RemovePlayer soft-deletes a player from a managed team
func (a *App) RemovePlayer(ctx context.Context, callerID, teamID, playerID string) error {
	if _, err := a.authorizeManaged(ctx, callerID, teamID, authz.ActionManageRoster); err != nil {
		return err
	}
	if _, err := a.lifecycle.SoftDelete(ctx, catalog.EntityPlayer, []string{teamID, playerID}, 0, callerID); err != nil {
		return fmt.Errorf("failed to remove player: %w", err)
	}
	return nil
}

// ListPlayers returns the team's active roster
func (a *App) ListPlayers(ctx context.Context, callerID, teamID string) ([]models.Player, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.TeamScope(teamID), authz.ActionView); err != nil {
		return nil, err
	}
	return a.repo.ListPlayers(ctx, teamID)
}

// CreateInvite invites an email address to join the team with role
func (a *App) CreateInvite(ctx context.Context, callerID, teamID string, req CreateInviteRequest) (*models.Invite, error) {
	if _, err := a.authorizeManaged(ctx, callerID, teamID, authz.ActionInvite); err != nil {
		return nil, err
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if local, domain, ok := strings.Cut(req.Email, "@"); !ok || local == "" || !strings.Contains(domain, ".") {
		return nil, catalog.ValidationErrorf("email format is invalid")
	}
	if !authz.ValidScopeRole(catalog.ScopeTeam, req.Role) || req.Role == string(authz.RoleTeamOwner) {
		return nil, catalog.ValidationErrorf("role %q cannot be granted by invite", req.Role)
	}

	invite, err := a.repo.CreateInvite(ctx, teamID, callerID, req, a.clock.Now().Add(InviteTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create invite: %w", err)
	}
	log.Info().Str("team_id", teamID).Str("invite_id", invite.InviteID).Msg("created invite")
	return invite, nil
}

// AcceptInvite joins the caller to the team. The invite must be pending,
// unexpired and addressed to the caller's email.
func (a *App) AcceptInvite(ctx context.Context, callerID, teamID, inviteID string) (*models.Membership, error) {
	email, err := a.repo.UserEmail(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	invite, err := a.repo.GetInvite(ctx, teamID, inviteID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(invite.Email, email) {
		return nil, fmt.Errorf("%w: invite is addressed to another email", authz.ErrAuthorizationDenied)
	}
	if invite.Status == catalog.InvitePending && !a.clock.Now().Before(invite.ExpiresAt) {
		if _, err := a.repo.SetInviteStatus(ctx, teamID, inviteID, catalog.InviteExpired); err != nil {
			log.Warn().Err(err).Str("invite_id", inviteID).Msg("failed to expire invite")
		}
		return nil, catalog.ValidationErrorf("invite %s has expired", inviteID)
	}
	if _, err := a.repo.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}

	membership, err := a.repo.AcceptInvite(ctx, teamID, inviteID, callerID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("team_id", teamID).Str("user_id", callerID).Str("role", membership.Role).Msg("accepted invite")
	return membership, nil
}

// RevokeInvite withdraws a pending invite
func (a *App) RevokeInvite(ctx context.Context, callerID, teamID, inviteID string) (*models.Invite, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.TeamScope(teamID), authz.ActionInvite); err != nil {
		return nil, err
	}
	return a.repo.SetInviteStatus(ctx, teamID, inviteID, catalog.InviteRevoked)
}

// authorizeManaged authorizes action and rejects it on personal teams, which
// only ever hold their owner's own games and at-bats.
func (a *App) authorizeManaged(ctx context.Context, callerID, teamID string, action authz.Action) (*models.Team, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.TeamScope(teamID), action); err != nil {
		return nil, err
	}
	team, err := a.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.IsPersonal {
		log.Warn().Str("team_id", teamID).Str("action", string(action)).Msg("operation not allowed on personal team")
		return nil, fmt.Errorf("%w: cannot %s on a personal stats team", authz.ErrAuthorizationDenied, action)
	}
	return team, nil
}

var (
	teamNamePattern   = regexp.MustCompile(`^[a-zA-Z0-9 ]+$`)
	playerNamePattern = regexp.MustCompile(`^[\p{L}' .-]+$`)
	whitespace        = regexp.MustCompile(`\s+`)
)

// ValidateTeamName trims and collapses whitespace, then checks the name is
// 3 to 50 letters, digits and spaces.
func ValidateTeamName(name string) (string, error) {
	name = whitespace.ReplaceAllString(strings.TrimSpace(name), " ")
	switch {
	case len(name) < 3:
		return "", catalog.ValidationErrorf("team name must be at least 3 characters")
	case len(name) > 50:
		return "", catalog.ValidationErrorf("team name must not exceed 50 characters")
	case !teamNamePattern.MatchString(name):
		return "", catalog.ValidationErrorf("team name can only contain letters, numbers, and spaces")
	}
	return name, nil
}

func validateDescription(desc string) (string, error) {
	desc = strings.TrimSpace(desc)
	if len(desc) > 500 {
		return "", catalog.ValidationErrorf("description must not exceed 500 characters")
	}
	return desc, nil
}

func validatePlayerName(name, field string, required bool) (string, error) {
	name = whitespace.ReplaceAllString(strings.TrimSpace(name), " ")
	if name == "" {
		if required {
			return "", catalog.ValidationErrorf("%s is required", field)
		}
		return "", nil
	}
	if len(name) > 50 {
		return "", catalog.ValidationErrorf("%s must not exceed 50 characters", field)
	}
	if !playerNamePattern.MatchString(name) {
		return "", catalog.ValidationErrorf("%s contains invalid characters", field)
	}
	return name, nil
}
