package leagues

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/authz"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/models"
)

// LeaguesRepository defines what the app layer needs from the repository
type LeaguesRepository interface {
	CreateLeagueWithAdmin(ctx context.Context, adminID string, req CreateLeagueRequest) (*models.League, error)
	GetLeague(ctx context.Context, id string, includeDeleted bool) (*models.League, error)
	UpdateLeague(ctx context.Context, id string, patch catalog.Attributes, expectedVersion int64) (*models.League, error)
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	CreateLink(ctx context.Context, leagueID, teamID, linkedBy string) (*models.LeagueTeam, error)
	DeleteLink(ctx context.Context, leagueID, teamID string) error
	ListLinks(ctx context.Context, leagueID string) ([]models.LeagueTeam, error)
}

// Lifecycle soft-deletes and recovers records.
type Lifecycle interface {
	SoftDelete(ctx context.Context, t catalog.EntityType, ids []string, expectedVersion int64, actor string) (catalog.Entity, error)
	Recover(ctx context.Context, t catalog.EntityType, ids []string, token, actor string) (catalog.Entity, error)
}

// App handles leagues business logic
type App struct {
	repo       LeaguesRepository
	authorizer *authz.Authorizer
	lifecycle  Lifecycle
}

// NewApp creates a new leagues App
func NewApp(repo LeaguesRepository, authorizer *authz.Authorizer, lifecycle Lifecycle) *App {
	return &App{
		repo:       repo,
		authorizer: authorizer,
		lifecycle:  lifecycle,
	}
}

// CreateLeague creates a league administered by the caller
func (a *App) CreateLeague(ctx context.Context, callerID string, req CreateLeagueRequest) (*models.League, error) {
	var err error
	if req.Name, err = validateName(req.Name); err != nil {
		return nil, err
	}
	req.Description = strings.TrimSpace(req.Description)
	if len(req.Description) > 500 {
		return nil, catalog.ValidationErrorf("description must not exceed 500 characters")
	}
	if callerID == "" {
		return nil, fmt.Errorf("%w: no caller", authz.ErrAuthorizationDenied)
	}

	league, err := a.repo.CreateLeagueWithAdmin(ctx, callerID, req)
	if err != nil {
		return nil, err
	}
	log.Info().Str("league_id", league.LeagueID).Str("admin_id", callerID).Msg("created league")
	return league, nil
}

// GetLeague retrieves a league visible to the caller
func (a *App) GetLeague(ctx context.Context, callerID, id string) (*models.League, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.LeagueScope(id), authz.ActionView); err != nil {
		return nil, err
	}
	return a.repo.GetLeague(ctx, id, false)
}

// UpdateLeague renames or re-describes a league
func (a *App) UpdateLeague(ctx context.Context, callerID, id string, req UpdateLeagueRequest) (*models.League, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.LeagueScope(id), authz.ActionManageLeague); err != nil {
		return nil, err
	}
	patch := catalog.Attributes{}
	if req.Name != nil {
		name, err := validateName(*req.Name)
		if err != nil {
			return nil, err
		}
		patch["name"] = name
	}
	if req.Description != nil {
		patch["description"] = strings.TrimSpace(*req.Description)
	}
	league, err := a.repo.UpdateLeague(ctx, id, patch, req.ExpectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update league: %w", err)
	}
	return league, nil
}

// LinkTeam links a managed team into the league. The league's seasons and
// games are then mirrored onto the team.
func (a *App) LinkTeam(ctx context.Context, callerID, leagueID, teamID string) (*models.LeagueTeam, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.LeagueScope(leagueID), authz.ActionLinkTeams); err != nil {
		return nil, err
	}
	league, err := a.repo.GetLeague(ctx, leagueID, true)
	if err != nil {
		return nil, err
	}
	if league.Status == catalog.StatusDeleted {
		return nil, catalog.ValidationErrorf("league %s is deleted", leagueID)
	}
	team, err := a.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.IsPersonal {
		return nil, catalog.ValidationErrorf("personal teams cannot join a league")
	}

	link, err := a.repo.CreateLink(ctx, leagueID, teamID, callerID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("league_id", leagueID).Str("team_id", teamID).Msg("linked team")
	return link, nil
}

// ListTeams returns the league's team links
func (a *App) ListTeams(ctx context.Context, callerID, leagueID string) ([]models.LeagueTeam, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.LeagueScope(leagueID), authz.ActionView); err != nil {
		return nil, err
	}
	return a.repo.ListLinks(ctx, leagueID)
}

// WithdrawTeam removes a team from the league. Either the league or the
// team may withdraw. Mirrors already on the team keep their last snapshot.
func (a *App) WithdrawTeam(ctx context.Context, callerID, leagueID, teamID string) error {
	_, err := a.authorizer.Authorize(ctx, callerID, authz.LeagueScope(leagueID), authz.ActionLinkTeams)
	if errors.Is(err, authz.ErrAuthorizationDenied) {
		_, err = a.authorizer.Authorize(ctx, callerID, authz.TeamScope(teamID), authz.ActionManageTeam)
	}
	if err != nil {
		return err
	}
	if err := a.repo.DeleteLink(ctx, leagueID, teamID); err != nil {
		return err
	}
	log.Info().Str("league_id", leagueID).Str("team_id", teamID).Msg("withdrew team")
	return nil
}

// DeleteLeague soft-deletes the league. Its mirrors are promoted to team
// ownership by the mirroring engine.
func (a *App) DeleteLeague(ctx context.Context, callerID, id string, expectedVersion int64) (*models.League, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.LeagueScope(id), authz.ActionDeleteLeague); err != nil {
		return nil, err
	}
	e, err := a.lifecycle.SoftDelete(ctx, catalog.EntityLeague, []string{id}, expectedVersion, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete league: %w", err)
	}
	return models.FromEntity[models.League](e)
}

// RecoverLeague restores a deleted league whose mirrors have not been promoted yet
func (a *App) RecoverLeague(ctx context.Context, callerID, id, token string) (*models.League, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.LeagueScope(id), authz.ActionDeleteLeague); err != nil {
		return nil, err
	}
	e, err := a.lifecycle.Recover(ctx, catalog.EntityLeague, []string{id}, token, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to recover league: %w", err)
	}
	return models.FromEntity[models.League](e)
}

func validateName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if len(name) < 3 || len(name) > 100 {
		return "", catalog.ValidationErrorf("league name must be 3 to 100 characters")
	}
	return name, nil
}
