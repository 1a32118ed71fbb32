// Package games records seasons, games and at-bats for teams and leagues and
// rolls a user's at-bats up into stats.
package games

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/authz"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/models"
)

// GamesRepository defines what the app layer needs from the repository
type GamesRepository interface {
	CreateSeason(ctx context.Context, req CreateSeasonRequest) (*models.Season, error)
	GetSeason(ctx context.Context, owner Owner, seasonID string) (*models.Season, error)
	CreateGame(ctx context.Context, req CreateGameRequest) (*models.Game, error)
	GetGame(ctx context.Context, owner Owner, gameID string) (*models.Game, error)
	UpdateGame(ctx context.Context, owner Owner, gameID string, patch catalog.Attributes, expectedVersion int64) (*models.Game, error)
	ListGames(ctx context.Context, owner Owner) ([]models.Game, error)
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	GetPlayer(ctx context.Context, teamID, playerID string) (*models.Player, error)
	CreateAtBat(ctx context.Context, game *models.Game, req RecordAtBatRequest) (*models.AtBat, error)
	ListAtBats(ctx context.Context, gameID string) ([]models.AtBat, error)
	ListAtBatsForPlayer(ctx context.Context, playerID string) ([]models.AtBat, error)
	ListPlayersForUser(ctx context.Context, userID string) ([]models.Player, error)
}

// App handles seasons, games and at-bats business logic
type App struct {
	repo       GamesRepository
	authorizer *authz.Authorizer
}

// NewApp creates a new games App
func NewApp(repo GamesRepository, authorizer *authz.Authorizer) *App {
	return &App{
		repo:       repo,
		authorizer: authorizer,
	}
}

// CreateSeason creates a season owned by a team or league
func (a *App) CreateSeason(ctx context.Context, callerID string, req CreateSeasonRequest) (*models.Season, error) {
	if err := a.authorizeOwner(ctx, callerID, req.Owner, authz.ActionManageGames); err != nil {
		return nil, err
	}
	req.Name = strings.Join(strings.Fields(req.Name), " ")
	if req.Name == "" || len(req.Name) > 100 {
		return nil, catalog.ValidationErrorf("season name must be 1 to 100 characters")
	}
	if req.StartDate != "" && req.EndDate != "" && req.EndDate < req.StartDate {
		return nil, catalog.ValidationErrorf("season ends before it starts")
	}

	season, err := a.repo.CreateSeason(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create season: %w", err)
	}
	log.Info().
		Str("owner", req.Owner.Type+"/"+req.Owner.ID).
		Str("season_id", season.SeasonID).
		Msg("created season")
	return season, nil
}

// CreateGame schedules a game in one of the owner's own seasons
func (a *App) CreateGame(ctx context.Context, callerID string, req CreateGameRequest) (*models.Game, error) {
	if err := a.authorizeOwner(ctx, callerID, req.Owner, authz.ActionManageGames); err != nil {
		return nil, err
	}
	season, err := a.repo.GetSeason(ctx, req.Owner, req.SeasonID)
	if err != nil {
		return nil, err
	}
	if season.InheritedFromLeague {
		return nil, catalog.ValidationErrorf("season %s is a read-only league mirror", req.SeasonID)
	}
	if req.HomeTeamID != "" && req.HomeTeamID == req.AwayTeamID {
		return nil, catalog.ValidationErrorf("a team cannot play itself")
	}

	game, err := a.repo.CreateGame(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}
	log.Info().
		Str("owner", req.Owner.Type+"/"+req.Owner.ID).
		Str("game_id", game.GameID).
		Msg("created game")
	return game, nil
}

// GetGame retrieves a game visible to the caller
func (a *App) GetGame(ctx context.Context, callerID string, owner Owner, gameID string) (*models.Game, error) {
	if err := a.authorizeOwner(ctx, callerID, owner, authz.ActionView); err != nil {
		return nil, err
	}
	return a.repo.GetGame(ctx, owner, gameID)
}

// ListGames returns the owner's games, league mirrors included
func (a *App) ListGames(ctx context.Context, callerID string, owner Owner) ([]models.Game, error) {
	if err := a.authorizeOwner(ctx, callerID, owner, authz.ActionView); err != nil {
		return nil, err
	}
	return a.repo.ListGames(ctx, owner)
}

// UpdateGame edits a game. Status only moves forward, from scheduled to
// in_progress to final, and a managed team needs a lineup to start.
func (a *App) UpdateGame(ctx context.Context, callerID string, owner Owner, gameID string, req UpdateGameRequest) (*models.Game, error) {
	if err := a.authorizeOwner(ctx, callerID, owner, authz.ActionManageGames); err != nil {
		return nil, err
	}
	game, err := a.repo.GetGame(ctx, owner, gameID)
	if err != nil {
		return nil, err
	}
	if game.InheritedFromLeague {
		return nil, catalog.ValidationErrorf("game %s is a read-only league mirror", gameID)
	}

	patch := catalog.Attributes{}
	lineup := game.Lineup
	if req.Lineup != nil {
		if err := validateLineup(*req.Lineup); err != nil {
			return nil, err
		}
		lineup = *req.Lineup
		slots := make([]any, 0, len(lineup))
		for _, slot := range lineup {
			slots = append(slots, map[string]any{"playerId": slot.PlayerID, "battingOrder": slot.BattingOrder})
		}
		patch["lineup"] = slots
	}
	if req.Status != nil && *req.Status != game.Status {
		next := *req.Status
		schema, err := catalog.SchemaFor(catalog.EntityGame)
		if err != nil {
			return nil, err
		}
		if err := schema.CheckTransition(game.Status, next); err != nil {
			return nil, err
		}
		if next == catalog.GameInProgress && owner.Type == catalog.OwnerTeam && len(lineup) == 0 {
			team, err := a.repo.GetTeam(ctx, owner.ID)
			if err != nil {
				return nil, err
			}
			if !team.IsPersonal {
				return nil, catalog.ValidationErrorf("a lineup is required before the game can start")
			}
		}
		patch[catalog.AttrStatus] = next
	}
	for name, score := range map[string]*int{"homeScore": req.HomeScore, "awayScore": req.AwayScore} {
		if score == nil {
			continue
		}
		if *score < 0 || *score > 99 {
			return nil, catalog.ValidationErrorf("%s must be between 0 and 99", name)
		}
		patch[name] = *score
	}
	if req.ScheduledStart != nil {
		patch["scheduledStart"] = catalog.FormatTime(*req.ScheduledStart)
	}
	if req.Location != nil {
		patch["location"] = strings.TrimSpace(*req.Location)
	}

	expected := req.ExpectedVersion
	if expected == 0 {
		// Checks above were made against this version.
		expected = game.Version
	}
	updated, err := a.repo.UpdateGame(ctx, owner, gameID, patch, expected)
	if err != nil {
		return nil, fmt.Errorf("failed to update game: %w", err)
	}
	log.Info().Str("game_id", gameID).Str("status", updated.Status).Msg("updated game")
	return updated, nil
}

// RecordAtBat records a plate appearance in an in-progress game. League
// games are scored on the league record, never on a team's mirror.
func (a *App) RecordAtBat(ctx context.Context, callerID string, owner Owner, gameID string, req RecordAtBatRequest) (*models.AtBat, error) {
	if err := a.authorizeOwner(ctx, callerID, owner, authz.ActionRecordStats); err != nil {
		return nil, err
	}
	if err := validateAtBat(req); err != nil {
		return nil, err
	}
	game, err := a.repo.GetGame(ctx, owner, gameID)
	if err != nil {
		return nil, err
	}
	if game.InheritedFromLeague {
		return nil, catalog.ValidationErrorf("game %s is a read-only league mirror", gameID)
	}
	if game.Status != catalog.GameInProgress {
		return nil, catalog.ValidationErrorf("at-bats can only be recorded while the game is in progress")
	}
	switch {
	case owner.Type == catalog.OwnerTeam && req.TeamID != owner.ID:
		return nil, catalog.ValidationErrorf("team %s is not playing in game %s", req.TeamID, gameID)
	case owner.Type == catalog.OwnerLeague && req.TeamID != game.HomeTeamID && req.TeamID != game.AwayTeamID:
		return nil, catalog.ValidationErrorf("team %s is not playing in game %s", req.TeamID, gameID)
	}
	if _, err := a.repo.GetPlayer(ctx, req.TeamID, req.PlayerID); err != nil {
		return nil, err
	}
	if len(game.Lineup) > 0 && !slices.ContainsFunc(game.Lineup, func(s models.LineupSlot) bool { return s.PlayerID == req.PlayerID }) {
		return nil, catalog.ValidationErrorf("player must be in the game lineup to record an at-bat")
	}

	atBat, err := a.repo.CreateAtBat(ctx, game, req)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("game_id", gameID).
		Str("player_id", req.PlayerID).
		Str("result", req.Result).
		Msg("recorded at-bat")
	return atBat, nil
}

// ListAtBats returns a game's at-bats
func (a *App) ListAtBats(ctx context.Context, callerID string, owner Owner, gameID string) ([]models.AtBat, error) {
	if err := a.authorizeOwner(ctx, callerID, owner, authz.ActionView); err != nil {
		return nil, err
	}
	if _, err := a.repo.GetGame(ctx, owner, gameID); err != nil {
		return nil, err
	}
	return a.repo.ListAtBats(ctx, gameID)
}

// ListAtBatsForPlayer returns a player's at-bats across every game
func (a *App) ListAtBatsForPlayer(ctx context.Context, callerID, teamID, playerID string) ([]models.AtBat, error) {
	if _, err := a.authorizer.Authorize(ctx, callerID, authz.TeamScope(teamID), authz.ActionView); err != nil {
		return nil, err
	}
	if _, err := a.repo.GetPlayer(ctx, teamID, playerID); err != nil {
		return nil, err
	}
	return a.repo.ListAtBatsForPlayer(ctx, playerID)
}

// ListStatsForUser totals the at-bats of every player linked to the user
func (a *App) ListStatsForUser(ctx context.Context, callerID, userID string) (StatLine, error) {
	if err := a.authorizer.AuthorizeSelf(callerID, userID); err != nil {
		return StatLine{}, err
	}
	players, err := a.repo.ListPlayersForUser(ctx, userID)
	if err != nil {
		return StatLine{}, err
	}
	var atBats []models.AtBat
	for _, p := range players {
		abs, err := a.repo.ListAtBatsForPlayer(ctx, p.PlayerID)
		if err != nil {
			return StatLine{}, err
		}
		atBats = append(atBats, abs...)
	}
	return Tally(userID, len(players), atBats), nil
}

func (a *App) authorizeOwner(ctx context.Context, callerID string, owner Owner, action authz.Action) error {
	var scope authz.Scope
	switch owner.Type {
	case catalog.OwnerTeam:
		scope = authz.TeamScope(owner.ID)
	case catalog.OwnerLeague:
		scope = authz.LeagueScope(owner.ID)
	default:
		return catalog.ValidationErrorf("unknown owner type %q", owner.Type)
	}
	if owner.ID == "" {
		return catalog.ValidationErrorf("owner id is required")
	}
	_, err := a.authorizer.Authorize(ctx, callerID, scope, action)
	return err
}

func validateLineup(lineup []models.LineupSlot) error {
	seen := make(map[string]bool, len(lineup))
	for _, slot := range lineup {
		if slot.PlayerID == "" {
			return catalog.ValidationErrorf("lineup slot without a player")
		}
		if slot.BattingOrder < 1 {
			return catalog.ValidationErrorf("battingOrder must be 1 or greater")
		}
		if seen[slot.PlayerID] {
			return catalog.ValidationErrorf("player %s appears twice in the lineup", slot.PlayerID)
		}
		seen[slot.PlayerID] = true
	}
	return nil
}

func validateAtBat(req RecordAtBatRequest) error {
	switch {
	case req.TeamID == "" || req.PlayerID == "":
		return catalog.ValidationErrorf("teamId and playerId are required")
	case !slices.Contains(catalog.AtBatResults, req.Result):
		return catalog.ValidationErrorf("result must be one of %s", strings.Join(catalog.AtBatResults, ", "))
	case req.Inning < 1 || req.Inning > 20:
		return catalog.ValidationErrorf("inning must be between 1 and 20")
	case req.Outs < 0 || req.Outs > 2:
		return catalog.ValidationErrorf("outs must be between 0 and 2")
	case req.RBIs < 0 || req.RBIs > 4:
		return catalog.ValidationErrorf("rbis must be between 0 and 4")
	case req.BattingOrder < 0:
		return catalog.ValidationErrorf("battingOrder must be 1 or greater")
	}
	return nil
}
