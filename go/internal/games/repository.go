package games

import (
	"context"
	"fmt"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/models"
)

// Repository implements season, game and at-bat data access on top of the catalog
type Repository struct {
	entities *entities.App
}

// NewRepository creates a new games repository
func NewRepository(app *entities.App) *Repository {
	return &Repository{
		entities: app,
	}
}

// CreateSeason writes a new season
func (r *Repository) CreateSeason(ctx context.Context, req CreateSeasonRequest) (*models.Season, error) {
	attrs := catalog.Attributes{
		catalog.AttrOwnerType: req.Owner.Type,
		catalog.AttrOwnerID:   req.Owner.ID,
		"name":                req.Name,
	}
	if req.StartDate != "" {
		attrs["startDate"] = req.StartDate
	}
	if req.EndDate != "" {
		attrs["endDate"] = req.EndDate
	}
	e, err := r.entities.CreateEntity(ctx, catalog.EntitySeason, attrs, "")
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Season](e)
}

// GetSeason retrieves a season of an owner, including mirrors on a team
func (r *Repository) GetSeason(ctx context.Context, owner Owner, seasonID string) (*models.Season, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntitySeason, owner.Type, owner.ID, seasonID)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Season](e)
}

// CreateGame writes a new scheduled game
func (r *Repository) CreateGame(ctx context.Context, req CreateGameRequest) (*models.Game, error) {
	attrs := catalog.Attributes{
		catalog.AttrOwnerType: req.Owner.Type,
		catalog.AttrOwnerID:   req.Owner.ID,
		"seasonId":            req.SeasonID,
	}
	if req.HomeTeamID != "" {
		attrs["homeTeamId"] = req.HomeTeamID
	}
	if req.AwayTeamID != "" {
		attrs["awayTeamId"] = req.AwayTeamID
	}
	if req.ScheduledStart != nil {
		attrs["scheduledStart"] = catalog.FormatTime(*req.ScheduledStart)
	}
	if req.Location != "" {
		attrs["location"] = req.Location
	}
	e, err := r.entities.CreateEntity(ctx, catalog.EntityGame, attrs, "")
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Game](e)
}

// GetGame retrieves a game of an owner
func (r *Repository) GetGame(ctx context.Context, owner Owner, gameID string) (*models.Game, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntityGame, owner.Type, owner.ID, gameID)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Game](e)
}

// UpdateGame applies a patch to the game's editable fields
func (r *Repository) UpdateGame(ctx context.Context, owner Owner, gameID string, patch catalog.Attributes, expectedVersion int64) (*models.Game, error) {
	e, err := r.entities.UpdateEntity(ctx, catalog.EntityGame, []string{owner.Type, owner.ID, gameID}, patch, expectedVersion)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Game](e)
}

// ListGames returns an owner's games, mirrors included
func (r *Repository) ListGames(ctx context.Context, owner Owner) ([]models.Game, error) {
	partition, err := catalog.PartitionFor(owner.Type, owner.ID)
	if err != nil {
		return nil, err
	}
	records, err := r.entities.QueryAll(ctx, entities.PatternPartition, entities.PatternKey{
		Partition:  partition,
		SortPrefix: catalog.SortPrefixGame,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	return models.FromEntities[models.Game](records)
}

// GetTeam retrieves an active team
func (r *Repository) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntityTeam, id)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Team](e)
}

// GetPlayer retrieves an active player of a team
func (r *Repository) GetPlayer(ctx context.Context, teamID, playerID string) (*models.Player, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntityPlayer, teamID, playerID)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Player](e)
}

// CreateAtBat writes the at-bat on condition that the game is unchanged
// since it was read as in progress.
func (r *Repository) CreateAtBat(ctx context.Context, game *models.Game, req RecordAtBatRequest) (*models.AtBat, error) {
	attrs := catalog.Attributes{
		"gameId":   game.GameID,
		"playerId": req.PlayerID,
		"teamId":   req.TeamID,
		"result":   req.Result,
		"inning":   req.Inning,
		"outs":     req.Outs,
		"rbis":     req.RBIs,
	}
	if req.BattingOrder > 0 {
		attrs["battingOrder"] = req.BattingOrder
	}
	if req.HitLocation != "" {
		attrs["hitLocation"] = req.HitLocation
	}
	if req.HitType != "" {
		attrs["hitType"] = req.HitType
	}
	atBat, err := r.entities.NewEntity(catalog.EntityAtBat, attrs)
	if err != nil {
		return nil, err
	}
	gameKey, err := catalog.BuildKey(catalog.EntityGame, game.OwnerType, game.OwnerID, game.GameID)
	if err != nil {
		return nil, err
	}
	res, err := r.entities.Coordinator().ExecuteAtomic(ctx, []kv.WriteOp{
		kv.Create(atBat),
		kv.CheckVersion(gameKey, game.Version),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record at-bat: %w", err)
	}
	atBat.Version = res.Events[0].Version
	return models.FromEntity[models.AtBat](atBat)
}

// ListAtBats returns a game's at-bats
func (r *Repository) ListAtBats(ctx context.Context, gameID string) ([]models.AtBat, error) {
	records, err := r.entities.QueryAll(ctx, entities.PatternPartition, entities.PatternKey{
		Partition:  catalog.GamePartition(gameID),
		SortPrefix: catalog.SortPrefixAtBat,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list at-bats: %w", err)
	}
	return models.FromEntities[models.AtBat](records)
}

// ListAtBatsForPlayer returns a player's at-bats, oldest first
func (r *Repository) ListAtBatsForPlayer(ctx context.Context, playerID string) ([]models.AtBat, error) {
	records, err := r.entities.QueryAll(ctx, string(catalog.IndexPlayerAtBats), entities.PatternKey{
		Partition: catalog.PlayerAtBatsPartition(playerID),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list player at-bats: %w", err)
	}
	return models.FromEntities[models.AtBat](records)
}

// ListPlayersForUser returns every roster slot linked to a user
func (r *Repository) ListPlayersForUser(ctx context.Context, userID string) ([]models.Player, error) {
	records, err := r.entities.QueryAll(ctx, string(catalog.IndexUserPlayers), entities.PatternKey{
		Partition: catalog.UserPlayersPartition(userID),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list user players: %w", err)
	}
	return models.FromEntities[models.Player](records)
}
