package leagues

import (
	"context"
	"fmt"

	"github.com/mcdev12/hacktracker/go/internal/authz"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/models"
)

// Repository implements league data access on top of the catalog
type Repository struct {
	entities *entities.App
}

// NewRepository creates a new leagues repository
func NewRepository(app *entities.App) *Repository {
	return &Repository{
		entities: app,
	}
}

// CreateLeagueWithAdmin writes the league and the creator's admin membership together
func (r *Repository) CreateLeagueWithAdmin(ctx context.Context, adminID string, req CreateLeagueRequest) (*models.League, error) {
	attrs := catalog.Attributes{"name": req.Name, "adminUserId": adminID}
	if req.Description != "" {
		attrs["description"] = req.Description
	}
	league, err := r.entities.NewEntity(catalog.EntityLeague, attrs)
	if err != nil {
		return nil, err
	}
	membership, err := r.entities.NewEntity(catalog.EntityMembership, catalog.Attributes{
		"userId":    adminID,
		"scopeType": catalog.ScopeLeague,
		"scopeId":   league.Attrs.String("leagueId"),
		"role":      string(authz.RoleLeagueAdmin),
		"joinedAt":  catalog.FormatTime(r.entities.Clock().Now()),
	})
	if err != nil {
		return nil, err
	}
	created, err := r.entities.CreateMany(ctx, []catalog.Entity{league, membership}, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create league: %w", err)
	}
	return models.FromEntity[models.League](created[0])
}

// GetLeague retrieves a league by ID
func (r *Repository) GetLeague(ctx context.Context, id string, includeDeleted bool) (*models.League, error) {
	key, err := catalog.BuildKey(catalog.EntityLeague, id)
	if err != nil {
		return nil, err
	}
	e, err := r.entities.Lookup(ctx, catalog.EntityLeague, key, includeDeleted)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.League](e)
}

// UpdateLeague applies a patch to the league's editable fields
func (r *Repository) UpdateLeague(ctx context.Context, id string, patch catalog.Attributes, expectedVersion int64) (*models.League, error) {
	e, err := r.entities.UpdateEntity(ctx, catalog.EntityLeague, []string{id}, patch, expectedVersion)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.League](e)
}

// GetTeam retrieves an active team
func (r *Repository) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntityTeam, id)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Team](e)
}

// CreateLink links a team into a league
func (r *Repository) CreateLink(ctx context.Context, leagueID, teamID, linkedBy string) (*models.LeagueTeam, error) {
	e, err := r.entities.CreateEntity(ctx, catalog.EntityLeagueTeam, catalog.Attributes{
		"leagueId": leagueID,
		"teamId":   teamID,
		"linkedBy": linkedBy,
	}, "")
	if catalog.IsConflict(err) {
		return nil, catalog.ConflictErrorf("team %s is already linked to league %s", teamID, leagueID)
	}
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.LeagueTeam](e)
}

// DeleteLink removes a team's link. Mirrors already copied to the team stay.
func (r *Repository) DeleteLink(ctx context.Context, leagueID, teamID string) error {
	link, err := r.entities.GetEntity(ctx, catalog.EntityLeagueTeam, leagueID, teamID)
	if err != nil {
		return err
	}
	if _, err := r.entities.Coordinator().ExecuteAtomic(ctx, []kv.WriteOp{kv.DeleteVersion(link.Key, link.Version)}); err != nil {
		return fmt.Errorf("failed to withdraw team: %w", err)
	}
	return nil
}

// ListLinks returns the teams linked to a league
func (r *Repository) ListLinks(ctx context.Context, leagueID string) ([]models.LeagueTeam, error) {
	partition, err := catalog.PartitionFor(catalog.ScopeLeague, leagueID)
	if err != nil {
		return nil, err
	}
	records, err := r.entities.QueryAll(ctx, entities.PatternPartition, entities.PatternKey{
		Partition:  partition,
		SortPrefix: catalog.SortPrefixTeam,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list league teams: %w", err)
	}
	return models.FromEntities[models.LeagueTeam](records)
}
