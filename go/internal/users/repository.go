package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcdev12/hacktracker/go/internal/authz"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/models"
)

// Repository implements user data access on top of the catalog
type Repository struct {
	entities *entities.App
}

// NewRepository creates a new users repository
func NewRepository(app *entities.App) *Repository {
	return &Repository{
		entities: app,
	}
}

// CreateUserWithPersonalTeam writes the user, their personal team, the owner
// membership and a player linked to the user in one transaction. The subject
// doubles as idempotency token so a repeated registration replays the
// original write.
func (r *Repository) CreateUserWithPersonalTeam(ctx context.Context, req EnsureUserRequest) (*models.User, error) {
	now := catalog.FormatTime(r.entities.Clock().Now())

	userAttrs := catalog.Attributes{"userId": req.Subject, "email": req.Email}
	if req.FirstName != "" {
		userAttrs["firstName"] = req.FirstName
	}
	if req.LastName != "" {
		userAttrs["lastName"] = req.LastName
	}
	user, err := r.entities.NewEntity(catalog.EntityUser, userAttrs)
	if err != nil {
		return nil, err
	}
	team, err := r.entities.NewEntity(catalog.EntityTeam, catalog.Attributes{
		"name":       PersonalTeamName,
		"ownerId":    req.Subject,
		"isPersonal": true,
	})
	if err != nil {
		return nil, err
	}
	teamID := team.Attrs.String("teamId")
	membership, err := r.entities.NewEntity(catalog.EntityMembership, catalog.Attributes{
		"userId":    req.Subject,
		"scopeType": catalog.ScopeTeam,
		"scopeId":   teamID,
		"role":      string(authz.RoleTeamOwner),
		"joinedAt":  now,
	})
	if err != nil {
		return nil, err
	}
	player, err := r.entities.NewEntity(catalog.EntityPlayer, catalog.Attributes{
		"teamId":    teamID,
		"firstName": playerName(req),
		"userId":    req.Subject,
	})
	if err != nil {
		return nil, err
	}

	created, err := r.entities.CreateMany(ctx, []catalog.Entity{user, team, membership, player}, "register:"+req.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return models.FromEntity[models.User](created[0])
}

func playerName(req EnsureUserRequest) string {
	if req.FirstName != "" {
		return req.FirstName
	}
	local, _, _ := strings.Cut(req.Email, "@")
	return local
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, id string, includeDeleted bool) (*models.User, error) {
	key, err := catalog.BuildKey(catalog.EntityUser, id)
	if err != nil {
		return nil, err
	}
	e, err := r.entities.Lookup(ctx, catalog.EntityUser, key, includeDeleted)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.User](e)
}

// UpdateUser applies a profile patch
func (r *Repository) UpdateUser(ctx context.Context, id string, patch catalog.Attributes, expectedVersion int64) (*models.User, error) {
	e, err := r.entities.UpdateEntity(ctx, catalog.EntityUser, []string{id}, patch, expectedVersion)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.User](e)
}

// ListMemberships returns the user's team and league memberships
func (r *Repository) ListMemberships(ctx context.Context, userID string) ([]models.Membership, error) {
	var out []catalog.Entity
	for _, prefix := range []string{catalog.SortPrefixTeam, catalog.SortPrefixLeague} {
		records, err := r.entities.QueryAll(ctx, entities.PatternPartition, entities.PatternKey{
			Partition:  catalog.UserPartition(userID),
			SortPrefix: prefix,
		}, false)
		if err != nil {
			return nil, fmt.Errorf("failed to list memberships: %w", err)
		}
		out = append(out, records...)
	}
	return models.FromEntities[models.Membership](out)
}

// GetFreeAgentListing retrieves the user's listing
func (r *Repository) GetFreeAgentListing(ctx context.Context, userID string) (*models.FreeAgentListing, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntityFreeAgentListing, userID)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.FreeAgentListing](e)
}

// CreateFreeAgentListing writes a new listing
func (r *Repository) CreateFreeAgentListing(ctx context.Context, userID string, req FreeAgentListingRequest) (*models.FreeAgentListing, error) {
	attrs := catalog.Attributes{"userId": userID, "region": req.Region, "position": req.Position}
	if req.Notes != "" {
		attrs["notes"] = req.Notes
	}
	e, err := r.entities.CreateEntity(ctx, catalog.EntityFreeAgentListing, attrs, "")
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.FreeAgentListing](e)
}

// UpdateFreeAgentListing replaces the editable fields of a listing
func (r *Repository) UpdateFreeAgentListing(ctx context.Context, userID string, req FreeAgentListingRequest, expectedVersion int64) (*models.FreeAgentListing, error) {
	e, err := r.entities.UpdateEntity(ctx, catalog.EntityFreeAgentListing, []string{userID}, catalog.Attributes{
		"region":   req.Region,
		"position": req.Position,
		"notes":    req.Notes,
	}, expectedVersion)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.FreeAgentListing](e)
}

// SearchFreeAgents reads one page of listings from the geo index
func (r *Repository) SearchFreeAgents(ctx context.Context, req SearchFreeAgentsRequest) ([]models.FreeAgentListing, string, error) {
	key := entities.PatternKey{Partition: catalog.RegionPartition(req.Region)}
	if req.Position != "" {
		key.SortPrefix = catalog.PositionSortPrefix(req.Position)
	}
	page, err := r.entities.QueryByPattern(ctx, string(catalog.IndexGeo), key, entities.Pagination{
		Limit:  req.Limit,
		Cursor: req.Cursor,
	})
	if err != nil {
		return nil, "", err
	}
	listings, err := models.FromEntities[models.FreeAgentListing](page.Items)
	if err != nil {
		return nil, "", err
	}
	return listings, page.NextCursor, nil
}
