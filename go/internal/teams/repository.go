package teams

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/hacktracker/go/internal/authz"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/models"
)

// Repository implements team data access on top of the catalog
type Repository struct {
	entities *entities.App
}

// NewRepository creates a new teams repository
func NewRepository(app *entities.App) *Repository {
	return &Repository{
		entities: app,
	}
}

// CreateTeamWithOwner writes the team and its single owner membership together
func (r *Repository) CreateTeamWithOwner(ctx context.Context, ownerID string, req CreateTeamRequest) (*models.Team, error) {
	attrs := catalog.Attributes{"name": req.Name, "ownerId": ownerID}
	if req.Description != "" {
		attrs["description"] = req.Description
	}
	team, err := r.entities.NewEntity(catalog.EntityTeam, attrs)
	if err != nil {
		return nil, err
	}
	membership, err := r.entities.NewEntity(catalog.EntityMembership, catalog.Attributes{
		"userId":    ownerID,
		"scopeType": catalog.ScopeTeam,
		"scopeId":   team.Attrs.String("teamId"),
		"role":      string(authz.RoleTeamOwner),
		"joinedAt":  catalog.FormatTime(r.entities.Clock().Now()),
	})
	if err != nil {
		return nil, err
	}
	created, err := r.entities.CreateMany(ctx, []catalog.Entity{team, membership}, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create team: %w", err)
	}
	return models.FromEntity[models.Team](created[0])
}

// GetTeam retrieves a team by ID
func (r *Repository) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntityTeam, id)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Team](e)
}

// UpdateTeam applies a patch to the team's editable fields
func (r *Repository) UpdateTeam(ctx context.Context, id string, patch catalog.Attributes, expectedVersion int64) (*models.Team, error) {
	e, err := r.entities.UpdateEntity(ctx, catalog.EntityTeam, []string{id}, patch, expectedVersion)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Team](e)
}

// UserEmail returns the email of an active user
func (r *Repository) UserEmail(ctx context.Context, userID string) (string, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntityUser, userID)
	if err != nil {
		return "", err
	}
	return e.Attrs.String("email"), nil
}

// CreatePlayer writes a new ghost player
func (r *Repository) CreatePlayer(ctx context.Context, teamID string, req AddPlayerRequest) (*models.Player, error) {
	attrs := catalog.Attributes{"teamId": teamID, "firstName": req.FirstName}
	if req.LastName != "" {
		attrs["lastName"] = req.LastName
	}
	if req.PlayerNumber != nil {
		attrs["playerNumber"] = *req.PlayerNumber
	}
	if len(req.Positions) > 0 {
		attrs["positions"] = req.Positions
	}
	e, err := r.entities.CreateEntity(ctx, catalog.EntityPlayer, attrs, "")
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Player](e)
}

// GetPlayer retrieves a player of a team
func (r *Repository) GetPlayer(ctx context.Context, teamID, playerID string) (*models.Player, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntityPlayer, teamID, playerID)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Player](e)
}

// SetPlayerUser links the player to userID, or unlinks it when userID is
// empty. Linking requires a ghost; unlinking requires a linked player.
func (r *Repository) SetPlayerUser(ctx context.Context, teamID, playerID, userID string) (*models.Player, error) {
	key, err := catalog.BuildKey(catalog.EntityPlayer, teamID, playerID)
	if err != nil {
		return nil, err
	}
	e, err := r.entities.Mutate(ctx, catalog.EntityPlayer, key, func(attrs catalog.Attributes) error {
		if attrs.String(catalog.AttrStatus) == catalog.StatusDeleted {
			return catalog.NotFoundErrorf("player %s", playerID)
		}
		ghost := attrs.IsNull("userId")
		switch {
		case userID != "" && !ghost:
			return catalog.ConflictErrorf("player %s is already linked", playerID)
		case userID == "" && ghost:
			return catalog.ConflictErrorf("player %s is not linked", playerID)
		case userID == "":
			attrs["userId"] = nil
		default:
			attrs["userId"] = userID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Player](e)
}

// ListPlayers returns the active roster of a team
func (r *Repository) ListPlayers(ctx context.Context, teamID string) ([]models.Player, error) {
	partition, err := catalog.PartitionFor(catalog.ScopeTeam, teamID)
	if err != nil {
		return nil, err
	}
	records, err := r.entities.QueryAll(ctx, entities.PatternPartition, entities.PatternKey{
		Partition:  partition,
		SortPrefix: catalog.SortPrefixPlayer,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	return models.FromEntities[models.Player](records)
}

// CreateInvite writes a pending invite
func (r *Repository) CreateInvite(ctx context.Context, teamID, invitedBy string, req CreateInviteRequest, expiresAt time.Time) (*models.Invite, error) {
	e, err := r.entities.CreateEntity(ctx, catalog.EntityInvite, catalog.Attributes{
		"scopeType": catalog.ScopeTeam,
		"scopeId":   teamID,
		"email":     req.Email,
		"role":      req.Role,
		"expiresAt": catalog.FormatTime(expiresAt),
		"invitedBy": invitedBy,
	}, "")
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Invite](e)
}

// GetInvite retrieves an invite of a team
func (r *Repository) GetInvite(ctx context.Context, teamID, inviteID string) (*models.Invite, error) {
	e, err := r.entities.GetEntity(ctx, catalog.EntityInvite, catalog.ScopeTeam, teamID, inviteID)
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Invite](e)
}

// AcceptInvite marks a pending invite accepted and creates the membership it
// grants in one transaction.
func (r *Repository) AcceptInvite(ctx context.Context, teamID, inviteID, userID string) (*models.Membership, error) {
	key, err := catalog.BuildKey(catalog.EntityInvite, catalog.ScopeTeam, teamID, inviteID)
	if err != nil {
		return nil, err
	}
	current, err := r.entities.Lookup(ctx, catalog.EntityInvite, key, false)
	if err != nil {
		return nil, err
	}
	now := r.entities.Clock().Now()
	inviteOp, _, err := r.entities.Prepare(current, func(attrs catalog.Attributes) error {
		if st := attrs.String(catalog.AttrStatus); st != catalog.InvitePending {
			return catalog.ConflictErrorf("invite %s is %s", inviteID, st)
		}
		attrs[catalog.AttrStatus] = catalog.InviteAccepted
		attrs["acceptedBy"] = userID
		attrs["acceptedAt"] = catalog.FormatTime(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	membership, err := r.entities.NewEntity(catalog.EntityMembership, catalog.Attributes{
		"userId":    userID,
		"scopeType": catalog.ScopeTeam,
		"scopeId":   teamID,
		"role":      current.Attrs.String("role"),
		"joinedAt":  catalog.FormatTime(now),
		"invitedBy": current.Attrs.String("invitedBy"),
	})
	if err != nil {
		return nil, err
	}
	res, err := r.entities.Coordinator().ExecuteAtomic(ctx, []kv.WriteOp{kv.Create(membership), inviteOp})
	if err != nil {
		return nil, fmt.Errorf("failed to accept invite: %w", err)
	}
	membership.Version = res.Events[0].Version
	return models.FromEntity[models.Membership](membership)
}

// SetInviteStatus moves a pending invite to status
func (r *Repository) SetInviteStatus(ctx context.Context, teamID, inviteID, status string) (*models.Invite, error) {
	key, err := catalog.BuildKey(catalog.EntityInvite, catalog.ScopeTeam, teamID, inviteID)
	if err != nil {
		return nil, err
	}
	e, err := r.entities.Mutate(ctx, catalog.EntityInvite, key, func(attrs catalog.Attributes) error {
		if st := attrs.String(catalog.AttrStatus); st != catalog.InvitePending {
			return catalog.ConflictErrorf("invite %s is %s", inviteID, st)
		}
		attrs[catalog.AttrStatus] = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return models.FromEntity[models.Invite](e)
}
