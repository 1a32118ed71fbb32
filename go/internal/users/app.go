package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/authz"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/models"
)

// UsersRepository defines what the app layer needs from the repository
type UsersRepository interface {
	CreateUserWithPersonalTeam(ctx context.Context, req EnsureUserRequest) (*models.User, error)
	GetUser(ctx context.Context, id string, includeDeleted bool) (*models.User, error)
	UpdateUser(ctx context.Context, id string, patch catalog.Attributes, expectedVersion int64) (*models.User, error)
	ListMemberships(ctx context.Context, userID string) ([]models.Membership, error)
	GetFreeAgentListing(ctx context.Context, userID string) (*models.FreeAgentListing, error)
	CreateFreeAgentListing(ctx context.Context, userID string, req FreeAgentListingRequest) (*models.FreeAgentListing, error)
	UpdateFreeAgentListing(ctx context.Context, userID string, req FreeAgentListingRequest, expectedVersion int64) (*models.FreeAgentListing, error)
	SearchFreeAgents(ctx context.Context, req SearchFreeAgentsRequest) ([]models.FreeAgentListing, string, error)
}

// Lifecycle soft-deletes records.
type Lifecycle interface {
	SoftDelete(ctx context.Context, t catalog.EntityType, ids []string, expectedVersion int64, actor string) (catalog.Entity, error)
}

// App handles users business logic
type App struct {
	repo       UsersRepository
	authorizer *authz.Authorizer
	lifecycle  Lifecycle
}

// NewApp creates a new users App
func NewApp(repo UsersRepository, authorizer *authz.Authorizer, lifecycle Lifecycle) *App {
	return &App{
		repo:       repo,
		authorizer: authorizer,
		lifecycle:  lifecycle,
	}
}

// EnsureUser is called once the identity provider confirms a registration.
// It creates the user with their personal stats team, or returns the user
// when the subject is already registered.
func (a *App) EnsureUser(ctx context.Context, req EnsureUserRequest) (*models.User, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.FirstName = truncate(strings.TrimSpace(req.FirstName), 100)
	req.LastName = truncate(strings.TrimSpace(req.LastName), 100)
	if err := validateEnsureUserRequest(req); err != nil {
		return nil, err
	}

	existing, err := a.repo.GetUser(ctx, req.Subject, true)
	switch {
	case err == nil && existing.Status == catalog.StatusDeleted:
		return nil, catalog.ConflictErrorf("user %s has been deleted", req.Subject)
	case err == nil:
		return existing, nil
	case !catalog.IsNotFound(err):
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user, err := a.repo.CreateUserWithPersonalTeam(ctx, req)
	if catalog.IsConflict(err) {
		// A concurrent registration of the same subject won.
		log.Info().Str("user_id", req.Subject).Msg("user already registered")
		return a.repo.GetUser(ctx, req.Subject, false)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("user_id", user.UserID).Msg("created user with personal team")
	return user, nil
}

// GetUser retrieves a user by ID
func (a *App) GetUser(ctx context.Context, callerID, id string) (*models.User, error) {
	if err := a.authorizer.AuthorizeSelf(callerID, id); err != nil {
		return nil, err
	}
	user, err := a.repo.GetUser(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUser updates the caller's profile
func (a *App) UpdateUser(ctx context.Context, callerID, id string, req UpdateUserRequest) (*models.User, error) {
	if err := a.authorizer.AuthorizeSelf(callerID, id); err != nil {
		return nil, err
	}
	patch := catalog.Attributes{}
	for name, v := range map[string]*string{
		"displayName": req.DisplayName,
		"firstName":   req.FirstName,
		"lastName":    req.LastName,
	} {
		if v == nil {
			continue
		}
		s := strings.TrimSpace(*v)
		if len(s) > 100 {
			return nil, catalog.ValidationErrorf("%s must not exceed 100 characters", name)
		}
		patch[name] = s
	}
	if len(patch) == 0 {
		return nil, catalog.ValidationErrorf("no fields to update")
	}

	user, err := a.repo.UpdateUser(ctx, id, patch, req.ExpectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	log.Info().Str("user_id", id).Msg("updated user")
	return user, nil
}

// ListMemberships returns the teams and leagues the user belongs to
func (a *App) ListMemberships(ctx context.Context, callerID, id string) ([]models.Membership, error) {
	if err := a.authorizer.AuthorizeSelf(callerID, id); err != nil {
		return nil, err
	}
	return a.repo.ListMemberships(ctx, id)
}

// PutFreeAgentListing creates or replaces the caller's free-agent listing
func (a *App) PutFreeAgentListing(ctx context.Context, callerID string, req FreeAgentListingRequest) (*models.FreeAgentListing, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: no caller", authz.ErrAuthorizationDenied)
	}
	req.Region = strings.TrimSpace(req.Region)
	req.Position = strings.TrimSpace(req.Position)
	req.Notes = strings.TrimSpace(req.Notes)
	if req.Region == "" || req.Position == "" {
		return nil, catalog.ValidationErrorf("region and position are required")
	}
	if len(req.Notes) > 500 {
		return nil, catalog.ValidationErrorf("notes must not exceed 500 characters")
	}
	if _, err := a.repo.GetUser(ctx, callerID, false); err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	existing, err := a.repo.GetFreeAgentListing(ctx, callerID)
	if catalog.IsNotFound(err) {
		return a.repo.CreateFreeAgentListing(ctx, callerID, req)
	}
	if err != nil {
		return nil, err
	}
	return a.repo.UpdateFreeAgentListing(ctx, callerID, req, existing.Version)
}

// SearchFreeAgents lists free agents in a region, optionally for one position
func (a *App) SearchFreeAgents(ctx context.Context, req SearchFreeAgentsRequest) ([]models.FreeAgentListing, string, error) {
	if strings.TrimSpace(req.Region) == "" {
		return nil, "", catalog.ValidationErrorf("region is required")
	}
	return a.repo.SearchFreeAgents(ctx, req)
}

// DeleteUser soft-deletes the user, which anonymizes their personal data
func (a *App) DeleteUser(ctx context.Context, callerID, id string, expectedVersion int64) (*models.User, error) {
	if err := a.authorizer.AuthorizeSelf(callerID, id); err != nil {
		return nil, err
	}
	e, err := a.lifecycle.SoftDelete(ctx, catalog.EntityUser, []string{id}, expectedVersion, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete user: %w", err)
	}
	log.Info().Str("user_id", id).Msg("deleted user")
	return models.FromEntity[models.User](e)
}

func validateEnsureUserRequest(req EnsureUserRequest) error {
	if req.Subject == "" {
		return catalog.ValidationErrorf("subject is required")
	}
	local, domain, ok := strings.Cut(req.Email, "@")
	if !ok || local == "" || !strings.Contains(domain, ".") {
		return catalog.ValidationErrorf("email format is invalid")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
