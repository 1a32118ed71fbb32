package users

// PersonalTeamName names the team that holds a user's own stats.
const PersonalTeamName = "Personal Stats"

// EnsureUserRequest carries the identity provider's confirmed attributes.
type EnsureUserRequest struct {
	Subject   string `json:"subject" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// UpdateUserRequest represents the profile fields a user may change.
// Nil fields are left as they are.
type UpdateUserRequest struct {
	DisplayName     *string `json:"displayName,omitempty"`
	FirstName       *string `json:"firstName,omitempty"`
	LastName        *string `json:"lastName,omitempty"`
	ExpectedVersion int64   `json:"expectedVersion,omitempty"`
}

// FreeAgentListingRequest represents a user's free-agent advertisement.
type FreeAgentListingRequest struct {
	Region   string `json:"region" validate:"required"`
	Position string `json:"position" validate:"required"`
	Notes    string `json:"notes,omitempty"`
}

// SearchFreeAgentsRequest narrows a free-agent search to a region and,
// optionally, a position.
type SearchFreeAgentsRequest struct {
	Region   string `json:"region" validate:"required"`
	Position string `json:"position,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}
