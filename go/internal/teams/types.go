package teams

import "time"

// InviteTTL is how long an invite can be accepted.
const InviteTTL = 7 * 24 * time.Hour

// CreateTeamRequest represents the data needed to create a new team
type CreateTeamRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
}

// UpdateTeamRequest represents the data that can be updated for a team.
// Nil fields are left as they are.
type UpdateTeamRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	ExpectedVersion int64   `json:"expectedVersion,omitempty"`
}

// AddPlayerRequest represents a new roster slot
type AddPlayerRequest struct {
	FirstName    string   `json:"firstName" validate:"required"`
	LastName     string   `json:"lastName,omitempty"`
	PlayerNumber *int     `json:"playerNumber,omitempty"`
	Positions    []string `json:"positions,omitempty"`
}

// CreateInviteRequest represents an invitation to join a team
type CreateInviteRequest struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required"`
}
