package leagues

// CreateLeagueRequest represents the data needed to create a new league
type CreateLeagueRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
}

// UpdateLeagueRequest represents the data that can be updated for a league.
// Nil fields are left as they are.
type UpdateLeagueRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	ExpectedVersion int64   `json:"expectedVersion,omitempty"`
}
