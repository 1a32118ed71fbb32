package models

import "time"

// Player is a roster slot on a team. A ghost player has no linked user.
type Player struct {
	TeamID       string     `json:"teamId"`
	PlayerID     string     `json:"playerId"`
	FirstName    string     `json:"firstName"`
	LastName     string     `json:"lastName,omitempty"`
	PlayerNumber *int       `json:"playerNumber,omitempty"`
	Positions    []string   `json:"positions,omitempty"`
	UserID       *string    `json:"userId"`
	IsGhost      bool       `json:"isGhost"`
	LinkedAt     *time.Time `json:"linkedAt,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	Version      int64      `json:"-"`
}
