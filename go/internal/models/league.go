package models

import "time"

// League groups teams and owns the seasons and games mirrored onto them.
type League struct {
	LeagueID             string     `json:"leagueId"`
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	AdminUserID          string     `json:"adminUserId"`
	Status               string     `json:"status"`
	PromotionCompletedAt *time.Time `json:"promotionCompletedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	DeletedAt            *time.Time `json:"deletedAt,omitempty"`
	Version              int64      `json:"-"`
}

// LeagueTeam links a team into a league.
type LeagueTeam struct {
	LeagueID  string    `json:"leagueId"`
	TeamID    string    `json:"teamId"`
	LinkedBy  string    `json:"linkedBy,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	Version   int64     `json:"-"`
}
