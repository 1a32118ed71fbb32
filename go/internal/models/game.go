package models

import "time"

// Ownership is shared by seasons and games. Mirrors carry the source league
// and the team they were copied to.
type Ownership struct {
	OwnerType           string     `json:"ownerType"`
	OwnerID             string     `json:"ownerId"`
	IsEditable          bool       `json:"isEditable"`
	InheritedFromLeague bool       `json:"inheritedFromLeague"`
	Origin              string     `json:"origin,omitempty"`
	SourceLeagueID      string     `json:"sourceLeagueId,omitempty"`
	SourceVersion       int64      `json:"sourceVersion,omitempty"`
	TeamID              string     `json:"teamId,omitempty"`
	MirroredAt          *time.Time `json:"mirroredAt,omitempty"`
	PromotedAt          *time.Time `json:"promotedAt,omitempty"`
}

// Season is a named span of games owned by a team or league.
type Season struct {
	Ownership
	SeasonID  string    `json:"seasonId"`
	Name      string    `json:"name"`
	StartDate string    `json:"startDate,omitempty"`
	EndDate   string    `json:"endDate,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"-"`
}

// LineupSlot places a player in the batting order.
type LineupSlot struct {
	PlayerID     string `json:"playerId"`
	BattingOrder int    `json:"battingOrder"`
}

// Game is one game of a season.
type Game struct {
	Ownership
	GameID         string       `json:"gameId"`
	SeasonID       string       `json:"seasonId"`
	HomeTeamID     string       `json:"homeTeamId,omitempty"`
	AwayTeamID     string       `json:"awayTeamId,omitempty"`
	HomeScore      int          `json:"homeScore"`
	AwayScore      int          `json:"awayScore"`
	ScheduledStart *time.Time   `json:"scheduledStart,omitempty"`
	Location       string       `json:"location,omitempty"`
	Lineup         []LineupSlot `json:"lineup,omitempty"`
	Status         string       `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	Version        int64        `json:"-"`
}

// AtBat is one plate appearance of a player in a game.
type AtBat struct {
	GameID       string    `json:"gameId"`
	AtBatID      string    `json:"atBatId"`
	PlayerID     string    `json:"playerId"`
	TeamID       string    `json:"teamId"`
	Result       string    `json:"result"`
	HitLocation  string    `json:"hitLocation,omitempty"`
	HitType      string    `json:"hitType,omitempty"`
	Inning       int       `json:"inning"`
	Outs         int       `json:"outs"`
	RBIs         int       `json:"rbis"`
	BattingOrder int       `json:"battingOrder,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Version      int64     `json:"-"`
}
