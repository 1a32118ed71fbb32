package games

import (
	"time"

	"github.com/mcdev12/hacktracker/go/internal/models"
)

// Owner addresses the team or league a season or game belongs to.
type Owner struct {
	Type string `json:"ownerType" validate:"required"`
	ID   string `json:"ownerId" validate:"required"`
}

// CreateSeasonRequest represents the data needed to create a new season
type CreateSeasonRequest struct {
	Owner     Owner  `json:"owner"`
	Name      string `json:"name" validate:"required"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// CreateGameRequest represents the data needed to schedule a game
type CreateGameRequest struct {
	Owner          Owner      `json:"owner"`
	SeasonID       string     `json:"seasonId" validate:"required"`
	HomeTeamID     string     `json:"homeTeamId,omitempty"`
	AwayTeamID     string     `json:"awayTeamId,omitempty"`
	ScheduledStart *time.Time `json:"scheduledStart,omitempty"`
	Location       string     `json:"location,omitempty"`
}

// UpdateGameRequest represents the data that can be updated for a game.
// Nil fields are left as they are.
type UpdateGameRequest struct {
	Status          *string              `json:"status,omitempty"`
	HomeScore       *int                 `json:"homeScore,omitempty"`
	AwayScore       *int                 `json:"awayScore,omitempty"`
	ScheduledStart  *time.Time           `json:"scheduledStart,omitempty"`
	Location        *string              `json:"location,omitempty"`
	Lineup          *[]models.LineupSlot `json:"lineup,omitempty"`
	ExpectedVersion int64                `json:"expectedVersion,omitempty"`
}

// RecordAtBatRequest represents one plate appearance
type RecordAtBatRequest struct {
	TeamID       string `json:"teamId" validate:"required"`
	PlayerID     string `json:"playerId" validate:"required"`
	Result       string `json:"result" validate:"required"`
	Inning       int    `json:"inning" validate:"required"`
	Outs         int    `json:"outs"`
	RBIs         int    `json:"rbis"`
	BattingOrder int    `json:"battingOrder,omitempty"`
	HitLocation  string `json:"hitLocation,omitempty"`
	HitType      string `json:"hitType,omitempty"`
}

// StatLine totals a user's plate appearances across every player linked
// to them.
type StatLine struct {
	UserID           string  `json:"userId"`
	Players          int     `json:"players"`
	PlateAppearances int     `json:"plateAppearances"`
	AtBats           int     `json:"atBats"`
	Hits             int     `json:"hits"`
	Singles          int     `json:"singles"`
	Doubles          int     `json:"doubles"`
	Triples          int     `json:"triples"`
	HomeRuns         int     `json:"homeRuns"`
	Walks            int     `json:"walks"`
	HitByPitch       int     `json:"hitByPitch"`
	Strikeouts       int     `json:"strikeouts"`
	SacrificeFlies   int     `json:"sacrificeFlies"`
	RBIs             int     `json:"rbis"`
	Average          float64 `json:"avg"`
	OnBase           float64 `json:"obp"`
	Slugging         float64 `json:"slg"`
}
