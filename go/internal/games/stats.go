package games

import "github.com/mcdev12/hacktracker/go/internal/models"

// Tally folds at-bats into a stat line. Walks, hit-by-pitch and sacrifices
// are plate appearances but not at-bats.
func Tally(userID string, players int, atBats []models.AtBat) StatLine {
	s := StatLine{UserID: userID, Players: players}
	sacrifices := 0
	for _, ab := range atBats {
		s.PlateAppearances++
		s.RBIs += ab.RBIs
		switch ab.Result {
		case "1B":
			s.Singles++
		case "2B":
			s.Doubles++
		case "3B":
			s.Triples++
		case "HR":
			s.HomeRuns++
		case "BB":
			s.Walks++
		case "HBP":
			s.HitByPitch++
		case "K", "KL":
			s.Strikeouts++
		case "SF":
			s.SacrificeFlies++
		case "SAC":
			sacrifices++
		}
	}
	s.Hits = s.Singles + s.Doubles + s.Triples + s.HomeRuns
	s.AtBats = s.PlateAppearances - s.Walks - s.HitByPitch - s.SacrificeFlies - sacrifices
	if s.AtBats > 0 {
		s.Average = float64(s.Hits) / float64(s.AtBats)
		bases := s.Singles + 2*s.Doubles + 3*s.Triples + 4*s.HomeRuns
		s.Slugging = float64(bases) / float64(s.AtBats)
	}
	if d := s.AtBats + s.Walks + s.HitByPitch + s.SacrificeFlies; d > 0 {
		s.OnBase = float64(s.Hits+s.Walks+s.HitByPitch) / float64(d)
	}
	return s
}
