package models

import "github.com/mcdev12/hacktracker/go/internal/catalog"

// FromEntity decodes a catalog record into its model and stamps the version.
func FromEntity[T any, P interface {
	*T
	setVersion(int64)
}](e catalog.Entity) (*T, error) {
	m := P(new(T))
	if err := e.Attrs.Decode(m); err != nil {
		return nil, err
	}
	m.setVersion(e.Version)
	return (*T)(m), nil
}

// FromEntities decodes a slice of records.
func FromEntities[T any, P interface {
	*T
	setVersion(int64)
}](records []catalog.Entity) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, e := range records {
		m, err := FromEntity[T, P](e)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (m *User) setVersion(v int64)             { m.Version = v }
func (m *FreeAgentListing) setVersion(v int64) { m.Version = v }
func (m *Team) setVersion(v int64)             { m.Version = v }
func (m *Membership) setVersion(v int64)       { m.Version = v }
func (m *Invite) setVersion(v int64)           { m.Version = v }
func (m *League) setVersion(v int64)           { m.Version = v }
func (m *LeagueTeam) setVersion(v int64)       { m.Version = v }
func (m *Player) setVersion(v int64)           { m.Version = v }
func (m *Season) setVersion(v int64)           { m.Version = v }
func (m *Game) setVersion(v int64)             { m.Version = v }
func (m *AtBat) setVersion(v int64)            { m.Version = v }
