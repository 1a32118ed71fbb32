package catalog

import (
	"fmt"
	"strings"
)

// IndexName identifies one of the fixed secondary access patterns.
type IndexName string

const (
	// IndexIdentity looks a user up by the external authentication subject.
	IndexIdentity IndexName = "identity"
	// IndexByType lists records of one entity type.
	IndexByType IndexName = "by-type"
	// IndexGeo searches free-agent listings by region and position.
	IndexGeo IndexName = "geo"
	// IndexUserPlayers lists the roster slots linked to a user.
	IndexUserPlayers IndexName = "user-players"
	// IndexPlayerAtBats lists a player's at-bats in time order.
	IndexPlayerAtBats IndexName = "player-atbats"
)

// Indexes lists every secondary index in a stable order.
var Indexes = []IndexName{IndexIdentity, IndexByType, IndexGeo, IndexUserPlayers, IndexPlayerAtBats}

// ParseIndexName validates a pattern name supplied by a caller.
func ParseIndexName(s string) (IndexName, error) {
	for _, n := range Indexes {
		if string(n) == s {
			return n, nil
		}
	}
	return "", SchemaErrorf("unknown access pattern %q", s)
}

// IndexEntry is a derived key pair pointing back at a primary record.
type IndexEntry struct {
	Index IndexName `json:"index"`
	PK    string    `json:"pk"`
	SK    string    `json:"sk"`
}

// IdentityPartition is the index partition for an authentication subject.
func IdentityPartition(subject string) string {
	return "SUBJECT#" + subject
}

// TypePartition is the by-type index partition for t.
func TypePartition(t EntityType) string {
	return "ENTITY#" + string(t)
}

// OwnerSortPrefix is the by-type sort prefix selecting the seasons or games of
// one owner, e.g. every game of a league.
func OwnerSortPrefix(ownerType, ownerID string) string {
	return fmt.Sprintf("OWNER#%s#%s#", strings.ToUpper(ownerType), ownerID)
}

// MirrorSortPrefix is the by-type sort prefix selecting the live team mirrors
// of one league's seasons or games.
func MirrorSortPrefix(leagueID string) string {
	return "MIRROR#" + leagueID + "#"
}

// EmailSortPrefix is the by-type sort prefix selecting invites sent to email.
func EmailSortPrefix(email string) string {
	return "EMAIL#" + strings.ToLower(strings.TrimSpace(email)) + "#"
}

// RegionPartition is the geo index partition for a region.
func RegionPartition(region string) string {
	return "REGION#" + strings.ToLower(strings.TrimSpace(region))
}

// PositionSortPrefix narrows a geo query to one position.
func PositionSortPrefix(position string) string {
	return "POSITION#" + strings.ToUpper(strings.TrimSpace(position)) + "#"
}

// UserPlayersPartition is the user-players index partition for a user.
func UserPlayersPartition(userID string) string {
	return prefixUser + userID
}

// PlayerAtBatsPartition is the player-atbats index partition for a player.
func PlayerAtBatsPartition(playerID string) string {
	return prefixPlayer + playerID
}

// DeriveIndexEntries computes every secondary index entry the record
// qualifies for. The result is a pure function of the type and attributes, so
// writers recompute the full set on every put.
func DeriveIndexEntries(t EntityType, attrs Attributes) []IndexEntry {
	var out []IndexEntry
	switch t {
	case EntityUser:
		id := attrs.String("userId")
		out = append(out,
			IndexEntry{Index: IndexIdentity, PK: IdentityPartition(id), SK: prefixUser + id},
			IndexEntry{Index: IndexByType, PK: TypePartition(t), SK: "METADATA#" + id},
		)
	case EntityTeam:
		out = append(out, IndexEntry{Index: IndexByType, PK: TypePartition(t), SK: "METADATA#" + attrs.String("teamId")})
	case EntityLeague:
		out = append(out, IndexEntry{Index: IndexByType, PK: TypePartition(t), SK: "METADATA#" + attrs.String("leagueId")})
	case EntitySeason, EntityGame:
		sortPrefix, idField := prefixSeason, "seasonId"
		if t == EntityGame {
			sortPrefix, idField = prefixGame, "gameId"
		}
		// Live mirrors are listed by source league so promotion can find them
		// without walking team links; everything else is listed by owner.
		if attrs.Bool(AttrInheritedFromLeague) {
			out = append(out, IndexEntry{
				Index: IndexByType,
				PK:    TypePartition(t),
				SK:    MirrorSortPrefix(attrs.String(AttrSourceLeagueID)) + prefixTeam + attrs.String("teamId") + "#" + sortPrefix + attrs.String(idField),
			})
			break
		}
		out = append(out, IndexEntry{
			Index: IndexByType,
			PK:    TypePartition(t),
			SK:    OwnerSortPrefix(attrs.String(AttrOwnerType), attrs.String(AttrOwnerID)) + sortPrefix + attrs.String(idField),
		})
	case EntityInvite:
		out = append(out, IndexEntry{
			Index: IndexByType,
			PK:    TypePartition(t),
			SK:    EmailSortPrefix(attrs.String("email")) + prefixInvite + attrs.String("inviteId"),
		})
	case EntityFreeAgentListing:
		out = append(out, IndexEntry{
			Index: IndexGeo,
			PK:    RegionPartition(attrs.String("region")),
			SK:    PositionSortPrefix(attrs.String("position")) + prefixUser + attrs.String("userId"),
		})
	case EntityPlayer:
		if !attrs.IsNull("userId") {
			out = append(out, IndexEntry{
				Index: IndexUserPlayers,
				PK:    UserPlayersPartition(attrs.String("userId")),
				SK:    prefixPlayer + attrs.String("playerId"),
			})
		}
	case EntityAtBat:
		out = append(out, IndexEntry{
			Index: IndexPlayerAtBats,
			PK:    PlayerAtBatsPartition(attrs.String("playerId")),
			SK:    prefixAtBat + attrs.String(AttrCreatedAt) + "#" + attrs.String("atBatId"),
		})
	}
	return out
}
