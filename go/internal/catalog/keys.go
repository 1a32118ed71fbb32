package catalog

import (
	"strings"
	"time"
)

const (
	prefixUser        = "USER#"
	prefixTeam        = "TEAM#"
	prefixLeague      = "LEAGUE#"
	prefixGame        = "GAME#"
	prefixSeason      = "SEASON#"
	prefixPlayer      = "PLAYER#"
	prefixAtBat       = "ATBAT#"
	prefixInvite      = "INVITE#"
	prefixAudit       = "AUDIT#"
	prefixIdempotency = "IDEMPOTENCY#"

	sortMetadata  = "METADATA"
	sortFreeAgent = "FREEAGENT"
)

// Sort key prefixes usable with partition queries.
const (
	SortPrefixSeason = prefixSeason
	SortPrefixGame   = prefixGame
	SortPrefixPlayer = prefixPlayer
	SortPrefixInvite = prefixInvite
	SortPrefixTeam   = prefixTeam
	SortPrefixLeague = prefixLeague
	SortPrefixAtBat  = prefixAtBat

	SortKeyMetadata  = sortMetadata
	SortKeyFreeAgent = sortFreeAgent
)

// BuildKey derives the primary key of an entity from its identifying parts,
// in the order declared by the entity's schema (Schema.KeyFields).
func BuildKey(t EntityType, ids ...string) (Key, error) {
	s, err := SchemaFor(t)
	if err != nil {
		return Key{}, err
	}
	if len(ids) != len(s.KeyFields) {
		return Key{}, SchemaErrorf("%s key takes %d parts (%s), got %d",
			t, len(s.KeyFields), strings.Join(s.KeyFields, ", "), len(ids))
	}
	for i, id := range ids {
		if id == "" {
			return Key{}, ValidationErrorf("%s key part %s is empty", t, s.KeyFields[i])
		}
		if strings.Contains(id, "#") {
			return Key{}, ValidationErrorf("%s key part %s must not contain '#'", t, s.KeyFields[i])
		}
	}
	return s.key(ids)
}

// KeyFromAttributes derives the primary key from the key fields present in attrs.
// A league mirror keeps the league as its owner but lives under the team that
// holds it, so its key is built from teamId.
func KeyFromAttributes(t EntityType, attrs Attributes) (Key, error) {
	s, err := SchemaFor(t)
	if err != nil {
		return Key{}, err
	}
	mirrored := s.Mirrorable && attrs.Bool(AttrInheritedFromLeague)
	if mirrored && attrs.IsNull("teamId") {
		return Key{}, ValidationErrorf("%s mirror has no teamId", t)
	}
	ids := make([]string, len(s.KeyFields))
	for i, f := range s.KeyFields {
		switch {
		case mirrored && f == AttrOwnerType:
			ids[i] = OwnerTeam
		case mirrored && f == AttrOwnerID:
			ids[i] = attrs.String("teamId")
		default:
			ids[i] = attrs.String(f)
		}
	}
	return BuildKey(t, ids...)
}

// PartitionFor returns the partition key of a scope (team or league) or
// owner, used for partition queries such as "all seasons of a team".
func PartitionFor(scopeType, id string) (string, error) {
	prefix, err := scopePrefix(scopeType)
	if err != nil {
		return "", err
	}
	return prefix + id, nil
}

// UserPartition returns the partition holding a user's profile, memberships
// and free-agent listing.
func UserPartition(userID string) string {
	return prefixUser + userID
}

// GamePartition returns the partition holding a game's at-bats.
func GamePartition(gameID string) string {
	return prefixGame + gameID
}

// AuditKey builds the key of an audit record written at ts.
func AuditKey(ts time.Time, id string) Key {
	ts = ts.UTC()
	return Key{
		PK: prefixAudit + ts.Format("2006-01-02"),
		SK: ts.Format(time.RFC3339Nano) + "#" + id,
	}
}

// AuditPartition returns the partition of audit records written on day.
func AuditPartition(day time.Time) string {
	return prefixAudit + day.UTC().Format("2006-01-02")
}

// IdempotencyKey builds the key of the record guarding a caller-supplied
// idempotency token.
func IdempotencyKey(token string) Key {
	return Key{PK: prefixIdempotency + token, SK: sortMetadata}
}

func scopePrefix(scopeType string) (string, error) {
	switch scopeType {
	case ScopeTeam:
		return prefixTeam, nil
	case ScopeLeague:
		return prefixLeague, nil
	default:
		return "", ValidationErrorf("unknown scope type %q", scopeType)
	}
}
