package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies the kind of record stored in the catalog.
type EntityType string

const (
	EntityUser             EntityType = "USER"
	EntityTeam             EntityType = "TEAM"
	EntityMembership       EntityType = "MEMBERSHIP"
	EntityLeague           EntityType = "LEAGUE"
	EntityLeagueTeam       EntityType = "LEAGUE_TEAM"
	EntitySeason           EntityType = "SEASON"
	EntityGame             EntityType = "GAME"
	EntityPlayer           EntityType = "PLAYER"
	EntityAtBat            EntityType = "ATBAT"
	EntityInvite           EntityType = "INVITE"
	EntityFreeAgentListing EntityType = "FREE_AGENT_LISTING"

	// Internal record types, not exposed through CreateEntity.
	EntityAudit       EntityType = "AUDIT"
	EntityIdempotency EntityType = "IDEMPOTENCY"
)

// Status values shared by all entities. Some types add their own domain
// values (games, invites) on top of these.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusDeleted  = "deleted"
)

// Owner types for seasons and games.
const (
	OwnerTeam   = "team"
	OwnerLeague = "league"
)

// Scope types for memberships and invites.
const (
	ScopeTeam   = "team"
	ScopeLeague = "league"
)

// Well-known attribute names used outside a single entity schema.
const (
	AttrStatus              = "status"
	AttrCreatedAt           = "createdAt"
	AttrUpdatedAt           = "updatedAt"
	AttrDeletedAt           = "deletedAt"
	AttrRecoveryToken       = "recoveryToken"
	AttrLifecycleState      = "lifecycleState"
	AttrRestoreStatus       = "restoreStatus"
	AttrOwnerType           = "ownerType"
	AttrOwnerID             = "ownerId"
	AttrIsEditable          = "isEditable"
	AttrInheritedFromLeague = "inheritedFromLeague"
	AttrOrigin              = "origin"
	AttrSourceLeagueID      = "sourceLeagueId"
	AttrSourceVersion       = "sourceVersion"
)

// Key is the composite primary key of a record.
type Key struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func (k Key) String() string {
	return k.PK + "|" + k.SK
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.PK == "" && k.SK == ""
}

// Attributes holds the JSON-shaped attribute values of a record. Values are
// always one of nil, bool, float64, string, []any or map[string]any once
// normalized.
type Attributes map[string]any

// AttributesFrom converts a struct (or map) into normalized Attributes via its
// JSON encoding.
func AttributesFrom(v any) (Attributes, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	var attrs Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	if attrs == nil {
		attrs = Attributes{}
	}
	return attrs, nil
}

// Normalize returns a copy of a whose values have been passed through JSON so
// that every store backend reads back exactly what was written.
func (a Attributes) Normalize() (Attributes, error) {
	return AttributesFrom(map[string]any(a))
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Attributes:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// Decode copies the attributes into a typed model.
func (a Attributes) Decode(into any) error {
	data, err := json.Marshal(map[string]any(a))
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode attributes: %w", err)
	}
	return nil
}

// String returns the attribute as a string, or "" when absent or not a string.
func (a Attributes) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Bool returns the attribute as a bool, false when absent.
func (a Attributes) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Int returns a numeric attribute as int64.
func (a Attributes) Int(name string) (int64, bool) {
	switch n := a[name].(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// Time parses an RFC 3339 timestamp attribute.
func (a Attributes) Time(name string) (time.Time, bool) {
	s := a.String(name)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsNull reports whether the attribute is absent, nil or the empty string.
func (a Attributes) IsNull(name string) bool {
	v, ok := a[name]
	if !ok || v == nil {
		return true
	}
	s, isString := v.(string)
	return isString && s == ""
}

// FormatTime renders a timestamp the way the catalog stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Entity is a record read from or written to the catalog.
type Entity struct {
	Type    EntityType   `json:"type"`
	Key     Key          `json:"key"`
	Attrs   Attributes   `json:"attrs"`
	Indexes []IndexEntry `json:"indexes,omitempty"`
	Version int64        `json:"version"`
}

// IsDeleted reports whether the entity has been soft-deleted.
func (e Entity) IsDeleted() bool {
	return e.Attrs.String(AttrStatus) == StatusDeleted
}

// IsMirror reports whether the entity is a read-only copy of a league record.
func (e Entity) IsMirror() bool {
	return e.Attrs.Bool(AttrInheritedFromLeague) && !e.Attrs.Bool(AttrIsEditable)
}
