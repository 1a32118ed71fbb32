package catalog

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Schema describes the attributes of one entity type. Schemas are static and
// registered once; see SchemaFor.
type Schema struct {
	Type EntityType
	// KeyFields are the attributes that make up the primary key, in BuildKey order.
	KeyFields []string
	// IDField is generated with a UUID on create when the caller omits it.
	IDField string
	// RequiredFields must be present and non-empty on create.
	RequiredFields []string
	// EditableFields may be changed by UpdateEntity.
	EditableFields []string
	// ReadonlyFields are rejected by UpdateEntity.
	ReadonlyFields []string
	// OptionalFields may be supplied on create but never edited.
	OptionalFields []string
	// Enums constrains string attributes to a fixed value set.
	Enums map[string][]string
	// PIIFields are scrubbed when the owning user is anonymized.
	PIIFields []string
	// DefaultStatus is applied on create when no status is given.
	DefaultStatus string
	// Mirrorable types are copied from leagues to linked teams.
	Mirrorable bool
	// StatusTransitions, when set, lists the statuses UpdateEntity may move
	// a record to from each status.
	StatusTransitions map[string][]string

	keyFn       func(ids []string) (Key, error)
	normalizeFn func(attrs Attributes, now time.Time) error
}

// systemFields are maintained by the catalog itself and are readonly for every type.
var systemFields = []string{
	AttrStatus,
	AttrCreatedAt,
	AttrUpdatedAt,
	AttrDeletedAt,
	AttrRecoveryToken,
	AttrLifecycleState,
	AttrRestoreStatus,
	"anonymizedAt",
}

// mirrorFields are carried by mirrorable records and never editable by callers.
var mirrorFields = []string{
	AttrIsEditable,
	AttrInheritedFromLeague,
	AttrOrigin,
	AttrSourceLeagueID,
	AttrSourceVersion,
	"teamId",
	"mirroredAt",
	"promotedAt",
}

// Statuses of games.
const (
	GameScheduled  = "scheduled"
	GameInProgress = "in_progress"
	GameFinal      = "final"
)

// Statuses of invites.
const (
	InvitePending  = "pending"
	InviteAccepted = "accepted"
	InviteRevoked  = "revoked"
	InviteExpired  = "expired"
)

// Team types. Personal teams are invisible containers for a user's own stats.
const (
	TeamManaged  = "MANAGED"
	TeamPersonal = "PERSONAL"
)

// AtBatResults lists the accepted plate appearance outcomes.
var AtBatResults = []string{"1B", "2B", "3B", "HR", "BB", "HBP", "K", "KL", "GO", "FO", "LO", "PO", "FC", "E", "SF", "SAC"}

var registry = map[EntityType]Schema{
	EntityUser: {
		Type:           EntityUser,
		KeyFields:      []string{"userId"},
		RequiredFields: []string{"userId", "email"},
		EditableFields: []string{"displayName", "firstName", "lastName"},
		ReadonlyFields: []string{"userId", "email"},
		PIIFields:      []string{"email", "displayName", "firstName", "lastName"},
		DefaultStatus:  StatusActive,
		Enums:          map[string][]string{AttrStatus: {StatusActive, StatusDeleted}},
		keyFn: func(ids []string) (Key, error) {
			return Key{PK: prefixUser + ids[0], SK: sortMetadata}, nil
		},
		normalizeFn: func(attrs Attributes, _ time.Time) error {
			attrs["email"] = strings.TrimSpace(attrs.String("email"))
			return nil
		},
	},
	EntityTeam: {
		Type:           EntityTeam,
		KeyFields:      []string{"teamId"},
		IDField:        "teamId",
		RequiredFields: []string{"teamId", "name", "ownerId"},
		EditableFields: []string{"name", "description"},
		ReadonlyFields: []string{"teamId", "ownerId", "isPersonal", "teamType"},
		DefaultStatus:  StatusActive,
		Enums: map[string][]string{
			AttrStatus: {StatusActive, StatusDeleted},
			"teamType": {TeamManaged, TeamPersonal},
		},
		keyFn: func(ids []string) (Key, error) {
			return Key{PK: prefixTeam + ids[0], SK: sortMetadata}, nil
		},
		normalizeFn: func(attrs Attributes, _ time.Time) error {
			if attrs.String("teamType") == TeamPersonal {
				attrs["isPersonal"] = true
			}
			if attrs.Bool("isPersonal") {
				attrs["teamType"] = TeamPersonal
			} else {
				attrs["isPersonal"] = false
				attrs["teamType"] = TeamManaged
			}
			return nil
		},
	},
	EntityMembership: {
		Type:           EntityMembership,
		KeyFields:      []string{"userId", "scopeType", "scopeId"},
		RequiredFields: []string{"userId", "scopeType", "scopeId", "role"},
		EditableFields: []string{"role"},
		ReadonlyFields: []string{"userId", "scopeType", "scopeId", "joinedAt", "invitedBy"},
		DefaultStatus:  StatusActive,
		Enums: map[string][]string{
			AttrStatus:  {StatusActive, StatusInactive, StatusDeleted},
			"scopeType": {ScopeTeam, ScopeLeague},
		},
		keyFn: func(ids []string) (Key, error) {
			prefix, err := scopePrefix(ids[1])
			if err != nil {
				return Key{}, err
			}
			return Key{PK: prefixUser + ids[0], SK: prefix + ids[2]}, nil
		},
	},
	EntityLeague: {
		Type:           EntityLeague,
		KeyFields:      []string{"leagueId"},
		IDField:        "leagueId",
		RequiredFields: []string{"leagueId", "name", "adminUserId"},
		EditableFields: []string{"name", "description"},
		ReadonlyFields: []string{"leagueId", "adminUserId", "promotionCompletedAt"},
		DefaultStatus:  StatusActive,
		Enums:          map[string][]string{AttrStatus: {StatusActive, StatusDeleted}},
		keyFn: func(ids []string) (Key, error) {
			return Key{PK: prefixLeague + ids[0], SK: sortMetadata}, nil
		},
	},
	EntityLeagueTeam: {
		Type:           EntityLeagueTeam,
		KeyFields:      []string{"leagueId", "teamId"},
		RequiredFields: []string{"leagueId", "teamId"},
		ReadonlyFields: []string{"leagueId", "teamId", "linkedBy"},
		OptionalFields: []string{"linkedBy"},
		DefaultStatus:  StatusActive,
		Enums:          map[string][]string{AttrStatus: {StatusActive, StatusDeleted}},
		keyFn: func(ids []string) (Key, error) {
			return Key{PK: prefixLeague + ids[0], SK: prefixTeam + ids[1]}, nil
		},
	},
	EntitySeason: {
		Type:           EntitySeason,
		KeyFields:      []string{AttrOwnerType, AttrOwnerID, "seasonId"},
		IDField:        "seasonId",
		RequiredFields: []string{AttrOwnerType, AttrOwnerID, "seasonId", "name"},
		EditableFields: []string{"name", "startDate", "endDate"},
		ReadonlyFields: append([]string{AttrOwnerType, AttrOwnerID, "seasonId"}, mirrorFields...),
		DefaultStatus:  StatusActive,
		Mirrorable:     true,
		Enums: map[string][]string{
			AttrStatus:    {StatusActive, StatusDeleted},
			AttrOwnerType: {OwnerTeam, OwnerLeague},
		},
		keyFn:       ownedKey(prefixSeason),
		normalizeFn: normalizeOwned,
	},
	EntityGame: {
		Type:           EntityGame,
		KeyFields:      []string{AttrOwnerType, AttrOwnerID, "gameId"},
		IDField:        "gameId",
		RequiredFields: []string{AttrOwnerType, AttrOwnerID, "gameId", "seasonId"},
		EditableFields: []string{"homeTeamId", "awayTeamId", "homeScore", "awayScore", AttrStatus, "scheduledStart", "location", "lineup"},
		ReadonlyFields: append([]string{AttrOwnerType, AttrOwnerID, "gameId", "seasonId"}, mirrorFields...),
		DefaultStatus:  GameScheduled,
		Mirrorable:     true,
		Enums: map[string][]string{
			AttrStatus:    {GameScheduled, GameInProgress, GameFinal, StatusDeleted},
			AttrOwnerType: {OwnerTeam, OwnerLeague},
		},
		StatusTransitions: map[string][]string{
			GameScheduled:  {GameInProgress},
			GameInProgress: {GameFinal},
		},
		keyFn:       ownedKey(prefixGame),
		normalizeFn: normalizeOwned,
	},
	EntityPlayer: {
		Type:           EntityPlayer,
		KeyFields:      []string{"teamId", "playerId"},
		IDField:        "playerId",
		RequiredFields: []string{"teamId", "playerId", "firstName"},
		EditableFields: []string{"firstName", "lastName", "playerNumber", AttrStatus, "positions"},
		ReadonlyFields: []string{"teamId", "playerId", "userId", "isGhost", "linkedAt"},
		PIIFields:      []string{"firstName", "lastName"},
		DefaultStatus:  StatusActive,
		Enums:          map[string][]string{AttrStatus: {StatusActive, StatusInactive, "sub", StatusDeleted}},
		keyFn: func(ids []string) (Key, error) {
			return Key{PK: prefixTeam + ids[0], SK: prefixPlayer + ids[1]}, nil
		},
		normalizeFn: NormalizePlayerLink,
	},
	EntityAtBat: {
		Type:           EntityAtBat,
		KeyFields:      []string{"gameId", "atBatId"},
		IDField:        "atBatId",
		RequiredFields: []string{"gameId", "atBatId", "playerId", "teamId", "result", "inning", "outs"},
		EditableFields: []string{"result", "hitLocation", "hitType", "inning", "outs", "rbis", "battingOrder"},
		ReadonlyFields: []string{"gameId", "atBatId", "playerId", "teamId"},
		DefaultStatus:  StatusActive,
		Enums: map[string][]string{
			AttrStatus: {StatusActive, StatusDeleted},
			"result":   AtBatResults,
		},
		keyFn: func(ids []string) (Key, error) {
			return Key{PK: prefixGame + ids[0], SK: prefixAtBat + ids[1]}, nil
		},
	},
	EntityInvite: {
		Type:           EntityInvite,
		KeyFields:      []string{"scopeType", "scopeId", "inviteId"},
		IDField:        "inviteId",
		RequiredFields: []string{"scopeType", "scopeId", "inviteId", "email", "role", "expiresAt"},
		EditableFields: []string{"role"},
		ReadonlyFields: []string{"scopeType", "scopeId", "inviteId", "email", "expiresAt", "invitedBy", "acceptedBy", "acceptedAt"},
		OptionalFields: []string{"invitedBy"},
		PIIFields:      []string{"email"},
		DefaultStatus:  InvitePending,
		Enums: map[string][]string{
			AttrStatus:  {InvitePending, InviteAccepted, InviteRevoked, InviteExpired, StatusDeleted},
			"scopeType": {ScopeTeam, ScopeLeague},
		},
		keyFn: func(ids []string) (Key, error) {
			prefix, err := scopePrefix(ids[0])
			if err != nil {
				return Key{}, err
			}
			return Key{PK: prefix + ids[1], SK: prefixInvite + ids[2]}, nil
		},
		normalizeFn: func(attrs Attributes, _ time.Time) error {
			attrs["email"] = strings.ToLower(strings.TrimSpace(attrs.String("email")))
			return nil
		},
	},
	EntityFreeAgentListing: {
		Type:           EntityFreeAgentListing,
		KeyFields:      []string{"userId"},
		RequiredFields: []string{"userId", "region", "position"},
		EditableFields: []string{"region", "position", "notes"},
		ReadonlyFields: []string{"userId"},
		PIIFields:      []string{"notes"},
		DefaultStatus:  StatusActive,
		Enums:          map[string][]string{AttrStatus: {StatusActive, StatusDeleted}},
		keyFn: func(ids []string) (Key, error) {
			return Key{PK: prefixUser + ids[0], SK: sortFreeAgent}, nil
		},
		normalizeFn: func(attrs Attributes, _ time.Time) error {
			attrs["region"] = strings.ToLower(strings.TrimSpace(attrs.String("region")))
			attrs["position"] = strings.ToUpper(strings.TrimSpace(attrs.String("position")))
			return nil
		},
	},
}

// SchemaFor returns the schema registered for t.
func SchemaFor(t EntityType) (Schema, error) {
	s, ok := registry[t]
	if !ok {
		return Schema{}, SchemaErrorf("unknown entity type %q", t)
	}
	return s, nil
}

// Types lists every public entity type in a stable order.
func Types() []EntityType {
	out := make([]EntityType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether name is an attribute of this type.
func (s Schema) Known(name string) bool {
	return slices.Contains(s.KeyFields, name) ||
		slices.Contains(s.RequiredFields, name) ||
		slices.Contains(s.EditableFields, name) ||
		slices.Contains(s.ReadonlyFields, name) ||
		slices.Contains(s.OptionalFields, name) ||
		slices.Contains(systemFields, name)
}

// IsEditable reports whether UpdateEntity may change name.
func (s Schema) IsEditable(name string) bool {
	return slices.Contains(s.EditableFields, name)
}

// IsReadonly reports whether name is protected from UpdateEntity.
func (s Schema) IsReadonly(name string) bool {
	if s.IsEditable(name) {
		return false
	}
	return slices.Contains(s.ReadonlyFields, name) ||
		slices.Contains(s.KeyFields, name) ||
		slices.Contains(s.OptionalFields, name) ||
		slices.Contains(systemFields, name)
}

// CheckEnums validates every enum-constrained attribute present in attrs.
func (s Schema) CheckEnums(attrs Attributes) error {
	for field, allowed := range s.Enums {
		v, ok := attrs[field]
		if !ok || v == nil {
			continue
		}
		str, isString := v.(string)
		if !isString || !slices.Contains(allowed, str) {
			return ValidationErrorf("%s.%s must be one of %s", s.Type, field, strings.Join(allowed, ", "))
		}
	}
	return nil
}

// CheckTransition validates a status change made through UpdateEntity.
func (s Schema) CheckTransition(from, to string) error {
	if s.StatusTransitions == nil || from == to {
		return nil
	}
	if !slices.Contains(s.StatusTransitions[from], to) {
		return ValidationErrorf("%s cannot move from %s to %s", s.Type, from, to)
	}
	return nil
}

// CheckRequired validates that every required attribute is set.
func (s Schema) CheckRequired(attrs Attributes) error {
	for _, f := range s.RequiredFields {
		if attrs.IsNull(f) {
			return ValidationErrorf("%s.%s is required", s.Type, f)
		}
	}
	return nil
}

// Normalize applies the type's derived-field rules in place.
func (s Schema) Normalize(attrs Attributes, now time.Time) error {
	if s.normalizeFn == nil {
		return nil
	}
	return s.normalizeFn(attrs, now)
}

func (s Schema) key(ids []string) (Key, error) {
	if s.keyFn == nil {
		return Key{}, SchemaErrorf("%s has no key layout", s.Type)
	}
	return s.keyFn(ids)
}

func ownedKey(sortPrefix string) func(ids []string) (Key, error) {
	return func(ids []string) (Key, error) {
		prefix, err := scopePrefix(ids[0])
		if err != nil {
			return Key{}, err
		}
		return Key{PK: prefix + ids[1], SK: sortPrefix + ids[2]}, nil
	}
}

// normalizeOwned sets the ownership flags of a source record. Mirrors are
// written by the mirroring engine and keep the flags it sets.
func normalizeOwned(attrs Attributes, _ time.Time) error {
	if attrs.Bool(AttrInheritedFromLeague) {
		attrs[AttrIsEditable] = false
		return nil
	}
	if _, ok := attrs[AttrIsEditable]; !ok {
		attrs[AttrIsEditable] = true
	}
	attrs[AttrInheritedFromLeague] = false
	return nil
}

// NormalizePlayerLink enforces that a player is a ghost exactly when it has no
// linked user, and that linkedAt is set exactly when it has one.
func NormalizePlayerLink(attrs Attributes, now time.Time) error {
	if attrs.IsNull("userId") {
		attrs["userId"] = nil
		attrs["isGhost"] = true
		attrs["linkedAt"] = nil
		return nil
	}
	attrs["isGhost"] = false
	if attrs.IsNull("linkedAt") {
		attrs["linkedAt"] = FormatTime(now)
	}
	return nil
}
