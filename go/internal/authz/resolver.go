// Package authz resolves a membership's stored role string into permissions
// on every request. Only the role is ever persisted.
package authz

import "slices"

// Role is a declared membership role.
type Role string

const (
	RoleTeamOwner         Role = "team-owner"
	RoleTeamCoach         Role = "team-coach"
	RoleTeamScorekeeper   Role = "team-scorekeeper"
	RoleTeamPlayer        Role = "team-player"
	RoleTeamViewer        Role = "team-viewer"
	RoleLeagueAdmin       Role = "league-admin"
	RoleLeagueScorekeeper Role = "league-scorekeeper"
	RoleLeagueViewer      Role = "league-viewer"
	RoleSystemAdmin       Role = "system-admin"
)

// Action is an operation checked against a role.
type Action string

const (
	ActionView          Action = "view"
	ActionManageTeam    Action = "manage_team"
	ActionManageRoster  Action = "manage_roster"
	ActionDeleteTeam    Action = "delete_team"
	ActionInvite        Action = "invite"
	ActionManageGames   Action = "manage_games"
	ActionRecordStats   Action = "record_stats"
	ActionManageLeague  Action = "manage_league"
	ActionLinkTeams     Action = "link_teams"
	ActionDeleteLeague  Action = "delete_league"
	ActionManageMembers Action = "manage_members"
)

var policy = map[Role][]Action{
	RoleTeamOwner: {
		ActionView, ActionManageTeam, ActionManageRoster, ActionDeleteTeam, ActionInvite,
		ActionManageGames, ActionRecordStats, ActionManageMembers,
	},
	RoleTeamCoach: {
		ActionView, ActionManageTeam, ActionManageRoster, ActionInvite, ActionManageGames, ActionRecordStats,
	},
	RoleTeamScorekeeper: {ActionView, ActionRecordStats},
	RoleTeamPlayer:      {ActionView},
	RoleTeamViewer:      {ActionView},
	RoleLeagueAdmin: {
		ActionView, ActionManageLeague, ActionLinkTeams, ActionDeleteLeague, ActionInvite,
		ActionManageGames, ActionRecordStats, ActionManageMembers,
	},
	RoleLeagueScorekeeper: {ActionView, ActionRecordStats},
	RoleLeagueViewer:      {ActionView},
}

// Resolve reports whether role may perform action. Unknown roles and actions
// resolve to no permission.
func Resolve(role string, action string) bool {
	r := Role(role)
	if r == RoleSystemAdmin {
		return Known(Action(action))
	}
	return slices.Contains(policy[r], Action(action))
}

// Permissions returns the actions granted to role, nil for unknown roles.
func Permissions(role string) []Action {
	r := Role(role)
	if r == RoleSystemAdmin {
		return slices.Clone(allActions)
	}
	return slices.Clone(policy[r])
}

var allActions = []Action{
	ActionView, ActionManageTeam, ActionManageRoster, ActionDeleteTeam, ActionInvite, ActionManageGames,
	ActionRecordStats, ActionManageLeague, ActionLinkTeams, ActionDeleteLeague, ActionManageMembers,
}

// Known reports whether action is declared.
func Known(action Action) bool {
	return slices.Contains(allActions, action)
}

// ValidRole reports whether role is declared.
func ValidRole(role string) bool {
	if Role(role) == RoleSystemAdmin {
		return true
	}
	_, ok := policy[Role(role)]
	return ok
}

// ValidScopeRole reports whether role may be granted on a membership of
// scopeType ("team" or "league").
func ValidScopeRole(scopeType, role string) bool {
	switch Role(role) {
	case RoleTeamOwner, RoleTeamCoach, RoleTeamScorekeeper, RoleTeamPlayer, RoleTeamViewer:
		return scopeType == "team"
	case RoleLeagueAdmin, RoleLeagueScorekeeper, RoleLeagueViewer:
		return scopeType == "league"
	default:
		return false
	}
}
