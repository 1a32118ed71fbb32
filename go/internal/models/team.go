package models

import "time"

// Team owns players, invites and its own seasons and games. Personal teams
// hold the stats a user records outside any managed team.
type Team struct {
	TeamID      string     `json:"teamId"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	OwnerID     string     `json:"ownerId"`
	TeamType    string     `json:"teamType"`
	IsPersonal  bool       `json:"isPersonal"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	Version     int64      `json:"-"`
}

// Membership grants a user a role on a team or league.
type Membership struct {
	UserID    string     `json:"userId"`
	ScopeType string     `json:"scopeType"`
	ScopeID   string     `json:"scopeId"`
	Role      string     `json:"role"`
	Status    string     `json:"status"`
	JoinedAt  *time.Time `json:"joinedAt,omitempty"`
	InvitedBy string     `json:"invitedBy,omitempty"`
	Version   int64      `json:"-"`
}

// Invite offers a role on a team or league to an email address.
type Invite struct {
	ScopeType  string     `json:"scopeType"`
	ScopeID    string     `json:"scopeId"`
	InviteID   string     `json:"inviteId"`
	Email      string     `json:"email"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	InvitedBy  string     `json:"invitedBy,omitempty"`
	AcceptedBy string     `json:"acceptedBy,omitempty"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Version    int64      `json:"-"`
}
