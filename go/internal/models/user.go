package models

import "time"

// User is a registered person, keyed by their identity-provider subject.
type User struct {
	UserID         string     `json:"userId"`
	Email          string     `json:"email"`
	DisplayName    string     `json:"displayName,omitempty"`
	FirstName      string     `json:"firstName,omitempty"`
	LastName       string     `json:"lastName,omitempty"`
	Status         string     `json:"status"`
	LifecycleState string     `json:"lifecycleState,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	Version        int64      `json:"-"`
}

// FreeAgentListing advertises a user looking for a team in a region.
type FreeAgentListing struct {
	UserID    string    `json:"userId"`
	Region    string    `json:"region"`
	Position  string    `json:"position"`
	Notes     string    `json:"notes,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"-"`
}
