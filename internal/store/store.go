// Package store defines the identity domain model shared by the webhook
// synchronizer, the authorization service and the REST API.
package store

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness constraint was violated.
	ErrConflict = errors.New("already exists")
)

// Protected role names seeded at migration time. These may never be deleted,
// even when the provider sends a role.deleted event for them.
const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"
)

// CanonicalRoleName normalises a provider-supplied role name: comparison is
// case-insensitive, storage is upper-case.
func CanonicalRoleName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// ProtectedRole reports whether the role name is part of the static seed set.
func ProtectedRole(name string) bool {
	name = CanonicalRoleName(name)
	return name == RoleAdmin || name == RoleUser
}

// User mirrors a provider user. ExternalID is the provider's identifier and
// is unique; users are never hard-deleted.
type User struct {
	ID         int64
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
	ImageURL   string
	CreatedAt  time.Time
}

// UserUpdate patches the mutable user fields; nil means "leave unchanged".
type UserUpdate struct {
	FirstName *string
	LastName  *string
	ImageURL  *string
}

type Organization struct {
	ID         int64
	ExternalID string
	Name       string
	Slug       string
	ImageURL   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type OrganizationUpdate struct {
	Name     *string
	Slug     *string
	ImageURL *string
}

type Role struct {
	ID          int64
	Name        string
	Description string
}

// Membership joins a user to an organization with a role. At most one
// membership exists per (user, organization) pair; ExternalID is the
// provider's membership identifier.
type Membership struct {
	ID             int64
	UserID         int64
	OrganizationID int64
	RoleID         int64
	ExternalID     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MembershipDetail is a membership joined with its organization and role,
// used by the read API and authorization queries.
type MembershipDetail struct {
	Membership
	OrganizationExternalID string
	OrganizationName       string
	RoleName               string
}

// Member is a user joined with their role inside one organization.
type Member struct {
	User
	RoleName string
}

// UserEvent and OrganizationEvent are append-only audit rows recording every
// processed webhook delivery. ExternalEventID, when known, is unique and is
// the primary dedup key for at-least-once delivery.
type UserEvent struct {
	ID              int64
	UserExternalID  string
	EventType       string
	Payload         string
	ExternalEventID string
	ProcessedAt     time.Time
}

type OrganizationEvent struct {
	ID              int64
	OrgExternalID   string
	UserExternalID  string
	EventType       string
	Payload         string
	ExternalEventID string
	ProcessedAt     time.Time
}
