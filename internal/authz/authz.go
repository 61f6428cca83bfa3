// Package authz answers membership and role questions for request
// handlers. All checks resolve external provider ids to local rows first,
// so a user the webhook synchronizer has not seen yet simply has no
// access.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tenantbridge/tenantbridge/internal/store"
)

// Store is the subset of the persistence layer authorization needs.
type Store interface {
	UserByExternalID(ctx context.Context, externalID string) (store.User, error)
	OrganizationByExternalID(ctx context.Context, externalID string) (store.Organization, error)
	RoleByName(ctx context.Context, name string) (store.Role, error)
	HasMembership(ctx context.Context, userID, orgID int64, roleName string) (bool, error)
	AdminMembershipCount(ctx context.Context, userID int64) (int64, error)
	SetMembershipRole(ctx context.Context, userID, orgID, roleID int64) error
	UpsertMembership(ctx context.Context, m store.Membership) (created bool, err error)
}

// UpdateOutcome reports what UpdateRole did.
type UpdateOutcome string

const (
	UpdateCreated UpdateOutcome = "created"
	UpdateUpdated UpdateOutcome = "updated"
)

type Service struct {
	store Store
}

func New(s Store) *Service {
	return &Service{store: s}
}

// HasAccess reports whether the user holds any membership in the
// organization. Unknown users or organizations are simply not members.
func (a *Service) HasAccess(ctx context.Context, userExternalID, orgExternalID string) (bool, error) {
	user, org, err := a.resolve(ctx, userExternalID, orgExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.store.HasMembership(ctx, user.ID, org.ID, "")
}

// HasRole reports whether the user holds a membership with the named role
// in the organization. Role comparison is case-insensitive.
func (a *Service) HasRole(ctx context.Context, userExternalID, orgExternalID, roleName string) (bool, error) {
	user, org, err := a.resolve(ctx, userExternalID, orgExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.store.HasMembership(ctx, user.ID, org.ID, store.CanonicalRoleName(roleName))
}

// IsAdmin reports whether the user is an ADMIN of the organization.
func (a *Service) IsAdmin(ctx context.Context, userExternalID, orgExternalID string) (bool, error) {
	return a.HasRole(ctx, userExternalID, orgExternalID, store.RoleAdmin)
}

// IsAdminAnywhere reports whether the user holds the ADMIN role in any
// organization. Gates cross-tenant listings.
func (a *Service) IsAdminAnywhere(ctx context.Context, userExternalID string) (bool, error) {
	user, err := a.store.UserByExternalID(ctx, userExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := a.store.AdminMembershipCount(ctx, user.ID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateRole sets the user's role within the organization, creating the
// membership if it does not exist. Existing memberships keep their provider
// external id so later provider-side deletions still match; only memberships
// created here, which never came from the provider, get a locally generated
// one.
func (a *Service) UpdateRole(ctx context.Context, userExternalID, orgExternalID, roleName string) (UpdateOutcome, error) {
	user, org, err := a.resolve(ctx, userExternalID, orgExternalID)
	if err != nil {
		return "", err
	}

	role, err := a.store.RoleByName(ctx, roleName)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("role %q: %w", store.CanonicalRoleName(roleName), store.ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	outcome := UpdateUpdated
	err = a.store.SetMembershipRole(ctx, user.ID, org.ID, role.ID)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := a.store.UpsertMembership(ctx, store.Membership{
			UserID:         user.ID,
			OrganizationID: org.ID,
			RoleID:         role.ID,
			ExternalID:     "mem_fix_" + uuid.NewString(),
		}); err != nil {
			return "", err
		}
		outcome = UpdateCreated
	} else if err != nil {
		return "", err
	}

	log.Info().
		Str("userID", userExternalID).
		Str("orgID", orgExternalID).
		Str("role", role.Name).
		Str("outcome", string(outcome)).
		Msg("membership role set")
	return outcome, nil
}

func (a *Service) resolve(ctx context.Context, userExternalID, orgExternalID string) (store.User, store.Organization, error) {
	user, err := a.store.UserByExternalID(ctx, userExternalID)
	if err != nil {
		return store.User{}, store.Organization{}, fmt.Errorf("user %s: %w", userExternalID, err)
	}
	org, err := a.store.OrganizationByExternalID(ctx, orgExternalID)
	if err != nil {
		return store.User{}, store.Organization{}, fmt.Errorf("organization %s: %w", orgExternalID, err)
	}
	return user, org, nil
}
