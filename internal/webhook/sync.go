package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tenantbridge/tenantbridge/internal/store"
)

// ErrReferenceNotFound indicates an event references a parent entity (user
// or organization) that is not present locally. This points at an
// ordering or delivery problem upstream, so it maps to a 500 rather than a
// client error.
var ErrReferenceNotFound = errors.New("referenced entity not found")

// Store is the persistence surface the synchronizer needs. The pg package
// satisfies it.
type Store interface {
	UserByExternalID(ctx context.Context, externalID string) (store.User, error)
	CreateUser(ctx context.Context, u store.User) (store.User, error)
	UpdateUser(ctx context.Context, externalID string, upd store.UserUpdate) error

	OrganizationByExternalID(ctx context.Context, externalID string) (store.Organization, error)
	CreateOrganization(ctx context.Context, o store.Organization) (store.Organization, error)
	UpdateOrganization(ctx context.Context, externalID string, upd store.OrganizationUpdate) error
	DeleteOrganization(ctx context.Context, externalID string) error

	RoleByName(ctx context.Context, name string) (store.Role, error)
	CreateRole(ctx context.Context, name, description string) (store.Role, error)
	UpdateRoleDescription(ctx context.Context, name, description string) error
	DeleteRole(ctx context.Context, name string) error

	MembershipByExternalID(ctx context.Context, externalID string) (store.Membership, error)
	UpsertMembership(ctx context.Context, m store.Membership) (created bool, err error)
	UpdateMembershipRole(ctx context.Context, externalID string, roleID int64) error
	DeleteMembershipByExternalID(ctx context.Context, externalID string) error

	UserEventExists(ctx context.Context, externalEventID string) (bool, error)
	OrganizationEventExists(ctx context.Context, externalEventID string) (bool, error)
	InsertUserEvent(ctx context.Context, ev store.UserEvent) error
	InsertOrganizationEvent(ctx context.Context, ev store.OrganizationEvent) error
}

// Synchronizer owns all webhook-driven writes to users, organizations,
// memberships and roles. Every handler is idempotent: re-delivery of an
// event never changes state beyond the first application.
type Synchronizer struct {
	store Store
	now   func() time.Time
}

func NewSynchronizer(s Store) *Synchronizer {
	return &Synchronizer{store: s, now: time.Now}
}

// SeenBefore reports whether this delivery's external event id is already
// present in either audit table: the primary dedup mechanism against
// at-least-once delivery. An event without a derivable id is never
// considered seen.
func (s *Synchronizer) SeenBefore(ctx context.Context, ev *Event) bool {
	eventID := ev.ExternalEventID(s.now)
	if eventID == "" {
		return false
	}

	if seen, err := s.store.UserEventExists(ctx, eventID); err == nil && seen {
		return true
	}
	if seen, err := s.store.OrganizationEventExists(ctx, eventID); err == nil && seen {
		return true
	}
	return false
}

// -- users

func (s *Synchronizer) UserCreated(ctx context.Context, ev *Event) (res Result, err error) {
	externalID := ev.Get("data.id")
	if externalID == "" {
		return Result{}, fmt.Errorf("%w: user event missing data.id", ErrMalformedEvent)
	}

	defer func() {
		if err == nil {
			s.recordUserEvent(ctx, ev, externalID)
		}
	}()

	email := ev.Email()
	if email == "" {
		// Cannot create a user without an email; the event is still audited.
		log.Warn().Str("userID", externalID).Msg("user.created missing email; skipping creation")
		return Skipped("missing email"), nil
	}

	if _, err := s.store.UserByExternalID(ctx, externalID); err == nil {
		log.Info().Str("userID", externalID).Msg("user already exists, skipping")
		return Skipped("user exists"), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	_, err = s.store.CreateUser(ctx, store.User{
		ExternalID: externalID,
		Email:      email,
		FirstName:  ev.Get("data.first_name"),
		LastName:   ev.Get("data.last_name"),
		ImageURL:   ev.Get("data.image_url"),
	})
	if errors.Is(err, store.ErrConflict) {
		// Lost the race with a concurrent delivery; the constraint is the
		// backstop and the outcome is the same.
		log.Info().Str("userID", externalID).Msg("user created concurrently, skipping")
		return Skipped("user exists"), nil
	}
	if err != nil {
		return Result{}, err
	}

	log.Info().Str("userID", externalID).Str("email", email).Msg("user created")
	return Applied(), nil
}

func (s *Synchronizer) UserUpdated(ctx context.Context, ev *Event) (res Result, err error) {
	externalID := ev.Get("data.id")
	if externalID == "" {
		return Result{}, fmt.Errorf("%w: user event missing data.id", ErrMalformedEvent)
	}

	if _, err := s.store.UserByExternalID(ctx, externalID); errors.Is(err, store.ErrNotFound) {
		// Out-of-order delivery: heal by treating the update as a create.
		log.Warn().Str("userID", externalID).Msg("user not found for update; creating")
		return s.UserCreated(ctx, ev)
	} else if err != nil {
		return Result{}, err
	}

	defer func() {
		if err == nil {
			s.recordUserEvent(ctx, ev, externalID)
		}
	}()

	upd := store.UserUpdate{}
	if ev.Has("data.first_name") {
		upd.FirstName = ptr(ev.Get("data.first_name"))
	}
	if ev.Has("data.last_name") {
		upd.LastName = ptr(ev.Get("data.last_name"))
	}
	if ev.Has("data.image_url") {
		upd.ImageURL = ptr(ev.Get("data.image_url"))
	}

	if err := s.store.UpdateUser(ctx, externalID, upd); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	log.Info().Str("userID", externalID).Msg("user updated")
	return Applied(), nil
}

// -- organizations

func (s *Synchronizer) OrganizationCreated(ctx context.Context, ev *Event) (res Result, err error) {
	externalID := ev.Get("data.id")
	if externalID == "" {
		return Result{}, fmt.Errorf("%w: organization event missing data.id", ErrMalformedEvent)
	}

	defer func() {
		if err == nil {
			s.recordOrgEvent(ctx, ev, externalID)
		}
	}()

	if _, err := s.store.OrganizationByExternalID(ctx, externalID); err == nil {
		log.Info().Str("orgID", externalID).Msg("organization already exists, skipping")
		return Skipped("organization exists"), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	name := ev.Get("data.name")
	if name == "" {
		name = "Unnamed Organization"
	}

	_, err = s.store.CreateOrganization(ctx, store.Organization{
		ExternalID: externalID,
		Name:       name,
		Slug:       ev.Get("data.slug"),
		ImageURL:   ev.Get("data.image_url"),
	})
	if errors.Is(err, store.ErrConflict) {
		log.Info().Str("orgID", externalID).Msg("organization created concurrently, skipping")
		return Skipped("organization exists"), nil
	}
	if err != nil {
		return Result{}, err
	}

	log.Info().Str("orgID", externalID).Str("name", name).Msg("organization created")
	return Applied(), nil
}

func (s *Synchronizer) OrganizationUpdated(ctx context.Context, ev *Event) (res Result, err error) {
	externalID := ev.Get("data.id")
	if externalID == "" {
		return Result{}, fmt.Errorf("%w: organization event missing data.id", ErrMalformedEvent)
	}

	if _, err := s.store.OrganizationByExternalID(ctx, externalID); errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("orgID", externalID).Msg("organization not found for update; creating")
		return s.OrganizationCreated(ctx, ev)
	} else if err != nil {
		return Result{}, err
	}

	defer func() {
		if err == nil {
			s.recordOrgEvent(ctx, ev, externalID)
		}
	}()

	upd := store.OrganizationUpdate{}
	if ev.Has("data.name") {
		upd.Name = ptr(ev.Get("data.name"))
	}
	if ev.Has("data.slug") {
		upd.Slug = ptr(ev.Get("data.slug"))
	}
	if ev.Has("data.image_url") {
		upd.ImageURL = ptr(ev.Get("data.image_url"))
	}

	if err := s.store.UpdateOrganization(ctx, externalID, upd); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	log.Info().Str("orgID", externalID).Msg("organization updated")
	return Applied(), nil
}

func (s *Synchronizer) OrganizationDeleted(ctx context.Context, ev *Event) (res Result, err error) {
	externalID := ev.Get("data.id")
	if externalID == "" {
		return Result{}, fmt.Errorf("%w: organization event missing data.id", ErrMalformedEvent)
	}

	defer func() {
		if err == nil {
			s.recordOrgEvent(ctx, ev, externalID)
		}
	}()

	err = s.store.DeleteOrganization(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("orgID", externalID).Msg("organization not found for deletion; may already be gone")
		return Skipped("organization not found"), nil
	}
	if err != nil {
		return Result{}, err
	}

	log.Info().Str("orgID", externalID).Msg("organization and its memberships deleted")
	return Applied(), nil
}

// -- memberships

func (s *Synchronizer) MembershipCreated(ctx context.Context, ev *Event) (res Result, err error) {
	membershipID := ev.Get("data.id")
	orgExternalID := ev.Get("data.organization_id")
	userExternalID := ev.Get("data.public_user_data.user_id")
	if membershipID == "" || orgExternalID == "" || userExternalID == "" {
		return Result{}, fmt.Errorf("%w: membership event missing id/organization_id/user_id", ErrMalformedEvent)
	}

	defer func() {
		if err == nil {
			s.recordOrgEvent(ctx, ev, orgExternalID)
		}
	}()

	if _, err := s.store.MembershipByExternalID(ctx, membershipID); err == nil {
		log.Info().Str("membershipID", membershipID).Msg("membership already exists, skipping")
		return Skipped("membership exists"), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	user, err := s.store.UserByExternalID(ctx, userExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: user %s", ErrReferenceNotFound, userExternalID)
	} else if err != nil {
		return Result{}, err
	}

	org, err := s.store.OrganizationByExternalID(ctx, orgExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: organization %s", ErrReferenceNotFound, orgExternalID)
	} else if err != nil {
		return Result{}, err
	}

	role, err := s.resolveRole(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	created, err := s.store.UpsertMembership(ctx, store.Membership{
		UserID:         user.ID,
		OrganizationID: org.ID,
		RoleID:         role.ID,
		ExternalID:     membershipID,
	})
	if err != nil {
		return Result{}, err
	}

	log.Info().
		Str("userID", userExternalID).
		Str("orgID", orgExternalID).
		Str("role", role.Name).
		Bool("created", created).
		Msg("membership synchronized")
	return Applied(), nil
}

func (s *Synchronizer) MembershipUpdated(ctx context.Context, ev *Event) (res Result, err error) {
	membershipID := ev.Get("data.id")
	if membershipID == "" {
		return Result{}, fmt.Errorf("%w: membership event missing data.id", ErrMalformedEvent)
	}
	orgExternalID := ev.OrgExternalID()
	userExternalID := ev.UserExternalID()
	if orgExternalID == "" || userExternalID == "" {
		return Result{}, fmt.Errorf("%w: membership event missing organization_id/user_id", ErrMalformedEvent)
	}

	if _, err := s.store.MembershipByExternalID(ctx, membershipID); errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("membershipID", membershipID).Msg("membership not found for update; creating")
		return s.MembershipCreated(ctx, ev)
	} else if err != nil {
		return Result{}, err
	}

	defer func() {
		if err == nil {
			s.recordOrgEvent(ctx, ev, orgExternalID)
		}
	}()

	role, err := s.resolveRole(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	if err := s.store.UpdateMembershipRole(ctx, membershipID, role.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	log.Info().
		Str("membershipID", membershipID).
		Str("role", role.Name).
		Msg("membership role updated")
	return Applied(), nil
}

func (s *Synchronizer) MembershipDeleted(ctx context.Context, ev *Event) (res Result, err error) {
	membershipID := ev.Get("data.id")
	if membershipID == "" {
		return Result{}, fmt.Errorf("%w: membership event missing data.id", ErrMalformedEvent)
	}

	defer func() {
		if err == nil {
			s.recordOrgEvent(ctx, ev, ev.OrgExternalID())
		}
	}()

	err = s.store.DeleteMembershipByExternalID(ctx, membershipID)
	if errors.Is(err, store.ErrNotFound) {
		// Duplicate delete delivery is normal; warn and succeed.
		log.Warn().Str("membershipID", membershipID).Msg("membership not found for deletion")
		return Skipped("membership not found"), nil
	}
	if err != nil {
		return Result{}, err
	}

	log.Info().Str("membershipID", membershipID).Msg("membership deleted")
	return Applied(), nil
}

// resolveRole finds the role named by the event, falling back to USER when
// the payload omits role data or names a role that does not exist locally.
func (s *Synchronizer) resolveRole(ctx context.Context, ev *Event) (store.Role, error) {
	name := ev.RoleName()
	if name == "" {
		log.Warn().Str("type", ev.Type).Msg("role not found in payload, defaulting to USER")
		name = store.RoleUser
	}

	role, err := s.store.RoleByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("role", name).Msg("unknown role, defaulting to USER")
		role, err = s.store.RoleByName(ctx, store.RoleUser)
		if errors.Is(err, store.ErrNotFound) {
			return store.Role{}, errors.New("default USER role missing from role table")
		}
	}
	if err != nil {
		return store.Role{}, err
	}
	return role, nil
}

// -- roles

func (s *Synchronizer) RoleCreated(ctx context.Context, ev *Event) (res Result, err error) {
	name := ev.first("data.name", "data.key")

	defer func() {
		if err == nil {
			s.recordRoleEvent(ctx, ev)
		}
	}()

	if name == "" {
		log.Warn().Str("type", ev.Type).Msg("role event missing name; audit only")
		return Skipped("missing role name"), nil
	}

	if _, err := s.store.RoleByName(ctx, name); err == nil {
		log.Debug().Str("role", store.CanonicalRoleName(name)).Msg("role already exists")
		return Skipped("role exists"), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	if _, err := s.store.CreateRole(ctx, name, "Role created from provider webhook"); err != nil && !errors.Is(err, store.ErrConflict) {
		return Result{}, err
	}

	log.Info().Str("role", store.CanonicalRoleName(name)).Msg("role created")
	return Applied(), nil
}

func (s *Synchronizer) RoleUpdated(ctx context.Context, ev *Event) (res Result, err error) {
	name := ev.first("data.name", "data.key")
	if name == "" {
		log.Warn().Str("type", ev.Type).Msg("role event missing name; audit only")
		s.recordRoleEvent(ctx, ev)
		return Skipped("missing role name"), nil
	}

	if _, err := s.store.RoleByName(ctx, name); errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("role", store.CanonicalRoleName(name)).Msg("role not found for update; creating")
		return s.RoleCreated(ctx, ev)
	} else if err != nil {
		return Result{}, err
	}

	defer func() {
		if err == nil {
			s.recordRoleEvent(ctx, ev)
		}
	}()

	if ev.Has("data.description") {
		if err := s.store.UpdateRoleDescription(ctx, name, ev.Get("data.description")); err != nil && !errors.Is(err, store.ErrNotFound) {
			return Result{}, err
		}
	}

	log.Info().Str("role", store.CanonicalRoleName(name)).Msg("role updated")
	return Applied(), nil
}

func (s *Synchronizer) RoleDeleted(ctx context.Context, ev *Event) (res Result, err error) {
	name := ev.first("data.name", "data.key")

	defer func() {
		if err == nil {
			s.recordRoleEvent(ctx, ev)
		}
	}()

	if name == "" {
		return Skipped("missing role name"), nil
	}

	if store.ProtectedRole(name) {
		log.Info().Str("role", store.CanonicalRoleName(name)).Msg("refusing to delete protected role")
		return Skipped("protected role"), nil
	}

	err = s.store.DeleteRole(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("role", store.CanonicalRoleName(name)).Msg("role not found for deletion")
		return Skipped("role not found"), nil
	}
	if err != nil {
		return Result{}, err
	}

	log.Info().Str("role", store.CanonicalRoleName(name)).Msg("role deleted")
	return Applied(), nil
}

// -- informational events

// AuditOnly records the event without touching entity state. Used for
// email.created, payment attempts and similar informational event types.
func (s *Synchronizer) AuditOnly(ctx context.Context, ev *Event) (Result, error) {
	userID := ev.UserExternalID()
	if userID == "" {
		userID = "unknown"
		log.Warn().Str("type", ev.Type).Msg("informational event missing user id")
	}
	s.recordUserEvent(ctx, ev, userID)
	return Applied(), nil
}

// -- audit recording

// recordUserEvent writes one audit row for the delivery. Failures are
// logged and swallowed: audit storage must never turn a successful
// synchronization into an apparent failure.
func (s *Synchronizer) recordUserEvent(ctx context.Context, ev *Event, userExternalID string) {
	eventID := ev.ExternalEventID(s.now)
	if eventID != "" {
		if seen, err := s.store.UserEventExists(ctx, eventID); err == nil && seen {
			log.Debug().Str("eventID", eventID).Msg("duplicate user event; audit row skipped")
			return
		}
	}

	err := s.store.InsertUserEvent(ctx, store.UserEvent{
		UserExternalID:  userExternalID,
		EventType:       ev.Type,
		Payload:         string(ev.Raw),
		ExternalEventID: eventID,
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Error().Err(err).Str("type", ev.Type).Msg("user audit event store failed")
	}
}

func (s *Synchronizer) recordOrgEvent(ctx context.Context, ev *Event, orgExternalID string) {
	if orgExternalID == "" {
		orgExternalID = ev.OrgExternalID()
	}

	eventID := ev.ExternalEventID(s.now)
	if eventID != "" {
		if seen, err := s.store.OrganizationEventExists(ctx, eventID); err == nil && seen {
			log.Debug().Str("eventID", eventID).Msg("duplicate organization event; audit row skipped")
			return
		}
	}

	err := s.store.InsertOrganizationEvent(ctx, store.OrganizationEvent{
		OrgExternalID:   orgExternalID,
		UserExternalID:  ev.UserExternalID(),
		EventType:       ev.Type,
		Payload:         string(ev.Raw),
		ExternalEventID: eventID,
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Error().Err(err).Str("type", ev.Type).Msg("organization audit event store failed")
	}
}

// recordRoleEvent routes a role event to the organization or user audit
// table depending on which identifiers the payload carries.
func (s *Synchronizer) recordRoleEvent(ctx context.Context, ev *Event) {
	if orgID := ev.OrgExternalID(); orgID != "" {
		s.recordOrgEvent(ctx, ev, orgID)
		return
	}
	userID := ev.UserExternalID()
	if userID == "" {
		userID = "unknown"
	}
	s.recordUserEvent(ctx, ev, userID)
}

func ptr(s string) *string { return &s }
