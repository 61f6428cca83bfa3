// Package pg is the Postgres implementation of the identity store.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tenantbridge/tenantbridge/internal/config"
	"github.com/tenantbridge/tenantbridge/internal/store"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

// Open connects to Postgres using the pgx stdlib driver.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database open failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func translateErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
		return store.ErrConflict
	}
	return err
}

// -- users

func (s *Store) UserByExternalID(ctx context.Context, externalID string) (store.User, error) {
	var u store.User
	var first, last, image sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select id, external_user_id, email, first_name, last_name, image_url, created_at
		from users where external_user_id = $1
	`, externalID).Scan(&u.ID, &u.ExternalID, &u.Email, &first, &last, &image, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, err
	}
	u.FirstName, u.LastName, u.ImageURL = first.String, last.String, image.String
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u store.User) (store.User, error) {
	err := s.db.QueryRowContext(ctx, `
		insert into users (external_user_id, email, first_name, last_name, image_url)
		values ($1, $2, nullif($3, ''), nullif($4, ''), nullif($5, ''))
		returning id, created_at
	`, u.ExternalID, u.Email, u.FirstName, u.LastName, u.ImageURL).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return store.User{}, translateErr(err)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, externalID string, upd store.UserUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		update users set
			first_name = coalesce($2, first_name),
			last_name  = coalesce($3, last_name),
			image_url  = coalesce($4, image_url)
		where external_user_id = $1
	`, externalID, upd.FirstName, upd.LastName, upd.ImageURL)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *Store) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, external_user_id, email, first_name, last_name, image_url, created_at
		from users order by created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []store.User
	for rows.Next() {
		var u store.User
		var first, last, image sql.NullString
		if err := rows.Scan(&u.ID, &u.ExternalID, &u.Email, &first, &last, &image, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.FirstName, u.LastName, u.ImageURL = first.String, last.String, image.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// -- organizations

func (s *Store) OrganizationByExternalID(ctx context.Context, externalID string) (store.Organization, error) {
	return s.organizationBy(ctx, "external_org_id", externalID)
}

func (s *Store) OrganizationByID(ctx context.Context, id int64) (store.Organization, error) {
	return s.organizationBy(ctx, "id", id)
}

func (s *Store) organizationBy(ctx context.Context, column string, value any) (store.Organization, error) {
	var o store.Organization
	var slug, image sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		select id, external_org_id, name, slug, image_url, created_at, updated_at
		from organizations where %s = $1
	`, column), value).Scan(&o.ID, &o.ExternalID, &o.Name, &slug, &image, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Organization{}, store.ErrNotFound
	}
	if err != nil {
		return store.Organization{}, err
	}
	o.Slug, o.ImageURL = slug.String, image.String
	return o, nil
}

func (s *Store) CreateOrganization(ctx context.Context, o store.Organization) (store.Organization, error) {
	err := s.db.QueryRowContext(ctx, `
		insert into organizations (external_org_id, name, slug, image_url)
		values ($1, $2, nullif($3, ''), nullif($4, ''))
		returning id, created_at, updated_at
	`, o.ExternalID, o.Name, o.Slug, o.ImageURL).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return store.Organization{}, translateErr(err)
	}
	return o, nil
}

func (s *Store) UpdateOrganization(ctx context.Context, externalID string, upd store.OrganizationUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		update organizations set
			name       = coalesce($2, name),
			slug       = coalesce($3, slug),
			image_url  = coalesce($4, image_url),
			updated_at = now()
		where external_org_id = $1
	`, externalID, upd.Name, upd.Slug, upd.ImageURL)
	if err != nil {
		return err
	}
	return requireRows(res)
}

// DeleteOrganization removes the organization and its memberships in one
// transaction.
func (s *Store) DeleteOrganization(ctx context.Context, externalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from memberships where organization_id in
			(select id from organizations where external_org_id = $1)
	`, externalID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `delete from organizations where external_org_id = $1`, externalID)
	if err != nil {
		return err
	}
	if err := requireRows(res); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) ListOrganizationsForUser(ctx context.Context, userID int64) ([]store.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select o.id, o.external_org_id, o.name, o.slug, o.image_url, o.created_at, o.updated_at
		from organizations o
		join memberships m on m.organization_id = o.id
		where m.user_id = $1
		order by o.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []store.Organization
	for rows.Next() {
		var o store.Organization
		var slug, image sql.NullString
		if err := rows.Scan(&o.ID, &o.ExternalID, &o.Name, &slug, &image, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Slug, o.ImageURL = slug.String, image.String
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// -- roles

func (s *Store) RoleByName(ctx context.Context, name string) (store.Role, error) {
	var r store.Role
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select id, name, description from roles where name = $1
	`, store.CanonicalRoleName(name)).Scan(&r.ID, &r.Name, &desc)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Role{}, store.ErrNotFound
	}
	if err != nil {
		return store.Role{}, err
	}
	r.Description = desc.String
	return r, nil
}

func (s *Store) CreateRole(ctx context.Context, name, description string) (store.Role, error) {
	r := store.Role{Name: store.CanonicalRoleName(name), Description: description}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (name, description) values ($1, nullif($2, ''))
		returning id
	`, r.Name, r.Description).Scan(&r.ID)
	if err != nil {
		return store.Role{}, translateErr(err)
	}
	return r, nil
}

func (s *Store) UpdateRoleDescription(ctx context.Context, name, description string) error {
	res, err := s.db.ExecContext(ctx, `
		update roles set description = $2 where name = $1
	`, store.CanonicalRoleName(name), description)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *Store) DeleteRole(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where name = $1`, store.CanonicalRoleName(name))
	if err != nil {
		return err
	}
	return requireRows(res)
}

// -- memberships

func (s *Store) MembershipByExternalID(ctx context.Context, externalID string) (store.Membership, error) {
	var m store.Membership
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, organization_id, role_id, external_membership_id, created_at, updated_at
		from memberships where external_membership_id = $1
	`, externalID).Scan(&m.ID, &m.UserID, &m.OrganizationID, &m.RoleID, &m.ExternalID, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, store.ErrNotFound
	}
	return m, err
}

// UpsertMembership inserts a membership, or updates the role and external id
// when the (user, organization) pair already has one. The unique constraint
// is the backstop when two deliveries race past the existence check.
func (s *Store) UpsertMembership(ctx context.Context, m store.Membership) (created bool, err error) {
	var inserted bool
	err = s.db.QueryRowContext(ctx, `
		insert into memberships (user_id, organization_id, role_id, external_membership_id)
		values ($1, $2, $3, $4)
		on conflict (user_id, organization_id) do update
			set role_id = excluded.role_id,
			    external_membership_id = excluded.external_membership_id,
			    updated_at = now()
		returning (created_at = updated_at)
	`, m.UserID, m.OrganizationID, m.RoleID, m.ExternalID).Scan(&inserted)
	if err != nil {
		return false, translateErr(err)
	}
	return inserted, nil
}

// SetMembershipRole changes the role of an existing (user, organization)
// membership. The provider's external membership id is left untouched so a
// later provider-side deletion still matches the row.
func (s *Store) SetMembershipRole(ctx context.Context, userID, orgID, roleID int64) error {
	res, err := s.db.ExecContext(ctx, `
		update memberships set role_id = $3, updated_at = now()
		where user_id = $1 and organization_id = $2
	`, userID, orgID, roleID)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *Store) UpdateMembershipRole(ctx context.Context, externalID string, roleID int64) error {
	res, err := s.db.ExecContext(ctx, `
		update memberships set role_id = $2, updated_at = now()
		where external_membership_id = $1
	`, externalID, roleID)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *Store) DeleteMembershipByExternalID(ctx context.Context, externalID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from memberships where external_membership_id = $1
	`, externalID)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *Store) MembershipsForUser(ctx context.Context, userID int64) ([]store.MembershipDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		select m.id, m.user_id, m.organization_id, m.role_id, m.external_membership_id,
		       m.created_at, m.updated_at, o.external_org_id, o.name, r.name
		from memberships m
		join organizations o on o.id = m.organization_id
		join roles r on r.id = m.role_id
		where m.user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []store.MembershipDetail
	for rows.Next() {
		var d store.MembershipDetail
		if err := rows.Scan(&d.ID, &d.UserID, &d.OrganizationID, &d.RoleID, &d.ExternalID,
			&d.CreatedAt, &d.UpdatedAt, &d.OrganizationExternalID, &d.OrganizationName, &d.RoleName); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

func (s *Store) MembersOfOrganization(ctx context.Context, orgID int64) ([]store.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		select u.id, u.external_user_id, u.email, u.first_name, u.last_name, u.image_url, u.created_at, r.name
		from memberships m
		join users u on u.id = m.user_id
		join roles r on r.id = m.role_id
		where m.organization_id = $1
		order by u.email
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []store.Member
	for rows.Next() {
		var m store.Member
		var first, last, image sql.NullString
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.Email, &first, &last, &image, &m.CreatedAt, &m.RoleName); err != nil {
			return nil, err
		}
		m.FirstName, m.LastName, m.ImageURL = first.String, last.String, image.String
		members = append(members, m)
	}
	return members, rows.Err()
}

// HasMembership reports whether the user has any membership in the
// organization, optionally constrained to a role name (empty matches any).
func (s *Store) HasMembership(ctx context.Context, userID, orgID int64, roleName string) (bool, error) {
	query := `
		select count(*) from memberships m
		join roles r on r.id = m.role_id
		where m.user_id = $1 and m.organization_id = $2
	`
	args := []any{userID, orgID}
	if roleName != "" {
		query += ` and r.name = $3`
		args = append(args, store.CanonicalRoleName(roleName))
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// AdminMembershipCount counts ADMIN memberships across all organizations.
func (s *Store) AdminMembershipCount(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		select count(*) from memberships m
		join roles r on r.id = m.role_id
		where m.user_id = $1 and r.name = $2
	`, userID, store.RoleAdmin).Scan(&n)
	return n, err
}

// -- audit events

func (s *Store) UserEventExists(ctx context.Context, externalEventID string) (bool, error) {
	return s.eventExists(ctx, "user_events", externalEventID)
}

func (s *Store) OrganizationEventExists(ctx context.Context, externalEventID string) (bool, error) {
	return s.eventExists(ctx, "organization_events", externalEventID)
}

func (s *Store) eventExists(ctx context.Context, table, externalEventID string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select count(*) from %s where external_event_id = $1`, table),
		externalEventID).Scan(&n)
	return n > 0, err
}

func (s *Store) InsertUserEvent(ctx context.Context, ev store.UserEvent) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_events (external_user_id, event_type, payload, external_event_id)
		values (nullif($1, ''), $2, $3, nullif($4, ''))
	`, ev.UserExternalID, ev.EventType, ev.Payload, ev.ExternalEventID)
	return translateErr(err)
}

func (s *Store) InsertOrganizationEvent(ctx context.Context, ev store.OrganizationEvent) error {
	_, err := s.db.ExecContext(ctx, `
		insert into organization_events (external_org_id, external_user_id, event_type, payload, external_event_id)
		values (nullif($1, ''), nullif($2, ''), $3, $4, nullif($5, ''))
	`, ev.OrgExternalID, ev.UserExternalID, ev.EventType, ev.Payload, ev.ExternalEventID)
	return translateErr(err)
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
