package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantbridge/tenantbridge/internal/store"
	"github.com/tenantbridge/tenantbridge/internal/testhelpers"
)

type membership struct {
	userID, orgID int64
	role          string
	externalID    string
}

// fakeStore answers membership queries from a static fixture set.
type fakeStore struct {
	users       map[string]store.User
	orgs        map[string]store.Organization
	roles       map[string]store.Role
	memberships []membership

	upserted []store.Membership
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]store.User{
			"user_admin":  {ID: 1, ExternalID: "user_admin"},
			"user_member": {ID: 2, ExternalID: "user_member"},
			"user_lonely": {ID: 3, ExternalID: "user_lonely"},
		},
		orgs: map[string]store.Organization{
			"org_1": {ID: 10, ExternalID: "org_1"},
			"org_2": {ID: 11, ExternalID: "org_2"},
		},
		roles: map[string]store.Role{
			store.RoleAdmin: {ID: 100, Name: store.RoleAdmin},
			store.RoleUser:  {ID: 101, Name: store.RoleUser},
		},
		memberships: []membership{
			{userID: 1, orgID: 10, role: store.RoleAdmin, externalID: "orgmem_admin"},
			{userID: 2, orgID: 10, role: store.RoleUser, externalID: "orgmem_member"},
		},
	}
}

func (f *fakeStore) UserByExternalID(_ context.Context, externalID string) (store.User, error) {
	u, ok := f.users[externalID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) OrganizationByExternalID(_ context.Context, externalID string) (store.Organization, error) {
	o, ok := f.orgs[externalID]
	if !ok {
		return store.Organization{}, store.ErrNotFound
	}
	return o, nil
}

func (f *fakeStore) RoleByName(_ context.Context, name string) (store.Role, error) {
	r, ok := f.roles[store.CanonicalRoleName(name)]
	if !ok {
		return store.Role{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) HasMembership(_ context.Context, userID, orgID int64, roleName string) (bool, error) {
	for _, m := range f.memberships {
		if m.userID == userID && m.orgID == orgID && (roleName == "" || m.role == roleName) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) AdminMembershipCount(_ context.Context, userID int64) (int64, error) {
	var n int64
	for _, m := range f.memberships {
		if m.userID == userID && m.role == store.RoleAdmin {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SetMembershipRole(_ context.Context, userID, orgID, roleID int64) error {
	for i, existing := range f.memberships {
		if existing.userID == userID && existing.orgID == orgID {
			for name, r := range f.roles {
				if r.ID == roleID {
					f.memberships[i].role = name
				}
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) UpsertMembership(_ context.Context, m store.Membership) (bool, error) {
	f.upserted = append(f.upserted, m)
	for i, existing := range f.memberships {
		if existing.userID == m.UserID && existing.orgID == m.OrganizationID {
			for name, r := range f.roles {
				if r.ID == m.RoleID {
					f.memberships[i].role = name
				}
			}
			f.memberships[i].externalID = m.ExternalID
			return false, nil
		}
	}
	created := membership{userID: m.UserID, orgID: m.OrganizationID, externalID: m.ExternalID}
	for name, r := range f.roles {
		if r.ID == m.RoleID {
			created.role = name
		}
	}
	f.memberships = append(f.memberships, created)
	return true, nil
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	testhelpers.SetupLogger(t)

	f := newFakeStore()
	return New(f), f
}

func TestHasAccess(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	cases := []struct {
		name      string
		user, org string
		want      bool
	}{
		{"member has access", "user_member", "org_1", true},
		{"admin has access", "user_admin", "org_1", true},
		{"no membership", "user_lonely", "org_1", false},
		{"unknown user", "user_ghost", "org_1", false},
		{"unknown organization", "user_member", "org_ghost", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.HasAccess(ctx, tc.user, tc.org)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHasRole(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	got, err := svc.HasRole(ctx, "user_admin", "org_1", "admin")
	require.NoError(t, err)
	assert.True(t, got, "role comparison is case-insensitive")

	got, err = svc.HasRole(ctx, "user_member", "org_1", "ADMIN")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestIsAdminAnywhere(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	got, err := svc.IsAdminAnywhere(ctx, "user_admin")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = svc.IsAdminAnywhere(ctx, "user_member")
	require.NoError(t, err)
	assert.False(t, got)

	got, err = svc.IsAdminAnywhere(ctx, "user_ghost")
	require.NoError(t, err)
	assert.False(t, got, "unknown users are not admins")
}

func TestUpdateRole(t *testing.T) {
	ctx := context.Background()

	t.Run("updates existing membership", func(t *testing.T) {
		svc, f := newTestService(t)

		outcome, err := svc.UpdateRole(ctx, "user_member", "org_1", "ADMIN")
		require.NoError(t, err)
		assert.Equal(t, UpdateUpdated, outcome)

		admin, err := svc.IsAdmin(ctx, "user_member", "org_1")
		require.NoError(t, err)
		assert.True(t, admin)
		assert.Empty(t, f.upserted, "role change on an existing membership never rewrites the row's identity")
	})

	t.Run("preserves provider external id on update", func(t *testing.T) {
		svc, f := newTestService(t)

		_, err := svc.UpdateRole(ctx, "user_member", "org_1", "ADMIN")
		require.NoError(t, err)

		// the provider's membership id must survive so a later
		// organizationMembership.deleted for it still matches
		assert.Equal(t, "orgmem_member", f.memberships[1].externalID)
	})

	t.Run("creates missing membership with generated external id", func(t *testing.T) {
		svc, f := newTestService(t)

		outcome, err := svc.UpdateRole(ctx, "user_lonely", "org_2", "USER")
		require.NoError(t, err)
		assert.Equal(t, UpdateCreated, outcome)

		require.Len(t, f.upserted, 1)
		assert.Regexp(t, `^mem_fix_`, f.upserted[0].ExternalID)
	})

	t.Run("unknown role is not found", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.UpdateRole(ctx, "user_member", "org_1", "SUPERUSER")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown user is not found", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.UpdateRole(ctx, "user_ghost", "org_1", "USER")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
