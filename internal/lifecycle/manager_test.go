package lifecycle_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/entity"
	"qazna.org/tenancy/internal/identity"
	"qazna.org/tenancy/internal/lifecycle"
	"qazna.org/tenancy/internal/store/mem"
	"qazna.org/tenancy/internal/tenancy"
)

var (
	admin     = lifecycle.Caller{PrincipalID: "admin", Realm: "qazna"}
	anonymous = lifecycle.Caller{}
)

type env struct {
	store *mem.Store
	mgr   *lifecycle.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := mem.New()
	g, err := tenancy.NewGraph(s)
	require.NoError(t, err)
	es, err := entity.NewService(s)
	require.NoError(t, err)
	r, err := authz.NewResolver(s, g, nil)
	require.NoError(t, err)
	m, err := lifecycle.NewManager(g, es, r)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.UpsertRealm(ctx, identity.Realm{ID: "r1", Name: "qazna"}))
	require.NoError(t, s.UpsertRole(ctx, identity.Role{ID: "role-member", RealmID: "r1", Name: "member"}))
	e := &env{store: s, mgr: m}
	e.member(t, "admin", "g-admin", "Admin", "")
	return e
}

func (e *env) member(t *testing.T, user, groupID, name, contextID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.UpsertUser(ctx, identity.User{ID: user, RealmID: "r1", Username: user, Enabled: true}))
	require.NoError(t, e.store.UpsertGroup(ctx, identity.Group{ID: groupID, RealmID: "r1", Name: name}))
	if contextID != "" {
		require.NoError(t, e.store.UpsertGroupAttribute(ctx, identity.GroupAttribute{
			ID: groupID + "-ctx", GroupID: groupID, Name: identity.AttrContext, Value: contextID,
		}))
	}
	require.NoError(t, e.store.UpsertGroupRole(ctx, identity.GroupRole{GroupID: groupID, RoleID: "role-member"}))
	require.NoError(t, e.store.UpsertMembership(ctx, identity.Membership{UserID: user, GroupID: groupID}))
}

func asError(t *testing.T, err error) *lifecycle.Error {
	t.Helper()
	var le *lifecycle.Error
	require.True(t, errors.As(err, &le), "expected *lifecycle.Error, got %v", err)
	return le
}

func TestCustomerScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.mgr.CreateCustomer(ctx, anonymous, "cust001", "")
	le := asError(t, err)
	assert.Equal(t, map[string]any{"code": http.StatusForbidden}, le.Extensions())

	created, err := e.mgr.CreateCustomer(ctx, admin, "cust001", "")
	require.NoError(t, err)
	assert.Equal(t, "cust001", created.Name)
	assert.Equal(t, "admin", created.CreatedBy)

	_, err = e.mgr.CreateCustomer(ctx, admin, "cust001", "")
	le = asError(t, err)
	assert.Equal(t, map[string]any{"code": http.StatusConflict, "type": "Customer", "field": "name"}, le.Extensions())
	assert.ErrorIs(t, err, tenancy.ErrConflict)
}

func TestForbiddenBeforeNotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cust, err := e.mgr.CreateCustomer(ctx, admin, "Acme", "")
	require.NoError(t, err)
	e.member(t, "owner", "g-owner", "CustomerOwner", cust.ID)

	name := "renamed"
	_, err = e.mgr.UpdateNode(ctx, lifecycle.Caller{PrincipalID: "owner"}, "does-not-exist", tenancy.Patch{Name: &name})
	assert.Equal(t, http.StatusForbidden, asError(t, err).Code)

	_, err = e.mgr.UpdateNode(ctx, admin, "does-not-exist", tenancy.Patch{Name: &name})
	assert.Equal(t, http.StatusNotFound, asError(t, err).Code)

	_, err = e.mgr.CreateOrganization(ctx, lifecycle.Caller{PrincipalID: "owner"}, "missing-customer", "North", "")
	assert.Equal(t, http.StatusForbidden, asError(t, err).Code)
	_, err = e.mgr.CreateOrganization(ctx, admin, "missing-customer", "North", "")
	assert.ErrorIs(t, err, tenancy.ErrNotFound)

	_, err = e.mgr.GetEntity(ctx, anonymous, "nope")
	assert.ErrorIs(t, err, authz.ErrForbidden)
}

func TestCustomerOwnerStaysInsideCustomer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, err := e.mgr.CreateCustomer(ctx, admin, "Acme", "")
	require.NoError(t, err)
	b, err := e.mgr.CreateCustomer(ctx, admin, "Globex", "")
	require.NoError(t, err)
	owner := lifecycle.Caller{PrincipalID: "owner"}
	e.member(t, "owner", "g-owner", "CustomerOwner", a.ID)

	org, err := e.mgr.CreateOrganization(ctx, owner, a.ID, "North", "Region")
	require.NoError(t, err)
	assert.Equal(t, a.ID, org.CustomerID)

	_, err = e.mgr.CreateOrganization(ctx, owner, b.ID, "North", "Region")
	assert.ErrorIs(t, err, authz.ErrForbidden)

	_, err = e.mgr.CreateCustomer(ctx, owner, "Initech", "")
	assert.ErrorIs(t, err, authz.ErrForbidden)

	nodes, err := e.mgr.ListNodes(ctx, owner, tenancy.Filter{Kind: tenancy.KindOrganization, CustomerID: a.ID})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	_, err = e.mgr.ListNodes(ctx, owner, tenancy.Filter{Kind: tenancy.KindOrganization})
	assert.ErrorIs(t, err, authz.ErrForbidden)
}

func TestReferentialChecksApplyToAdmin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, err := e.mgr.CreateCustomer(ctx, admin, "Acme", "")
	require.NoError(t, err)
	b, err := e.mgr.CreateCustomer(ctx, admin, "Globex", "")
	require.NoError(t, err)
	orgB, err := e.mgr.CreateOrganization(ctx, admin, b.ID, "South", "")
	require.NoError(t, err)

	_, err = e.mgr.CreateOrganizationUnit(ctx, admin, a.ID, orgB.ID, "Math", "")
	le := asError(t, err)
	assert.Equal(t, http.StatusBadRequest, le.Code)
	assert.ErrorIs(t, err, tenancy.ErrInconsistent)
}

func TestEntityLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cust, err := e.mgr.CreateCustomer(ctx, admin, "Acme", "")
	require.NoError(t, err)
	org, err := e.mgr.CreateOrganization(ctx, admin, cust.ID, "North", "")
	require.NoError(t, err)
	inst, err := e.mgr.CreateInstitution(ctx, admin, org.ID, "School 7", "")
	require.NoError(t, err)
	e.member(t, "head", "g-head", "InstitutionOwner", inst.ID)
	head := lifecycle.Caller{PrincipalID: "head"}

	emp, err := e.mgr.CreateEntity(ctx, head, access.ResourceEmployee, inst.ID, "Aigerim", map[string]any{"grade": "A"})
	require.NoError(t, err)
	assert.Equal(t, inst.Context(), emp.Context())

	_, err = e.mgr.CreateEntity(ctx, head, access.ResourceEmployee, inst.ID, "Aigerim", nil)
	assert.Equal(t, map[string]any{"code": http.StatusConflict, "type": "Employee", "field": "name"}, asError(t, err).Extensions())

	_, err = e.mgr.CreateEntity(ctx, head, access.ResourceInstitution, inst.ID, "Nested", nil)
	assert.ErrorIs(t, err, tenancy.ErrInvalidInput)

	updated, err := e.mgr.UpdateEntity(ctx, head, emp.ID, entity.Patch{Attributes: map[string]any{"room": "12"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"grade": "A", "room": "12"}, updated.Attributes)

	list, err := e.mgr.ListEntities(ctx, head, entity.Filter{Type: access.ResourceEmployee, OwnerID: inst.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = e.mgr.DeleteEntity(ctx, head, emp.ID)
	require.NoError(t, err)
	_, err = e.mgr.GetEntity(ctx, admin, emp.ID)
	assert.ErrorIs(t, err, tenancy.ErrNotFound)
}

func TestDeleteCascadeThroughManager(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cust, err := e.mgr.CreateCustomer(ctx, admin, "Acme", "")
	require.NoError(t, err)
	org, err := e.mgr.CreateOrganization(ctx, admin, cust.ID, "North", "")
	require.NoError(t, err)
	inst, err := e.mgr.CreateInstitution(ctx, admin, org.ID, "School 7", "")
	require.NoError(t, err)
	unit, err := e.mgr.CreateOrganizationUnit(ctx, admin, cust.ID, "", "Shared", "")
	require.NoError(t, err)
	members, err := e.mgr.SetUnitMembers(ctx, admin, unit.ID, []string{inst.ID})
	require.NoError(t, err)
	require.Len(t, members, 1)

	_, err = e.mgr.DeleteNode(ctx, admin, cust.ID, tenancy.DeleteRestrict)
	assert.ErrorIs(t, err, tenancy.ErrHasDependents)

	removal, err := e.mgr.DeleteNode(ctx, admin, cust.ID, tenancy.DeleteCascade)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{cust.ID, org.ID, inst.ID, unit.ID}, removal.IDs())
	for _, id := range removal.IDs() {
		_, err := e.mgr.ResolveContext(ctx, admin, id)
		assert.ErrorIs(t, err, tenancy.ErrNotFound)
	}
}

func TestFromError(t *testing.T) {
	assert.Nil(t, lifecycle.FromError(nil))
	assert.Equal(t, http.StatusInternalServerError, lifecycle.FromError(errors.New("boom")).Code)
	assert.Equal(t, http.StatusBadRequest, lifecycle.FromError(tenancy.ErrHasDependents).Code)

	wire := lifecycle.FromExtensions(http.StatusConflict, "Organization", "name", "taken")
	assert.ErrorIs(t, wire, tenancy.ErrConflict)
	assert.Equal(t, map[string]any{"code": http.StatusConflict, "type": "Organization", "field": "name"}, wire.Extensions())
	assert.ErrorIs(t, lifecycle.FromExtensions(http.StatusForbidden, "", "", "forbidden"), authz.ErrForbidden)
}
