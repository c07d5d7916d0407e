package authz_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/identity"
	"qazna.org/tenancy/internal/store/mem"
	"qazna.org/tenancy/internal/tenancy"
)

type fixture struct {
	store    *mem.Store
	graph    *tenancy.Graph
	resolver *authz.Resolver
	a, b     tenancy.Node
	instA    tenancy.Node
}

func newFixture(t *testing.T, table *access.Table) *fixture {
	t.Helper()
	ctx := context.Background()
	s := mem.New()
	g, err := tenancy.NewGraph(s)
	require.NoError(t, err)
	r, err := authz.NewResolver(s, g, table)
	require.NoError(t, err)

	f := &fixture{store: s, graph: g, resolver: r}
	f.a, err = g.Create(ctx, tenancy.KindCustomer, tenancy.Parents{}, "Acme", "", "seed")
	require.NoError(t, err)
	f.b, err = g.Create(ctx, tenancy.KindCustomer, tenancy.Parents{}, "Globex", "", "seed")
	require.NoError(t, err)
	org, err := g.Create(ctx, tenancy.KindOrganization, tenancy.Parents{CustomerID: f.a.ID}, "North", "", "seed")
	require.NoError(t, err)
	f.instA, err = g.Create(ctx, tenancy.KindInstitution, tenancy.Parents{OrganizationID: org.ID}, "School 7", "", "seed")
	require.NoError(t, err)

	require.NoError(t, s.UpsertRealm(ctx, identity.Realm{ID: "r1", Name: "qazna"}))
	require.NoError(t, s.UpsertRole(ctx, identity.Role{ID: "role-member", RealmID: "r1", Name: "member"}))
	return f
}

// join puts user into a fresh group named name scoped to node contextID.
func (f *fixture) join(t *testing.T, user, groupID, name, contextID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertUser(ctx, identity.User{ID: user, RealmID: "r1", Username: user, Enabled: true}))
	require.NoError(t, f.store.UpsertGroup(ctx, identity.Group{ID: groupID, RealmID: "r1", Name: name}))
	if contextID != "" {
		require.NoError(t, f.store.UpsertGroupAttribute(ctx, identity.GroupAttribute{
			ID: groupID + "-ctx", GroupID: groupID, Name: identity.AttrContext, Value: contextID,
		}))
	}
	require.NoError(t, f.store.UpsertGroupRole(ctx, identity.GroupRole{GroupID: groupID, RoleID: "role-member"}))
	require.NoError(t, f.store.UpsertMembership(ctx, identity.Membership{UserID: user, GroupID: groupID}))
}

func action(t *testing.T, token string) access.ResourceAction {
	t.Helper()
	a, err := access.ParseResourceAction(token)
	require.NoError(t, err)
	return a
}

func TestUnauthenticatedIsDenied(t *testing.T) {
	f := newFixture(t, nil)
	d, err := f.resolver.Authorize(context.Background(), authz.Request{Action: action(t, "customer:create")})
	require.NoError(t, err)
	assert.Equal(t, authz.Decision{Reason: "forbidden", Code: http.StatusForbidden}, d)
}

func TestUnknownPrincipalIsDenied(t *testing.T) {
	f := newFixture(t, nil)
	err := f.resolver.Require(context.Background(), authz.Request{PrincipalID: "ghost", Action: action(t, "customer:view")})
	require.ErrorIs(t, err, authz.ErrForbidden)
}

func TestAdminIsAlwaysAllowed(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "root", "g-admin", "Admin", "")
	ctx := context.Background()

	targets := []string{f.a.ID, f.b.ID, f.instA.ID}
	for _, id := range targets {
		oc, err := f.graph.ResolveContext(ctx, id)
		require.NoError(t, err)
		for _, a := range access.AllResourceActions() {
			if !f.resolver.Table().IsGranted(access.Admin, a) {
				continue
			}
			d, err := f.resolver.Authorize(ctx, authz.Request{PrincipalID: "root", Realm: "qazna", Action: a, Target: oc})
			require.NoError(t, err)
			assert.True(t, d.Allowed, "%s on %s", a, id)
			assert.Equal(t, access.Admin, d.Level)
		}
	}
	// no target at all
	d, err := f.resolver.Authorize(ctx, authz.Request{PrincipalID: "root", Action: action(t, "customer:create")})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCustomerOwnerCannotReachAnotherCustomer(t *testing.T) {
	// a table where the owner level may create customers, so only the scope can deny
	table, err := access.NewTable([]access.Group{
		{Name: "CustomerOwner", Path: "/customer_owner", Level: access.CustomerOwner, Scope: access.ScopeEco,
			Roles: []access.ResourceAction{action(t, "customer:create"), action(t, "customer:view")}},
	})
	require.NoError(t, err)
	f := newFixture(t, table)
	f.join(t, "alice", "g-owner-a", "CustomerOwner", f.a.ID)
	ctx := context.Background()
	require.True(t, table.IsGranted(access.CustomerOwner, action(t, "customer:create")))

	ocB, err := f.graph.ResolveContext(ctx, f.b.ID)
	require.NoError(t, err)
	d, err := f.resolver.Authorize(ctx, authz.Request{PrincipalID: "alice", Action: action(t, "customer:create"), Target: ocB})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusForbidden, d.Code)

	ocA, err := f.graph.ResolveContext(ctx, f.a.ID)
	require.NoError(t, err)
	d, err = f.resolver.Authorize(ctx, authz.Request{PrincipalID: "alice", Action: action(t, "customer:view"), Target: ocA})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestStateScopeMatchesInstitution(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "bob", "g-inst", "InstitutionOwner", f.instA.ID)
	ctx := context.Background()

	oc, err := f.graph.ResolveContext(ctx, f.instA.ID)
	require.NoError(t, err)
	require.NoError(t, f.resolver.Require(ctx, authz.Request{PrincipalID: "bob", Action: action(t, "institution:update"), Target: oc}))

	// same customer, different institution
	other := tenancy.OwnershipContext{CustomerID: oc.CustomerID, OrganizationID: oc.OrganizationID, InstitutionID: "elsewhere"}
	err = f.resolver.Require(ctx, authz.Request{PrincipalID: "bob", Action: action(t, "institution:update"), Target: other})
	require.ErrorIs(t, err, authz.ErrForbidden)

	// granted in scope, but not in the matrix
	err = f.resolver.Require(ctx, authz.Request{PrincipalID: "bob", Action: action(t, "institution:delete"), Target: oc})
	require.ErrorIs(t, err, authz.ErrForbidden)
}

func TestGroupWithDeletedContextCoversNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "carol", "g-gone", "CustomerOwner", "no-such-node")
	err := f.resolver.Require(context.Background(), authz.Request{
		PrincipalID: "carol", Action: action(t, "customer:view"), Target: tenancy.OwnershipContext{CustomerID: f.a.ID},
	})
	require.ErrorIs(t, err, authz.ErrForbidden)
}

func TestDisabledUserIsDenied(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "root", "g-admin", "Admin", "")
	ctx := context.Background()
	require.NoError(t, f.store.UpsertUser(ctx, identity.User{ID: "root", RealmID: "r1", Username: "root", Enabled: false}))
	err := f.resolver.Require(ctx, authz.Request{PrincipalID: "root", Action: action(t, "customer:view")})
	require.ErrorIs(t, err, authz.ErrForbidden)
}

type failingBindings struct{}

func (failingBindings) PrincipalRoles(context.Context, string, string) ([]identity.RoleBinding, error) {
	return nil, errors.New("projection offline")
}

func TestBindingErrorsAreNotDenials(t *testing.T) {
	g, err := tenancy.NewGraph(mem.New())
	require.NoError(t, err)
	r, err := authz.NewResolver(failingBindings{}, g, nil)
	require.NoError(t, err)
	_, err = r.Authorize(context.Background(), authz.Request{PrincipalID: "x", Action: action(t, "customer:view")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, authz.ErrForbidden)
}
