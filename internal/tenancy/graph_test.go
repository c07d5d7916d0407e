package tenancy_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/store/mem"
	"qazna.org/tenancy/internal/tenancy"
)

type countingStore struct {
	tenancy.Store
	gets     atomic.Int32
	afterGet func()
}

func (c *countingStore) GetNode(ctx context.Context, id string) (tenancy.Node, error) {
	c.gets.Add(1)
	n, err := c.Store.GetNode(ctx, id)
	if c.afterGet != nil {
		hook := c.afterGet
		c.afterGet = nil
		hook()
	}
	return n, err
}

func newGraph(t *testing.T, opts ...tenancy.Option) (*tenancy.Graph, *countingStore) {
	t.Helper()
	store := &countingStore{Store: mem.New()}
	g, err := tenancy.NewGraph(store, opts...)
	require.NoError(t, err)
	return g, store
}

func TestCreateValidatesInput(t *testing.T) {
	ctx := context.Background()
	g, _ := newGraph(t)

	cases := map[string]struct {
		kind    tenancy.Kind
		parents tenancy.Parents
		name    string
		typ     string
		by      string
	}{
		"unknown kind":      {kind: 0, name: "x", by: "u"},
		"blank name":        {kind: tenancy.KindCustomer, name: "   ", by: "u"},
		"long name":         {kind: tenancy.KindCustomer, name: strings.Repeat("n", tenancy.MaxNameLength+1), by: "u"},
		"long type":         {kind: tenancy.KindCustomer, name: "x", typ: strings.Repeat("t", tenancy.MaxTypeLength+1), by: "u"},
		"missing creator":   {kind: tenancy.KindCustomer, name: "x"},
		"org without cust":  {kind: tenancy.KindOrganization, name: "x", by: "u"},
		"inst without org":  {kind: tenancy.KindInstitution, name: "x", by: "u"},
		"unit without cust": {kind: tenancy.KindOrganizationUnit, name: "x", by: "u"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := g.Create(ctx, tc.kind, tc.parents, tc.name, tc.typ, tc.by)
			assert.ErrorIs(t, err, tenancy.ErrInvalidInput)
		})
	}
}

func TestCreateDefaultsAndTrims(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	g, _ := newGraph(t, tenancy.WithClock(func() time.Time { return fixed }), tenancy.WithIDs(func() string { return "cust-1" }))

	n, err := g.Create(context.Background(), tenancy.KindCustomer, tenancy.Parents{}, "  cust001  ", "", " admin ")
	require.NoError(t, err)
	assert.Equal(t, "cust-1", n.ID)
	assert.Equal(t, "cust001", n.Name)
	assert.Equal(t, tenancy.DefaultType, n.Type)
	assert.Equal(t, "admin", n.CreatedBy)
	assert.Equal(t, fixed.Truncate(time.Microsecond), n.CreatedAt)
	assert.Empty(t, n.CustomerID)
}

func TestResolveContextIsCachedUntilDelete(t *testing.T) {
	ctx := context.Background()
	g, store := newGraph(t)

	cust, err := g.Create(ctx, tenancy.KindCustomer, tenancy.Parents{}, "acme", "", "admin")
	require.NoError(t, err)
	org, err := g.Create(ctx, tenancy.KindOrganization, tenancy.Parents{CustomerID: cust.ID}, "north", "Region", "admin")
	require.NoError(t, err)
	inst, err := g.Create(ctx, tenancy.KindInstitution, tenancy.Parents{OrganizationID: org.ID}, "clinic", "", "admin")
	require.NoError(t, err)

	before := store.gets.Load()
	oc, err := g.ResolveContext(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, tenancy.OwnershipContext{CustomerID: cust.ID, OrganizationID: org.ID, InstitutionID: inst.ID}, oc)

	again, err := g.ResolveContext(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, oc, again)
	assert.Equal(t, before+1, store.gets.Load(), "second resolve should be served from cache")

	_, err = g.Delete(ctx, cust.ID, tenancy.DeleteCascade)
	require.NoError(t, err)
	_, err = g.ResolveContext(ctx, inst.ID)
	assert.ErrorIs(t, err, tenancy.ErrNotFound)
}

func TestHandleEvictsChangedNodes(t *testing.T) {
	ctx := context.Background()
	g, store := newGraph(t)

	cust, err := g.Create(ctx, tenancy.KindCustomer, tenancy.Parents{}, "acme", "", "admin")
	require.NoError(t, err)
	_, err = g.ResolveContext(ctx, cust.ID)
	require.NoError(t, err)
	warm := store.gets.Load()

	ignored := cdc.Notification{Channel: "keycloak_group", Payload: []byte(`not json`)}
	require.NoError(t, g.Handle(ctx, ignored))

	payload := []byte(`{"op":"UPDATE","new":{"id":"` + cust.ID + `","name":"acme-2"},"old":{"id":"` + cust.ID + `","name":"acme"}}`)
	require.NoError(t, g.Handle(ctx, cdc.Notification{Channel: tenancy.KindCustomer.Table(), Payload: payload}))

	_, err = g.ResolveContext(ctx, cust.ID)
	require.NoError(t, err)
	assert.Equal(t, warm+1, store.gets.Load(), "update should evict the cached context")

	err = g.Handle(ctx, cdc.Notification{Channel: tenancy.KindCustomer.Table(), Payload: []byte(`{`)})
	assert.True(t, errors.Is(err, cdc.ErrMalformed))
}

func TestUpdateAndSetMembers(t *testing.T) {
	ctx := context.Background()
	g, _ := newGraph(t, tenancy.WithContextCache(0, 0))

	_, err := g.Update(ctx, "x", tenancy.Patch{}, "admin")
	assert.ErrorIs(t, err, tenancy.ErrInvalidInput)

	cust, err := g.Create(ctx, tenancy.KindCustomer, tenancy.Parents{}, "acme", "", "admin")
	require.NoError(t, err)
	org, err := g.Create(ctx, tenancy.KindOrganization, tenancy.Parents{CustomerID: cust.ID}, "north", "", "admin")
	require.NoError(t, err)
	inst, err := g.Create(ctx, tenancy.KindInstitution, tenancy.Parents{OrganizationID: org.ID}, "clinic", "", "admin")
	require.NoError(t, err)
	unit, err := g.Create(ctx, tenancy.KindOrganizationUnit, tenancy.Parents{CustomerID: cust.ID, OrganizationID: org.ID}, "ward", "", "admin")
	require.NoError(t, err)

	renamed := "north-east"
	updated, err := g.Update(ctx, org.ID, tenancy.Patch{Name: &renamed}, "editor")
	require.NoError(t, err)
	assert.Equal(t, renamed, updated.Name)
	assert.Equal(t, "editor", updated.UpdatedBy)

	_, err = g.SetMembers(ctx, unit.ID, []string{inst.ID, " "})
	assert.ErrorIs(t, err, tenancy.ErrInvalidInput)

	members, err := g.SetMembers(ctx, unit.ID, []string{inst.ID, inst.ID})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, inst.ID, members[0].InstitutionID)

	listed, err := g.Members(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, members, listed)

	_, err = g.List(ctx, tenancy.Filter{})
	assert.ErrorIs(t, err, tenancy.ErrInvalidInput)
	orgs, err := g.List(ctx, tenancy.Filter{Kind: tenancy.KindOrganization})
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, org.ID, orgs[0].ID)
}

func TestResolveRacingDeleteDoesNotCacheRemovedNode(t *testing.T) {
	ctx := context.Background()
	g, store := newGraph(t)

	cust, err := g.Create(ctx, tenancy.KindCustomer, tenancy.Parents{}, "acme", "", "admin")
	require.NoError(t, err)
	org, err := g.Create(ctx, tenancy.KindOrganization, tenancy.Parents{CustomerID: cust.ID}, "north", "", "admin")
	require.NoError(t, err)

	// the delete lands after the read but before the context is cached
	store.afterGet = func() {
		_, err := g.Delete(ctx, cust.ID, tenancy.DeleteCascade)
		require.NoError(t, err)
	}
	oc, err := g.ResolveContext(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, cust.ID, oc.CustomerID)

	_, err = g.ResolveContext(ctx, org.ID)
	assert.ErrorIs(t, err, tenancy.ErrNotFound)
}
