package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"qazna.org/tenancy/internal/auth"
	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/entity"
	"qazna.org/tenancy/internal/identity"
	"qazna.org/tenancy/internal/lifecycle"
	"qazna.org/tenancy/internal/store/mem"
	"qazna.org/tenancy/internal/tenancy"
)

type testServer struct {
	store   *mem.Store
	handler http.Handler
	signer  *auth.Signer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := mem.New()
	g, err := tenancy.NewGraph(s)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	es, err := entity.NewService(s)
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	r, err := authz.NewResolver(s, g, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	m, err := lifecycle.NewManager(g, es, r)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	signer, err := auth.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	api, err := New(Options{
		Manager:    m,
		Resolver:   r,
		Contexts:   g,
		Principals: s,
		Signer:     signer,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := &testServer{store: s, handler: api.Handler(), signer: signer}
	ctx := context.Background()
	mustNo(t, s.UpsertRealm(ctx, identity.Realm{ID: "r1", Name: "qazna"}))
	mustNo(t, s.UpsertRole(ctx, identity.Role{ID: "role-member", RealmID: "r1", Name: "member"}))
	ts.member(t, "admin", "g-admin", "Admin", "")
	return ts
}

func mustNo(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (ts *testServer) member(t *testing.T, user, groupID, name, contextID string) {
	t.Helper()
	ctx := context.Background()
	mustNo(t, ts.store.UpsertUser(ctx, identity.User{ID: user, RealmID: "r1", Username: user, Enabled: true}))
	mustNo(t, ts.store.UpsertGroup(ctx, identity.Group{ID: groupID, RealmID: "r1", Name: name}))
	if contextID != "" {
		mustNo(t, ts.store.UpsertGroupAttribute(ctx, identity.GroupAttribute{
			ID: groupID + "-ctx", GroupID: groupID, Name: identity.AttrContext, Value: contextID,
		}))
	}
	mustNo(t, ts.store.UpsertGroupRole(ctx, identity.GroupRole{GroupID: groupID, RoleID: "role-member"}))
	mustNo(t, ts.store.UpsertMembership(ctx, identity.Membership{UserID: user, GroupID: groupID}))
}

func (ts *testServer) token(t *testing.T, principal string) string {
	t.Helper()
	tok, err := ts.signer.GenerateToken(principal, "qazna", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestCustomerCreateFlow(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]string{"name": "cust001"}

	rr := ts.do(t, http.MethodPost, "/v1/customers", "", body)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("anonymous create: expected 403, got %d", rr.Code)
	}
	want := `{"errors":[{"message":"forbidden","extensions":{"code":403}}]}`
	if got := strings.TrimSpace(rr.Body.String()); got != want {
		t.Fatalf("unexpected 403 body: %s", got)
	}

	admin := ts.token(t, "admin")
	rr = ts.do(t, http.MethodPost, "/v1/customers", admin, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("admin create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created NodeView
	decodeBody(t, rr, &created)
	if created.Name != "cust001" || created.Kind != "customer" || created.ID == "" {
		t.Fatalf("unexpected node: %+v", created)
	}
	if rr.Header().Get("Location") != "/v1/nodes/"+created.ID {
		t.Fatalf("unexpected location: %q", rr.Header().Get("Location"))
	}

	rr = ts.do(t, http.MethodPost, "/v1/customers", admin, body)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate create: expected 409, got %d", rr.Code)
	}
	var errs errorBody
	decodeBody(t, rr, &errs)
	wantExt := map[string]any{"code": float64(409), "type": "Customer", "field": "name"}
	if len(errs.Errors) != 1 || !reflect.DeepEqual(errs.Errors[0].Extensions, wantExt) {
		t.Fatalf("unexpected conflict body: %s", rr.Body.String())
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/v1/customers", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
}

func TestHierarchyOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token(t, "admin")

	var cust, org, inst, unit NodeView
	rr := ts.do(t, http.MethodPost, "/v1/customers", admin, map[string]string{"name": "Acme"})
	decodeBody(t, rr, &cust)
	rr = ts.do(t, http.MethodPost, "/v1/customers/"+cust.ID+"/organizations", admin, map[string]string{"name": "North", "ty": "Region"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create org: %d %s", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &org)
	rr = ts.do(t, http.MethodPost, "/v1/organizations/"+org.ID+"/institutions", admin, map[string]string{"name": "School 7"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create institution: %d %s", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &inst)
	rr = ts.do(t, http.MethodPost, "/v1/customers/"+cust.ID+"/units", admin, map[string]string{"name": "Math", "organization_id": org.ID})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create unit: %d %s", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &unit)

	rr = ts.do(t, http.MethodGet, "/v1/nodes/"+inst.ID+"/context", admin, nil)
	var oc tenancy.OwnershipContext
	decodeBody(t, rr, &oc)
	want := tenancy.OwnershipContext{CustomerID: cust.ID, OrganizationID: org.ID, InstitutionID: inst.ID}
	if oc != want {
		t.Fatalf("unexpected context: %+v", oc)
	}

	rr = ts.do(t, http.MethodPut, "/v1/units/"+unit.ID+"/members", admin, map[string][]string{"institution_ids": {inst.ID}})
	if rr.Code != http.StatusOK {
		t.Fatalf("set members: %d %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodGet, "/v1/customers/"+cust.ID+"/organizations", admin, nil)
	var list struct {
		Items []NodeView `json:"items"`
	}
	decodeBody(t, rr, &list)
	if len(list.Items) != 1 || list.Items[0].ID != org.ID {
		t.Fatalf("unexpected organizations: %+v", list.Items)
	}

	rr = ts.do(t, http.MethodDelete, "/v1/nodes/"+cust.ID+"?mode=restrict", admin, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("restrict delete: expected 400, got %d", rr.Code)
	}
	rr = ts.do(t, http.MethodDelete, "/v1/nodes/"+cust.ID, admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cascade delete: %d %s", rr.Code, rr.Body.String())
	}
	var removal struct {
		Nodes   []NodeView       `json:"nodes"`
		Members []tenancy.Member `json:"members"`
	}
	decodeBody(t, rr, &removal)
	if len(removal.Nodes) != 4 || len(removal.Members) != 1 {
		t.Fatalf("unexpected removal: %d nodes, %d members", len(removal.Nodes), len(removal.Members))
	}
	rr = ts.do(t, http.MethodGet, "/v1/nodes/"+org.ID, admin, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after cascade, got %d", rr.Code)
	}
}

func TestEntitiesOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token(t, "admin")

	var cust NodeView
	decodeBody(t, ts.do(t, http.MethodPost, "/v1/customers", admin, map[string]string{"name": "Acme"}), &cust)

	rr := ts.do(t, http.MethodPost, "/v1/entities", admin, map[string]any{
		"type": "office", "owner_id": cust.ID, "name": "HQ", "attributes": map[string]any{"floor": 3},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create entity: %d %s", rr.Code, rr.Body.String())
	}
	var office entity.Entity
	decodeBody(t, rr, &office)
	if office.CustomerID != cust.ID || office.Name != "HQ" {
		t.Fatalf("unexpected entity: %+v", office)
	}

	rr = ts.do(t, http.MethodPost, "/v1/entities", admin, map[string]any{"type": "office", "owner_id": cust.ID, "name": "HQ"})
	var errs errorBody
	decodeBody(t, rr, &errs)
	if rr.Code != http.StatusConflict || errs.Errors[0].Extensions["type"] != "Office" {
		t.Fatalf("expected Office conflict, got %d %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodGet, "/v1/entities", admin, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("list without type: expected 400, got %d", rr.Code)
	}
	rr = ts.do(t, http.MethodGet, "/v1/entities?type=office&owner_id="+cust.ID, admin, nil)
	var list struct {
		Items []entity.Entity `json:"items"`
	}
	decodeBody(t, rr, &list)
	if len(list.Items) != 1 {
		t.Fatalf("expected one office, got %d", len(list.Items))
	}

	rr = ts.do(t, http.MethodDelete, "/v1/entities/"+office.ID, admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete entity: %d", rr.Code)
	}
	rr = ts.do(t, http.MethodGet, "/v1/entities/"+office.ID, admin, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAuthorizeEndpoint(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token(t, "admin")

	var a, b NodeView
	decodeBody(t, ts.do(t, http.MethodPost, "/v1/customers", admin, map[string]string{"name": "Acme"}), &a)
	decodeBody(t, ts.do(t, http.MethodPost, "/v1/customers", admin, map[string]string{"name": "Globex"}), &b)
	ts.member(t, "owner", "g-owner", "CustomerOwner", a.ID)
	owner := ts.token(t, "owner")

	rr := ts.do(t, http.MethodPost, "/v1/authorize", "", map[string]any{"action": "customer:view"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous authorize: expected 401, got %d", rr.Code)
	}

	var d authorizeResponse
	rr = ts.do(t, http.MethodPost, "/v1/authorize", owner, map[string]any{"action": "organization:create", "target_id": a.ID})
	decodeBody(t, rr, &d)
	if rr.Code != http.StatusOK || !d.Allowed {
		t.Fatalf("owner on own customer: %d %s", rr.Code, rr.Body.String())
	}

	d = authorizeResponse{}
	rr = ts.do(t, http.MethodPost, "/v1/authorize", owner, map[string]any{"action": "customer:create", "target_id": b.ID})
	decodeBody(t, rr, &d)
	if d.Allowed || d.Code != http.StatusForbidden {
		t.Fatalf("owner on foreign customer must be denied: %s", rr.Body.String())
	}

	d = authorizeResponse{}
	rr = ts.do(t, http.MethodPost, "/v1/authorize", admin, map[string]any{"action": "appointment:delete", "target": map[string]string{"customer_id": b.ID}})
	decodeBody(t, rr, &d)
	if !d.Allowed || d.Level != "Admin" {
		t.Fatalf("admin must be allowed: %s", rr.Body.String())
	}

	rr = ts.do(t, http.MethodGet, "/v1/principals/owner", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("self principal: %d %s", rr.Code, rr.Body.String())
	}
	var p identity.Principal
	decodeBody(t, rr, &p)
	if p.User.ID != "owner" || len(p.Groups) != 1 {
		t.Fatalf("unexpected principal: %+v", p)
	}
	rr = ts.do(t, http.MethodGet, "/v1/principals/admin", owner, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign principal: expected 403, got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = ts.do(t, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rr.Code)
	}
	rr = ts.do(t, http.MethodGet, "/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
