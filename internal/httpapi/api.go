package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"qazna.org/tenancy/internal/auth"
	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/identity"
	"qazna.org/tenancy/internal/lifecycle"
	"qazna.org/tenancy/internal/obs"
)

const serviceName = "tenancy-core"

// Readiness pings the database when one is configured.
type Readiness struct {
	DB *sql.DB
}

func (rp Readiness) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Principals reads projected identities.
type Principals interface {
	Principal(ctx context.Context, principalID string) (identity.Principal, error)
}

// Options wires the API to the core services. Manager and Resolver are required.
type Options struct {
	Manager    *lifecycle.Manager
	Resolver   *authz.Resolver
	Contexts   authz.Contexts
	Principals Principals
	Signer     *auth.Signer
	Ready      readinessChecker
	Version    string

	MaxBodyBytes  int64
	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer.
type API struct {
	router     *mux.Router
	mgr        *lifecycle.Manager
	resolver   *authz.Resolver
	contexts   authz.Contexts
	principals Principals
	signer     *auth.Signer
	ready      readinessChecker
	version    string
	opts       Options
}

func New(opts Options) (*API, error) {
	if opts.Manager == nil || opts.Resolver == nil {
		return nil, errors.New("httpapi: manager and resolver are required")
	}
	if opts.Ready == nil {
		opts.Ready = Readiness{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		router:     mux.NewRouter(),
		mgr:        opts.Manager,
		resolver:   opts.Resolver,
		contexts:   opts.Contexts,
		principals: opts.Principals,
		signer:     opts.Signer,
		ready:      opts.Ready,
		version:    opts.Version,
		opts:       opts,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.Use(obs.Instrument)

	// health/ready/info
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/authorize", a.handleAuthorize).Methods(http.MethodPost)
	r.HandleFunc("/v1/principals/{id}", a.handlePrincipal).Methods(http.MethodGet)

	r.HandleFunc("/v1/customers", a.handleCreateCustomer).Methods(http.MethodPost)
	r.HandleFunc("/v1/customers", a.handleListCustomers).Methods(http.MethodGet)
	r.HandleFunc("/v1/customers/{id}/organizations", a.handleCreateOrganization).Methods(http.MethodPost)
	r.HandleFunc("/v1/customers/{id}/organizations", a.handleListOrganizations).Methods(http.MethodGet)
	r.HandleFunc("/v1/customers/{id}/units", a.handleCreateUnit).Methods(http.MethodPost)
	r.HandleFunc("/v1/customers/{id}/units", a.handleListUnits).Methods(http.MethodGet)
	r.HandleFunc("/v1/organizations/{id}/institutions", a.handleCreateInstitution).Methods(http.MethodPost)
	r.HandleFunc("/v1/organizations/{id}/institutions", a.handleListInstitutions).Methods(http.MethodGet)

	r.HandleFunc("/v1/nodes/{id}", a.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/v1/nodes/{id}", a.handleUpdateNode).Methods(http.MethodPatch)
	r.HandleFunc("/v1/nodes/{id}", a.handleDeleteNode).Methods(http.MethodDelete)
	r.HandleFunc("/v1/nodes/{id}/context", a.handleNodeContext).Methods(http.MethodGet)
	r.HandleFunc("/v1/units/{id}/members", a.handleSetMembers).Methods(http.MethodPut)
	r.HandleFunc("/v1/units/{id}/members", a.handleMembers).Methods(http.MethodGet)

	r.HandleFunc("/v1/entities", a.handleCreateEntity).Methods(http.MethodPost)
	r.HandleFunc("/v1/entities", a.handleListEntities).Methods(http.MethodGet)
	r.HandleFunc("/v1/entities/{id}", a.handleGetEntity).Methods(http.MethodGet)
	r.HandleFunc("/v1/entities/{id}", a.handleUpdateEntity).Methods(http.MethodPatch)
	r.HandleFunc("/v1/entities/{id}", a.handleDeleteEntity).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the router wrapped in the standard middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	if a.opts.RatePerSecond > 0 {
		h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

type errorItem struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions"`
}

type errorBody struct {
	Errors []errorItem `json:"errors"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"errors":[{"message","extensions"}]} with the matching status.
func writeError(w http.ResponseWriter, err error) {
	le := lifecycle.FromError(err)
	writeJSON(w, le.Code, errorBody{Errors: []errorItem{{Message: le.Message, Extensions: le.Extensions()}}})
}

func writeStatus(w http.ResponseWriter, code int, message string) {
	writeError(w, &lifecycle.Error{Code: code, Message: message})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

// caller is the principal the request acts for; anonymous when no token was sent.
func caller(r *http.Request) lifecycle.Caller {
	p := auth.Caller(r.Context())
	return lifecycle.Caller{PrincipalID: p.ID, Realm: p.Realm}
}
