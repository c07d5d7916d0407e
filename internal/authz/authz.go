package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/identity"
	"qazna.org/tenancy/internal/obs"
	"qazna.org/tenancy/internal/tenancy"
)

// ErrForbidden is returned by Require when the caller holds no granted, in-scope binding.
var ErrForbidden = errors.New("authz: forbidden")

const reasonForbidden = "forbidden"

var decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "authz_decisions_total",
	Help: "Authorization decisions by result.",
}, []string{"result"})

// Collectors exposes the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{decisions}
}

// Request asks whether PrincipalID may perform Action on a target with context Target.
type Request struct {
	PrincipalID string                   `json:"principal_id"`
	Realm       string                   `json:"realm,omitempty"`
	Action      access.ResourceAction    `json:"action"`
	Target      tenancy.OwnershipContext `json:"target"`
}

// Decision is the outcome of Authorize. A deny carries only the reason and code.
type Decision struct {
	Allowed bool               `json:"allowed"`
	Reason  string             `json:"reason,omitempty"`
	Code    int                `json:"code,omitempty"`
	Level   access.AccessLevel `json:"-"`
	Group   string             `json:"group,omitempty"`
}

func deny() Decision {
	return Decision{Reason: reasonForbidden, Code: http.StatusForbidden}
}

// Bindings is the read side of the identity projection.
type Bindings interface {
	PrincipalRoles(ctx context.Context, principalID, realm string) ([]identity.RoleBinding, error)
}

// Contexts resolves the ownership context of a tenancy node.
type Contexts interface {
	ResolveContext(ctx context.Context, id string) (tenancy.OwnershipContext, error)
}

// Resolver decides requests against the role table, the projected bindings and the tenancy graph.
// It only reads.
type Resolver struct {
	bindings Bindings
	contexts Contexts
	table    *access.Table
	log      *logrus.Entry
}

type Option func(*Resolver)

func WithLogger(log *logrus.Entry) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

func NewResolver(bindings Bindings, contexts Contexts, table *access.Table, opts ...Option) (*Resolver, error) {
	if bindings == nil || contexts == nil {
		return nil, errors.New("authz: bindings and contexts are required")
	}
	if table == nil {
		table = access.Default()
	}
	r := &Resolver{
		bindings: bindings,
		contexts: contexts,
		table:    table,
		log:      obs.Component("authz"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Table returns the role table decisions are made against.
func (r *Resolver) Table() *access.Table { return r.table }

// Authorize evaluates every (group, role) binding of the principal and allows on the first one
// whose access level is granted the action and whose scope covers the target. Admin skips the
// scope step only.
func (r *Resolver) Authorize(ctx context.Context, req Request) (Decision, error) {
	if !req.Action.Valid() {
		return Decision{}, fmt.Errorf("%w: invalid action", tenancy.ErrInvalidInput)
	}
	if strings.TrimSpace(req.PrincipalID) == "" {
		decisions.WithLabelValues("deny").Inc()
		return deny(), nil
	}
	bindings, err := r.bindings.PrincipalRoles(ctx, req.PrincipalID, req.Realm)
	if err != nil {
		return Decision{}, fmt.Errorf("authz: principal roles: %w", err)
	}

	seen := make(map[string]bool, len(bindings))
	scopes := map[string]tenancy.OwnershipContext{}
	for _, b := range bindings {
		if seen[b.Group.ID] {
			continue
		}
		seen[b.Group.ID] = true

		group, ok := r.table.Lookup(b.Group.Path, b.Group.Name)
		if !ok || !r.table.IsGranted(group.Level, req.Action) {
			continue
		}
		allowed := group.Level == access.Admin
		if !allowed {
			allowed, err = r.inScope(ctx, r.table.AllowedScope(group.Level), b.Group, req.Target, scopes)
			if err != nil {
				return Decision{}, err
			}
		}
		if allowed {
			decisions.WithLabelValues("allow").Inc()
			return Decision{Allowed: true, Level: group.Level, Group: b.Group.Path}, nil
		}
	}
	decisions.WithLabelValues("deny").Inc()
	r.log.WithFields(logrus.Fields{
		"principal": req.PrincipalID,
		"action":    req.Action.String(),
	}).Debug("authorization denied")
	return deny(), nil
}

// inScope checks the target against the node the group is scoped to. A group without a
// resolvable context covers nothing under eco or state.
func (r *Resolver) inScope(ctx context.Context, scope access.Scope, g identity.GroupRef, target tenancy.OwnershipContext, cache map[string]tenancy.OwnershipContext) (bool, error) {
	if scope == access.ScopeNone {
		return true, nil
	}
	if g.Context == "" {
		return false, nil
	}
	gc, ok := cache[g.Context]
	if !ok {
		var err error
		gc, err = r.contexts.ResolveContext(ctx, g.Context)
		if err != nil && !errors.Is(err, tenancy.ErrNotFound) {
			return false, fmt.Errorf("authz: group context: %w", err)
		}
		cache[g.Context] = gc
	}
	switch scope {
	case access.ScopeEco:
		return gc.CustomerID != "" && gc.CustomerID == target.CustomerID, nil
	case access.ScopeState:
		return gc.InstitutionID != "" && gc.InstitutionID == target.InstitutionID, nil
	}
	return false, nil
}

// Require is Authorize folded into an error: nil on allow, ErrForbidden on deny.
func (r *Resolver) Require(ctx context.Context, req Request) error {
	d, err := r.Authorize(ctx, req)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ErrForbidden
	}
	return nil
}
