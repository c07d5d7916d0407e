package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/entity"
	"qazna.org/tenancy/internal/obs"
	"qazna.org/tenancy/internal/tenancy"
)

var tracer = otel.Tracer("qazna.org/tenancy/lifecycle")

// Caller identifies who is asking. An empty PrincipalID is an anonymous caller.
type Caller struct {
	PrincipalID string
	Realm       string
}

// Authorizer is the part of the resolver the manager needs.
type Authorizer interface {
	Require(ctx context.Context, req authz.Request) error
}

// Manager runs every mutation as authorize, then store. Change notifications come from the store.
type Manager struct {
	graph    *tenancy.Graph
	entities *entity.Service
	authz    Authorizer
	log      *logrus.Entry
}

func NewManager(graph *tenancy.Graph, entities *entity.Service, authorizer Authorizer) (*Manager, error) {
	if graph == nil || entities == nil || authorizer == nil {
		return nil, errors.New("lifecycle: graph, entities and authorizer are required")
	}
	return &Manager{graph: graph, entities: entities, authz: authorizer, log: obs.Component("lifecycle")}, nil
}

func (m *Manager) start(ctx context.Context, op string, caller Caller) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(
		attribute.String("principal", caller.PrincipalID),
	))
}

// finish records err on span and converts it to an *Error.
func (m *Manager) finish(span trace.Span, op string, err error) error {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	le := FromError(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, le.Message)
	span.SetAttributes(attribute.Int("code", le.Code))
	if le.Code >= 500 {
		m.log.WithError(err).WithField("op", op).Error("operation failed")
	}
	return le
}

func (m *Manager) require(ctx context.Context, caller Caller, action access.ResourceAction, target tenancy.OwnershipContext) error {
	return m.authz.Require(ctx, authz.Request{
		PrincipalID: strings.TrimSpace(caller.PrincipalID),
		Realm:       caller.Realm,
		Action:      action,
		Target:      target,
	})
}

// requireOn authorizes action against the context of node id. An unknown id is authorized against
// an empty context first, so callers who could not act there see Forbidden rather than NotFound.
func (m *Manager) requireOn(ctx context.Context, caller Caller, id string, action access.ResourceAction) (tenancy.OwnershipContext, error) {
	oc, err := m.graph.ResolveContext(ctx, id)
	if errors.Is(err, tenancy.ErrNotFound) {
		if aerr := m.require(ctx, caller, action, tenancy.OwnershipContext{}); aerr != nil {
			return tenancy.OwnershipContext{}, aerr
		}
		return tenancy.OwnershipContext{}, err
	}
	if err != nil {
		return tenancy.OwnershipContext{}, err
	}
	return oc, m.require(ctx, caller, action, oc)
}

// nodeFor loads node id for an operation with verb. When the id is unknown the kind is too, so the
// empty-context check uses the customer resource, which only unscoped levels hold.
func (m *Manager) nodeFor(ctx context.Context, caller Caller, id string, verb access.Verb) (tenancy.Node, error) {
	node, err := m.graph.Get(ctx, id)
	if errors.Is(err, tenancy.ErrNotFound) {
		if aerr := m.require(ctx, caller, access.Action(access.ResourceCustomer, verb), tenancy.OwnershipContext{}); aerr != nil {
			return tenancy.Node{}, aerr
		}
		return tenancy.Node{}, err
	}
	if err != nil {
		return tenancy.Node{}, err
	}
	return node, m.require(ctx, caller, access.Action(node.Kind.Resource(), verb), node.Context())
}

func (m *Manager) CreateCustomer(ctx context.Context, caller Caller, name, typ string) (tenancy.Node, error) {
	ctx, span := m.start(ctx, "CreateCustomer", caller)
	node, err := m.createCustomer(ctx, caller, name, typ)
	return node, m.finish(span, "CreateCustomer", err)
}

func (m *Manager) createCustomer(ctx context.Context, caller Caller, name, typ string) (tenancy.Node, error) {
	if err := m.require(ctx, caller, access.Action(access.ResourceCustomer, access.Create), tenancy.OwnershipContext{}); err != nil {
		return tenancy.Node{}, err
	}
	return m.graph.Create(ctx, tenancy.KindCustomer, tenancy.Parents{}, name, typ, caller.PrincipalID)
}

func (m *Manager) CreateOrganization(ctx context.Context, caller Caller, customerID, name, typ string) (tenancy.Node, error) {
	ctx, span := m.start(ctx, "CreateOrganization", caller)
	node, err := m.createChild(ctx, caller, tenancy.KindOrganization, customerID, tenancy.Parents{CustomerID: customerID}, name, typ)
	return node, m.finish(span, "CreateOrganization", err)
}

func (m *Manager) CreateInstitution(ctx context.Context, caller Caller, organizationID, name, typ string) (tenancy.Node, error) {
	ctx, span := m.start(ctx, "CreateInstitution", caller)
	node, err := m.createChild(ctx, caller, tenancy.KindInstitution, organizationID, tenancy.Parents{OrganizationID: organizationID}, name, typ)
	return node, m.finish(span, "CreateInstitution", err)
}

// CreateOrganizationUnit scopes the unit to organizationID when given, otherwise to the whole customer.
func (m *Manager) CreateOrganizationUnit(ctx context.Context, caller Caller, customerID, organizationID, name, typ string) (tenancy.Node, error) {
	ctx, span := m.start(ctx, "CreateOrganizationUnit", caller)
	parent := customerID
	if strings.TrimSpace(organizationID) != "" {
		parent = organizationID
	}
	node, err := m.createChild(ctx, caller, tenancy.KindOrganizationUnit, parent,
		tenancy.Parents{CustomerID: customerID, OrganizationID: organizationID}, name, typ)
	return node, m.finish(span, "CreateOrganizationUnit", err)
}

func (m *Manager) createChild(ctx context.Context, caller Caller, kind tenancy.Kind, parentID string, parents tenancy.Parents, name, typ string) (tenancy.Node, error) {
	if strings.TrimSpace(parentID) == "" {
		if err := m.require(ctx, caller, access.Action(kind.Resource(), access.Create), tenancy.OwnershipContext{}); err != nil {
			return tenancy.Node{}, err
		}
		return tenancy.Node{}, tenancy.ErrInvalidInput
	}
	if _, err := m.requireOn(ctx, caller, parentID, access.Action(kind.Resource(), access.Create)); err != nil {
		return tenancy.Node{}, err
	}
	return m.graph.Create(ctx, kind, parents, name, typ, caller.PrincipalID)
}

func (m *Manager) GetNode(ctx context.Context, caller Caller, id string) (tenancy.Node, error) {
	ctx, span := m.start(ctx, "GetNode", caller)
	node, err := m.nodeFor(ctx, caller, id, access.View)
	if err != nil {
		node = tenancy.Node{}
	}
	return node, m.finish(span, "GetNode", err)
}

func (m *Manager) UpdateNode(ctx context.Context, caller Caller, id string, patch tenancy.Patch) (tenancy.Node, error) {
	ctx, span := m.start(ctx, "UpdateNode", caller)
	node, err := m.nodeFor(ctx, caller, id, access.Update)
	if err == nil {
		node, err = m.graph.Update(ctx, id, patch, caller.PrincipalID)
	}
	return node, m.finish(span, "UpdateNode", err)
}

func (m *Manager) DeleteNode(ctx context.Context, caller Caller, id string, mode tenancy.DeleteMode) (tenancy.Removal, error) {
	ctx, span := m.start(ctx, "DeleteNode", caller)
	var removal tenancy.Removal
	_, err := m.nodeFor(ctx, caller, id, access.Delete)
	if err == nil {
		removal, err = m.graph.Delete(ctx, id, mode)
	}
	return removal, m.finish(span, "DeleteNode", err)
}

// ResolveContext returns the ancestor chain of a node the caller may view.
func (m *Manager) ResolveContext(ctx context.Context, caller Caller, id string) (tenancy.OwnershipContext, error) {
	ctx, span := m.start(ctx, "ResolveContext", caller)
	node, err := m.nodeFor(ctx, caller, id, access.View)
	var oc tenancy.OwnershipContext
	if err == nil {
		oc = node.Context()
	}
	return oc, m.finish(span, "ResolveContext", err)
}

// ListNodes authorizes against the filter's customer and organization, so scoped callers must
// narrow the listing to what they own.
func (m *Manager) ListNodes(ctx context.Context, caller Caller, f tenancy.Filter) ([]tenancy.Node, error) {
	ctx, span := m.start(ctx, "ListNodes", caller)
	var nodes []tenancy.Node
	err := m.listTarget(ctx, caller, f)
	if err == nil {
		nodes, err = m.graph.List(ctx, f)
	}
	return nodes, m.finish(span, "ListNodes", err)
}

func (m *Manager) listTarget(ctx context.Context, caller Caller, f tenancy.Filter) error {
	if !f.Kind.Valid() {
		return tenancy.ErrInvalidInput
	}
	action := access.Action(f.Kind.Resource(), access.List)
	switch {
	case f.OrganizationID != "":
		_, err := m.requireOn(ctx, caller, f.OrganizationID, action)
		return err
	case f.CustomerID != "":
		_, err := m.requireOn(ctx, caller, f.CustomerID, action)
		return err
	}
	return m.require(ctx, caller, action, tenancy.OwnershipContext{})
}

// SetUnitMembers replaces the institutions grouped under unitID.
func (m *Manager) SetUnitMembers(ctx context.Context, caller Caller, unitID string, institutionIDs []string) ([]tenancy.Member, error) {
	ctx, span := m.start(ctx, "SetUnitMembers", caller)
	var members []tenancy.Member
	_, err := m.nodeFor(ctx, caller, unitID, access.Update)
	if err == nil {
		members, err = m.graph.SetMembers(ctx, unitID, institutionIDs)
	}
	return members, m.finish(span, "SetUnitMembers", err)
}

func (m *Manager) UnitMembers(ctx context.Context, caller Caller, unitID string) ([]tenancy.Member, error) {
	ctx, span := m.start(ctx, "UnitMembers", caller)
	var members []tenancy.Member
	_, err := m.nodeFor(ctx, caller, unitID, access.View)
	if err == nil {
		members, err = m.graph.Members(ctx, unitID)
	}
	return members, m.finish(span, "UnitMembers", err)
}

// CreateEntity stores a leaf entity under ownerID, stamped with the owner's context.
func (m *Manager) CreateEntity(ctx context.Context, caller Caller, typ access.Resource, ownerID, name string, attrs map[string]any) (entity.Entity, error) {
	ctx, span := m.start(ctx, "CreateEntity", caller)
	span.SetAttributes(attribute.String("entity.type", typ.String()))
	var e entity.Entity
	err := leaf(typ)
	if err == nil {
		var oc tenancy.OwnershipContext
		oc, err = m.requireOn(ctx, caller, ownerID, access.Action(typ, access.Create))
		if err == nil {
			e, err = m.entities.Create(ctx, typ, ownerID, oc, name, attrs, caller.PrincipalID)
		}
	}
	return e, m.finish(span, "CreateEntity", err)
}

// entityFor loads entity id and authorizes verb on its stamped context.
func (m *Manager) entityFor(ctx context.Context, caller Caller, id string, verb access.Verb) (entity.Entity, error) {
	e, err := m.entities.Get(ctx, id)
	if errors.Is(err, tenancy.ErrNotFound) {
		if aerr := m.require(ctx, caller, access.Action(access.ResourceCustomer, verb), tenancy.OwnershipContext{}); aerr != nil {
			return entity.Entity{}, aerr
		}
		return entity.Entity{}, err
	}
	if err != nil {
		return entity.Entity{}, err
	}
	if err := m.require(ctx, caller, access.Action(e.Type, verb), e.Context()); err != nil {
		return entity.Entity{}, err
	}
	return e, nil
}

func (m *Manager) GetEntity(ctx context.Context, caller Caller, id string) (entity.Entity, error) {
	ctx, span := m.start(ctx, "GetEntity", caller)
	e, err := m.entityFor(ctx, caller, id, access.View)
	return e, m.finish(span, "GetEntity", err)
}

func (m *Manager) UpdateEntity(ctx context.Context, caller Caller, id string, patch entity.Patch) (entity.Entity, error) {
	ctx, span := m.start(ctx, "UpdateEntity", caller)
	e, err := m.entityFor(ctx, caller, id, access.Update)
	if err == nil {
		e, err = m.entities.Update(ctx, id, patch, caller.PrincipalID)
	}
	return e, m.finish(span, "UpdateEntity", err)
}

func (m *Manager) DeleteEntity(ctx context.Context, caller Caller, id string) (entity.Entity, error) {
	ctx, span := m.start(ctx, "DeleteEntity", caller)
	e, err := m.entityFor(ctx, caller, id, access.Delete)
	if err == nil {
		e, err = m.entities.Delete(ctx, id)
	}
	return e, m.finish(span, "DeleteEntity", err)
}

// ListEntities authorizes against the owner when one is given, otherwise against the customer.
func (m *Manager) ListEntities(ctx context.Context, caller Caller, f entity.Filter) ([]entity.Entity, error) {
	ctx, span := m.start(ctx, "ListEntities", caller)
	var out []entity.Entity
	err := leaf(f.Type)
	if err == nil {
		action := access.Action(f.Type, access.List)
		switch {
		case f.OwnerID != "":
			_, err = m.requireOn(ctx, caller, f.OwnerID, action)
		case f.CustomerID != "":
			_, err = m.requireOn(ctx, caller, f.CustomerID, action)
		default:
			err = m.require(ctx, caller, action, tenancy.OwnershipContext{})
		}
	}
	if err == nil {
		out, err = m.entities.List(ctx, f)
	}
	return out, m.finish(span, "ListEntities", err)
}

func leaf(typ access.Resource) error {
	if !entity.IsLeaf(typ) {
		return tenancy.ErrInvalidInput
	}
	return nil
}
