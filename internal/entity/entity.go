package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/ids"
	"qazna.org/tenancy/internal/tenancy"
)

// Entity is a leaf domain object (employee, office, appointment, ...) owned by a tenancy node.
// The owner's ownership context is stamped onto the row at creation.
type Entity struct {
	ID                 string          `json:"id"`
	Type               access.Resource `json:"type"`
	OwnerID            string          `json:"owner_id"`
	CustomerID         string          `json:"customer_id"`
	OrganizationID     string          `json:"organization_id,omitempty"`
	InstitutionID      string          `json:"institution_id,omitempty"`
	OrganizationUnitID string          `json:"organization_unit_id,omitempty"`
	Name               string          `json:"name"`
	Attributes         map[string]any  `json:"attributes"`
	CreatedBy          string          `json:"created_by"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedBy          string          `json:"updated_by,omitempty"`
	UpdatedAt          *time.Time      `json:"updated_at,omitempty"`
}

// Context is the stamped ownership context.
func (e Entity) Context() tenancy.OwnershipContext {
	return tenancy.OwnershipContext{
		CustomerID:         e.CustomerID,
		OrganizationID:     e.OrganizationID,
		InstitutionID:      e.InstitutionID,
		OrganizationUnitID: e.OrganizationUnitID,
	}
}

// Stamp copies oc onto e.
func (e *Entity) Stamp(oc tenancy.OwnershipContext) {
	e.CustomerID = oc.CustomerID
	e.OrganizationID = oc.OrganizationID
	e.InstitutionID = oc.InstitutionID
	e.OrganizationUnitID = oc.OrganizationUnitID
}

type Patch struct {
	Name       *string        `json:"name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Filter struct {
	Type       access.Resource
	OwnerID    string
	CustomerID string
	Limit      int
	Offset     int
}

// Store persists entities. Names are unique per (owner, type).
type Store interface {
	CreateEntity(ctx context.Context, e Entity) (Entity, error)
	GetEntity(ctx context.Context, id string) (Entity, error)
	UpdateEntity(ctx context.Context, id string, patch Patch, updatedBy string) (Entity, error)
	DeleteEntity(ctx context.Context, id string) (Entity, error)
	ListEntities(ctx context.Context, f Filter) ([]Entity, error)
}

var leafTypes = map[access.Resource]bool{
	access.ResourceUser:             true,
	access.ResourceEmployee:         true,
	access.ResourceWorkTime:         true,
	access.ResourceEmployeeWorkTime: true,
	access.ResourceOffice:           true,
	access.ResourceAppointment:      true,
}

// IsLeaf reports whether r is managed as an entity rather than a tenancy node.
func IsLeaf(r access.Resource) bool { return leafTypes[r] }

// NameConflict is the uniqueness error for a duplicate entity name.
func NameConflict(r access.Resource, name string) *tenancy.ConflictError {
	return &tenancy.ConflictError{EntityType: r.TypeName(), Field: "name", Value: name}
}

// Service validates entity input before it reaches the store.
type Service struct {
	store Store
	newID func() string
	now   func() time.Time
}

func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("entity: store is required")
	}
	return &Service{
		store: store,
		newID: ids.New,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create stores a new entity of type typ under owner, stamped with the owner's context.
func (s *Service) Create(ctx context.Context, typ access.Resource, owner string, oc tenancy.OwnershipContext, name string, attrs map[string]any, createdBy string) (Entity, error) {
	if !IsLeaf(typ) {
		return Entity{}, fmt.Errorf("%w: %s is not an entity type", tenancy.ErrInvalidInput, typ)
	}
	name, err := cleanName(name)
	if err != nil {
		return Entity{}, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" || oc.CustomerID == "" {
		return Entity{}, fmt.Errorf("%w: owner is required", tenancy.ErrInvalidInput)
	}
	if strings.TrimSpace(createdBy) == "" {
		return Entity{}, fmt.Errorf("%w: created_by is required", tenancy.ErrInvalidInput)
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	e := Entity{
		ID:         s.newID(),
		Type:       typ,
		OwnerID:    owner,
		Name:       name,
		Attributes: attrs,
		CreatedBy:  strings.TrimSpace(createdBy),
		CreatedAt:  s.now().Truncate(time.Microsecond),
	}
	e.Stamp(oc)
	return s.store.CreateEntity(ctx, e)
}

func (s *Service) Get(ctx context.Context, id string) (Entity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Entity{}, tenancy.ErrNotFound
	}
	return s.store.GetEntity(ctx, id)
}

func (s *Service) Update(ctx context.Context, id string, patch Patch, updatedBy string) (Entity, error) {
	if patch.Name == nil && patch.Attributes == nil {
		return Entity{}, fmt.Errorf("%w: nothing to update", tenancy.ErrInvalidInput)
	}
	if patch.Name != nil {
		name, err := cleanName(*patch.Name)
		if err != nil {
			return Entity{}, err
		}
		patch.Name = &name
	}
	if strings.TrimSpace(updatedBy) == "" {
		return Entity{}, fmt.Errorf("%w: updated_by is required", tenancy.ErrInvalidInput)
	}
	return s.store.UpdateEntity(ctx, strings.TrimSpace(id), patch, strings.TrimSpace(updatedBy))
}

func (s *Service) Delete(ctx context.Context, id string) (Entity, error) {
	return s.store.DeleteEntity(ctx, strings.TrimSpace(id))
}

func (s *Service) List(ctx context.Context, f Filter) ([]Entity, error) {
	if !IsLeaf(f.Type) {
		return nil, fmt.Errorf("%w: %s is not an entity type", tenancy.ErrInvalidInput, f.Type)
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListEntities(ctx, f)
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", tenancy.ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > tenancy.MaxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", tenancy.ErrInvalidInput, tenancy.MaxNameLength)
	}
	return name, nil
}
