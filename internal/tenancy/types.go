package tenancy

import (
	"fmt"
	"strings"
	"time"

	"qazna.org/tenancy/internal/access"
)

// Kind is the level of a node in the Customer → Organization → Institution → OrganizationUnit hierarchy.
type Kind uint8

const (
	KindCustomer Kind = iota + 1
	KindOrganization
	KindInstitution
	KindOrganizationUnit
)

var kindInfo = map[Kind]struct {
	name       string
	entityType string
	table      string
	resource   access.Resource
}{
	KindCustomer:         {"customer", "Customer", "customers", access.ResourceCustomer},
	KindOrganization:     {"organization", "Organization", "organizations", access.ResourceOrganization},
	KindInstitution:      {"institution", "Institution", "institutions", access.ResourceInstitution},
	KindOrganizationUnit: {"organization_unit", "OrganizationUnit", "organization_units", access.ResourceOrganizationUnit},
}

// Kinds lists the hierarchy from root to leaf.
func Kinds() []Kind {
	return []Kind{KindCustomer, KindOrganization, KindInstitution, KindOrganizationUnit}
}

func (k Kind) Valid() bool {
	_, ok := kindInfo[k]
	return ok
}

func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// EntityType is the name reported in conflict errors and mutation events.
func (k Kind) EntityType() string { return kindInfo[k].entityType }

// Table is the relational table holding nodes of this kind.
func (k Kind) Table() string { return kindInfo[k].table }

// Resource is the access-model resource guarding this kind.
func (k Kind) Resource() access.Resource { return kindInfo[k].resource }

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, info := range kindInfo {
		if info.name == s || strings.ToLower(info.entityType) == s || info.table == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown node kind %q", ErrInvalidInput, s)
}

// KindForTable maps a table name back to its kind.
func KindForTable(table string) (Kind, bool) {
	for k, info := range kindInfo {
		if info.table == table {
			return k, true
		}
	}
	return 0, false
}

// Node is one tenancy entity. JSON names follow the table columns so change-data images decode into it.
type Node struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"-"`
	Name           string     `json:"name"`
	Type           string     `json:"ty"`
	CustomerID     string     `json:"customer_id,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedBy      string     `json:"updated_by,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// Context derives the ownership context of n from its own row.
func (n Node) Context() OwnershipContext {
	switch n.Kind {
	case KindCustomer:
		return OwnershipContext{CustomerID: n.ID}
	case KindOrganization:
		return OwnershipContext{CustomerID: n.CustomerID, OrganizationID: n.ID}
	case KindInstitution:
		return OwnershipContext{CustomerID: n.CustomerID, OrganizationID: n.OrganizationID, InstitutionID: n.ID}
	case KindOrganizationUnit:
		return OwnershipContext{CustomerID: n.CustomerID, OrganizationID: n.OrganizationID, OrganizationUnitID: n.ID}
	}
	return OwnershipContext{}
}

// OwnershipContext is the flattened ancestor chain of a node. Empty fields are absent levels.
type OwnershipContext struct {
	CustomerID         string `json:"customer_id,omitempty"`
	OrganizationID     string `json:"organization_id,omitempty"`
	InstitutionID      string `json:"institution_id,omitempty"`
	OrganizationUnitID string `json:"organization_unit_id,omitempty"`
}

func (c OwnershipContext) IsZero() bool { return c == OwnershipContext{} }

// Member groups an Institution under an OrganizationUnit.
type Member struct {
	OrganizationUnitID string `json:"organization_unit_id"`
	CustomerID         string `json:"customer_id"`
	OrganizationID     string `json:"organization_id"`
	InstitutionID      string `json:"institution_id"`
}

// Parents carries the parent references supplied on create.
type Parents struct {
	CustomerID     string `json:"customer_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Patch holds the mutable node fields; nil means unchanged.
type Patch struct {
	Name *string `json:"name,omitempty"`
	Type *string `json:"ty,omitempty"`
}

func (p Patch) Empty() bool { return p.Name == nil && p.Type == nil }

// DeleteMode chooses between removing a subtree and refusing when dependents exist.
type DeleteMode uint8

const (
	DeleteCascade DeleteMode = iota
	DeleteRestrict
)

func (m DeleteMode) String() string {
	if m == DeleteRestrict {
		return "restrict"
	}
	return "cascade"
}

// Removal reports what a delete took with it.
type Removal struct {
	Nodes   []Node   `json:"nodes"`
	Members []Member `json:"members"`
}

// IDs returns the ids of every removed node.
func (r Removal) IDs() []string {
	out := make([]string, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		out = append(out, n.ID)
	}
	return out
}

// Filter narrows ListNodes. Zero values match everything except Kind, which is required.
type Filter struct {
	Kind           Kind
	CustomerID     string
	OrganizationID string
	Type           string
	Limit          int
	Offset         int
}
