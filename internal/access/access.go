package access

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknown is returned when a level, verb, resource or scope name is not part of the closed sets.
var ErrUnknown = errors.New("access: unknown name")

// AccessLevel is the coarse role class a user group maps to.
type AccessLevel uint8

const (
	Admin AccessLevel = iota
	CustomerOwner
	InstitutionOwner
	Management
	Worker

	numLevels = int(Worker) + 1
)

var levelNames = [numLevels]string{"Admin", "CustomerOwner", "InstitutionOwner", "Management", "Worker"}

func (l AccessLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("AccessLevel(%d)", uint8(l))
	}
	return levelNames[l]
}

func (l AccessLevel) Valid() bool { return int(l) < numLevels }

// AccessLevels lists every level in declaration order.
func AccessLevels() []AccessLevel {
	out := make([]AccessLevel, numLevels)
	for i := range out {
		out[i] = AccessLevel(i)
	}
	return out
}

func ParseAccessLevel(s string) (AccessLevel, error) {
	s = strings.TrimSpace(s)
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return AccessLevel(i), nil
		}
	}
	return 0, fmt.Errorf("%w: access level %q", ErrUnknown, s)
}

// Verb is the operation half of a ResourceAction.
type Verb uint8

const (
	List Verb = iota
	View
	Update
	Create
	Delete
	Report

	numVerbs = int(Report) + 1
)

var verbNames = [numVerbs]string{"list", "view", "update", "create", "delete", "report"}

func (v Verb) String() string {
	if int(v) >= numVerbs {
		return fmt.Sprintf("Verb(%d)", uint8(v))
	}
	return verbNames[v]
}

func ParseVerb(s string) (Verb, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range verbNames {
		if name == s {
			return Verb(i), nil
		}
	}
	return 0, fmt.Errorf("%w: verb %q", ErrUnknown, s)
}

// Resource is the kind of object a ResourceAction applies to.
type Resource uint8

const (
	ResourceCustomer Resource = iota
	ResourceOrganization
	ResourceInstitution
	ResourceOrganizationUnit
	ResourceUser
	ResourceEmployee
	ResourceWorkTime
	ResourceEmployeeWorkTime
	ResourceOffice
	ResourceAppointment

	numResources = int(ResourceAppointment) + 1
)

var resourceNames = [numResources]string{
	"customer",
	"organization",
	"institution",
	"organization_unit",
	"user",
	"employee",
	"work_time",
	"employee_work_time",
	"office",
	"appointment",
}

func (r Resource) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Resource(%d)", uint8(r))
	}
	return resourceNames[r]
}

func (r Resource) Valid() bool { return int(r) < numResources }

// Resources lists every resource in declaration order.
func Resources() []Resource {
	out := make([]Resource, numResources)
	for i := range out {
		out[i] = Resource(i)
	}
	return out
}

func ParseResource(s string) (Resource, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range resourceNames {
		if name == s {
			return Resource(i), nil
		}
	}
	return 0, fmt.Errorf("%w: resource %q", ErrUnknown, s)
}

// ResourceAction is a (resource, verb) pair. Its string form is the role token "resource:verb".
type ResourceAction struct {
	Resource Resource
	Verb     Verb
}

// NumResourceActions is the size of the closed resource × verb product.
const NumResourceActions = numResources * numVerbs

func Action(r Resource, v Verb) ResourceAction { return ResourceAction{Resource: r, Verb: v} }

func (a ResourceAction) String() string { return a.Resource.String() + ":" + a.Verb.String() }

func (a ResourceAction) Valid() bool { return a.Resource.Valid() && int(a.Verb) < numVerbs }

// Index is the dense position of the action inside the matrix row.
func (a ResourceAction) Index() int { return int(a.Resource)*numVerbs + int(a.Verb) }

func ParseResourceAction(token string) (ResourceAction, error) {
	res, verb, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok {
		return ResourceAction{}, fmt.Errorf("%w: role %q is not resource:verb", ErrUnknown, token)
	}
	r, err := ParseResource(res)
	if err != nil {
		return ResourceAction{}, err
	}
	v, err := ParseVerb(verb)
	if err != nil {
		return ResourceAction{}, err
	}
	return ResourceAction{Resource: r, Verb: v}, nil
}

// AllResourceActions enumerates the product ordered by Index.
func AllResourceActions() []ResourceAction {
	out := make([]ResourceAction, 0, NumResourceActions)
	for r := 0; r < numResources; r++ {
		for v := 0; v < numVerbs; v++ {
			out = append(out, ResourceAction{Resource: Resource(r), Verb: Verb(v)})
		}
	}
	return out
}

// Scope says how far a level's grants reach into the tenancy graph.
type Scope uint8

const (
	// ScopeNone places no restriction on the target context.
	ScopeNone Scope = iota
	// ScopeEco restricts targets to the group's customer.
	ScopeEco
	// ScopeState restricts targets to the group's institution.
	ScopeState
)

var scopeNames = [...]string{"none", "eco", "state"}

func (s Scope) String() string {
	if int(s) >= len(scopeNames) {
		return fmt.Sprintf("Scope(%d)", uint8(s))
	}
	return scopeNames[s]
}

func ParseScope(s string) (Scope, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range scopeNames {
		if name == s {
			return Scope(i), nil
		}
	}
	return 0, fmt.Errorf("%w: scope %q", ErrUnknown, s)
}

// Matrix is the total permission table. A false cell is a deny.
type Matrix struct {
	grants [numLevels][NumResourceActions]bool
}

// IsGranted reports whether level may perform action. Invalid inputs are denied.
func (m *Matrix) IsGranted(level AccessLevel, action ResourceAction) bool {
	if m == nil || !level.Valid() || !action.Valid() {
		return false
	}
	return m.grants[level][action.Index()]
}

func (m *Matrix) grant(level AccessLevel, action ResourceAction) {
	m.grants[level][action.Index()] = true
}

func (r Resource) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: resource %d", ErrUnknown, uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Resource) UnmarshalText(b []byte) error {
	parsed, err := ParseResource(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// TypeName renders the resource the way entity types are reported to clients, e.g. "WorkTime".
func (r Resource) TypeName() string {
	parts := strings.Split(r.String(), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

func (a ResourceAction) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: action %d:%d", ErrUnknown, uint8(a.Resource), uint8(a.Verb))
	}
	return []byte(a.String()), nil
}

func (a *ResourceAction) UnmarshalText(b []byte) error {
	parsed, err := ParseResourceAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
