package identity

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("identity: not found")

// Group attribute names the projection understands.
const (
	AttrContext     = "context"
	AttrDisplayName = "display_name"
	AttrBuiltIn     = "built_in"
)

// Realm mirrors the provider's realm table.
type Realm struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User mirrors user_entity.
type User struct {
	ID        string `json:"id"`
	RealmID   string `json:"realm_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Enabled   bool   `json:"enabled"`
}

// Group mirrors keycloak_group. Top-level groups have no parent.
type Group struct {
	ID       string `json:"id"`
	RealmID  string `json:"realm_id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_group"`
}

// normalize maps the provider's blank parent marker to an empty parent.
func (g Group) normalize() Group {
	g.ParentID = strings.TrimSpace(g.ParentID)
	return g
}

// GroupAttribute mirrors group_attribute.
type GroupAttribute struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	Value   string `json:"value"`
}

// Membership mirrors user_group_membership.
type Membership struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
}

// Role mirrors keycloak_role.
type Role struct {
	ID         string `json:"id"`
	RealmID    string `json:"realm_id"`
	Name       string `json:"name"`
	ClientRole bool   `json:"client_role"`
}

// GroupRole mirrors group_role_mapping.
type GroupRole struct {
	GroupID string `json:"group_id"`
	RoleID  string `json:"role_id"`
}

// UserRole mirrors user_role_mapping.
type UserRole struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

// GroupRef is a group as seen by authorization: its full path and the tenancy node it is scoped to.
type GroupRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	DisplayName string `json:"display_name,omitempty"`
	Context     string `json:"context,omitempty"`
}

// RoleBinding is one (group, role) pair held by a principal.
type RoleBinding struct {
	Group GroupRef `json:"group"`
	Role  string   `json:"role"`
}

// Principal is the projected identity of one user.
type Principal struct {
	User   User       `json:"user"`
	Groups []GroupRef `json:"groups"`
	Roles  []string   `json:"roles"`
}

// Store holds the projection. Upserts overwrite; deletes of absent rows succeed.
type Store interface {
	UpsertRealm(ctx context.Context, r Realm) error
	DeleteRealm(ctx context.Context, id string) error
	UpsertUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, id string) error
	UpsertGroup(ctx context.Context, g Group) error
	DeleteGroup(ctx context.Context, id string) error
	UpsertGroupAttribute(ctx context.Context, a GroupAttribute) error
	DeleteGroupAttribute(ctx context.Context, id string) error
	UpsertMembership(ctx context.Context, m Membership) error
	DeleteMembership(ctx context.Context, m Membership) error
	UpsertRole(ctx context.Context, r Role) error
	DeleteRole(ctx context.Context, id string) error
	UpsertGroupRole(ctx context.Context, gr GroupRole) error
	DeleteGroupRole(ctx context.Context, gr GroupRole) error
	UpsertUserRole(ctx context.Context, ur UserRole) error
	DeleteUserRole(ctx context.Context, ur UserRole) error

	// PrincipalRoles lists the (group, role) pairs of an enabled user in realm (id or name).
	PrincipalRoles(ctx context.Context, principalID, realm string) ([]RoleBinding, error)
	// Principal returns the user with its groups and direct roles, or ErrNotFound.
	Principal(ctx context.Context, principalID string) (Principal, error)
	// ScopedGroups lists the ids of groups whose context attribute names one of nodeIDs.
	ScopedGroups(ctx context.Context, nodeIDs ...string) ([]string, error)
}

// GroupPath renders the slash-separated path of group id by walking parents through lookup.
// A broken or cyclic chain stops at the last group found.
func GroupPath(id string, lookup func(id string) (Group, bool)) string {
	var names []string
	seen := map[string]bool{}
	for id != "" && !seen[id] {
		seen[id] = true
		g, ok := lookup(id)
		if !ok {
			break
		}
		names = append(names, g.Name)
		id = g.ParentID
	}
	var b strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(names[i])
	}
	return b.String()
}
