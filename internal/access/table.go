package access

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTable indicates a role table that cannot be turned into a matrix.
var ErrInvalidTable = errors.New("access: invalid role table")

// Group is one identity-provider user group and the roles it carries.
type Group struct {
	Name        string
	Path        string
	DisplayName string
	Level       AccessLevel
	Scope       Scope
	Roles       []ResourceAction
}

// Table is an immutable role table: groups, their levels and the matrix built from them.
type Table struct {
	groups   []Group
	byName   map[string]int
	byPath   map[string]int
	matrix   Matrix
	scopes   [numLevels]Scope
	declared [numLevels]bool
}

// NewTable validates groups and builds the matrix. Groups sharing a level must agree on its scope.
func NewTable(groups []Group) (*Table, error) {
	t := &Table{
		groups: make([]Group, 0, len(groups)),
		byName: make(map[string]int, len(groups)),
		byPath: make(map[string]int, len(groups)),
	}
	for _, g := range groups {
		g.Name = strings.TrimSpace(g.Name)
		g.Path = strings.TrimSpace(g.Path)
		if g.Name == "" {
			return nil, fmt.Errorf("%w: group name is required", ErrInvalidTable)
		}
		if !g.Level.Valid() {
			return nil, fmt.Errorf("%w: group %s has invalid access level", ErrInvalidTable, g.Name)
		}
		if int(g.Scope) >= len(scopeNames) {
			return nil, fmt.Errorf("%w: group %s has invalid scope", ErrInvalidTable, g.Name)
		}
		if _, dup := t.byName[g.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate group %s", ErrInvalidTable, g.Name)
		}
		if g.Path != "" {
			if _, dup := t.byPath[g.Path]; dup {
				return nil, fmt.Errorf("%w: duplicate group path %s", ErrInvalidTable, g.Path)
			}
		}
		if t.declared[g.Level] && t.scopes[g.Level] != g.Scope {
			return nil, fmt.Errorf("%w: level %s declared with scopes %s and %s",
				ErrInvalidTable, g.Level, t.scopes[g.Level], g.Scope)
		}
		t.declared[g.Level] = true
		t.scopes[g.Level] = g.Scope

		roles := make([]ResourceAction, 0, len(g.Roles))
		for _, action := range g.Roles {
			if !action.Valid() {
				return nil, fmt.Errorf("%w: group %s has invalid role", ErrInvalidTable, g.Name)
			}
			t.matrix.grant(g.Level, action)
			roles = append(roles, action)
		}
		g.Roles = roles

		t.byName[g.Name] = len(t.groups)
		if g.Path != "" {
			t.byPath[g.Path] = len(t.groups)
		}
		t.groups = append(t.groups, g)
	}
	return t, nil
}

// IsGranted is the matrix lookup for this table.
func (t *Table) IsGranted(level AccessLevel, action ResourceAction) bool {
	return t.matrix.IsGranted(level, action)
}

// AllowedScope returns the scope of level. Levels no group declares get ScopeState.
func (t *Table) AllowedScope(level AccessLevel) Scope {
	if !level.Valid() || !t.declared[level] {
		return ScopeState
	}
	return t.scopes[level]
}

// Matrix returns a copy of the permission matrix.
func (t *Table) Matrix() Matrix { return t.matrix }

// Groups returns the groups in table order.
func (t *Table) Groups() []Group {
	out := make([]Group, len(t.groups))
	for i, g := range t.groups {
		g.Roles = append([]ResourceAction(nil), g.Roles...)
		out[i] = g
	}
	return out
}

func (t *Table) GroupByName(name string) (Group, bool) {
	idx, ok := t.byName[strings.TrimSpace(name)]
	if !ok {
		return Group{}, false
	}
	return t.groups[idx], true
}

func (t *Table) GroupForPath(path string) (Group, bool) {
	idx, ok := t.byPath[strings.TrimSpace(path)]
	if !ok {
		return Group{}, false
	}
	return t.groups[idx], true
}

// Lookup resolves an identity-provider group by path first, then by name.
func (t *Table) Lookup(path, name string) (Group, bool) {
	if g, ok := t.GroupForPath(path); ok {
		return g, true
	}
	return t.GroupByName(name)
}
