package mem

import (
	"context"
	"sort"

	"qazna.org/tenancy/internal/identity"
)

// The identity tables are a projection of another system; they are not announced.

func (s *Store) UpsertRealm(_ context.Context, r identity.Realm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realms[r.ID] = r
	return nil
}

func (s *Store) DeleteRealm(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.realms, id)
	return nil
}

func (s *Store) UpsertUser(_ context.Context, u identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	for m := range s.memberships {
		if m.UserID == id {
			delete(s.memberships, m)
		}
	}
	for ur := range s.userRoles {
		if ur.UserID == id {
			delete(s.userRoles, ur)
		}
	}
	return nil
}

func (s *Store) UpsertGroup(_ context.Context, g identity.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	return nil
}

func (s *Store) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	for aid, a := range s.attrs {
		if a.GroupID == id {
			delete(s.attrs, aid)
		}
	}
	for m := range s.memberships {
		if m.GroupID == id {
			delete(s.memberships, m)
		}
	}
	for gr := range s.groupRoles {
		if gr.GroupID == id {
			delete(s.groupRoles, gr)
		}
	}
	return nil
}

func (s *Store) UpsertGroupAttribute(_ context.Context, a identity.GroupAttribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[a.ID] = a
	return nil
}

func (s *Store) DeleteGroupAttribute(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrs, id)
	return nil
}

func (s *Store) UpsertMembership(_ context.Context, m identity.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[m] = struct{}{}
	return nil
}

func (s *Store) DeleteMembership(_ context.Context, m identity.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, m)
	return nil
}

func (s *Store) UpsertRole(_ context.Context, r identity.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.ID] = r
	return nil
}

func (s *Store) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, id)
	for gr := range s.groupRoles {
		if gr.RoleID == id {
			delete(s.groupRoles, gr)
		}
	}
	for ur := range s.userRoles {
		if ur.RoleID == id {
			delete(s.userRoles, ur)
		}
	}
	return nil
}

func (s *Store) UpsertGroupRole(_ context.Context, gr identity.GroupRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupRoles[gr] = struct{}{}
	return nil
}

func (s *Store) DeleteGroupRole(_ context.Context, gr identity.GroupRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groupRoles, gr)
	return nil
}

func (s *Store) UpsertUserRole(_ context.Context, ur identity.UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[ur] = struct{}{}
	return nil
}

func (s *Store) DeleteUserRole(_ context.Context, ur identity.UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userRoles, ur)
	return nil
}

// realmMatches accepts a realm given by id or name; an empty realm matches any.
func (s *Store) ScopedGroups(_ context.Context, nodeIDs ...string) ([]string, error) {
	want := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		want[id] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, a := range s.attrs {
		if a.Name != identity.AttrContext || !want[a.Value] || seen[a.GroupID] {
			continue
		}
		seen[a.GroupID] = true
		out = append(out, a.GroupID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) realmMatches(realmID, realm string) bool {
	if realm == "" || realmID == realm {
		return true
	}
	r, ok := s.realms[realmID]
	return ok && r.Name == realm
}

func (s *Store) groupRef(id string) identity.GroupRef {
	g := s.groups[id]
	ref := identity.GroupRef{
		ID:   g.ID,
		Name: g.Name,
		Path: identity.GroupPath(id, func(id string) (identity.Group, bool) {
			g, ok := s.groups[id]
			return g, ok
		}),
	}
	for _, a := range s.attrs {
		if a.GroupID != id {
			continue
		}
		switch a.Name {
		case identity.AttrContext:
			ref.Context = a.Value
		case identity.AttrDisplayName:
			ref.DisplayName = a.Value
		}
	}
	return ref
}

func (s *Store) PrincipalRoles(_ context.Context, principalID, realm string) ([]identity.RoleBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[principalID]
	if !ok || !u.Enabled || !s.realmMatches(u.RealmID, realm) {
		return nil, nil
	}
	var out []identity.RoleBinding
	for m := range s.memberships {
		if m.UserID != principalID {
			continue
		}
		if _, ok := s.groups[m.GroupID]; !ok {
			continue
		}
		ref := s.groupRef(m.GroupID)
		for gr := range s.groupRoles {
			if gr.GroupID != m.GroupID {
				continue
			}
			role, ok := s.roles[gr.RoleID]
			if !ok {
				continue
			}
			out = append(out, identity.RoleBinding{Group: ref, Role: role.Name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group.Path != out[j].Group.Path {
			return out[i].Group.Path < out[j].Group.Path
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}

func (s *Store) Principal(_ context.Context, principalID string) (identity.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[principalID]
	if !ok {
		return identity.Principal{}, identity.ErrNotFound
	}
	p := identity.Principal{User: u, Groups: []identity.GroupRef{}, Roles: []string{}}
	for m := range s.memberships {
		if _, ok := s.groups[m.GroupID]; ok && m.UserID == principalID {
			p.Groups = append(p.Groups, s.groupRef(m.GroupID))
		}
	}
	for ur := range s.userRoles {
		if r, ok := s.roles[ur.RoleID]; ok && ur.UserID == principalID {
			p.Roles = append(p.Roles, r.Name)
		}
	}
	sort.Slice(p.Groups, func(i, j int) bool { return p.Groups[i].Path < p.Groups[j].Path })
	sort.Strings(p.Roles)
	return p, nil
}
