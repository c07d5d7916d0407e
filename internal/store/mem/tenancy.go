package mem

import (
	"context"
	"sort"
	"strings"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/tenancy"
)

// scopeKey is the uniqueness key of a node name within its parent scope.
func scopeKey(n tenancy.Node) nameKey {
	switch n.Kind {
	case tenancy.KindOrganization:
		return nameKey{kind: n.Kind, scope1: n.CustomerID, name: n.Name}
	case tenancy.KindInstitution:
		return nameKey{kind: n.Kind, scope1: n.OrganizationID, name: n.Name}
	case tenancy.KindOrganizationUnit:
		// an empty organization is the customer-wide bucket; ids are never empty
		return nameKey{kind: n.Kind, scope1: n.CustomerID, scope2: n.OrganizationID, name: n.Name}
	}
	return nameKey{kind: n.Kind, name: n.Name}
}

func (s *Store) CreateNode(_ context.Context, node tenancy.Node) (tenancy.Node, error) {
	t := s.begin()
	if err := s.checkParents(&node); err != nil {
		s.rollback()
		return tenancy.Node{}, err
	}
	if _, ok := s.nodes[node.ID]; ok {
		s.rollback()
		return tenancy.Node{}, &tenancy.ConflictError{EntityType: node.Kind.EntityType(), Field: "id", Value: node.ID}
	}
	key := scopeKey(node)
	if _, taken := s.names[key]; taken {
		s.rollback()
		return tenancy.Node{}, tenancy.NameConflict(node.Kind, node.Name)
	}
	s.nodes[node.ID] = node
	s.names[key] = node.ID
	t.record(cdc.OpInsert, node.Kind.Table(), nil, node)
	s.commit(t)
	return node, nil
}

// checkParents resolves the parent references of node in place. Caller holds the lock.
func (s *Store) checkParents(node *tenancy.Node) error {
	switch node.Kind {
	case tenancy.KindCustomer:
		node.CustomerID, node.OrganizationID = "", ""
	case tenancy.KindOrganization:
		if _, err := s.nodeOfKind(node.CustomerID, tenancy.KindCustomer); err != nil {
			return err
		}
		node.OrganizationID = ""
	case tenancy.KindInstitution:
		org, err := s.nodeOfKind(node.OrganizationID, tenancy.KindOrganization)
		if err != nil {
			return err
		}
		if node.CustomerID != "" && node.CustomerID != org.CustomerID {
			return tenancy.ErrInconsistent
		}
		node.CustomerID = org.CustomerID
	case tenancy.KindOrganizationUnit:
		if _, err := s.nodeOfKind(node.CustomerID, tenancy.KindCustomer); err != nil {
			return err
		}
		if node.OrganizationID != "" {
			org, err := s.nodeOfKind(node.OrganizationID, tenancy.KindOrganization)
			if err != nil {
				return err
			}
			if org.CustomerID != node.CustomerID {
				return tenancy.ErrInconsistent
			}
		}
	default:
		return tenancy.ErrInvalidInput
	}
	return nil
}

func (s *Store) nodeOfKind(id string, kind tenancy.Kind) (tenancy.Node, error) {
	n, ok := s.nodes[id]
	if !ok || n.Kind != kind {
		return tenancy.Node{}, tenancy.ErrNotFound
	}
	return n, nil
}

func (s *Store) GetNode(_ context.Context, id string) (tenancy.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return tenancy.Node{}, tenancy.ErrNotFound
	}
	return n, nil
}

func (s *Store) UpdateNode(_ context.Context, id string, patch tenancy.Patch, updatedBy string) (tenancy.Node, error) {
	t := s.begin()
	before, ok := s.nodes[id]
	if !ok {
		s.rollback()
		return tenancy.Node{}, tenancy.ErrNotFound
	}
	after := before
	if patch.Name != nil {
		after.Name = *patch.Name
	}
	if patch.Type != nil {
		after.Type = *patch.Type
	}
	now := s.now().UTC()
	after.UpdatedBy = updatedBy
	after.UpdatedAt = &now

	oldKey, newKey := scopeKey(before), scopeKey(after)
	if newKey != oldKey {
		if _, taken := s.names[newKey]; taken {
			s.rollback()
			return tenancy.Node{}, tenancy.NameConflict(after.Kind, after.Name)
		}
		delete(s.names, oldKey)
		s.names[newKey] = id
	}
	s.nodes[id] = after
	t.record(cdc.OpUpdate, after.Kind.Table(), before, after)
	s.commit(t)
	return after, nil
}

func (s *Store) DeleteNode(_ context.Context, id string, mode tenancy.DeleteMode) (tenancy.Removal, error) {
	t := s.begin()
	root, ok := s.nodes[id]
	if !ok {
		s.rollback()
		return tenancy.Removal{}, tenancy.ErrNotFound
	}
	doomed := s.subtree(root)
	var memberRows []tenancy.Member
	for _, unit := range s.members {
		for _, m := range unit {
			if doomed[m.OrganizationUnitID] || doomed[m.InstitutionID] ||
				doomed[m.OrganizationID] || doomed[m.CustomerID] {
				memberRows = append(memberRows, m)
			}
		}
	}
	sortMembers(memberRows)
	if mode == tenancy.DeleteRestrict && (len(doomed) > 1 || len(memberRows) > 0) {
		s.rollback()
		return tenancy.Removal{}, tenancy.ErrHasDependents
	}

	removal := tenancy.Removal{Members: memberRows}
	for _, m := range memberRows {
		delete(s.members[m.OrganizationUnitID], m.InstitutionID)
		if len(s.members[m.OrganizationUnitID]) == 0 {
			delete(s.members, m.OrganizationUnitID)
		}
		t.record(cdc.OpDelete, TableMembers, m, nil)
	}
	for _, e := range s.sortedEntities() {
		if doomed[e.OwnerID] || doomed[e.CustomerID] {
			s.removeEntity(t, e)
		}
	}
	// leaves first, so no change announces a child after its parent is gone
	ordered := make([]tenancy.Node, 0, len(doomed))
	for nid := range doomed {
		ordered = append(ordered, s.nodes[nid])
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Kind != ordered[j].Kind {
			return ordered[i].Kind > ordered[j].Kind
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, n := range ordered {
		delete(s.nodes, n.ID)
		delete(s.names, scopeKey(n))
		t.record(cdc.OpDelete, n.Kind.Table(), n, nil)
	}
	// report the requested node first
	for i := len(ordered) - 1; i >= 0; i-- {
		removal.Nodes = append(removal.Nodes, ordered[i])
	}
	s.commit(t)
	return removal, nil
}

// subtree returns root and every node below it. Caller holds the lock.
func (s *Store) subtree(root tenancy.Node) map[string]bool {
	out := map[string]bool{root.ID: true}
	for _, n := range s.nodes {
		switch root.Kind {
		case tenancy.KindCustomer:
			if n.CustomerID == root.ID {
				out[n.ID] = true
			}
		case tenancy.KindOrganization:
			if n.OrganizationID == root.ID {
				out[n.ID] = true
			}
		}
	}
	return out
}

func (s *Store) ListNodes(_ context.Context, f tenancy.Filter) ([]tenancy.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []tenancy.Node
	for _, n := range s.nodes {
		if n.Kind != f.Kind {
			continue
		}
		if f.CustomerID != "" && n.CustomerID != f.CustomerID && !(n.Kind == tenancy.KindCustomer && n.ID == f.CustomerID) {
			continue
		}
		if f.OrganizationID != "" && n.OrganizationID != f.OrganizationID && !(n.Kind == tenancy.KindOrganization && n.ID == f.OrganizationID) {
			continue
		}
		if f.Type != "" && !strings.EqualFold(n.Type, f.Type) {
			continue
		}
		all = append(all, n)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return page(all, f.Offset, f.Limit), nil
}

func (s *Store) SetMembers(_ context.Context, unitID string, institutionIDs []string) ([]tenancy.Member, error) {
	t := s.begin()
	unit, err := s.nodeOfKind(unitID, tenancy.KindOrganizationUnit)
	if err != nil {
		s.rollback()
		return nil, err
	}
	next := make(map[string]tenancy.Member, len(institutionIDs))
	for _, instID := range institutionIDs {
		inst, err := s.nodeOfKind(instID, tenancy.KindInstitution)
		if err != nil {
			s.rollback()
			return nil, err
		}
		if inst.CustomerID != unit.CustomerID || (unit.OrganizationID != "" && inst.OrganizationID != unit.OrganizationID) {
			s.rollback()
			return nil, tenancy.ErrInconsistent
		}
		next[instID] = tenancy.Member{
			OrganizationUnitID: unit.ID,
			CustomerID:         inst.CustomerID,
			OrganizationID:     inst.OrganizationID,
			InstitutionID:      inst.ID,
		}
	}
	prev := s.members[unitID]
	for instID, m := range prev {
		if _, keep := next[instID]; !keep {
			t.record(cdc.OpDelete, TableMembers, m, nil)
		}
	}
	for instID, m := range next {
		if _, had := prev[instID]; !had {
			t.record(cdc.OpInsert, TableMembers, nil, m)
		}
	}
	if len(next) == 0 {
		delete(s.members, unitID)
	} else {
		s.members[unitID] = next
	}
	out := membersOf(next)
	s.commit(t)
	return out, nil
}

func (s *Store) ListMembers(_ context.Context, unitID string) ([]tenancy.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.nodeOfKind(unitID, tenancy.KindOrganizationUnit); err != nil {
		return nil, err
	}
	return membersOf(s.members[unitID]), nil
}

func membersOf(m map[string]tenancy.Member) []tenancy.Member {
	out := make([]tenancy.Member, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sortMembers(out)
	return out
}

func sortMembers(ms []tenancy.Member) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].OrganizationUnitID != ms[j].OrganizationUnitID {
			return ms[i].OrganizationUnitID < ms[j].OrganizationUnitID
		}
		return ms[i].InstitutionID < ms[j].InstitutionID
	})
}

func page[T any](all []T, offset, limit int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}
