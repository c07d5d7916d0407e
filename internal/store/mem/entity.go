package mem

import (
	"context"
	"sort"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/entity"
	"qazna.org/tenancy/internal/tenancy"
)

func entityNameKey(e entity.Entity) entityKey {
	return entityKey{owner: e.OwnerID, typ: e.Type.String(), name: e.Name}
}

func (s *Store) CreateEntity(_ context.Context, e entity.Entity) (entity.Entity, error) {
	t := s.begin()
	owner, ok := s.nodes[e.OwnerID]
	if !ok {
		s.rollback()
		return entity.Entity{}, tenancy.ErrNotFound
	}
	if owner.Context().CustomerID != e.CustomerID {
		s.rollback()
		return entity.Entity{}, tenancy.ErrInconsistent
	}
	key := entityNameKey(e)
	if _, taken := s.entNames[key]; taken {
		s.rollback()
		return entity.Entity{}, entity.NameConflict(e.Type, e.Name)
	}
	e.Attributes = cloneAttrs(e.Attributes)
	s.entities[e.ID] = e
	s.entNames[key] = e.ID
	t.record(cdc.OpInsert, TableEntities, nil, e)
	s.commit(t)
	return e, nil
}

func (s *Store) GetEntity(_ context.Context, id string) (entity.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return entity.Entity{}, tenancy.ErrNotFound
	}
	e.Attributes = cloneAttrs(e.Attributes)
	return e, nil
}

func (s *Store) UpdateEntity(_ context.Context, id string, patch entity.Patch, updatedBy string) (entity.Entity, error) {
	t := s.begin()
	before, ok := s.entities[id]
	if !ok {
		s.rollback()
		return entity.Entity{}, tenancy.ErrNotFound
	}
	after := before
	after.Attributes = cloneAttrs(before.Attributes)
	if patch.Name != nil {
		after.Name = *patch.Name
	}
	for k, v := range patch.Attributes {
		after.Attributes[k] = v
	}
	now := s.now().UTC()
	after.UpdatedBy = updatedBy
	after.UpdatedAt = &now

	oldKey, newKey := entityNameKey(before), entityNameKey(after)
	if oldKey != newKey {
		if _, taken := s.entNames[newKey]; taken {
			s.rollback()
			return entity.Entity{}, entity.NameConflict(after.Type, after.Name)
		}
		delete(s.entNames, oldKey)
		s.entNames[newKey] = id
	}
	s.entities[id] = after
	t.record(cdc.OpUpdate, TableEntities, before, after)
	s.commit(t)
	return after, nil
}

func (s *Store) DeleteEntity(_ context.Context, id string) (entity.Entity, error) {
	t := s.begin()
	e, ok := s.entities[id]
	if !ok {
		s.rollback()
		return entity.Entity{}, tenancy.ErrNotFound
	}
	s.removeEntity(t, e)
	s.commit(t)
	return e, nil
}

// removeEntity deletes e inside t. Caller holds the lock.
func (s *Store) removeEntity(t *tx, e entity.Entity) {
	delete(s.entities, e.ID)
	delete(s.entNames, entityNameKey(e))
	t.record(cdc.OpDelete, TableEntities, e, nil)
}

func (s *Store) sortedEntities() []entity.Entity {
	out := make([]entity.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListEntities(_ context.Context, f entity.Filter) ([]entity.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entity.Entity
	for _, e := range s.sortedEntities() {
		if e.Type != f.Type {
			continue
		}
		if f.OwnerID != "" && e.OwnerID != f.OwnerID {
			continue
		}
		if f.CustomerID != "" && e.CustomerID != f.CustomerID {
			continue
		}
		e.Attributes = cloneAttrs(e.Attributes)
		out = append(out, e)
	}
	return page(out, f.Offset, f.Limit), nil
}

func cloneAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
