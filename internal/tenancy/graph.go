package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/ids"
)

const (
	MaxNameLength = 1024
	MaxTypeLength = 16
	DefaultType   = "none"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Graph is the tenancy service: input validation and a context cache in front of a Store.
type Graph struct {
	store Store
	cache *expirable.LRU[string, OwnershipContext]
	newID func() string
	now   func() time.Time

	// gen counts invalidations; a resolve that raced one drops what it cached
	gen atomic.Uint64
}

// Option configures a Graph.
type Option func(*graphConfig)

type graphConfig struct {
	cacheSize int
	cacheTTL  time.Duration
	newID     func() string
	now       func() time.Time
}

// WithContextCache sizes the ownership-context cache. A size of zero disables it.
func WithContextCache(size int, ttl time.Duration) Option {
	return func(c *graphConfig) {
		c.cacheSize = size
		c.cacheTTL = ttl
	}
}

// WithIDs replaces the id generator.
func WithIDs(fn func() string) Option {
	return func(c *graphConfig) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithClock replaces the time source used for audit stamps.
func WithClock(fn func() time.Time) Option {
	return func(c *graphConfig) {
		if fn != nil {
			c.now = fn
		}
	}
}

func NewGraph(store Store, opts ...Option) (*Graph, error) {
	if store == nil {
		return nil, errors.New("tenancy: store is required")
	}
	cfg := graphConfig{
		cacheSize: 4096,
		cacheTTL:  time.Minute,
		newID:     ids.New,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	g := &Graph{store: store, newID: cfg.newID, now: cfg.now}
	if cfg.cacheSize > 0 {
		g.cache = expirable.NewLRU[string, OwnershipContext](cfg.cacheSize, nil, cfg.cacheTTL)
	}
	return g, nil
}

// Create adds a node under parents. Uniqueness and parent consistency are checked by the store
// inside the insert transaction.
func (g *Graph) Create(ctx context.Context, kind Kind, parents Parents, name, typ, createdBy string) (Node, error) {
	if !kind.Valid() {
		return Node{}, fmt.Errorf("%w: unknown node kind", ErrInvalidInput)
	}
	name, err := normalizeName(name)
	if err != nil {
		return Node{}, err
	}
	typ, err = normalizeType(typ)
	if err != nil {
		return Node{}, err
	}
	createdBy = strings.TrimSpace(createdBy)
	if createdBy == "" {
		return Node{}, fmt.Errorf("%w: created_by is required", ErrInvalidInput)
	}

	node := Node{
		ID:        g.newID(),
		Kind:      kind,
		Name:      name,
		Type:      typ,
		CreatedBy: createdBy,
		CreatedAt: g.now().Truncate(time.Microsecond),
	}
	parents.CustomerID = strings.TrimSpace(parents.CustomerID)
	parents.OrganizationID = strings.TrimSpace(parents.OrganizationID)
	switch kind {
	case KindOrganization:
		if parents.CustomerID == "" {
			return Node{}, fmt.Errorf("%w: organization requires customer_id", ErrInvalidInput)
		}
	case KindInstitution:
		if parents.OrganizationID == "" {
			return Node{}, fmt.Errorf("%w: institution requires organization_id", ErrInvalidInput)
		}
	case KindOrganizationUnit:
		if parents.CustomerID == "" {
			return Node{}, fmt.Errorf("%w: organization unit requires customer_id", ErrInvalidInput)
		}
	}
	if kind != KindCustomer {
		node.CustomerID = parents.CustomerID
		node.OrganizationID = parents.OrganizationID
	}
	return g.store.CreateNode(ctx, node)
}

// Update applies patch. A changed name is re-checked against its scope by the store.
func (g *Graph) Update(ctx context.Context, id string, patch Patch, updatedBy string) (Node, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Node{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if patch.Empty() {
		return Node{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if patch.Name != nil {
		name, err := normalizeName(*patch.Name)
		if err != nil {
			return Node{}, err
		}
		patch.Name = &name
	}
	if patch.Type != nil {
		typ, err := normalizeType(*patch.Type)
		if err != nil {
			return Node{}, err
		}
		patch.Type = &typ
	}
	updatedBy = strings.TrimSpace(updatedBy)
	if updatedBy == "" {
		return Node{}, fmt.Errorf("%w: updated_by is required", ErrInvalidInput)
	}
	return g.store.UpdateNode(ctx, id, patch, updatedBy)
}

// Delete removes id. In cascade mode the whole subtree and its membership rows go in one
// transaction; in restrict mode a node with children or members fails with ErrHasDependents.
func (g *Graph) Delete(ctx context.Context, id string, mode DeleteMode) (Removal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Removal{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	removal, err := g.store.DeleteNode(ctx, id, mode)
	if err != nil {
		return Removal{}, err
	}
	g.Invalidate(removal.IDs()...)
	return removal, nil
}

func (g *Graph) Get(ctx context.Context, id string) (Node, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Node{}, ErrNotFound
	}
	return g.store.GetNode(ctx, id)
}

func (g *Graph) List(ctx context.Context, f Filter) ([]Node, error) {
	if !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind is required", ErrInvalidInput)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return g.store.ListNodes(ctx, f)
}

// ResolveContext returns the ancestor chain of id, or ErrNotFound.
func (g *Graph) ResolveContext(ctx context.Context, id string) (OwnershipContext, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return OwnershipContext{}, ErrNotFound
	}
	if g.cache != nil {
		if oc, ok := g.cache.Get(id); ok {
			return oc, nil
		}
	}
	gen := g.gen.Load()
	node, err := g.store.GetNode(ctx, id)
	if err != nil {
		return OwnershipContext{}, err
	}
	oc := node.Context()
	if g.cache != nil {
		g.cache.Add(id, oc)
		if g.gen.Load() != gen {
			g.cache.Remove(id)
		}
	}
	return oc, nil
}

// SetMembers replaces the institutions grouped under a unit.
func (g *Graph) SetMembers(ctx context.Context, unitID string, institutionIDs []string) ([]Member, error) {
	unitID = strings.TrimSpace(unitID)
	if unitID == "" {
		return nil, fmt.Errorf("%w: unit id is required", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(institutionIDs))
	cleaned := make([]string, 0, len(institutionIDs))
	for _, id := range institutionIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: empty institution id", ErrInvalidInput)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	return g.store.SetMembers(ctx, unitID, cleaned)
}

func (g *Graph) Members(ctx context.Context, unitID string) ([]Member, error) {
	return g.store.ListMembers(ctx, strings.TrimSpace(unitID))
}

// Invalidate drops cached contexts for ids.
func (g *Graph) Invalidate(ids ...string) {
	if g.cache == nil {
		return
	}
	g.gen.Add(1)
	for _, id := range ids {
		g.cache.Remove(id)
	}
}

// Handle evicts cached contexts for nodes changed by other writers. Only tenancy tables are
// expected; other channels are ignored.
func (g *Graph) Handle(_ context.Context, n cdc.Notification) error {
	if _, ok := KindForTable(n.Channel); !ok {
		return nil
	}
	change, err := cdc.Decode(n.Payload)
	if err != nil {
		return err
	}
	if change.Op == cdc.OpInsert {
		return nil
	}
	for _, img := range [][]byte{change.Old, change.New} {
		if len(img) == 0 {
			continue
		}
		key, err := cdc.Change{New: img}.RowKey("id")
		if err != nil {
			return err
		}
		g.Invalidate(key)
	}
	return nil
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, MaxNameLength)
	}
	return name, nil
}

func normalizeType(typ string) (string, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return DefaultType, nil
	}
	if utf8.RuneCountInString(typ) > MaxTypeLength {
		return "", fmt.Errorf("%w: ty exceeds %d characters", ErrInvalidInput, MaxTypeLength)
	}
	return typ, nil
}
