// Package mem is an in-process implementation of the tenancy, entity and identity stores.
// Every mutation runs under one lock, so uniqueness checks and writes are a single atomic step,
// and each committed row change is appended to a change log and announced like a table trigger.
package mem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/entity"
	"qazna.org/tenancy/internal/identity"
	"qazna.org/tenancy/internal/tenancy"
)

// Change channels for the tables this store owns.
const (
	TableMembers  = "organization_unit_members"
	TableEntities = "entities"
)

var (
	_ tenancy.Store  = (*Store)(nil)
	_ entity.Store   = (*Store)(nil)
	_ identity.Store = (*Store)(nil)
)

// Notify receives committed changes in commit order.
type Notify func(n cdc.Notification)

type Option func(*Store)

// WithNotify announces every committed change to fn.
func WithNotify(fn Notify) Option {
	return func(s *Store) { s.notify = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogLimit bounds the retained change log; older entries are discarded.
func WithLogLimit(n int) Option {
	return func(s *Store) { s.logLimit = n }
}

type nameKey struct {
	kind   tenancy.Kind
	scope1 string
	scope2 string
	name   string
}

type entityKey struct {
	owner string
	typ   string
	name  string
}

// Lock order: mu before pendingMu and publishedMu. notifyMu is never taken while mu is held, so
// a notify callback may call back into the store.
type Store struct {
	mu        sync.RWMutex
	notifyMu  sync.Mutex
	pendingMu sync.Mutex
	pending   []cdc.Change
	notify    Notify
	now       func() time.Time

	nodes    map[string]tenancy.Node
	names    map[nameKey]string
	members  map[string]map[string]tenancy.Member
	entities map[string]entity.Entity
	entNames map[entityKey]string

	realms      map[string]identity.Realm
	users       map[string]identity.User
	groups      map[string]identity.Group
	attrs       map[string]identity.GroupAttribute
	memberships map[identity.Membership]struct{}
	roles       map[string]identity.Role
	groupRoles  map[identity.GroupRole]struct{}
	userRoles   map[identity.UserRole]struct{}

	seq         int64
	log         []cdc.Change
	logLimit    int
	publishedMu sync.Mutex
	published   map[int64]struct{}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:         func() time.Time { return time.Now().UTC() },
		nodes:       map[string]tenancy.Node{},
		names:       map[nameKey]string{},
		members:     map[string]map[string]tenancy.Member{},
		entities:    map[string]entity.Entity{},
		entNames:    map[entityKey]string{},
		realms:      map[string]identity.Realm{},
		users:       map[string]identity.User{},
		groups:      map[string]identity.Group{},
		attrs:       map[string]identity.GroupAttribute{},
		memberships: map[identity.Membership]struct{}{},
		roles:       map[string]identity.Role{},
		groupRoles:  map[identity.GroupRole]struct{}{},
		userRoles:   map[identity.UserRole]struct{}{},
		logLimit:    100000,
		published:   map[int64]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tx collects the row changes of one mutation until it commits.
type tx struct {
	changes []cdc.Change
}

func (t *tx) record(op cdc.Op, table string, before, after any) {
	c := cdc.Change{Op: op, Table: table}
	if before != nil {
		c.Old = mustJSON(before)
	}
	if after != nil {
		c.New = mustJSON(after)
	}
	t.changes = append(t.changes, c)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mem: encode row: %v", err))
	}
	return b
}

// begin takes the write lock; commit must be called exactly once afterwards.
func (s *Store) begin() *tx {
	s.mu.Lock()
	return &tx{}
}

// commit appends the recorded changes to the log and the announcement queue, releases the write
// lock and then delivers whatever is queued. Changes enter the queue under the write lock and
// deliveries are serialized by notifyMu, so announcements keep commit order.
func (s *Store) commit(t *tx) {
	at := s.now()
	for i := range t.changes {
		s.seq++
		t.changes[i].Seq = s.seq
		t.changes[i].At = at
	}
	s.log = append(s.log, t.changes...)
	if s.logLimit > 0 && len(s.log) > s.logLimit {
		s.publishedMu.Lock()
		for _, c := range s.log[:len(s.log)-s.logLimit] {
			delete(s.published, c.Seq)
		}
		s.publishedMu.Unlock()
		s.log = append([]cdc.Change(nil), s.log[len(s.log)-s.logLimit:]...)
	}
	if s.notify != nil && len(t.changes) > 0 {
		s.pendingMu.Lock()
		s.pending = append(s.pending, t.changes...)
		s.pendingMu.Unlock()
	}
	s.mu.Unlock()
	s.deliver()
}

// deliver announces queued changes until the queue is empty. A caller that finds another
// delivery in progress waits for it and then drains what is left, so every change committed
// before deliver returns has been announced.
func (s *Store) deliver() {
	if s.notify == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for {
		s.pendingMu.Lock()
		batch := s.pending
		s.pending = nil
		s.pendingMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, c := range batch {
			payload, err := cdc.Encode(c)
			if err != nil {
				continue
			}
			s.notify(cdc.Notification{Channel: c.Table, Payload: payload, ReceivedAt: c.At})
		}
	}
}

// rollback releases the write lock without publishing anything.
func (s *Store) rollback() { s.mu.Unlock() }

// LoadChange returns the encoded change with sequence seq.
func (s *Store) LoadChange(_ context.Context, seq int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].Seq == seq {
			return cdc.Encode(s.log[i])
		}
		if s.log[i].Seq < seq {
			break
		}
	}
	return nil, fmt.Errorf("change %d: %w", seq, tenancy.ErrNotFound)
}

// Unpublished returns up to limit logged changes committed before cutoff that were never
// marked published, oldest first.
func (s *Store) Unpublished(_ context.Context, before time.Time, limit int) ([]cdc.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.publishedMu.Lock()
	defer s.publishedMu.Unlock()
	var out []cdc.Change
	for _, c := range s.log {
		if _, done := s.published[c.Seq]; done || !c.At.Before(before) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkPublished records that the changes with the given sequences reached the broker. It does not
// take the write lock, so it is safe to call from a notify callback's consumers.
func (s *Store) MarkPublished(_ context.Context, seqs ...int64) error {
	s.publishedMu.Lock()
	defer s.publishedMu.Unlock()
	for _, seq := range seqs {
		s.published[seq] = struct{}{}
	}
	return nil
}
