package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"qazna.org/tenancy/internal/async"
	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/obs"
	"qazna.org/tenancy/internal/retry"
)

// Provider table names. They double as change channel names.
const (
	TableRealm          = "realm"
	TableUser           = "user_entity"
	TableGroup          = "keycloak_group"
	TableGroupAttribute = "group_attribute"
	TableMembership     = "user_group_membership"
	TableRole           = "keycloak_role"
	TableGroupRole      = "group_role_mapping"
	TableUserRole       = "user_role_mapping"
)

var (
	changesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_changes_applied_total",
		Help: "Identity changes applied to the projection.",
	}, []string{"table"})

	changesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_changes_dropped_total",
		Help: "Identity changes that were not applied.",
	}, []string{"table", "reason"})
)

// Collectors exposes the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{changesApplied, changesDropped}
}

type applyFunc func(ctx context.Context, s Store, op cdc.Op, image json.RawMessage) error

type tableDef struct {
	key   []string
	apply applyFunc
}

var tables = map[string]tableDef{
	TableRealm: {key: []string{"id"}, apply: func(ctx context.Context, s Store, op cdc.Op, img json.RawMessage) error {
		var r Realm
		if err := decodeRow(img, &r); err != nil {
			return err
		}
		if op == cdc.OpDelete {
			return s.DeleteRealm(ctx, r.ID)
		}
		return s.UpsertRealm(ctx, r)
	}},
	TableUser: {key: []string{"id"}, apply: func(ctx context.Context, s Store, op cdc.Op, img json.RawMessage) error {
		var u User
		if err := decodeRow(img, &u); err != nil {
			return err
		}
		if op == cdc.OpDelete {
			return s.DeleteUser(ctx, u.ID)
		}
		return s.UpsertUser(ctx, u)
	}},
	TableGroup: {key: []string{"id"}, apply: func(ctx context.Context, s Store, op cdc.Op, img json.RawMessage) error {
		var g Group
		if err := decodeRow(img, &g); err != nil {
			return err
		}
		if op == cdc.OpDelete {
			return s.DeleteGroup(ctx, g.ID)
		}
		return s.UpsertGroup(ctx, g.normalize())
	}},
	TableGroupAttribute: {key: []string{"id"}, apply: func(ctx context.Context, s Store, op cdc.Op, img json.RawMessage) error {
		var a GroupAttribute
		if err := decodeRow(img, &a); err != nil {
			return err
		}
		if op == cdc.OpDelete {
			return s.DeleteGroupAttribute(ctx, a.ID)
		}
		return s.UpsertGroupAttribute(ctx, a)
	}},
	TableMembership: {key: []string{"user_id", "group_id"}, apply: func(ctx context.Context, s Store, op cdc.Op, img json.RawMessage) error {
		var m Membership
		if err := decodeRow(img, &m); err != nil {
			return err
		}
		if op == cdc.OpDelete {
			return s.DeleteMembership(ctx, m)
		}
		return s.UpsertMembership(ctx, m)
	}},
	TableRole: {key: []string{"id"}, apply: func(ctx context.Context, s Store, op cdc.Op, img json.RawMessage) error {
		var r Role
		if err := decodeRow(img, &r); err != nil {
			return err
		}
		if op == cdc.OpDelete {
			return s.DeleteRole(ctx, r.ID)
		}
		return s.UpsertRole(ctx, r)
	}},
	TableGroupRole: {key: []string{"group_id", "role_id"}, apply: func(ctx context.Context, s Store, op cdc.Op, img json.RawMessage) error {
		var gr GroupRole
		if err := decodeRow(img, &gr); err != nil {
			return err
		}
		if op == cdc.OpDelete {
			return s.DeleteGroupRole(ctx, gr)
		}
		return s.UpsertGroupRole(ctx, gr)
	}},
	TableUserRole: {key: []string{"user_id", "role_id"}, apply: func(ctx context.Context, s Store, op cdc.Op, img json.RawMessage) error {
		var ur UserRole
		if err := decodeRow(img, &ur); err != nil {
			return err
		}
		if op == cdc.OpDelete {
			return s.DeleteUserRole(ctx, ur)
		}
		return s.UpsertUserRole(ctx, ur)
	}},
}

// Tables lists the provider tables the projection mirrors, sorted.
func Tables() []string {
	out := make([]string, 0, len(tables))
	for name := range tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func decodeRow(img json.RawMessage, dst any) error {
	if err := json.Unmarshal(img, dst); err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrMalformed, err)
	}
	return nil
}

// Options tunes a Projection.
type Options struct {
	Workers    int
	QueueDepth int
	Retry      retry.Config
	// SeqWindow is how many rows remember their last applied change sequence.
	SeqWindow int
	SeqTTL    time.Duration
	Logger    logrus.FieldLogger
}

// Projection keeps a Store in step with the provider's change stream. Changes to one row are
// applied in arrival order on a single worker; a change whose sequence is not newer than the
// last one applied to that row is skipped.
type Projection struct {
	store  Store
	exec   *async.Sharded
	policy *retry.Policy
	log    logrus.FieldLogger

	seqMu sync.Mutex
	seqs  *expirable.LRU[string, int64]
}

func NewProjection(ctx context.Context, store Store, opts Options) (*Projection, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 128
	}
	if opts.SeqWindow <= 0 {
		opts.SeqWindow = 65536
	}
	if opts.SeqTTL <= 0 {
		opts.SeqTTL = time.Hour
	}
	var log logrus.FieldLogger = obs.Component("identity")
	if opts.Logger != nil {
		log = opts.Logger.WithField("component", "identity")
	}
	return &Projection{
		store:  store,
		exec:   async.NewSharded(ctx, "identity", opts.Workers, opts.QueueDepth, log),
		policy: retry.NewPolicy(opts.Retry),
		log:    log,
		seqs:   expirable.NewLRU[string, int64](opts.SeqWindow, nil, opts.SeqTTL),
	}, nil
}

// Store returns the backing store.
func (p *Projection) Store() Store { return p.store }

// Handle queues a notification behind earlier changes to the same row. Malformed payloads
// are logged and dropped; they never stop the stream.
func (p *Projection) Handle(ctx context.Context, n cdc.Notification) error {
	def, ok := tables[n.Channel]
	if !ok {
		return nil
	}
	change, key, err := p.decode(n.Channel, def, n.Payload)
	if err != nil {
		p.drop(n.Channel, "malformed", err)
		return nil
	}
	return p.exec.Submit(ctx, key, func(ctx context.Context) error {
		if err := p.apply(ctx, n.Channel, def, key, change); err != nil {
			p.drop(n.Channel, "exhausted", err)
		}
		return nil
	})
}

// Apply decodes and applies one change synchronously.
func (p *Projection) Apply(ctx context.Context, table string, payload []byte) error {
	def, ok := tables[table]
	if !ok {
		return fmt.Errorf("%w: unknown table %q", cdc.ErrMalformed, table)
	}
	change, key, err := p.decode(table, def, payload)
	if err != nil {
		return err
	}
	return p.apply(ctx, table, def, key, change)
}

// PrincipalRoles lists the (group, role) pairs a principal holds in realm.
func (p *Projection) PrincipalRoles(ctx context.Context, principalID, realm string) ([]RoleBinding, error) {
	return p.store.PrincipalRoles(ctx, principalID, realm)
}

// Close waits for queued changes to be applied.
func (p *Projection) Close() { p.exec.Close() }

func (p *Projection) decode(table string, def tableDef, payload []byte) (cdc.Change, string, error) {
	change, err := cdc.Decode(payload)
	if err != nil {
		return cdc.Change{}, "", err
	}
	if change.Truncated {
		return cdc.Change{}, "", fmt.Errorf("%w: truncated change %d was not backfilled", cdc.ErrMalformed, change.Seq)
	}
	rowKey, err := change.RowKey(def.key...)
	if err != nil {
		return cdc.Change{}, "", err
	}
	return change, table + "/" + rowKey, nil
}

func (p *Projection) apply(ctx context.Context, table string, def tableDef, key string, change cdc.Change) error {
	if p.stale(key, change.Seq) {
		changesDropped.WithLabelValues(table, "stale").Inc()
		p.log.WithFields(logrus.Fields{"table": table, "key": key, "seq": change.Seq}).Debug("skipping stale change")
		return nil
	}
	attempts, err := p.policy.Do(ctx, func(ctx context.Context) error {
		err := def.apply(ctx, p.store, change.Op, change.Image())
		if errors.Is(err, cdc.ErrMalformed) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("apply %s after %d attempts: %w", key, attempts, err)
	}
	p.remember(key, change.Seq)
	changesApplied.WithLabelValues(table).Inc()
	return nil
}

func (p *Projection) stale(key string, seq int64) bool {
	if seq <= 0 {
		return false
	}
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	last, ok := p.seqs.Get(key)
	return ok && seq <= last
}

func (p *Projection) remember(key string, seq int64) {
	if seq <= 0 {
		return
	}
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	if last, ok := p.seqs.Get(key); ok && last >= seq {
		return
	}
	p.seqs.Add(key, seq)
}

func (p *Projection) drop(table, reason string, err error) {
	changesDropped.WithLabelValues(table, reason).Inc()
	p.log.WithError(err).WithFields(logrus.Fields{"table": table, "reason": reason}).Error("dropping identity change")
}
