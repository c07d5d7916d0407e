// Package cleanup removes identity provider groups left scoped to deleted tenancy nodes.
//
// A Scheduler turns node deletions into tasks on a work queue; a Worker drains the queue and
// deletes every projected group whose context attribute names a removed node, together with its
// attributes, memberships and role bindings.
package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/obs"
	"qazna.org/tenancy/internal/retry"
	"qazna.org/tenancy/internal/tenancy"
)

var (
	tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cleanup_tasks_total",
		Help: "Cleanup tasks handled, by result.",
	}, []string{"result"})
	groupsRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cleanup_groups_removed_total",
		Help: "Identity groups removed because their context node was deleted.",
	})
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{tasks, groupsRemoved}
}

// Store is the part of the identity store the worker needs.
type Store interface {
	ScopedGroups(ctx context.Context, nodeIDs ...string) ([]string, error)
	DeleteGroup(ctx context.Context, id string) error
}

// Scheduler enqueues a task for every deleted tenancy node.
type Scheduler struct {
	queue Queue
	now   func() time.Time
	log   *logrus.Entry
}

func NewScheduler(queue Queue) (*Scheduler, error) {
	if queue == nil {
		return nil, errors.New("cleanup: nil queue")
	}
	return &Scheduler{queue: queue, now: time.Now, log: obs.Component("cleanup")}, nil
}

// Handle schedules the node of a DELETE row on one of the tenancy tables.
func (s *Scheduler) Handle(ctx context.Context, n cdc.Notification) error {
	kind, ok := tenancy.KindForTable(n.Channel)
	if !ok {
		return nil
	}
	change, err := cdc.Decode(n.Payload)
	if err != nil {
		return err
	}
	if change.Op != cdc.OpDelete {
		return nil
	}
	id, err := cdc.Change{New: change.Old}.RowKey("id")
	if err != nil {
		return err
	}
	return s.Schedule(ctx, kind, id)
}

// ScheduleRemoval enqueues one task covering every node of r.
func (s *Scheduler) ScheduleRemoval(ctx context.Context, r tenancy.Removal) error {
	if len(r.Nodes) == 0 {
		return nil
	}
	return s.Schedule(ctx, r.Nodes[0].Kind, r.IDs()...)
}

func (s *Scheduler) Schedule(ctx context.Context, kind tenancy.Kind, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	t := Task{ID: uuid.NewString(), Kind: kind.String(), NodeIDs: ids, At: s.now().UTC()}
	if err := s.queue.Push(ctx, t); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"task": t.ID, "kind": t.Kind, "nodes": len(ids)}).Debug("cleanup scheduled")
	return nil
}

// Worker drains a Queue.
type Worker struct {
	queue       Queue
	store       Store
	retry       *retry.Policy
	maxAttempts int
	wait        time.Duration
	log         *logrus.Entry
}

type Option func(*Worker)

// WithRetry sets the backoff applied to the store calls of one task.
func WithRetry(p *retry.Policy) Option {
	return func(w *Worker) { w.retry = p }
}

// WithMaxAttempts bounds how often a failing task is put back before it is dropped.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithPollWait sets how long one Pop waits for a task.
func WithPollWait(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.wait = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(w *Worker) { w.log = l.WithField("component", "cleanup") }
}

func NewWorker(queue Queue, store Store, opts ...Option) (*Worker, error) {
	if queue == nil || store == nil {
		return nil, errors.New("cleanup: worker needs a queue and a store")
	}
	w := &Worker{
		queue:       queue,
		store:       store,
		retry:       retry.NewPolicy(retry.Config{MaxAttempts: 3}),
		maxAttempts: 5,
		wait:        5 * time.Second,
		log:         obs.Component("cleanup"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run puts back tasks a previous run left in flight, then handles tasks until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	n, err := w.queue.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.WithField("tasks", n).Info("recovered in-flight cleanup tasks")
	}
	for ctx.Err() == nil {
		if _, err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.WithError(err).Warn("cleanup poll failed")
			_ = retry.Sleep(ctx, time.Second)
		}
	}
	return nil
}

// RunOnce handles at most one task and reports whether one was popped. A failed task goes back
// on the queue with its attempt count raised until maxAttempts, then it is dropped.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	lease, err := w.queue.Pop(ctx, w.wait)
	if err != nil || lease == nil {
		return false, err
	}
	log := w.log.WithFields(logrus.Fields{"task": lease.Task.ID, "kind": lease.Task.Kind})
	if err := w.Process(ctx, lease.Task); err != nil {
		next := lease.Task
		next.Attempts++
		if next.Attempts < w.maxAttempts {
			if perr := w.queue.Push(ctx, next); perr != nil {
				return true, perr
			}
			tasks.WithLabelValues("requeued").Inc()
			log.WithError(err).WithField("attempts", next.Attempts).Warn("cleanup failed, requeued")
		} else {
			tasks.WithLabelValues("dropped").Inc()
			log.WithError(err).WithField("nodes", lease.Task.NodeIDs).Error("cleanup failed, dropped")
		}
		return true, w.queue.Ack(ctx, lease)
	}
	tasks.WithLabelValues("ok").Inc()
	return true, w.queue.Ack(ctx, lease)
}

// Process deletes the groups scoped to the task's nodes. Deleting a group that is already gone
// is not an error, so a task may run more than once.
func (w *Worker) Process(ctx context.Context, t Task) error {
	_, err := w.retry.Do(ctx, func(ctx context.Context) error {
		groups, err := w.store.ScopedGroups(ctx, t.NodeIDs...)
		if err != nil {
			return err
		}
		for _, id := range groups {
			if err := w.store.DeleteGroup(ctx, id); err != nil {
				return err
			}
			groupsRemoved.Inc()
		}
		if len(groups) > 0 {
			w.log.WithFields(logrus.Fields{"task": t.ID, "groups": groups}).Info("removed scoped groups")
		}
		return nil
	})
	return err
}
