package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"qazna.org/tenancy/internal/obs"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("async: executor closed")

// Task is one unit of work.
type Task func(ctx context.Context) error

// Sharded runs tasks on a fixed set of workers. Tasks with the same key always land on the
// same worker, so they run one at a time in submission order; different keys run in parallel.
type Sharded struct {
	name   string
	shards []chan Task
	log    logrus.FieldLogger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewSharded starts workers goroutines, each with a queue of depth buffered tasks.
func NewSharded(ctx context.Context, name string, workers, depth int, log logrus.FieldLogger) *Sharded {
	if workers <= 0 {
		workers = 1
	}
	if depth < 0 {
		depth = 0
	}
	if log == nil {
		log = obs.Component(name)
	}
	s := &Sharded{
		name:   name,
		shards: make([]chan Task, workers),
		log:    log.WithField("executor", name),
	}
	for i := range s.shards {
		ch := make(chan Task, depth)
		s.shards[i] = ch
		s.wg.Add(1)
		go s.worker(ctx, i, ch)
	}
	return s
}

func (s *Sharded) worker(ctx context.Context, idx int, tasks <-chan Task) {
	defer s.wg.Done()
	for task := range tasks {
		s.run(ctx, idx, task)
	}
}

func (s *Sharded) run(ctx context.Context, idx int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"shard": idx,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("task panicked")
		}
	}()
	if err := task(ctx); err != nil {
		s.log.WithField("shard", idx).WithError(err).Warn("task failed")
	}
}

// Shard returns the worker index for key.
func (s *Sharded) Shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.shards)))
}

// Submit queues task behind earlier tasks with the same key. It blocks while that shard is full.
func (s *Sharded) Submit(ctx context.Context, key string, task Task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.shards[s.Shard(key)] <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (s *Sharded) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, ch := range s.shards {
		close(ch)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
