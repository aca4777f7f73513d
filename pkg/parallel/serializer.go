package parallel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
)

// ErrTaskPanic wraps a panic recovered from a serialized task
var ErrTaskPanic = errors.New("serialized task panicked")

// Task is a unit of serialized work
type Task func(ctx context.Context) error

// Future resolves exactly once with the task's result
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the task has finished or been skipped
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task result; only meaningful after Done is closed
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Wait blocks until the task resolves or ctx is done
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedTask struct {
	ctx    context.Context
	task   Task
	future *Future
}

type keyQueue struct {
	limit   int
	running int
	pending []*queuedTask
}

type familyCount struct {
	queued  int
	running int
}

// Serializer runs tasks in per-key FIFO order with at most limit tasks of a key in flight.
// Keys are independent of each other. A key's queue is dropped once it drains.
type Serializer struct {
	mu       sync.Mutex
	queues   map[string]*keyQueue
	families map[string]*familyCount
	logger   logging.Logger
	metrics  *metrics.Registry
}

// NewSerializer creates a serializer; reg may be nil
func NewSerializer(logger logging.Logger, reg *metrics.Registry) *Serializer {
	return &Serializer{
		queues:   make(map[string]*keyQueue),
		families: make(map[string]*familyCount),
		logger:   logging.OrDefault(logger).With(logging.Component("serializer")),
		metrics:  reg,
	}
}

// Submit enqueues task under key. The limit of the first submission that creates a
// key's queue holds until the queue drains. Tasks whose ctx is done before they
// start are resolved with ctx.Err() without running.
func (s *Serializer) Submit(ctx context.Context, key string, limit int, task Task) *Future {
	if limit < 1 {
		limit = 1
	}
	f := newFuture()

	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &keyQueue{limit: limit}
		s.queues[key] = q
	}
	q.pending = append(q.pending, &queuedTask{ctx: ctx, task: task, future: f})
	s.family(key).queued++
	s.dispatchLocked(key, q)
	s.mu.Unlock()

	return f
}

// Do submits task and waits for its result
func (s *Serializer) Do(ctx context.Context, key string, limit int, task Task) error {
	return s.Submit(ctx, key, limit, task).Wait(ctx)
}

// Len returns the number of live key queues
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

func (s *Serializer) dispatchLocked(key string, q *keyQueue) {
	fam := s.family(key)
	for q.running < q.limit && len(q.pending) > 0 {
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running++
		fam.queued--
		fam.running++
		go s.run(key, q, t)
	}
	s.report(key, fam)
}

func (s *Serializer) run(key string, q *keyQueue, t *queuedTask) {
	err := s.execute(key, t)

	s.mu.Lock()
	q.running--
	s.family(key).running--
	s.dispatchLocked(key, q)
	if q.running == 0 && len(q.pending) == 0 {
		delete(s.queues, key)
	}
	s.mu.Unlock()

	t.future.resolve(err)
}

func (s *Serializer) execute(key string, t *queuedTask) (err error) {
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				logging.String("key", key),
				logging.Any("panic", r))
			if s.metrics != nil {
				s.metrics.RecordSerializerPanic()
			}
			err = fmt.Errorf("%w: %s: %v", ErrTaskPanic, key, r)
		}
	}()
	return t.task(t.ctx)
}

func (s *Serializer) family(key string) *familyCount {
	name := keyFamily(key)
	fc, ok := s.families[name]
	if !ok {
		fc = &familyCount{}
		s.families[name] = fc
	}
	return fc
}

func (s *Serializer) report(key string, fc *familyCount) {
	if s.metrics != nil {
		s.metrics.SetSerializerDepth(keyFamily(key), fc.queued, fc.running)
	}
}

// keyFamily strips the per-entity suffix so metrics stay low-cardinality
func keyFamily(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
