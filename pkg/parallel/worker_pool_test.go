package parallel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
)

func newTestPool(t *testing.T, workers int) *WorkerPool {
	t.Helper()
	pool, err := NewWorkerPool(workers, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewWorkerPool(%d) error = %v", workers, err)
	}
	return pool
}

func TestWorkerPoolBasicOperations(t *testing.T) {
	pool := newTestPool(t, 4)

	var executed atomic.Bool
	if !pool.Submit(func() { executed.Store(true) }) {
		t.Error("Task submission failed")
	}

	pool.Close()

	if !executed.Load() {
		t.Error("Task was not executed")
	}
}

func TestWorkerPoolZeroWorkersDefaultsToOne(t *testing.T) {
	pool := newTestPool(t, 0)
	defer pool.Close()

	if pool.Workers() != 1 {
		t.Errorf("Workers() = %d, want 1", pool.Workers())
	}
}

func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	pool := newTestPool(t, 2)
	pool.Close()

	if pool.Submit(func() {}) {
		t.Error("Submit after Close should return false")
	}
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	pool := newTestPool(t, 1)

	var ran atomic.Bool
	pool.Submit(func() { panic("bad host") })
	pool.Submit(func() { ran.Store(true) })
	pool.Close()

	if !ran.Load() {
		t.Error("worker died after a panicking task")
	}
}

func TestForEachBoundsParallelism(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	var inFlight, peak, total int64
	var mu sync.Mutex
	err := ForEach(items, 4, logging.NewNopLogger(), func(int) {
		n := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		atomic.AddInt64(&total, 1)
	})
	if err != nil {
		t.Fatalf("ForEach() error = %v", err)
	}

	if total != 50 {
		t.Errorf("ran %d items, want 50", total)
	}
	if peak > 4 {
		t.Errorf("peak parallelism %d exceeds 4", peak)
	}
}

func TestForEachEmpty(t *testing.T) {
	if err := ForEach[string](nil, 4, nil, func(string) { t.Error("called for empty input") }); err != nil {
		t.Fatal(err)
	}
}
