package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpbench/mcpbench/internal/common/logger"
)

func TestConcurrencyBound(t *testing.T) {
	s := New(2, 0, logger.NewNop())

	var current, peak int64
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) {
			n := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		}
	}

	if err := s.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("concurrency bound violated: peak %d", got)
	}
}

func TestStaggerOnlyDuringRamp(t *testing.T) {
	const stagger = 80 * time.Millisecond
	s := New(2, stagger, logger.NewNop())

	var mu sync.Mutex
	starts := make([]time.Time, 0, 4)
	record := func() {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
	}

	tasks := []Task{
		func(ctx context.Context) { record(); time.Sleep(20 * time.Millisecond) },
		func(ctx context.Context) { record(); time.Sleep(200 * time.Millisecond) },
		// Refill start after the first completion must not wait the stagger.
		func(ctx context.Context) { record(); time.Sleep(20 * time.Millisecond) },
		func(ctx context.Context) { record() },
	}
	if err := s.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(starts) != 4 {
		t.Fatalf("expected 4 starts, got %d", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < stagger-10*time.Millisecond {
		t.Errorf("ramp starts not staggered: gap %v", gap)
	}
	// Task 3 starts when task 1 finishes (about 20ms after its start), well
	// before another full stagger interval would have elapsed.
	if gap := starts[2].Sub(starts[1]); gap >= stagger {
		t.Errorf("refill start waited for stagger: gap %v", gap)
	}
}

func TestFIFOAdmission(t *testing.T) {
	s := New(1, 0, logger.NewNop())

	var mu sync.Mutex
	var order []int
	tasks := make([]Task, 6)
	for i := range tasks {
		idx := i
		tasks[i] = func(ctx context.Context) {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
		}
	}

	if err := s.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, idx := range order {
		if i != idx {
			t.Fatalf("admission not FIFO: %v", order)
		}
	}
}

func TestCancellationStopsAdmission(t *testing.T) {
	s := New(1, 0, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started int64
	tasks := make([]Task, 5)
	for i := range tasks {
		tasks[i] = func(taskCtx context.Context) {
			atomic.AddInt64(&started, 1)
			cancel()
			<-taskCtx.Done()
		}
	}

	if err := s.Run(ctx, tasks); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if got := atomic.LoadInt64(&started); got != 1 {
		t.Errorf("cancellation admitted %d tasks", got)
	}
}

func TestPanicIsolation(t *testing.T) {
	s := New(2, 0, logger.NewNop())

	var completed int64
	tasks := []Task{
		func(ctx context.Context) { panic("task exploded") },
		func(ctx context.Context) { atomic.AddInt64(&completed, 1) },
		func(ctx context.Context) { atomic.AddInt64(&completed, 1) },
	}

	if err := s.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := atomic.LoadInt64(&completed); got != 2 {
		t.Errorf("panic stopped siblings: %d completed", got)
	}
}
