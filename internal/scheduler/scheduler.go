// Package scheduler runs task functions with bounded concurrency. Starts
// are staggered while the pool ramps up so parallel agents do not hammer
// shared infrastructure at the same instant; once tasks begin completing,
// freed slots refill immediately.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// Task is one unit of schedulable work. The context is cancelled when the
// whole run is cancelled.
type Task func(ctx context.Context)

// Scheduler dispatches tasks FIFO with at most Concurrency in flight.
type Scheduler struct {
	concurrency int
	stagger     time.Duration
	logger      *logger.Logger
}

func New(concurrency int, stagger time.Duration, log *logger.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{concurrency: concurrency, stagger: stagger, logger: log}
}

// Run executes all tasks and blocks until every started task returns. On
// context cancellation no further tasks are admitted; already-running tasks
// see the cancelled context and are waited for. A panicking task is logged
// and counted as done without taking the scheduler down.
func (s *Scheduler) Run(ctx context.Context, tasks []Task) error {
	slots := make(chan struct{}, s.concurrency)
	for i := 0; i < s.concurrency; i++ {
		slots <- struct{}{}
	}

	// rampDone flips when the first task finishes; from then on starts are
	// completion-driven and the stagger delay no longer applies.
	var rampDone atomic.Bool
	var wg sync.WaitGroup

dispatch:
	for i, task := range tasks {
		select {
		case <-ctx.Done():
			break dispatch
		case <-slots:
		}

		if i > 0 && s.stagger > 0 && !rampDone.Load() {
			select {
			case <-ctx.Done():
				slots <- struct{}{}
				break dispatch
			case <-time.After(s.stagger):
			}
		}

		wg.Add(1)
		go func(index int, task Task) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("task panicked",
						zap.Int("index", index),
						zap.Any("panic", r),
						zap.String("stack", string(debug.Stack())))
				}
				rampDone.Store(true)
				slots <- struct{}{}
			}()
			task(ctx)
		}(i, task)
	}

	wg.Wait()
	return ctx.Err()
}
