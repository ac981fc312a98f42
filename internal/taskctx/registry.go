// Package taskctx maintains the in-memory join between the agent's opaque
// task ids and the store's integer ids, plus per-task live context. All code
// below this registry only ever sees integer ids.
package taskctx

import (
	"sync"
	"time"
)

// Context is the live, process-local state for one running task. It is
// created at session handshake and discarded when the task finishes.
type Context struct {
	TaskID      int64
	RunID       int64
	McpServer   string
	UserIntent  string
	StartTime   time.Time
	CurrentStep int
	TotalSteps  int
	// BenchmarkID is zero until the benchmark row is created (eagerly at
	// handshake or lazily on the first ingested span).
	BenchmarkID int64
	ErrorCount  int
}

// entry pairs a context with its own lock so span ingestion for different
// tasks never contends.
type entry struct {
	mu  sync.Mutex
	ctx Context
}

// Registry is the shared, concurrent mapping between agent task ids, numeric
// task ids, and task contexts.
type Registry struct {
	mu       sync.RWMutex
	byAgent  map[string]int64
	contexts map[int64]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byAgent:  make(map[string]int64),
		contexts: make(map[int64]*entry),
	}
}

// Register records the agent-id to numeric-id mapping. Idempotent.
func (r *Registry) Register(agentTaskID string, taskID int64) {
	r.mu.Lock()
	r.byAgent[agentTaskID] = taskID
	r.mu.Unlock()
}

// Resolve maps an agent task id to the store's integer id.
func (r *Registry) Resolve(agentTaskID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAgent[agentTaskID]
	return id, ok
}

// SetContext installs (or replaces) the context for a task.
func (r *Registry) SetContext(taskID int64, ctx Context) {
	r.mu.Lock()
	e, ok := r.contexts[taskID]
	if !ok {
		e = &entry{}
		r.contexts[taskID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
}

// GetContext returns a snapshot of the task's context.
func (r *Registry) GetContext(taskID int64) (Context, bool) {
	e, ok := r.lookup(taskID)
	if !ok {
		return Context{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx, true
}

// Update applies fn to the task's context under its per-task lock and
// returns the updated snapshot.
func (r *Registry) Update(taskID int64, fn func(*Context)) (Context, bool) {
	e, ok := r.lookup(taskID)
	if !ok {
		return Context{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.ctx)
	return e.ctx, true
}

// NextStep atomically increments the per-task step counter and returns the
// next 1-based step number.
func (r *Registry) NextStep(taskID int64) (int, bool) {
	e, ok := r.lookup(taskID)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx.CurrentStep++
	e.ctx.TotalSteps = e.ctx.CurrentStep
	return e.ctx.CurrentStep, true
}

// ResetSteps zeroes the step counter. Called when a benchmark finishes so a
// reused context starts numbering from 1 again.
func (r *Registry) ResetSteps(taskID int64) {
	e, ok := r.lookup(taskID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx.CurrentStep = 0
}

// Drop removes the context and every agent-id mapping pointing at the task.
func (r *Registry) Drop(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, taskID)
	for agentID, id := range r.byAgent {
		if id == taskID {
			delete(r.byAgent, agentID)
		}
	}
}

// Len returns the number of live contexts. Used to verify clean teardown.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

func (r *Registry) lookup(taskID int64) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.contexts[taskID]
	return e, ok
}
