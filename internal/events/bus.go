// Package events distributes harness lifecycle events to in-process
// subscribers and, optionally, over NATS for external observers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event subjects.
const (
	SubjectRunStarted    = "run.started"
	SubjectRunFinalized  = "run.finalized"
	SubjectTaskStarted   = "task.started"
	SubjectTaskFinished  = "task.finished"
	SubjectTokenUsage    = "task.token_usage"
	SubjectToolError     = "task.tool_error"
	SubjectBenchmarkStep = "benchmark.step"
)

// SubjectAll subscribes to every subject.
const SubjectAll = "*"

// Event is one lifecycle notification.
type Event struct {
	Subject   string          `json:"subject"`
	RunID     int64           `json:"runId"`
	TaskID    int64           `json:"taskId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler consumes one event. Handlers must not block; slow consumers
// should hand off to their own goroutine.
type Handler func(Event)

// Bus publishes lifecycle events to subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers a handler for a subject, or all subjects with
	// SubjectAll. The returned function removes the subscription.
	Subscribe(subject string, h Handler) (func(), error)
	Close() error
}

// New builds an event with the timestamp filled in.
func New(subject string, runID, taskID int64, payload any) Event {
	ev := Event{
		Subject:   subject,
		RunID:     runID,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// LocalBus is the in-process bus used when NATS is not configured.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]Handler)}
}

func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0)
	for _, h := range b.subs[ev.Subject] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs[SubjectAll] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]Handler)
	}
	b.subs[subject][id] = h

	return func() {
		b.mu.Lock()
		delete(b.subs[subject], id)
		b.mu.Unlock()
	}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]map[int]Handler)
	b.closed = true
	b.mu.Unlock()
	return nil
}
