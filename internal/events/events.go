// Package events carries lifecycle notifications from the pool to
// interested observers. The emitter is constructor-injected; there is no
// global listener registry.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a lifecycle event.
type Type string

const (
	TaskQueued       Type = "taskQueued"
	TaskStarted      Type = "taskStarted"
	TaskCompleted    Type = "taskCompleted"
	TaskFailed       Type = "taskFailed"
	TaskRetry        Type = "taskRetry"
	ShutdownStarted  Type = "shutdownStarted"
	ShutdownTimeout  Type = "shutdownTimeout"
	ShutdownComplete Type = "shutdownComplete"
)

// Event is one lifecycle notification.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and must return quickly.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Emitter dispatches events to registered handlers.
type Emitter struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *zap.Logger
}

// NewEmitter creates an emitter with no handlers.
func NewEmitter(logger *zap.Logger) *Emitter {
	return &Emitter{logger: logger}
}

// Register adds a handler. Safe to call concurrently with Emit.
func (e *Emitter) Register(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit fills in the event id and timestamp and dispatches to every
// handler. An emitter with no handlers is a cheap no-op.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	ev.ID = uuid.New()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, h := range handlers {
		h.HandleEvent(ev)
	}
}
