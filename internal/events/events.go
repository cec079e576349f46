// Package events carries sync lifecycle notifications to in-process
// listeners and, optionally, to an MQTT broker.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names a sync lifecycle event.
type Type string

const (
	SyncStarted     Type = "sync_started"
	SyncProgress    Type = "sync_progress"
	SyncCompleted   Type = "sync_completed"
	SyncFailed      Type = "sync_failed"
	OperationQueued Type = "operation_queued"
	OperationSynced Type = "operation_synced"
	OperationFailed Type = "operation_failed"
)

// Event is one notification. Timestamp is epoch milliseconds.
type Event struct {
	Type      Type   `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// New stamps an event with the current time.
func New(t Type, data any) Event {
	return Event{Type: t, Timestamp: time.Now().UnixMilli(), Data: data}
}

// Listener receives events synchronously on the publisher's goroutine.
type Listener func(Event)

// Bus fans events out to listeners. A panicking listener is logged and
// does not affect the others.
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
	logger    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[int]Listener),
		logger:    logger.With("component", "events"),
	}
}

// Subscribe adds l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish delivers e to every listener.
func (b *Bus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.RUnlock()

	for _, l := range ls {
		b.deliver(l, e)
	}
}

// Len returns the number of listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panic", "event", e.Type, "panic", r)
		}
	}()
	l(e)
}
