package queue

import (
	"context"
	"maps"
	"time"
)

// OperationType names a kind of deferred mutation. Each type has at most
// one registered Handler.
type OperationType string

const (
	UpdateReportStatus   OperationType = "UPDATE_REPORT_STATUS"
	UpdateProfile        OperationType = "UPDATE_PROFILE"
	MarkNotificationRead OperationType = "MARK_NOTIFICATION_READ"
)

// Types lists every operation type the queue accepts.
var Types = []OperationType{UpdateReportStatus, UpdateProfile, MarkNotificationRead}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders pending work. Higher tiers always run first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Valid reports whether p is one of the three tiers.
func (p Priority) Valid() bool { return p.rank() < 3 }

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Operation is one queued mutation.
type Operation struct {
	ID         string         `json:"id"`
	Type       OperationType  `json:"type"`
	Payload    map[string]any `json:"payload"`
	Timestamp  int64          `json:"timestamp"` // creation, epoch ms
	Priority   Priority       `json:"priority"`
	Retries    int            `json:"retries"`
	MaxRetries int            `json:"maxRetries"`
	Status     Status         `json:"status"`

	// NextAttemptAt is the earliest time (epoch ms) a retry may run.
	// Zero means immediately.
	NextAttemptAt int64  `json:"nextAttemptAt,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

func (o *Operation) clone() Operation {
	c := *o
	c.Payload = maps.Clone(o.Payload)
	return c
}

func (o *Operation) due(now time.Time) bool {
	return o.Status == StatusPending && o.NextAttemptAt <= now.UnixMilli()
}

// before reports whether o sorts ahead of other: priority tier first,
// then oldest timestamp.
func (o *Operation) before(other *Operation) bool {
	if o.Priority.rank() != other.Priority.rank() {
		return o.Priority.rank() < other.Priority.rank()
	}
	return o.Timestamp < other.Timestamp
}

// Handler performs an operation against the backend. It must be safe to
// call more than once with the same payload.
type Handler func(ctx context.Context, payload map[string]any) error

// Result summarizes one ProcessQueue pass. Failed counts every failed
// attempt, retryable or terminal.
type Result struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Stats aggregates the queue by status, priority and type.
type Stats struct {
	Total      int                   `json:"total"`
	Pending    int                   `json:"pending"`
	Processing int                   `json:"processing"`
	Success    int                   `json:"success"`
	Failed     int                   `json:"failed"`
	ByPriority map[Priority]int      `json:"byPriority"`
	ByType     map[OperationType]int `json:"byType"`
}

// Config is the retry and cleanup policy.
type Config struct {
	MaxRetries  int             `json:"maxRetries"`
	RetryDelays []time.Duration `json:"retryDelays"`
	AutoPrune   bool            `json:"autoPrune"`
}

// DefaultConfig retries three times after 1s, 3s and 5s and prunes
// succeeded operations after every pass.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		RetryDelays: []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
		AutoPrune:   true,
	}
}

// delay returns the backoff after the given number of failed attempts.
// Attempts past the end of the table reuse the last entry.
func (c Config) delay(retries int) time.Duration {
	if len(c.RetryDelays) == 0 || retries <= 0 {
		return 0
	}
	idx := retries - 1
	if idx >= len(c.RetryDelays) {
		idx = len(c.RetryDelays) - 1
	}
	return c.RetryDelays[idx]
}

// EventKind classifies observer notifications.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventSucceeded EventKind = "succeeded"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
)

// Event is delivered to an Observer after the change is persisted.
type Event struct {
	Kind      EventKind
	Operation Operation
	Err       error
	Duration  time.Duration
}

// Observer receives queue events. It is called without the queue lock held.
type Observer interface {
	ObserveQueue(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) ObserveQueue(e Event) { f(e) }
