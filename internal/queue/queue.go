// Package queue implements the durable offline operation queue: a
// prioritized list of pending mutations persisted as a single JSON blob and
// drained by registered per-type handlers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/storage"
)

// StorageKey is where the serialized queue lives.
const StorageKey = "@nosara_queue:operations"

var (
	ErrAlreadyProcessing = errors.New("queue: already processing")
	ErrNotFound          = errors.New("queue: operation not found")
	ErrNoHandler         = errors.New("queue: no handler registered")
	ErrPersistence       = errors.New("queue: persistence failed")
	ErrInvalidType       = errors.New("queue: invalid operation type")
	ErrInvalidPriority   = errors.New("queue: invalid priority")
)

// Queue owns the in-memory operation list and its persisted copy. The
// in-memory list is authoritative; a failed write is logged and retried
// implicitly by the next mutation.
type Queue struct {
	kv       storage.KV
	logger   *slog.Logger
	now      func() time.Time
	observer Observer

	mu       sync.Mutex
	ops      []*Operation
	handlers map[OperationType]Handler
	cfg      Config

	processing atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// New creates an empty queue backed by kv. Call Load to restore state.
func New(kv storage.KV, cfg Config, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		kv:       kv,
		logger:   logger.With("component", "queue"),
		now:      time.Now,
		handlers: make(map[OperationType]Handler),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load restores the persisted queue. Operations left in processing by a
// previous process are reset to pending, duplicate ids keep their first
// occurrence, and retry counters are clamped to the ceiling. A pending
// operation with no retries left is marked failed.
func (q *Queue) Load(ctx context.Context) error {
	raw, ok, err := q.kv.GetItem(ctx, StorageKey)
	if err != nil {
		return fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = nil
	if !ok || raw == "" {
		q.logger.Info("queue loaded", "operations", 0)
		return nil
	}

	var stored []*Operation
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrPersistence, err)
	}

	seen := make(map[string]bool, len(stored))
	dirty := false
	for _, op := range stored {
		if op == nil || op.ID == "" || seen[op.ID] {
			dirty = true
			continue
		}
		seen[op.ID] = true
		if op.MaxRetries <= 0 {
			op.MaxRetries = q.cfg.MaxRetries
			dirty = true
		}
		if op.Retries > op.MaxRetries {
			op.Retries = op.MaxRetries
			dirty = true
		}
		if !op.Priority.Valid() {
			op.Priority = PriorityMedium
			dirty = true
		}
		if op.Status == StatusProcessing || !op.Status.Valid() {
			op.Status = StatusPending
			dirty = true
		}
		if op.Status == StatusPending && op.Retries >= op.MaxRetries {
			op.Status = StatusFailed
			if op.LastError == "" {
				op.LastError = "retries exhausted"
			}
			dirty = true
		}
		q.ops = append(q.ops, op)
	}

	q.logger.Info("queue loaded", "operations", len(q.ops), "repaired", dirty)
	if dirty {
		q.persistLocked(ctx)
	}
	return nil
}

// Enqueue appends a pending operation and persists the queue. An empty
// priority means medium. If the write fails the operation is still queued
// in memory; the returned id is valid and the error wraps ErrPersistence.
func (q *Queue) Enqueue(ctx context.Context, typ OperationType, payload map[string]any, priority Priority) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	if payload == nil {
		payload = map[string]any{}
	} else {
		payload = maps.Clone(payload)
	}

	q.mu.Lock()
	op := &Operation{
		ID:         uuid.NewString(),
		Type:       typ,
		Payload:    payload,
		Timestamp:  q.now().UnixMilli(),
		Priority:   priority,
		MaxRetries: q.cfg.MaxRetries,
		Status:     StatusPending,
	}
	q.ops = append(q.ops, op)
	err := q.persistLocked(ctx)
	snapshot := op.clone()
	q.mu.Unlock()

	q.logger.Info("operation enqueued", "id", op.ID, "type", typ, "priority", priority)
	q.notify(Event{Kind: EventQueued, Operation: snapshot})

	if err != nil {
		return op.ID, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return op.ID, nil
}

// RegisterHandler associates h with typ, replacing any previous handler.
func (q *Queue) RegisterHandler(typ OperationType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[typ] = h
	q.logger.Debug("handler registered", "type", typ)
}

// GetPending returns pending operations in processing order.
func (q *Queue) GetPending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked(func(op *Operation) bool { return op.Status == StatusPending })
}

// GetByStatus returns operations with the given status in processing order.
func (q *Queue) GetByStatus(status Status) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked(func(op *Operation) bool { return op.Status == status })
}

// GetByID returns a copy of the operation with the given id.
func (q *Queue) GetByID(id string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if op := q.findLocked(id); op != nil {
		return op.clone(), true
	}
	return Operation{}, false
}

// GetAll returns every operation in insertion order.
func (q *Queue) GetAll() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.ops))
	for i, op := range q.ops {
		out[i] = op.clone()
	}
	return out
}

// Len returns the number of operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Remove deletes one operation regardless of status. A handler already
// running for it finishes, but its outcome is discarded.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			q.persistLocked(ctx)
			q.logger.Info("operation removed", "id", id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Prune deletes every succeeded operation and returns how many were removed.
func (q *Queue) Prune(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if op.Status == StatusSuccess {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	// drop references held past the new length
	for i := len(kept); i < len(q.ops); i++ {
		q.ops[i] = nil
	}
	q.ops = kept

	if removed > 0 {
		q.persistLocked(ctx)
		q.logger.Info("queue pruned", "removed", removed)
	}
	return removed
}

// Clear deletes every operation.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.ops)
	q.ops = nil
	q.persistLocked(ctx)
	q.logger.Info("queue cleared", "removed", n)
}

// GetStats counts operations by status, priority and type.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Total:      len(q.ops),
		ByPriority: map[Priority]int{PriorityHigh: 0, PriorityMedium: 0, PriorityLow: 0},
		ByType:     make(map[OperationType]int),
	}
	for _, op := range q.ops {
		switch op.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		}
		s.ByPriority[op.Priority]++
		s.ByType[op.Type]++
	}
	return s
}

// NextRetryAt returns the earliest future retry time among pending
// operations, or false if every pending operation is already due.
func (q *Queue) NextRetryAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	var next int64
	for _, op := range q.ops {
		if op.Status != StatusPending || op.NextAttemptAt <= now {
			continue
		}
		if next == 0 || op.NextAttemptAt < next {
			next = op.NextAttemptAt
		}
	}
	if next == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(next), true
}

// Config returns the current retry policy.
func (q *Queue) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// SetConfig replaces the retry policy. Already-queued operations keep the
// retry ceiling they were created with.
func (q *Queue) SetConfig(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = cfg
	q.logger.Info("queue config updated", "max_retries", cfg.MaxRetries, "auto_prune", cfg.AutoPrune)
}

// IsProcessing reports whether a pass is in flight.
func (q *Queue) IsProcessing() bool {
	return q.processing.Load()
}

// DebugInfo is a point-in-time dump for diagnostics.
type DebugInfo struct {
	IsProcessing bool            `json:"isProcessing"`
	QueueLength  int             `json:"queueLength"`
	Handlers     []OperationType `json:"handlers"`
	Config       Config          `json:"config"`
	Stats        Stats           `json:"stats"`
}

// DebugInfo returns processing state, registered handlers, config and stats.
func (q *Queue) DebugInfo() DebugInfo {
	stats := q.GetStats()

	q.mu.Lock()
	defer q.mu.Unlock()
	handlers := make([]OperationType, 0, len(q.handlers))
	for t := range q.handlers {
		handlers = append(handlers, t)
	}
	sort.Slice(handlers, func(i, j int) bool { return handlers[i] < handlers[j] })

	return DebugInfo{
		IsProcessing: q.processing.Load(),
		QueueLength:  len(q.ops),
		Handlers:     handlers,
		Config:       q.cfg,
		Stats:        stats,
	}
}

func (q *Queue) findLocked(id string) *Operation {
	for _, op := range q.ops {
		if op.ID == id {
			return op
		}
	}
	return nil
}

func (q *Queue) sortedLocked(keep func(*Operation) bool) []Operation {
	var sel []*Operation
	for _, op := range q.ops {
		if keep(op) {
			sel = append(sel, op)
		}
	}
	sort.SliceStable(sel, func(i, j int) bool { return sel[i].before(sel[j]) })
	out := make([]Operation, len(sel))
	for i, op := range sel {
		out[i] = op.clone()
	}
	return out
}

// persistLocked writes the whole collection. Failures are logged and
// returned; the in-memory state is never rolled back.
func (q *Queue) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(q.ops)
	if err != nil {
		q.logger.Error("queue marshal failed", "error", err)
		return err
	}
	if q.ops == nil {
		data = []byte("[]")
	}
	// A cancelled caller must not skip the write of a mutation it already made.
	if err := q.kv.SetItem(context.WithoutCancel(ctx), StorageKey, string(data)); err != nil {
		q.logger.Error("queue persist failed", "error", err, "operations", len(q.ops))
		return err
	}
	return nil
}

func (q *Queue) notify(e Event) {
	if q.observer != nil {
		q.observer.ObserveQueue(e)
	}
}
