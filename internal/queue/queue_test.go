package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// failingKV accepts reads but rejects every write.
type failingKV struct {
	storage.KV
}

func (failingKV) SetItem(context.Context, string, string) error {
	return errors.New("disk full")
}

func newTestQueue(t *testing.T, kv storage.KV, cfg Config) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if kv == nil {
		kv = storage.NewMemory()
	}
	q := New(kv, cfg, nil, WithClock(clock.Now))
	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return q, clock
}

func noPrune() Config {
	cfg := DefaultConfig()
	cfg.AutoPrune = false
	return cfg
}

func TestEnqueuePersistsImmediately(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	q, _ := newTestQueue(t, kv, DefaultConfig())

	id, err := q.Enqueue(ctx, UpdateReportStatus, map[string]any{"reportId": "123"}, PriorityHigh)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected id")
	}

	raw, ok, _ := kv.GetItem(ctx, StorageKey)
	if !ok {
		t.Fatal("expected queue blob to be written")
	}
	var stored []Operation
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != id || stored[0].Status != StatusPending {
		t.Fatalf("unexpected stored queue %+v", stored)
	}
	if stored[0].MaxRetries != 3 || stored[0].Retries != 0 {
		t.Errorf("unexpected retry fields %+v", stored[0])
	}

	q2, _ := newTestQueue(t, kv, DefaultConfig())
	op, ok := q2.GetByID(id)
	if !ok {
		t.Fatal("expected operation after reload")
	}
	if op.Payload["reportId"] != "123" || op.Priority != PriorityHigh {
		t.Errorf("unexpected reloaded op %+v", op)
	}
}

func TestEnqueueCopiesPayload(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	q, _ := newTestQueue(t, kv, DefaultConfig())

	payload := map[string]any{"reportId": "123", "status": "in_progress"}
	id, err := q.Enqueue(ctx, UpdateReportStatus, payload, PriorityHigh)
	if err != nil {
		t.Fatal(err)
	}
	payload["status"] = "closed"
	delete(payload, "reportId")

	op, _ := q.GetByID(id)
	if op.Payload["status"] != "in_progress" || op.Payload["reportId"] != "123" {
		t.Errorf("queued payload changed by caller: %v", op.Payload)
	}

	if _, err := q.Enqueue(ctx, UpdateProfile, nil, ""); err != nil {
		t.Fatal(err)
	}
	raw, _, _ := kv.GetItem(ctx, StorageKey)
	if !strings.Contains(raw, `"in_progress"`) {
		t.Errorf("persisted payload changed by caller: %s", raw)
	}
}

func TestEnqueueDefaultsAndValidation(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, nil, DefaultConfig())

	id, err := q.Enqueue(ctx, UpdateProfile, nil, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	op, _ := q.GetByID(id)
	if op.Priority != PriorityMedium {
		t.Errorf("expected medium default, got %s", op.Priority)
	}
	if op.Payload == nil {
		t.Error("expected non-nil payload")
	}

	if _, err := q.Enqueue(ctx, "DELETE_EVERYTHING", nil, PriorityLow); !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}
	if _, err := q.Enqueue(ctx, UpdateProfile, nil, "urgent"); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("expected ErrInvalidPriority, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("rejected operations must not be queued, len=%d", q.Len())
	}
}

func TestGetPendingOrdering(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, nil, DefaultConfig())

	enqueue := func(p Priority) string {
		clock.Advance(time.Millisecond)
		id, err := q.Enqueue(ctx, UpdateProfile, nil, p)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		return id
	}
	low1 := enqueue(PriorityLow)
	med1 := enqueue(PriorityMedium)
	high1 := enqueue(PriorityHigh)
	low2 := enqueue(PriorityLow)
	high2 := enqueue(PriorityHigh)
	med2 := enqueue(PriorityMedium)

	want := []string{high1, high2, med1, med2, low1, low2}
	got := q.GetPending()
	if len(got) != len(want) {
		t.Fatalf("expected %d pending, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d: want %s, got %s (%s)", i, want[i], got[i].ID, got[i].Priority)
		}
	}
}

func TestSameTimestampKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, nil, DefaultConfig())

	a, _ := q.Enqueue(ctx, UpdateProfile, nil, PriorityMedium)
	b, _ := q.Enqueue(ctx, UpdateProfile, nil, PriorityMedium)

	got := q.GetPending()
	if got[0].ID != a || got[1].ID != b {
		t.Errorf("expected insertion order for equal timestamps")
	}
}

func TestRemovePruneClear(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	q, _ := newTestQueue(t, kv, noPrune())

	q.RegisterHandler(UpdateReportStatus, func(context.Context, map[string]any) error { return nil })
	ok1, _ := q.Enqueue(ctx, UpdateReportStatus, nil, PriorityHigh)
	ok2, _ := q.Enqueue(ctx, UpdateReportStatus, nil, PriorityLow)
	failed, _ := q.Enqueue(ctx, MarkNotificationRead, nil, PriorityLow)

	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	pending, _ := q.Enqueue(ctx, UpdateProfile, nil, PriorityMedium)

	if n := q.Prune(ctx); n != 2 {
		t.Fatalf("expected 2 pruned, got %d", n)
	}
	if n := q.Prune(ctx); n != 0 {
		t.Errorf("second prune should be a no-op, removed %d", n)
	}
	for _, id := range []string{ok1, ok2} {
		if _, ok := q.GetByID(id); ok {
			t.Errorf("succeeded op %s should be pruned", id)
		}
	}
	for _, id := range []string{failed, pending} {
		if _, ok := q.GetByID(id); !ok {
			t.Errorf("non-success op %s should survive prune", id)
		}
	}

	if err := q.Remove(ctx, failed); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := q.Remove(ctx, failed); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	q.Clear(ctx)
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
	raw, _, _ := kv.GetItem(ctx, StorageKey)
	if raw != "[]" {
		t.Errorf("expected persisted empty list, got %q", raw)
	}
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, nil, noPrune())

	q.RegisterHandler(UpdateReportStatus, func(context.Context, map[string]any) error { return nil })
	q.Enqueue(ctx, UpdateReportStatus, nil, PriorityHigh)
	q.Enqueue(ctx, MarkNotificationRead, nil, PriorityLow)
	q.ProcessQueue(ctx)
	q.Enqueue(ctx, UpdateProfile, nil, PriorityMedium)

	s := q.GetStats()
	if s.Total != 3 || s.Pending != 1 || s.Success != 1 || s.Failed != 1 || s.Processing != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.ByPriority[PriorityHigh] != 1 || s.ByPriority[PriorityMedium] != 1 || s.ByPriority[PriorityLow] != 1 {
		t.Errorf("unexpected byPriority %+v", s.ByPriority)
	}
	if s.ByType[UpdateReportStatus] != 1 || s.ByType[MarkNotificationRead] != 1 || s.ByType[UpdateProfile] != 1 {
		t.Errorf("unexpected byType %+v", s.ByType)
	}
}

func TestLoadResetsProcessingAndRepairs(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	stored := []Operation{
		{ID: "a", Type: UpdateProfile, Timestamp: 1, Priority: PriorityHigh, MaxRetries: 3, Status: StatusProcessing},
		{ID: "a", Type: UpdateProfile, Timestamp: 2, Priority: PriorityLow, MaxRetries: 3, Status: StatusPending},
		{ID: "b", Type: UpdateProfile, Timestamp: 3, Priority: "", Retries: 9, MaxRetries: 3, Status: StatusFailed},
		{ID: "c", Type: UpdateProfile, Timestamp: 4, Priority: PriorityLow, Status: StatusSuccess},
		{ID: "d", Type: UpdateProfile, Timestamp: 5, Priority: PriorityLow, Retries: 5, MaxRetries: 3, Status: StatusPending},
		{ID: "e", Type: UpdateProfile, Timestamp: 6, Priority: PriorityLow, MaxRetries: 3, Status: "stuck"},
	}
	data, _ := json.Marshal(stored)
	kv.SetItem(ctx, StorageKey, string(data))

	q, _ := newTestQueue(t, kv, DefaultConfig())

	if q.Len() != 5 {
		t.Fatalf("expected duplicate id dropped, got %d ops", q.Len())
	}
	a, _ := q.GetByID("a")
	if a.Status != StatusPending || a.Priority != PriorityHigh {
		t.Errorf("expected first 'a' reset to pending, got %+v", a)
	}
	b, _ := q.GetByID("b")
	if b.Retries != 3 || b.Priority != PriorityMedium {
		t.Errorf("expected b repaired, got %+v", b)
	}
	c, _ := q.GetByID("c")
	if c.MaxRetries != 3 {
		t.Errorf("expected c maxRetries defaulted, got %d", c.MaxRetries)
	}
	d, _ := q.GetByID("d")
	if d.Status != StatusFailed || d.Retries != 3 {
		t.Errorf("expected exhausted d failed at the ceiling, got %+v", d)
	}
	e, _ := q.GetByID("e")
	if e.Status != StatusPending {
		t.Errorf("expected unknown status reset to pending, got %q", e.Status)
	}

	calls := 0
	q.RegisterHandler(UpdateProfile, func(context.Context, map[string]any) error {
		calls++
		return errors.New("backend down")
	})
	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatal(err)
	}
	for _, op := range q.GetAll() {
		if op.Retries > op.MaxRetries {
			t.Errorf("%s: retries %d above ceiling %d", op.ID, op.Retries, op.MaxRetries)
		}
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2 (a and e only)", calls)
	}

	raw, _, _ := kv.GetItem(ctx, StorageKey)
	var repaired []Operation
	json.Unmarshal([]byte(raw), &repaired)
	for _, op := range repaired {
		if op.Status == StatusProcessing {
			t.Errorf("repaired blob still holds processing op %s", op.ID)
		}
	}
}

func TestLoadCorruptBlob(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	kv.SetItem(ctx, StorageKey, "{not json")

	q := New(kv, DefaultConfig(), nil)
	err := q.Load(ctx)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after corrupt load")
	}
	if _, err := q.Enqueue(ctx, UpdateProfile, nil, ""); err != nil {
		t.Errorf("queue should stay usable: %v", err)
	}
}

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, failingKV{storage.NewMemory()}, noPrune())

	id, err := q.Enqueue(ctx, UpdateReportStatus, map[string]any{"reportId": "9"}, PriorityHigh)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if id == "" {
		t.Fatal("expected id even when persistence fails")
	}
	if _, ok := q.GetByID(id); !ok {
		t.Fatal("operation must remain in memory")
	}

	q.RegisterHandler(UpdateReportStatus, func(context.Context, map[string]any) error { return nil })
	res, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if res.Succeeded != 1 {
		t.Errorf("expected processing to proceed, got %+v", res)
	}
	if err := q.Remove(ctx, id); err != nil {
		t.Errorf("Remove should not surface write failures: %v", err)
	}
}

func TestNextRetryAt(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, nil, noPrune())

	if _, ok := q.NextRetryAt(); ok {
		t.Error("empty queue has no retry")
	}

	q.RegisterHandler(UpdateProfile, func(context.Context, map[string]any) error { return errors.New("503") })
	q.Enqueue(ctx, UpdateProfile, nil, "")
	q.ProcessQueue(ctx)

	at, ok := q.NextRetryAt()
	if !ok {
		t.Fatal("expected scheduled retry")
	}
	if want := clock.Now().Add(time.Second); !at.Equal(want) {
		t.Errorf("expected retry at %v, got %v", want, at)
	}

	clock.Advance(time.Second)
	if _, ok := q.NextRetryAt(); ok {
		t.Error("a due retry is not a future retry")
	}
}

func TestSetConfigAndDebugInfo(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, nil, DefaultConfig())
	q.RegisterHandler(UpdateProfile, func(context.Context, map[string]any) error { return nil })
	q.RegisterHandler(UpdateReportStatus, func(context.Context, map[string]any) error { return nil })
	q.Enqueue(ctx, UpdateProfile, nil, "")

	cfg := q.Config()
	cfg.MaxRetries = 5
	q.SetConfig(cfg)
	if q.Config().MaxRetries != 5 {
		t.Errorf("SetConfig not applied")
	}
	id, _ := q.Enqueue(ctx, UpdateProfile, nil, "")
	if op, _ := q.GetByID(id); op.MaxRetries != 5 {
		t.Errorf("new operations should use the new ceiling, got %d", op.MaxRetries)
	}

	info := q.DebugInfo()
	if info.IsProcessing || info.QueueLength != 2 {
		t.Errorf("unexpected debug info %+v", info)
	}
	if len(info.Handlers) != 2 || info.Handlers[0] != UpdateProfile || info.Handlers[1] != UpdateReportStatus {
		t.Errorf("unexpected handlers %v", info.Handlers)
	}
	if info.Stats.Pending != 2 {
		t.Errorf("unexpected stats %+v", info.Stats)
	}
}

func TestConfigDelayTable(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 3 * time.Second},
		{3, 5 * time.Second},
		{7, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.delay(tt.retries); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
	if (Config{}).delay(2) != 0 {
		t.Error("empty table means no delay")
	}
}
