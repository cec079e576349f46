package cache

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

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) ObserveCache(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) evicted() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Kind
	for _, e := range r.events {
		if e.Kind == EventEvicted {
			out = append(out, e.Key)
		}
	}
	return out
}

func newTestStore(t *testing.T, kv storage.KV, cfg Config) (*Store, *fakeClock, *recorder) {
	t.Helper()
	if kv == nil {
		kv = storage.NewMemory()
	}
	clock := newFakeClock()
	rec := &recorder{}
	s := New(kv, cfg, nil, WithClock(clock.Now), WithObserver(rec))
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s, clock, rec
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, nil, DefaultConfig())

	types := []map[string]any{{"id": "fire", "label": "Incendio"}, {"id": "flood", "label": "Inundacion"}}
	if err := s.Set(ctx, EmergencyTypes, types, TTL(604800*time.Second)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := GetAs[[]map[string]any](ctx, s, EmergencyTypes)
	if err != nil || !ok {
		t.Fatalf("GetAs = %v %v", ok, err)
	}
	if len(got) != 2 || got[0]["id"] != "fire" || got[1]["label"] != "Inundacion" {
		t.Errorf("unexpected data %v", got)
	}

	entry, _, _ := s.Get(ctx, EmergencyTypes)
	if entry.Version != "1.0.0" {
		t.Errorf("expected default version, got %q", entry.Version)
	}
	if entry.ExpiresAt != clock.Now().Add(604800*time.Second).UnixMilli() {
		t.Errorf("unexpected expiresAt %d", entry.ExpiresAt)
	}

	clock.Advance(604800*time.Second + time.Millisecond)
	if _, ok, err := s.Get(ctx, EmergencyTypes); ok || err != nil {
		t.Errorf("expected expired miss, got ok=%v err=%v", ok, err)
	}
}

func TestTTLExpiryRemovesEntry(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s, clock, rec := newTestStore(t, kv, DefaultConfig())

	if err := s.Set(ctx, UserProfile, map[string]string{"name": "Ana"}, TTL(time.Second)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(2 * time.Second)

	_, ok, err := s.Get(ctx, UserProfile)
	if err != nil || ok {
		t.Fatalf("expected miss after ttl, got ok=%v err=%v", ok, err)
	}
	if _, present, _ := kv.GetItem(ctx, KeyPrefix+string(UserProfile)); present {
		t.Error("expired entry must be deleted from storage")
	}
	m := s.Metadata()
	if m.ItemCount != 0 || m.TotalSize != 0 {
		t.Errorf("metadata not updated on expiry: %+v", m)
	}
	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	if last.Kind != EventExpired {
		t.Errorf("expected expired event, got %s", last.Kind)
	}
}

func TestDefaultTTLsByKind(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, nil, DefaultConfig())

	s.Set(ctx, ActiveEmergencies, []string{"e1"})
	s.Set(ctx, EmergencyTypes, []string{"fire"})

	clock.Advance(5*time.Minute + time.Second)
	if _, ok, _ := s.Get(ctx, ActiveEmergencies); ok {
		t.Error("active emergencies should expire after 5 minutes")
	}
	if _, ok, _ := s.Get(ctx, EmergencyTypes); !ok {
		t.Error("emergency types should still be cached")
	}
}

func TestGetMissing(t *testing.T) {
	s, _, _ := newTestStore(t, nil, DefaultConfig())
	e, ok, err := s.Get(context.Background(), UserReports)
	if ok || err != nil || e.Data != nil {
		t.Errorf("expected plain miss, got %+v %v %v", e, ok, err)
	}
}

func TestDisabledStore(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil, DefaultConfig())
	if err := s.Set(ctx, AppConfig, map[string]any{"v": 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	cfg := s.Config()
	cfg.Enabled = false
	s.SetConfig(cfg)

	if err := s.Set(ctx, AppConfig, 2); !errors.Is(err, ErrDisabled) {
		t.Errorf("Set on disabled store = %v, want ErrDisabled", err)
	}
	if _, ok, err := s.Get(ctx, AppConfig); ok || err != nil {
		t.Errorf("Get on disabled store = %v %v, want miss", ok, err)
	}

	cfg.Enabled = true
	s.SetConfig(cfg)
	if _, ok, _ := s.Get(ctx, AppConfig); !ok {
		t.Error("entry should be readable again once re-enabled")
	}
}

func TestEntryTooLarge(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSize = 1024
	cfg.MaxEntrySize = 200
	s, _, _ := newTestStore(t, nil, cfg)

	err := s.Set(ctx, UserReports, strings.Repeat("x", 500))
	if !errors.Is(err, ErrEntryTooLarge) {
		t.Fatalf("expected ErrEntryTooLarge, got %v", err)
	}
	if s.Size() != 0 {
		t.Error("oversized write must not change the store")
	}

	cfg.MaxEntrySize = 0
	s.SetConfig(cfg)
	if err := s.Set(ctx, UserReports, strings.Repeat("x", 2000)); !errors.Is(err, ErrEntryTooLarge) {
		t.Errorf("entry larger than the whole budget must fail, got %v", err)
	}
}

func TestOverwriteDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil, DefaultConfig())

	s.Set(ctx, AppConfig, map[string]int{"v": 1})
	first := s.Metadata()
	s.Set(ctx, AppConfig, map[string]int{"v": 2})
	second := s.Metadata()

	if second.ItemCount != 1 {
		t.Errorf("expected 1 item, got %d", second.ItemCount)
	}
	if second.TotalSize != first.TotalSize {
		t.Errorf("same-size overwrite changed total: %d -> %d", first.TotalSize, second.TotalSize)
	}
	if second.AccessCount[AppConfig] != 2 {
		t.Errorf("expected access count 2, got %d", second.AccessCount[AppConfig])
	}
}

func TestInvalidKey(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil, DefaultConfig())
	for _, k := range []Kind{"", "metadata", "session_cookies"} {
		if err := s.Set(ctx, k, 1); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Set(%q): expected ErrInvalidKey, got %v", k, err)
		}
	}

	cfg := DefaultConfig()
	cfg.TTLs["station_list"] = time.Minute
	s.SetConfig(cfg)
	if err := s.Set(ctx, "station_list", []string{"central"}); err != nil {
		t.Errorf("configured kind should be accepted: %v", err)
	}
}

// sizedStore returns a store whose budget fits exactly three equal entries.
func sizedStore(t *testing.T, policy Policy) (*Store, *fakeClock, *recorder) {
	t.Helper()
	ctx := context.Background()
	s, clock, rec := newTestStore(t, nil, DefaultConfig())

	if err := s.Set(ctx, AppConfig, strings.Repeat("a", 100)); err != nil {
		t.Fatal(err)
	}
	size := s.Metadata().Sizes[AppConfig]
	s.Remove(ctx, AppConfig)

	cfg := DefaultConfig()
	cfg.Policy = policy
	cfg.MaxSize = 3*size + size/2
	s.SetConfig(cfg)
	return s, clock, rec
}

func fill(t *testing.T, s *Store, clock *fakeClock, kinds ...Kind) {
	t.Helper()
	for _, k := range kinds {
		clock.Advance(time.Second)
		if err := s.Set(context.Background(), k, strings.Repeat("a", 100)); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
}

func TestEvictionLRU(t *testing.T) {
	ctx := context.Background()
	s, clock, rec := sizedStore(t, LRU)

	fill(t, s, clock, UserProfile, UserReports, AppConfig)
	clock.Advance(time.Second)
	if _, ok, _ := s.Get(ctx, UserProfile); !ok {
		t.Fatal("expected hit")
	}
	fill(t, s, clock, EmergencyTypes)

	if got := rec.evicted(); len(got) != 1 || got[0] != UserReports {
		t.Fatalf("expected user_reports evicted, got %v", got)
	}
	if _, ok, _ := s.Get(ctx, UserProfile); !ok {
		t.Error("recently read entry must survive")
	}
	if _, ok, _ := s.Get(ctx, UserReports); ok {
		t.Error("stale entry must be gone")
	}
	m := s.Metadata()
	if m.ItemCount != 3 || m.TotalSize > s.Config().MaxSize {
		t.Errorf("metadata after eviction %+v", m)
	}
}

func TestEvictionLFU(t *testing.T) {
	ctx := context.Background()
	s, clock, rec := sizedStore(t, LFU)

	fill(t, s, clock, UserProfile, UserReports, AppConfig)
	s.Get(ctx, UserProfile)
	s.Get(ctx, UserProfile)
	s.Get(ctx, AppConfig)
	fill(t, s, clock, EmergencyTypes)

	if got := rec.evicted(); len(got) != 1 || got[0] != UserReports {
		t.Fatalf("expected least-used user_reports evicted, got %v", got)
	}
}

func TestEvictionFIFO(t *testing.T) {
	ctx := context.Background()
	s, clock, rec := sizedStore(t, FIFO)

	fill(t, s, clock, UserProfile, UserReports, AppConfig)
	s.Get(ctx, UserProfile)
	fill(t, s, clock, EmergencyTypes)

	if got := rec.evicted(); len(got) != 1 || got[0] != UserProfile {
		t.Fatalf("expected first-written user_profile evicted, got %v", got)
	}
}

func TestEvictionFreesEnoughForLargeWrite(t *testing.T) {
	s, clock, rec := sizedStore(t, LRU)
	fill(t, s, clock, UserProfile, UserReports, AppConfig)

	clock.Advance(time.Second)
	if err := s.Set(context.Background(), EmergencyTypes, strings.Repeat("b", 250)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := rec.evicted(); len(got) < 2 {
		t.Errorf("expected at least two evictions for a large write, got %v", got)
	}
	if s.Size() > s.Config().MaxSize {
		t.Errorf("store over budget: %d > %d", s.Size(), s.Config().MaxSize)
	}
}

func TestMetadataPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s, _, _ := newTestStore(t, kv, DefaultConfig())
	s.Set(ctx, UserProfile, "p")
	s.Get(ctx, UserProfile)
	before := s.Metadata()

	s2, _, _ := newTestStore(t, kv, DefaultConfig())
	after := s2.Metadata()
	if after.ItemCount != 1 || after.TotalSize != before.TotalSize || after.AccessCount[UserProfile] != 2 {
		t.Errorf("metadata not restored: %+v", after)
	}
}

func TestLoadRebuildsMissingMetadata(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s, _, _ := newTestStore(t, kv, DefaultConfig())
	s.Set(ctx, UserProfile, "p")
	s.Set(ctx, AppConfig, map[string]bool{"dark": true})
	want := s.Size()

	kv.SetItem(ctx, MetadataKey, "garbage")
	kv.SetItem(ctx, KeyPrefix+"user_reports", "{broken")

	s2, _, _ := newTestStore(t, kv, DefaultConfig())
	m := s2.Metadata()
	if m.ItemCount != 2 || m.TotalSize != want {
		t.Errorf("rebuild mismatch: %+v want size %d", m, want)
	}
	if _, ok, _ := kv.GetItem(ctx, KeyPrefix+"user_reports"); ok {
		t.Error("unreadable entry should be dropped during rebuild")
	}
	raw, _, _ := kv.GetItem(ctx, MetadataKey)
	var persisted Metadata
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil || persisted.ItemCount != 2 {
		t.Errorf("rebuilt metadata not persisted: %q", raw)
	}
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s, _, _ := newTestStore(t, kv, DefaultConfig())
	s.Set(ctx, UserProfile, "p")
	s.Set(ctx, UserReports, []int{1, 2})
	s.Set(ctx, AppConfig, "c")

	if err := s.Remove(ctx, UserProfile); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Metadata().ItemCount != 2 {
		t.Errorf("expected 2 items after remove")
	}

	// an orphan the metadata does not know about
	kv.SetItem(ctx, KeyPrefix+"emergency_types", `{"data":[],"timestamp":1,"expiresAt":2,"version":"1"}`)

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys, _ := kv.Keys(ctx, KeyPrefix)
	if len(keys) != 1 || keys[0] != MetadataKey {
		t.Errorf("expected only metadata left, got %v", keys)
	}
	if m := s.Metadata(); m.ItemCount != 0 || m.TotalSize != 0 {
		t.Errorf("metadata not reset: %+v", m)
	}
}

func TestDebugInfo(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSize = 1000
	s, _, _ := newTestStore(t, nil, cfg)
	s.Set(ctx, UserProfile, "p")

	info := s.DebugInfo()
	if info.ItemCount != 1 || info.MaxSize != 1000 || info.EvictionPolicy != LRU {
		t.Errorf("unexpected debug info %+v", info)
	}
	want := float64(info.TotalSize) / 10
	if diff := info.UsagePercent - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("usage %v, want %v", info.UsagePercent, want)
	}
	if _, ok := info.Items[UserProfile]; !ok {
		t.Error("expected per-key access time")
	}
}
