// Package cache implements a size-bounded, TTL-aware key/value cache over a
// storage.KV. Expiry is lazy: entries are checked when read. When a write
// would exceed the size budget, existing entries are evicted in policy order
// until it fits.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/storage"
)

const (
	KeyPrefix   = "@nosara_cache:"
	MetadataKey = KeyPrefix + "metadata"
)

var (
	ErrEntryTooLarge = errors.New("cache: entry exceeds max size")
	ErrInvalidKey    = errors.New("cache: invalid key")
	ErrDisabled      = errors.New("cache: disabled")
)

// Store is the cache. Entries live in the KV under KeyPrefix+kind;
// metadata is kept in memory and written through on every change.
type Store struct {
	kv       storage.KV
	logger   *slog.Logger
	now      func() time.Time
	observer Observer

	mu   sync.Mutex
	cfg  Config
	meta Metadata
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// New creates a store. Call Load to restore persisted metadata.
func New(kv storage.KV, cfg Config, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == "" {
		cfg.Policy = LRU
	}
	s := &Store{
		kv:     kv,
		logger: logger.With("component", "cache"),
		now:    time.Now,
		cfg:    cfg,
		meta:   newMetadata(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load restores metadata. Missing or unreadable metadata is rebuilt from
// the stored entries.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.kv.GetItem(ctx, MetadataKey)
	if err != nil {
		return fmt.Errorf("load cache metadata: %w", err)
	}
	if ok {
		var m Metadata
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			m.ensureMaps()
			s.meta = m
			s.logger.Info("cache metadata loaded", "items", m.ItemCount, "total_size", m.TotalSize)
			return nil
		}
		s.logger.Warn("cache metadata unreadable, rebuilding")
	}
	return s.rebuildLocked(ctx)
}

func (s *Store) rebuildLocked(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}
	m := newMetadata()
	for _, key := range keys {
		if key == MetadataKey {
			continue
		}
		raw, ok, err := s.kv.GetItem(ctx, key)
		if err != nil || !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.kv.RemoveItem(ctx, key)
			continue
		}
		k := Kind(key[len(KeyPrefix):])
		size := int64(len(raw))
		m.Sizes[k] = size
		m.TotalSize += size
		m.ItemCount++
		m.LastAccess[k] = e.Timestamp
		m.InsertedAt[k] = e.Timestamp
	}
	s.meta = m
	s.persistMetaLocked(ctx)
	s.logger.Info("cache metadata rebuilt", "items", m.ItemCount, "total_size", m.TotalSize)
	return nil
}

// SetOption adjusts a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl     time.Duration
	version string
}

// TTL overrides the kind's default time to live.
func TTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// Version tags the entry.
func Version(v string) SetOption {
	return func(o *setOptions) { o.version = v }
}

// Set stores data under kind, evicting other entries if the budget would be
// exceeded. An entry larger than the per-entry cap fails with
// ErrEntryTooLarge and leaves the store untouched. A disabled store
// returns ErrDisabled.
func (s *Store) Set(ctx context.Context, kind Kind, data any, opts ...SetOption) error {
	s.mu.Lock()
	if !s.validLocked(kind) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInvalidKey, kind)
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}

	o := setOptions{ttl: s.ttlLocked(kind), version: s.cfg.DefaultVersion}
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	now := s.now()
	raw, err := json.Marshal(Entry{
		Data:      payload,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(o.ttl).UnixMilli(),
		Version:   o.version,
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("marshal %s entry: %w", kind, err)
	}

	size := int64(len(raw))
	if limit := s.entryLimitLocked(); size > limit {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrEntryTooLarge, kind, size, limit)
	}

	oldSize, existed := s.meta.Sizes[kind]
	var evicted []Event
	if s.meta.TotalSize-oldSize+size > s.cfg.MaxSize {
		evicted = s.evictLocked(ctx, kind, s.meta.TotalSize-oldSize+size-s.cfg.MaxSize)
	}

	if err := s.kv.SetItem(ctx, KeyPrefix+string(kind), string(raw)); err != nil {
		s.persistMetaLocked(ctx)
		s.mu.Unlock()
		s.notify(evicted...)
		return fmt.Errorf("write %s: %w", kind, err)
	}

	if existed {
		s.meta.TotalSize -= oldSize
	} else {
		s.meta.ItemCount++
	}
	s.meta.TotalSize += size
	s.meta.Sizes[kind] = size
	s.meta.LastAccess[kind] = now.UnixMilli()
	s.meta.AccessCount[kind]++
	s.meta.InsertedAt[kind] = now.UnixMilli()
	s.persistMetaLocked(ctx)
	total := s.meta.TotalSize
	s.mu.Unlock()

	s.logger.Debug("cache set", "key", kind, "bytes", size, "ttl", o.ttl)
	s.notify(append(evicted, Event{Kind: EventSet, Key: kind, Size: size, TotalSize: total})...)
	return nil
}

// Get returns the live entry for kind. A missing or expired entry reports
// ok=false with a nil error; expired entries are deleted on the way out.
// A disabled store always misses.
func (s *Store) Get(ctx context.Context, kind Kind) (Entry, bool, error) {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return Entry{}, false, nil
	}
	raw, ok, err := s.kv.GetItem(ctx, KeyPrefix+string(kind))
	if err != nil {
		s.mu.Unlock()
		return Entry{}, false, fmt.Errorf("read %s: %w", kind, err)
	}
	if !ok {
		if _, tracked := s.meta.Sizes[kind]; tracked {
			s.meta.drop(kind)
			s.persistMetaLocked(ctx)
		}
		s.mu.Unlock()
		s.notify(Event{Kind: EventMiss, Key: kind})
		return Entry{}, false, nil
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		s.logger.Warn("dropping unreadable cache entry", "key", kind, "error", err)
		s.removeLocked(ctx, kind)
		s.mu.Unlock()
		s.notify(Event{Kind: EventMiss, Key: kind})
		return Entry{}, false, nil
	}

	now := s.now().UnixMilli()
	if now > e.ExpiresAt {
		s.removeLocked(ctx, kind)
		s.mu.Unlock()
		s.logger.Debug("cache entry expired", "key", kind)
		s.notify(Event{Kind: EventExpired, Key: kind})
		return Entry{}, false, nil
	}

	if _, tracked := s.meta.Sizes[kind]; !tracked {
		s.meta.Sizes[kind] = int64(len(raw))
		s.meta.TotalSize += int64(len(raw))
		s.meta.ItemCount++
		s.meta.InsertedAt[kind] = e.Timestamp
	}
	s.meta.LastAccess[kind] = now
	s.meta.AccessCount[kind]++
	s.persistMetaLocked(ctx)
	s.mu.Unlock()

	s.notify(Event{Kind: EventHit, Key: kind})
	return e, true, nil
}

// GetAs fetches kind and decodes it into T.
func GetAs[T any](ctx context.Context, s *Store, kind Kind) (T, bool, error) {
	var v T
	e, ok, err := s.Get(ctx, kind)
	if err != nil || !ok {
		return v, false, err
	}
	if err := e.Decode(&v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", kind, err)
	}
	return v, true, nil
}

// Remove deletes one entry.
func (s *Store) Remove(ctx context.Context, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, kind)
}

// Clear deletes every entry, including ones the metadata lost track of.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if key == MetadataKey {
			continue
		}
		if err := s.kv.RemoveItem(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	s.meta = newMetadata()
	s.persistMetaLocked(ctx)
	s.logger.Info("cache cleared", "removed", len(keys))
	return errors.Join(errs...)
}

// Size returns the tracked total in bytes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.TotalSize
}

// Metadata returns a copy of the eviction bookkeeping.
func (s *Store) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.clone()
}

// SetConfig replaces the limits. It does not evict until the next write.
func (s *Store) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Policy == "" {
		cfg.Policy = LRU
	}
	s.cfg = cfg
}

// Config returns the current limits.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// DebugInfo is a point-in-time dump for diagnostics.
type DebugInfo struct {
	TotalSize      int64          `json:"totalSize"`
	ItemCount      int            `json:"itemCount"`
	MaxSize        int64          `json:"maxSize"`
	UsagePercent   float64        `json:"usagePercent"`
	EvictionPolicy Policy         `json:"evictionPolicy"`
	Items          map[Kind]int64 `json:"items"`
}

// DebugInfo reports usage and per-key last access times.
func (s *Store) DebugInfo() DebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pct float64
	if s.cfg.MaxSize > 0 {
		pct = float64(s.meta.TotalSize) / float64(s.cfg.MaxSize) * 100
	}
	return DebugInfo{
		TotalSize:      s.meta.TotalSize,
		ItemCount:      s.meta.ItemCount,
		MaxSize:        s.cfg.MaxSize,
		UsagePercent:   pct,
		EvictionPolicy: s.cfg.Policy,
		Items:          cloneMap(s.meta.LastAccess),
	}
}

// evictLocked removes entries other than keep, in policy order, until at
// least need bytes are freed or nothing is left to evict.
func (s *Store) evictLocked(ctx context.Context, keep Kind, need int64) []Event {
	candidates := make([]Kind, 0, len(s.meta.Sizes))
	for k := range s.meta.Sizes {
		if k != keep {
			candidates = append(candidates, k)
		}
	}
	m := s.meta
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch s.cfg.Policy {
		case LFU:
			if m.AccessCount[a] != m.AccessCount[b] {
				return m.AccessCount[a] < m.AccessCount[b]
			}
			return m.LastAccess[a] < m.LastAccess[b]
		case FIFO:
			if m.InsertedAt[a] != m.InsertedAt[b] {
				return m.InsertedAt[a] < m.InsertedAt[b]
			}
		default:
			if m.LastAccess[a] != m.LastAccess[b] {
				return m.LastAccess[a] < m.LastAccess[b]
			}
		}
		return a < b
	})

	var freed int64
	var events []Event
	for _, k := range candidates {
		if freed >= need {
			break
		}
		size := s.meta.Sizes[k]
		if err := s.kv.RemoveItem(ctx, KeyPrefix+string(k)); err != nil {
			s.logger.Error("cache eviction failed", "key", k, "error", err)
			continue
		}
		s.meta.drop(k)
		freed += size
		s.logger.Info("cache entry evicted", "key", k, "bytes", size, "policy", s.cfg.Policy)
		events = append(events, Event{Kind: EventEvicted, Key: k, Size: size, TotalSize: s.meta.TotalSize})
	}
	return events
}

func (s *Store) removeLocked(ctx context.Context, kind Kind) error {
	if err := s.kv.RemoveItem(ctx, KeyPrefix+string(kind)); err != nil {
		return fmt.Errorf("remove %s: %w", kind, err)
	}
	s.meta.drop(kind)
	s.persistMetaLocked(ctx)
	return nil
}

func (s *Store) validLocked(kind Kind) bool {
	if kind == "" || kind == "metadata" {
		return false
	}
	if _, ok := DefaultTTLs[kind]; ok {
		return true
	}
	_, ok := s.cfg.TTLs[kind]
	return ok
}

func (s *Store) ttlLocked(kind Kind) time.Duration {
	if d, ok := s.cfg.TTLs[kind]; ok && d > 0 {
		return d
	}
	if d, ok := DefaultTTLs[kind]; ok {
		return d
	}
	if s.cfg.DefaultTTL > 0 {
		return s.cfg.DefaultTTL
	}
	return time.Hour
}

func (s *Store) entryLimitLocked() int64 {
	if s.cfg.MaxEntrySize > 0 && s.cfg.MaxEntrySize < s.cfg.MaxSize {
		return s.cfg.MaxEntrySize
	}
	return s.cfg.MaxSize
}

func (s *Store) persistMetaLocked(ctx context.Context) {
	data, err := json.Marshal(s.meta)
	if err != nil {
		s.logger.Error("cache metadata marshal failed", "error", err)
		return
	}
	if err := s.kv.SetItem(context.WithoutCancel(ctx), MetadataKey, string(data)); err != nil {
		s.logger.Error("cache metadata persist failed", "error", err)
	}
}

func (s *Store) notify(events ...Event) {
	if s.observer == nil {
		return
	}
	for _, e := range events {
		s.observer.ObserveCache(e)
	}
}
