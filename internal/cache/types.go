package cache

import (
	"encoding/json"
	"time"
)

// Kind identifies a cacheable data set. Each kind holds one entry.
type Kind string

const (
	ActiveEmergencies Kind = "active_emergencies"
	UserReports       Kind = "user_reports"
	UserProfile       Kind = "user_profile"
	AppConfig         Kind = "app_config"
	EmergencyTypes    Kind = "emergency_types"
)

// DefaultTTLs are tiered by how quickly each kind goes stale.
var DefaultTTLs = map[Kind]time.Duration{
	ActiveEmergencies: 5 * time.Minute,
	UserReports:       time.Hour,
	UserProfile:       24 * time.Hour,
	AppConfig:         7 * 24 * time.Hour,
	EmergencyTypes:    7 * 24 * time.Hour,
}

// Policy selects which entries go first when the store is full.
type Policy string

const (
	LRU  Policy = "LRU"  // oldest last access
	LFU  Policy = "LFU"  // lowest access count
	FIFO Policy = "FIFO" // oldest write
)

// Entry is the persisted form of a cached value.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // write time, epoch ms
	ExpiresAt int64           `json:"expiresAt"` // epoch ms
	Version   string          `json:"version"`
}

// Decode unmarshals the cached data into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Metadata drives eviction and is persisted next to the entries.
type Metadata struct {
	TotalSize   int64          `json:"totalSize"`
	ItemCount   int            `json:"itemCount"`
	LastAccess  map[Kind]int64 `json:"lastAccess"`
	AccessCount map[Kind]int64 `json:"accessCount"`
	Sizes       map[Kind]int64 `json:"sizes"`
	InsertedAt  map[Kind]int64 `json:"insertedAt"`
}

func newMetadata() Metadata {
	return Metadata{
		LastAccess:  make(map[Kind]int64),
		AccessCount: make(map[Kind]int64),
		Sizes:       make(map[Kind]int64),
		InsertedAt:  make(map[Kind]int64),
	}
}

func (m *Metadata) ensureMaps() {
	if m.LastAccess == nil {
		m.LastAccess = make(map[Kind]int64)
	}
	if m.AccessCount == nil {
		m.AccessCount = make(map[Kind]int64)
	}
	if m.Sizes == nil {
		m.Sizes = make(map[Kind]int64)
	}
	if m.InsertedAt == nil {
		m.InsertedAt = make(map[Kind]int64)
	}
}

func (m *Metadata) drop(k Kind) {
	if size, ok := m.Sizes[k]; ok {
		m.TotalSize -= size
		m.ItemCount--
	}
	delete(m.Sizes, k)
	delete(m.LastAccess, k)
	delete(m.AccessCount, k)
	delete(m.InsertedAt, k)
}

func (m Metadata) clone() Metadata {
	c := Metadata{TotalSize: m.TotalSize, ItemCount: m.ItemCount}
	c.LastAccess = cloneMap(m.LastAccess)
	c.AccessCount = cloneMap(m.AccessCount)
	c.Sizes = cloneMap(m.Sizes)
	c.InsertedAt = cloneMap(m.InsertedAt)
	return c
}

func cloneMap(in map[Kind]int64) map[Kind]int64 {
	out := make(map[Kind]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Config bounds the store.
type Config struct {
	Enabled bool
	// MaxSize is the total budget in serialized bytes.
	MaxSize int64
	// MaxEntrySize caps one entry. Zero means MaxSize.
	MaxEntrySize   int64
	DefaultTTL     time.Duration
	TTLs           map[Kind]time.Duration
	Policy         Policy
	DefaultVersion string
}

// DefaultConfig is a 10 MiB LRU cache with the tiered TTLs.
func DefaultConfig() Config {
	ttls := make(map[Kind]time.Duration, len(DefaultTTLs))
	for k, v := range DefaultTTLs {
		ttls[k] = v
	}
	return Config{
		Enabled:        true,
		MaxSize:        10 * 1024 * 1024,
		DefaultTTL:     time.Hour,
		TTLs:           ttls,
		Policy:         LRU,
		DefaultVersion: "1.0.0",
	}
}

// EventKind classifies observer notifications.
type EventKind string

const (
	EventHit     EventKind = "hit"
	EventMiss    EventKind = "miss"
	EventExpired EventKind = "expired"
	EventSet     EventKind = "set"
	EventEvicted EventKind = "evicted"
)

// Event reports a cache access or mutation.
type Event struct {
	Kind      EventKind
	Key       Kind
	Size      int64
	TotalSize int64
}

// Observer receives cache events outside the store lock.
type Observer interface {
	ObserveCache(Event)
}
