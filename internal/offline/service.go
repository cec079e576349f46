// Package offline ties the operation queue, cache, sync coordinator and
// connectivity state into the single surface the app talks to.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/cache"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/config"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/connectivity"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/events"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/metrics"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/security"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/storage"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/syncer"
)

var (
	ErrNoStorage  = errors.New("offline: storage is required")
	ErrNoProvider = errors.New("offline: connectivity provider is required")
)

// Options carries the collaborators of a Service. KV and Provider are
// required; the rest are optional.
type Options struct {
	KV        storage.KV
	Provider  connectivity.Provider
	Scheduler syncer.BackgroundScheduler
	Secure    *security.Store
	Bus       *events.Bus
	Metrics   *metrics.Collector
	Logger    *slog.Logger

	// QueueOptions and CacheOptions are passed through, for tests.
	QueueOptions []queue.Option
	CacheOptions []cache.Option
}

// Service is the offline facade.
type Service struct {
	queue    *queue.Queue
	cache    *cache.Store
	sync     *syncer.Coordinator
	provider connectivity.Provider
	secure   *security.Store
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu          sync.Mutex
	initialized bool
	status      connectivity.Status
	syncInfo    SyncInfo
	unsubscribe func()

	inPass    atomic.Bool
	passCount atomic.Int64
}

// New builds the queue, cache and coordinator from cfg and wires their
// events to the bus and metrics. Call Initialize before use.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if opts.KV == nil {
		return nil, ErrNoStorage
	}
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}

	s := &Service{
		provider: opts.Provider,
		secure:   opts.Secure,
		bus:      bus,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "offline"),
		status:   connectivity.Offline,
		syncInfo: SyncInfo{Status: SyncIdle},
	}

	qopts := append([]queue.Option{queue.WithObserver(queue.ObserverFunc(s.observeQueue))}, opts.QueueOptions...)
	s.queue = queue.New(opts.KV, QueueConfig(cfg), logger, qopts...)

	copts := opts.CacheOptions
	if s.metrics != nil {
		copts = append([]cache.Option{cache.WithObserver(s.metrics)}, copts...)
	}
	s.cache = cache.New(opts.KV, CacheConfig(cfg), logger, copts...)

	s.sync = syncer.New(passQueue{s}, opts.Provider, opts.Scheduler, syncer.Options{
		Interval:           cfg.SyncInterval(),
		BackgroundInterval: cfg.BackgroundInterval(),
		Background:         cfg.Sync.Background,
		AutoSync:           cfg.Sync.AutoSync,
		Logger:             logger,
	})
	s.sync.OnPass(s.onPass)

	if s.metrics != nil {
		s.metrics.WatchQueue(s.queue.GetStats)
		s.metrics.WatchCache(s.cache.Size)
	}
	return s, nil
}

// QueueConfig maps the queue section of cfg.
func QueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		MaxRetries:  cfg.Queue.MaxRetries,
		RetryDelays: cfg.RetryDelays(),
		AutoPrune:   cfg.Queue.AutoPrune,
	}
}

// CacheConfig maps the cache section of cfg. Per-kind TTL overrides are
// layered over the built-in tiers.
func CacheConfig(cfg *config.Config) cache.Config {
	c := cache.DefaultConfig()
	c.Enabled = cfg.Cache.Enabled
	c.MaxSize = cfg.Cache.MaxSizeBytes
	c.MaxEntrySize = cfg.Cache.MaxEntryBytes
	c.DefaultTTL = time.Duration(cfg.Cache.DefaultTTLSec) * time.Second
	c.Policy = cache.Policy(cfg.Cache.EvictionPolicy)
	if cfg.Cache.DefaultVersion != "" {
		c.DefaultVersion = cfg.Cache.DefaultVersion
	}
	for k, ttl := range cfg.CacheTTLs() {
		c.TTLs[cache.Kind(k)] = ttl
	}
	return c
}

// Initialize restores persisted state, reads the current connection and
// starts the coordinator. Calling it again is a no-op.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	if err := s.queue.Load(ctx); err != nil {
		s.logger.Warn("queue restore failed, starting empty", "error", err)
	}
	if err := s.cache.Load(ctx); err != nil {
		s.logger.Warn("cache metadata restore failed", "error", err)
	}

	if _, err := s.CheckConnection(ctx); err != nil {
		s.logger.Warn("initial connectivity check failed", "error", err)
	}
	unsubscribe := s.provider.Subscribe(s.onStatus)

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	mode, err := s.sync.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("start sync coordinator: %w", err)
	}
	st := s.State()
	s.logger.Info("offline service initialized",
		"mode", mode,
		"online", st.IsOnline,
		"pending", st.Queue.Pending,
		"failed", st.Queue.Failed,
		"cache_bytes", st.CacheSize,
	)
	return nil
}

// Close stops the coordinator and the connectivity listener. The KV is
// owned by the caller and stays open.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.sync.Cleanup()
	s.logger.Info("offline service stopped")
}

// ApplyConfig pushes hot-reloadable settings into the running components.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.queue.SetConfig(QueueConfig(cfg))
	s.cache.SetConfig(CacheConfig(cfg))
	s.sync.SetEnabled(cfg.Sync.AutoSync)
	if err := s.sync.SetInterval(cfg.SyncInterval()); err != nil {
		s.logger.Warn("sync interval not applied", "error", err)
	}
}

// Events returns the bus sync events are published on.
func (s *Service) Events() *events.Bus { return s.bus }

// Coordinator returns the sync coordinator, for hosts that drive the
// background task themselves.
func (s *Service) Coordinator() *syncer.Coordinator { return s.sync }

// RegisterHandler installs the handler for an operation type.
func (s *Service) RegisterHandler(typ queue.OperationType, h queue.Handler) {
	s.queue.RegisterHandler(typ, h)
}

// EnqueueOperation queues an operation. An empty priority means medium.
// A persistence failure still returns the id along with the error.
func (s *Service) EnqueueOperation(ctx context.Context, typ queue.OperationType, payload map[string]any, priority queue.Priority) (string, error) {
	return s.queue.Enqueue(ctx, typ, payload, priority)
}

// RemoveOperation deletes one operation.
func (s *Service) RemoveOperation(ctx context.Context, id string) error {
	return s.queue.Remove(ctx, id)
}

// PruneQueue deletes succeeded operations and returns how many went.
func (s *Service) PruneQueue(ctx context.Context) int {
	return s.queue.Prune(ctx)
}

// ClearQueue deletes every operation.
func (s *Service) ClearQueue(ctx context.Context) {
	s.queue.Clear(ctx)
}

// GetQueueStats aggregates the queue.
func (s *Service) GetQueueStats() queue.Stats {
	return s.queue.GetStats()
}

// Operations returns every queued operation in the order it was enqueued.
func (s *Service) Operations() []queue.Operation {
	return s.queue.GetAll()
}

// SyncNow drains the queue immediately. It fails with syncer.ErrOffline
// when the backend is unreachable and with queue.ErrAlreadyProcessing
// when a pass is running.
func (s *Service) SyncNow(ctx context.Context) (queue.Result, error) {
	return s.sync.SyncNow(ctx)
}

// SetAutoSync turns automatic syncing on or off.
func (s *Service) SetAutoSync(enabled bool) {
	s.sync.SetEnabled(enabled)
}

// SetSyncInterval changes the foreground poll period.
func (s *Service) SetSyncInterval(seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("offline: sync interval must be positive, got %d", seconds)
	}
	return s.sync.SetInterval(time.Duration(seconds) * time.Second)
}

// SaveToCache writes data under kind. A disabled cache returns
// cache.ErrDisabled.
func (s *Service) SaveToCache(ctx context.Context, kind cache.Kind, data any) error {
	return s.cache.Set(ctx, kind, data)
}

// GetFromCache reads kind. A missing, expired or disabled entry reports
// ok=false.
func (s *Service) GetFromCache(ctx context.Context, kind cache.Kind) (cache.Entry, bool, error) {
	return s.cache.Get(ctx, kind)
}

// GetCached reads kind and decodes it into T.
func GetCached[T any](ctx context.Context, s *Service, kind cache.Kind) (T, bool, error) {
	return cache.GetAs[T](ctx, s.cache, kind)
}

// RemoveFromCache deletes one cached entry.
func (s *Service) RemoveFromCache(ctx context.Context, kind cache.Kind) error {
	return s.cache.Remove(ctx, kind)
}

// ClearCache deletes every cached entry.
func (s *Service) ClearCache(ctx context.Context) error {
	return s.cache.Clear(ctx)
}

// ToggleCache enables or disables the cache. Stored entries are kept.
func (s *Service) ToggleCache(enabled bool) {
	cfg := s.cache.Config()
	cfg.Enabled = enabled
	s.cache.SetConfig(cfg)
	s.logger.Info("cache toggled", "enabled", enabled)
}

// SaveSecure stores a value in the encrypted store.
func (s *Service) SaveSecure(ctx context.Context, key, value string) error {
	if s.secure == nil {
		return security.ErrUnavailable
	}
	return s.secure.SetItem(ctx, key, value)
}

// GetSecure reads a value from the encrypted store.
func (s *Service) GetSecure(ctx context.Context, key string) (string, bool, error) {
	if s.secure == nil {
		return "", false, security.ErrUnavailable
	}
	return s.secure.GetItem(ctx, key)
}

// RemoveSecure deletes a value from the encrypted store.
func (s *Service) RemoveSecure(ctx context.Context, key string) error {
	if s.secure == nil {
		return security.ErrUnavailable
	}
	return s.secure.RemoveItem(ctx, key)
}

// SecureStatus reports which secrets are stored, never their values.
func (s *Service) SecureStatus(ctx context.Context) (security.DebugInfo, error) {
	if s.secure == nil {
		return security.DebugInfo{}, security.ErrUnavailable
	}
	return s.secure.DebugInfo(ctx), nil
}

// CheckConnection asks the provider for the current status and records
// it. A failed check is recorded as offline.
func (s *Service) CheckConnection(ctx context.Context) (connectivity.Status, error) {
	st, err := s.provider.Status(ctx)
	if err != nil {
		st = connectivity.Offline
	}
	s.onStatus(st)
	return st, err
}

// State snapshots the facade.
func (s *Service) State() State {
	stats := s.queue.GetStats()
	cacheCfg := s.cache.Config()

	s.mu.Lock()
	info := s.syncInfo
	status := s.status
	s.mu.Unlock()

	info.PendingOperations = stats.Pending
	info.FailedOperations = stats.Failed
	return State{
		IsOnline:     status.Online(),
		IsConnected:  status.Connected,
		Queue:        stats,
		SyncInfo:     info,
		CacheEnabled: cacheCfg.Enabled,
		CacheSize:    s.cache.Size(),
		AutoSync:     s.sync.Enabled(),
		SyncInterval: int(s.sync.Interval() / time.Second),
	}
}

// DebugInfo gathers diagnostics from every component.
type DebugInfo struct {
	Queue        queue.DebugInfo     `json:"queue"`
	Sync         syncer.DebugInfo    `json:"sync"`
	Cache        cache.DebugInfo     `json:"cache"`
	Secure       *security.DebugInfo `json:"secure,omitempty"`
	Connectivity connectivity.Status `json:"connectivity"`
	Store        State               `json:"store"`
}

// GetDebugInfo collects component diagnostics concurrently.
func (s *Service) GetDebugInfo(ctx context.Context) (DebugInfo, error) {
	var info DebugInfo
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		info.Queue = s.queue.DebugInfo()
		return nil
	})
	g.Go(func() error {
		info.Sync = s.sync.DebugInfo(gctx)
		return nil
	})
	g.Go(func() error {
		info.Cache = s.cache.DebugInfo()
		return nil
	})
	if s.secure != nil {
		g.Go(func() error {
			d := s.secure.DebugInfo(gctx)
			info.Secure = &d
			return nil
		})
	}
	g.Go(func() error {
		st, err := s.CheckConnection(gctx)
		if err != nil {
			s.logger.Debug("connectivity check failed during debug dump", "error", err)
		}
		info.Connectivity = st
		return nil
	})

	if err := g.Wait(); err != nil {
		return DebugInfo{}, err
	}
	info.Store = s.State()
	return info, nil
}

func (s *Service) onStatus(st connectivity.Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetOnline(st.Online())
	}
	if changed {
		s.logger.Debug("connection state recorded", "connected", st.Connected, "reachable", st.Reachable, "type", st.Type)
	}
}

func (s *Service) onPass(p syncer.Pass) {
	s.mu.Lock()
	if p.Err != nil {
		s.syncInfo.Status = SyncError
		s.syncInfo.Error = p.Error
	} else {
		s.syncInfo.Status = SyncSuccess
		s.syncInfo.Error = ""
		s.syncInfo.LastSyncAt = p.FinishedAt.UnixMilli()
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObservePass(p)
	}
}

// processQueue wraps a queue pass with sync lifecycle events. Only the
// caller that claims inPass publishes events or touches SyncInfo.
func (s *Service) processQueue(ctx context.Context) (queue.Result, error) {
	if !s.inPass.CompareAndSwap(false, true) {
		return queue.Result{}, queue.ErrAlreadyProcessing
	}
	defer s.inPass.Store(false)

	pending := s.queue.GetStats().Pending
	s.passCount.Store(0)
	s.mu.Lock()
	s.syncInfo.Status = SyncSyncing
	s.syncInfo.Error = ""
	s.mu.Unlock()
	s.bus.Publish(events.New(events.SyncStarted, map[string]any{"pending": pending}))

	res, err := s.queue.ProcessQueue(ctx)

	switch {
	case errors.Is(err, queue.ErrAlreadyProcessing):
	case err != nil:
		e := events.New(events.SyncFailed, res)
		e.Error = err.Error()
		s.bus.Publish(e)
	default:
		s.bus.Publish(events.New(events.SyncCompleted, res))
	}
	return res, err
}

func (s *Service) observeQueue(e queue.Event) {
	if s.metrics != nil {
		s.metrics.ObserveQueue(e)
	}

	var ev events.Event
	switch e.Kind {
	case queue.EventQueued:
		s.bus.Publish(events.New(events.OperationQueued, e.Operation))
		return
	case queue.EventSucceeded:
		ev = events.New(events.OperationSynced, e.Operation)
	case queue.EventRetrying, queue.EventFailed:
		ev = events.New(events.OperationFailed, map[string]any{
			"operation": e.Operation,
			"willRetry": e.Kind == queue.EventRetrying,
		})
		if e.Err != nil {
			ev.Error = e.Err.Error()
		}
	default:
		return
	}
	s.bus.Publish(ev)

	if s.inPass.Load() {
		n := s.passCount.Add(1)
		s.bus.Publish(events.New(events.SyncProgress, map[string]any{
			"processed":   n,
			"operationId": e.Operation.ID,
			"status":      e.Operation.Status,
		}))
	}
}

// passQueue routes coordinator passes through the facade so they emit
// lifecycle events.
type passQueue struct {
	s *Service
}

func (p passQueue) ProcessQueue(ctx context.Context) (queue.Result, error) {
	return p.s.processQueue(ctx)
}

func (p passQueue) NextRetryAt() (time.Time, bool) {
	return p.s.queue.NextRetryAt()
}
