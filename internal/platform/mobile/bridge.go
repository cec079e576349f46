// Package mobile exposes the offline engine to Android and iOS hosts.
//
// # Building
//
//	go install golang.org/x/mobile/cmd/gomobile@latest
//	gomobile init
//	gomobile bind -target android -o nosara.aar github.com/AxelCastilloZ/mobile-app-bomberos/internal/platform/mobile
//	gomobile bind -target ios -o Nosara.xcframework github.com/AxelCastilloZ/mobile-app-bomberos/internal/platform/mobile
//
// Only primitive types and interfaces cross the binding. Every call that
// returns data answers with a JSON envelope:
//
//	{"success": true, "data": ...}
//	{"success": false, "error": "..."}
package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/cache"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/config"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/connectivity"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/events"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/offline"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/scheduler"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/security"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/storage"
)

// callTimeout bounds every host call that touches storage or the network.
const callTimeout = 30 * time.Second

var (
	ErrNotStarted  = errors.New("mobile: bridge is not started")
	ErrStopped     = errors.New("mobile: bridge is stopped")
	ErrNoDataDir   = errors.New("mobile: data dir is required")
	ErrUnknownTask = errors.New("mobile: unknown background task")
)

// OperationHandler performs one queued operation on the host. payloadJSON
// is the operation payload. Returning an error fails the attempt and lets
// the queue retry it.
type OperationHandler interface {
	Handle(payloadJSON string) error
}

// BackgroundHost is the OS background task facility (WorkManager,
// BGTaskScheduler). When a registered task fires the host calls
// Bridge.RunBackgroundTask with its name.
type BackgroundHost interface {
	Available() bool
	Register(name string, intervalSeconds int64) error
	Unregister(name string) error
}

// EventListener receives every sync event as JSON.
type EventListener interface {
	OnEvent(eventJSON string)
}

// Bridge owns one offline service for the lifetime of the app process.
type Bridge struct {
	cfg       *config.Config
	logger    *slog.Logger
	manual    *connectivity.Manual
	kv        storage.KV
	secure    *security.Store
	secureKV  storage.KV
	svc       *offline.Service
	scheduler *hostScheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	started     bool
	stopped     bool
	unsubscribe func()
}

// NewBridge opens storage under dataDir. configJSON overrides the default
// configuration and may be empty. Connectivity always comes from the host
// through SetNetworkState.
func NewBridge(dataDir, configJSON string) (*Bridge, error) {
	if dataDir == "" {
		return nil, ErrNoDataDir
	}
	cfg := config.DefaultConfig()
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
			return nil, fmt.Errorf("mobile: parse config: %w", err)
		}
	}
	cfg.Server.DataDir = dataDir
	cfg.Connectivity.Mode = "manual"
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mobile: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	})).With("platform", "mobile")

	kv, err := offline.OpenStorage(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       cfg,
		logger:    logger,
		manual:    connectivity.NewManual(connectivity.Offline, logger),
		kv:        kv,
		scheduler: &hostScheduler{tasks: make(map[string]scheduler.Task)},
		ctx:       ctx,
		cancel:    cancel,
	}

	opts := offline.Options{
		KV:        kv,
		Provider:  b.manual,
		Scheduler: b.scheduler,
		Logger:    logger,
	}
	secure, secureKV, err := offline.OpenSecure(ctx, cfg, logger)
	if err != nil {
		logger.Warn("secure store unavailable", "error", err)
	} else {
		opts.Secure = secure
		b.secure = secure
		b.secureKV = secureKV
	}

	svc, err := offline.New(cfg, opts)
	if err != nil {
		cancel()
		kv.Close() //nolint:errcheck
		if secureKV != nil {
			secureKV.Close() //nolint:errcheck
		}
		return nil, err
	}
	b.svc = svc
	return b, nil
}

// SetBackgroundHost installs the host scheduler. Call it before Start.
func (b *Bridge) SetBackgroundHost(h BackgroundHost) {
	b.scheduler.setHost(h)
}

// SetEventListener forwards sync events to l. A nil listener stops
// forwarding.
func (b *Bridge) SetEventListener(l EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	if l == nil {
		return
	}
	b.unsubscribe = b.svc.Events().Subscribe(func(e events.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			b.logger.Warn("event not encodable", "event", e.Type, "error", err)
			return
		}
		l.OnEvent(string(data))
	})
}

// RegisterHandler routes operations of opType to h.
func (b *Bridge) RegisterHandler(opType string, h OperationHandler) error {
	typ := queue.OperationType(opType)
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", queue.ErrInvalidType, opType)
	}
	b.svc.RegisterHandler(typ, func(_ context.Context, payload map[string]any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return h.Handle(string(data))
	})
	return nil
}

// Start restores persisted state and begins syncing.
func (b *Bridge) Start() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return encode(offline.Fail(ErrStopped))
	}
	if b.started {
		return encode(offline.Ok(b.svc.State()))
	}
	ctx, cancel := b.callContext()
	defer cancel()
	if err := b.svc.Initialize(ctx); err != nil {
		return encode(offline.Fail(err))
	}
	b.started = true
	b.logger.Info("bridge started", "dataDir", b.cfg.Server.DataDir)
	return encode(offline.Ok(b.svc.State()))
}

// Stop halts syncing and closes storage. The bridge cannot be restarted.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	b.svc.Close()
	b.cancel()
	if err := b.kv.Close(); err != nil {
		b.logger.Warn("close storage", "error", err)
	}
	if b.secureKV != nil {
		b.secureKV.Close() //nolint:errcheck
	}
	b.started = false
	b.logger.Info("bridge stopped")
}

// SetNetworkState reports the platform's network state.
func (b *Bridge) SetNetworkState(connected, reachable bool, networkType string) {
	b.manual.Set(connectivity.Status{Connected: connected, Reachable: reachable, Type: networkType})
}

// Enqueue adds an operation. priority may be empty for medium.
func (b *Bridge) Enqueue(opType, payloadJSON, priority string) string {
	var payload map[string]any
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return encode(offline.Fail(fmt.Errorf("mobile: parse payload: %w", err)))
		}
	}
	ctx, cancel := b.callContext()
	defer cancel()
	id, err := b.svc.EnqueueOperation(ctx, queue.OperationType(opType), payload, queue.Priority(priority))
	if err != nil && id == "" {
		return encode(offline.Fail(err))
	}
	if err != nil {
		b.logger.Warn("operation kept in memory only", "id", id, "error", err)
	}
	return encode(offline.Ok(map[string]string{"id": id}))
}

// SyncNow runs a pass immediately.
func (b *Bridge) SyncNow() string {
	if !b.isStarted() {
		return encode(offline.Fail(ErrNotStarted))
	}
	ctx, cancel := b.callContext()
	defer cancel()
	res, err := b.svc.SyncNow(ctx)
	return encode(offline.NewResult(res, err))
}

// RunBackgroundTask runs the task the host registered under name and
// reports "new_data", "no_data" or "failed".
func (b *Bridge) RunBackgroundTask(name string) string {
	ctx, cancel := b.callContext()
	defer cancel()
	res, err := b.scheduler.run(ctx, name)
	if err != nil {
		return encode(offline.Fail(err))
	}
	return encode(offline.Ok(map[string]string{"result": res.String()}))
}

// Stats returns the queue statistics.
func (b *Bridge) Stats() string {
	return encode(offline.Ok(b.svc.GetQueueStats()))
}

// Operations lists the queue in processing order.
func (b *Bridge) Operations() string {
	return encode(offline.Ok(b.svc.Operations()))
}

// State returns the facade state.
func (b *Bridge) State() string {
	return encode(offline.Ok(b.svc.State()))
}

// DebugInfo collects diagnostics from every component.
func (b *Bridge) DebugInfo() string {
	ctx, cancel := b.callContext()
	defer cancel()
	info, err := b.svc.GetDebugInfo(ctx)
	return encode(offline.NewResult(info, err))
}

// RemoveOperation deletes one operation.
func (b *Bridge) RemoveOperation(id string) string {
	ctx, cancel := b.callContext()
	defer cancel()
	return encode(offline.NewResult(id, b.svc.RemoveOperation(ctx, id)))
}

// PruneQueue removes succeeded operations.
func (b *Bridge) PruneQueue() string {
	ctx, cancel := b.callContext()
	defer cancel()
	return encode(offline.Ok(map[string]int{"removed": b.svc.PruneQueue(ctx)}))
}

// ClearQueue removes every operation.
func (b *Bridge) ClearQueue() string {
	ctx, cancel := b.callContext()
	defer cancel()
	b.svc.ClearQueue(ctx)
	return encode(offline.Ok(b.svc.GetQueueStats()))
}

// SaveToCache stores dataJSON under kind.
func (b *Bridge) SaveToCache(kind, dataJSON string) string {
	if !json.Valid([]byte(dataJSON)) {
		return encode(offline.Fail(errors.New("mobile: cache data is not valid JSON")))
	}
	ctx, cancel := b.callContext()
	defer cancel()
	err := b.svc.SaveToCache(ctx, cache.Kind(kind), json.RawMessage(dataJSON))
	return encode(offline.NewResult(kind, err))
}

// GetFromCache returns the cached JSON for kind. A miss succeeds with no
// data.
func (b *Bridge) GetFromCache(kind string) string {
	ctx, cancel := b.callContext()
	defer cancel()
	entry, ok, err := b.svc.GetFromCache(ctx, cache.Kind(kind))
	if err != nil {
		return encode(offline.Fail(err))
	}
	if !ok {
		return encode(offline.Ok[json.RawMessage](nil))
	}
	return encode(offline.Ok(entry.Data))
}

// RemoveFromCache deletes kind from the cache.
func (b *Bridge) RemoveFromCache(kind string) string {
	ctx, cancel := b.callContext()
	defer cancel()
	return encode(offline.NewResult(kind, b.svc.RemoveFromCache(ctx, cache.Kind(kind))))
}

// ToggleCache enables or disables caching.
func (b *Bridge) ToggleCache(enabled bool) {
	b.svc.ToggleCache(enabled)
}

// SetAutoSync turns automatic syncing on or off.
func (b *Bridge) SetAutoSync(enabled bool) {
	b.svc.SetAutoSync(enabled)
}

// SetSyncInterval changes the foreground poll period in seconds.
func (b *Bridge) SetSyncInterval(seconds int) string {
	if err := b.svc.SetSyncInterval(seconds); err != nil {
		return encode(offline.Fail(err))
	}
	return encode(offline.Ok(b.svc.State()))
}

// SaveAuthTokens stores the session tokens. expiresAt is epoch
// milliseconds and may be zero.
func (b *Bridge) SaveAuthTokens(accessToken, refreshToken string, expiresAt int64) string {
	ctx, cancel := b.callContext()
	defer cancel()
	if b.secure == nil {
		return encode(offline.Fail(security.ErrUnavailable))
	}
	err := b.secure.SaveAuthTokens(ctx, security.AuthTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	})
	return encode(offline.NewResult(true, err))
}

// SaveSecure stores an encrypted value.
func (b *Bridge) SaveSecure(key, value string) string {
	ctx, cancel := b.callContext()
	defer cancel()
	return encode(offline.NewResult(key, b.svc.SaveSecure(ctx, key, value)))
}

// GetSecure reads an encrypted value. A missing key succeeds with no data.
func (b *Bridge) GetSecure(key string) string {
	ctx, cancel := b.callContext()
	defer cancel()
	v, ok, err := b.svc.GetSecure(ctx, key)
	if err != nil {
		return encode(offline.Fail(err))
	}
	if !ok {
		return encode(offline.Ok(""))
	}
	return encode(offline.Ok(v))
}

// RemoveSecure deletes an encrypted value.
func (b *Bridge) RemoveSecure(key string) string {
	ctx, cancel := b.callContext()
	defer cancel()
	return encode(offline.NewResult(key, b.svc.RemoveSecure(ctx, key)))
}

func (b *Bridge) isStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Bridge) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.ctx, callTimeout)
}

func encode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(offline.Fail(err))
	}
	return string(data)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
