// Package syncer decides when the operation queue is drained: when
// connectivity returns, on a periodic timer, when a retry becomes due, and
// on demand.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/connectivity"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/scheduler"
)

// BackgroundTaskName is the task registered with the host scheduler.
const BackgroundTaskName = "BACKGROUND_SYNC_TASK"

// ErrOffline is returned by SyncNow when the backend is unreachable.
var ErrOffline = errors.New("syncer: no connection")

// Mode is how automatic syncs are driven.
type Mode string

const (
	// ModeBackground uses the host's background task scheduler.
	ModeBackground Mode = "background"
	// ModeForeground polls with an in-process ticker while the process lives.
	ModeForeground Mode = "foreground"
)

// Trigger names what started a pass.
type Trigger string

const (
	TriggerStartup      Trigger = "startup"
	TriggerConnectivity Trigger = "connectivity"
	TriggerInterval     Trigger = "interval"
	TriggerRetry        Trigger = "retry"
	TriggerBackground   Trigger = "background"
	TriggerManual       Trigger = "manual"
)

// Queue is the part of the operation queue the coordinator drives.
type Queue interface {
	ProcessQueue(ctx context.Context) (queue.Result, error)
	NextRetryAt() (time.Time, bool)
}

// BackgroundScheduler is a host facility for periodic work that may outlive
// the foreground process.
type BackgroundScheduler interface {
	Available(ctx context.Context) bool
	Register(name string, interval time.Duration, task scheduler.Task) error
	Unregister(name string) error
}

// Pass records the outcome of one ProcessQueue call.
type Pass struct {
	Trigger    Trigger      `json:"trigger"`
	Result     queue.Result `json:"result"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`

	Err error `json:"-"`
}

// Options configures a Coordinator.
type Options struct {
	// Interval is the foreground poll period.
	Interval time.Duration
	// BackgroundInterval is the period requested from the host scheduler.
	BackgroundInterval time.Duration
	// Background enables background mode when the scheduler is available.
	Background bool
	// AutoSync gates every automatic trigger. SyncNow ignores it.
	AutoSync bool
	Logger   *slog.Logger
}

// DefaultOptions polls every 30s in the foreground and asks for 15 minutes
// in the background.
func DefaultOptions() Options {
	return Options{
		Interval:           30 * time.Second,
		BackgroundInterval: 15 * time.Minute,
		Background:         true,
		AutoSync:           true,
	}
}

// Coordinator schedules queue passes. It never runs passes concurrently
// itself; overlapping triggers are resolved by the queue's own guard.
type Coordinator struct {
	queue    Queue
	provider connectivity.Provider
	sched    BackgroundScheduler
	logger   *slog.Logger

	mu          sync.Mutex
	opts        Options
	initialized bool
	mode        Mode
	registered  bool
	online      bool
	unsubscribe func()
	ticker      *time.Ticker
	tickerDone  chan struct{}
	retryTimer  *time.Timer
	ctx         context.Context
	cancel      context.CancelFunc
	direct      int // SyncNow and RunBackground calls in flight
	lastPass    *Pass
	observers   []func(Pass)
	wg          sync.WaitGroup
}

// New creates a coordinator. sched may be nil, which forces foreground mode.
func New(q Queue, provider connectivity.Provider, sched BackgroundScheduler, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.BackgroundInterval <= 0 {
		opts.BackgroundInterval = def.BackgroundInterval
	}
	if sched == nil {
		sched = scheduler.Unavailable{}
	}
	return &Coordinator{
		queue:    q,
		provider: provider,
		sched:    sched,
		logger:   logger.With("component", "syncer"),
		opts:     opts,
	}
}

// OnPass registers fn to receive every pass result. Call before Initialize.
func (c *Coordinator) OnPass(fn func(Pass)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Initialize starts listening for connectivity and picks a mode. A missing
// or failing background scheduler degrades to foreground polling. Calling
// it again returns the current mode.
func (c *Coordinator) Initialize(ctx context.Context) (Mode, error) {
	c.mu.Lock()
	if c.initialized {
		mode := c.mode
		c.mu.Unlock()
		return mode, nil
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.initialized = true

	c.mode = ModeForeground
	if c.opts.Background && c.sched.Available(ctx) {
		if !c.opts.AutoSync {
			// Registered later by SetEnabled(true).
			c.mode = ModeBackground
		} else if err := c.registerLocked(); err != nil {
			c.logger.Warn("background scheduler unavailable, using foreground polling", "error", err)
		} else {
			c.mode = ModeBackground
		}
	} else {
		c.logger.Info("background sync not available, using foreground polling")
	}
	if c.mode == ModeForeground {
		c.startTickerLocked(c.opts.Interval)
	}
	mode := c.mode
	autoSync := c.opts.AutoSync
	c.mu.Unlock()

	status, err := c.provider.Status(ctx)
	if err != nil {
		c.logger.Warn("initial connectivity check failed", "error", err)
	}

	c.mu.Lock()
	c.online = status.Online()
	c.unsubscribe = c.provider.Subscribe(c.onConnectivity)
	c.mu.Unlock()

	c.logger.Info("sync coordinator initialized", "mode", mode, "online", status.Online(), "auto_sync", autoSync)

	if status.Online() && autoSync {
		c.goSync(TriggerStartup)
	} else {
		c.armRetry()
	}
	return mode, nil
}

// Cleanup stops every trigger and waits for in-flight passes. It is safe
// to call more than once, and Initialize may be called again afterwards.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	c.cancel()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.stopTickerLocked()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.unregisterLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("sync coordinator stopped")
}

// SyncNow runs a pass immediately. It fails with ErrOffline without
// touching the queue when the backend is unreachable.
func (c *Coordinator) SyncNow(ctx context.Context) (queue.Result, error) {
	c.beginDirect()
	defer c.endDirect()
	if !c.checkOnline(ctx) {
		c.logger.Info("sync requested while offline")
		return queue.Result{}, ErrOffline
	}
	p := c.sync(ctx, TriggerManual)
	return p.Result, p.Err
}

// RunBackground is the body of the background task. Hosts that drive
// their own scheduler call it directly.
func (c *Coordinator) RunBackground(ctx context.Context) scheduler.TaskResult {
	if !c.Enabled() {
		c.logger.Info("background sync skipped, auto sync disabled")
		return scheduler.NoData
	}
	c.beginDirect()
	defer c.endDirect()
	if !c.checkOnline(ctx) {
		c.logger.Info("background sync skipped, offline")
		return scheduler.NoData
	}
	p := c.sync(ctx, TriggerBackground)
	switch {
	case p.Err != nil:
		return scheduler.Failed
	case p.Result.Succeeded > 0:
		return scheduler.NewData
	default:
		return scheduler.NoData
	}
}

// SetEnabled turns automatic syncing on or off. In background mode the
// task is unregistered while disabled.
func (c *Coordinator) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.AutoSync == enabled {
		return
	}
	c.opts.AutoSync = enabled
	c.logger.Info("auto sync changed", "enabled", enabled)

	if !c.initialized || c.mode != ModeBackground {
		return
	}
	if enabled {
		if err := c.registerLocked(); err != nil {
			c.logger.Error("re-register background task failed", "error", err)
		}
	} else {
		c.unregisterLocked()
	}
}

// Enabled reports whether automatic syncing is on.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.AutoSync
}

// SetInterval changes the period of the active mode: the ticker is reset
// in foreground mode, the task is re-registered in background mode.
func (c *Coordinator) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("syncer: interval must be positive, got %v", d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeBackground && c.initialized {
		c.opts.BackgroundInterval = d
		if c.registered {
			c.unregisterLocked()
			if err := c.registerLocked(); err != nil {
				return err
			}
		}
	} else {
		c.opts.Interval = d
		if c.ticker != nil {
			c.ticker.Reset(d)
		}
	}
	c.logger.Info("sync interval changed", "interval", d, "mode", c.mode)
	return nil
}

// Interval returns the period of the active mode.
func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeBackground {
		return c.opts.BackgroundInterval
	}
	return c.opts.Interval
}

// Mode returns the active mode, empty before Initialize.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// LastPass returns the most recent pass, if any.
func (c *Coordinator) LastPass() (Pass, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPass == nil {
		return Pass{}, false
	}
	return *c.lastPass, true
}

// DebugInfo describes the coordinator's triggers.
type DebugInfo struct {
	Mode               Mode          `json:"mode"`
	Initialized        bool          `json:"initialized"`
	IsRegistered       bool          `json:"isRegistered"`
	IsAvailable        bool          `json:"isAvailable"`
	HasNetworkListener bool          `json:"hasNetworkListener"`
	HasManualSync      bool          `json:"hasManualSync"`
	HasRetryTimer      bool          `json:"hasRetryTimer"`
	AutoSync           bool          `json:"autoSync"`
	Online             bool          `json:"online"`
	Interval           time.Duration `json:"interval"`
	BackgroundInterval time.Duration `json:"backgroundInterval"`
	LastPass           *Pass         `json:"lastPass,omitempty"`
}

// DebugInfo snapshots the coordinator state.
func (c *Coordinator) DebugInfo(ctx context.Context) DebugInfo {
	available := c.sched.Available(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	info := DebugInfo{
		Mode:               c.mode,
		Initialized:        c.initialized,
		IsRegistered:       c.registered,
		IsAvailable:        available,
		HasNetworkListener: c.unsubscribe != nil,
		HasManualSync:      c.ticker != nil,
		HasRetryTimer:      c.retryTimer != nil,
		AutoSync:           c.opts.AutoSync,
		Online:             c.online,
		Interval:           c.opts.Interval,
		BackgroundInterval: c.opts.BackgroundInterval,
	}
	if c.lastPass != nil {
		p := *c.lastPass
		info.LastPass = &p
	}
	return info
}
