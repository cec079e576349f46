package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/connectivity"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
)

// onConnectivity runs one pass on every offline to online transition. A
// transition observed while SyncNow or RunBackground is about to drain the
// queue is left to that call.
func (c *Coordinator) onConnectivity(s connectivity.Status) {
	c.mu.Lock()
	was := c.online
	c.online = s.Online()
	fire := c.initialized && c.opts.AutoSync && !was && c.online && c.direct == 0
	c.mu.Unlock()

	if fire {
		c.logger.Info("connection restored, syncing")
		c.goSync(TriggerConnectivity)
	}
}

func (c *Coordinator) beginDirect() {
	c.mu.Lock()
	c.direct++
	c.mu.Unlock()
}

func (c *Coordinator) endDirect() {
	c.mu.Lock()
	c.direct--
	c.mu.Unlock()
}

// goSync runs a pass in the background under the coordinator's context.
func (c *Coordinator) goSync(t Trigger) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.sync(ctx, t)
	}()
}

func (c *Coordinator) sync(ctx context.Context, t Trigger) Pass {
	p := Pass{Trigger: t, StartedAt: time.Now()}
	p.Result, p.Err = c.queue.ProcessQueue(ctx)
	p.FinishedAt = time.Now()

	if errors.Is(p.Err, queue.ErrAlreadyProcessing) {
		c.logger.Debug("sync skipped, pass already running", "trigger", t)
		return p
	}
	if p.Err != nil {
		p.Error = p.Err.Error()
		c.logger.Warn("sync pass ended with error", "trigger", t, "error", p.Err)
	} else {
		c.logger.Info("sync pass complete",
			"trigger", t,
			"processed", p.Result.Processed,
			"succeeded", p.Result.Succeeded,
			"failed", p.Result.Failed,
		)
	}

	c.mu.Lock()
	c.lastPass = &p
	observers := append([]func(Pass){}, c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(p)
	}
	c.armRetry()
	return p
}

// armRetry wakes the coordinator when the earliest backed-off operation
// becomes due.
func (c *Coordinator) armRetry() {
	at, ok := c.queue.NextRetryAt()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if !ok || !c.initialized || !c.opts.AutoSync {
		return
	}

	wait := time.Until(at)
	if wait < 0 {
		wait = 0
	}
	c.retryTimer = time.AfterFunc(wait, c.onRetryDue)
	c.logger.Debug("retry armed", "in", wait)
}

func (c *Coordinator) onRetryDue() {
	c.mu.Lock()
	ctx, ok := c.ctx, c.initialized
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.checkOnline(ctx) {
		c.goSync(TriggerRetry)
	}
}

func (c *Coordinator) startTickerLocked(d time.Duration) {
	c.ticker = time.NewTicker(d)
	c.tickerDone = make(chan struct{})
	go c.tickLoop(c.ctx, c.ticker, c.tickerDone)
}

func (c *Coordinator) stopTickerLocked() {
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	close(c.tickerDone)
	c.ticker = nil
	c.tickerDone = nil
}

func (c *Coordinator) tickLoop(ctx context.Context, t *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-t.C:
			if !c.Enabled() {
				continue
			}
			if c.checkOnline(ctx) {
				c.goSync(TriggerInterval)
			}
		}
	}
}

func (c *Coordinator) registerLocked() error {
	if err := c.sched.Register(BackgroundTaskName, c.opts.BackgroundInterval, c.RunBackground); err != nil {
		return err
	}
	c.registered = true
	c.logger.Info("background task registered", "task", BackgroundTaskName, "interval", c.opts.BackgroundInterval)
	return nil
}

func (c *Coordinator) unregisterLocked() {
	if !c.registered {
		return
	}
	if err := c.sched.Unregister(BackgroundTaskName); err != nil {
		c.logger.Warn("unregister background task failed", "error", err)
	}
	c.registered = false
}

// checkOnline asks the provider. Transition tracking is left to the
// listener so a poll never swallows a reconnect.
func (c *Coordinator) checkOnline(ctx context.Context) bool {
	s, err := c.provider.Status(ctx)
	if err != nil {
		c.logger.Debug("connectivity check failed", "error", err)
		return false
	}
	return s.Online()
}
