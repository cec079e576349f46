// Package scheduler runs periodic background tasks. Cron is used by hosts
// that keep a process alive; Unavailable stands in where the platform
// offers no background execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrUnavailable is returned by schedulers that cannot run background work.
	ErrUnavailable = errors.New("scheduler: background execution unavailable")
	// ErrNotFound is returned for unknown job names.
	ErrNotFound = errors.New("scheduler: job not found")
)

// Cron schedules tasks with robfig/cron. Overlapping runs of the same job
// are skipped.
type Cron struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCron creates a stopped scheduler.
func NewCron(logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger}))),
		logger:  logger,
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Available always reports true.
func (c *Cron) Available(context.Context) bool { return true }

// Start begins firing registered jobs.
func (c *Cron) Start() {
	c.cron.Start()
	c.logger.Info("scheduler started", "jobs", c.Len())
}

// Stop halts the scheduler, cancels running tasks and waits for them.
func (c *Cron) Stop() {
	c.cancel()
	<-c.cron.Stop().Done()
	c.logger.Info("scheduler stopped")
}

// Register schedules task every interval under name, replacing any job
// already registered with that name.
func (c *Cron) Register(name string, interval time.Duration, task Task) error {
	job := &Job{Name: name, Interval: interval, task: task}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.entries[name]; ok {
		c.cron.Remove(id)
		delete(c.entries, name)
	}

	id, err := c.cron.AddFunc(job.Spec(), func() { c.run(job) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	c.jobs[name] = job
	c.entries[name] = id
	c.logger.Info("task registered", "task", name, "interval", interval)
	return nil
}

// Unregister removes a job. Unknown names are not an error.
func (c *Cron) Unregister(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.entries[name]
	if !ok {
		return nil
	}
	c.cron.Remove(id)
	delete(c.entries, name)
	delete(c.jobs, name)
	c.logger.Info("task unregistered", "task", name)
	return nil
}

// Run executes a registered job now, outside its schedule.
func (c *Cron) Run(ctx context.Context, name string) (TaskResult, error) {
	c.mu.Lock()
	job, ok := c.jobs[name]
	c.mu.Unlock()
	if !ok {
		return Failed, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c.execute(ctx, job), nil
}

func (c *Cron) run(job *Job) {
	c.execute(c.ctx, job)
}

func (c *Cron) execute(ctx context.Context, job *Job) TaskResult {
	start := time.Now()
	res := job.task(ctx)

	c.mu.Lock()
	job.record(start, res)
	if id, ok := c.entries[job.Name]; ok {
		job.State.NextRunAt = c.cron.Entry(id).Next
	}
	c.mu.Unlock()

	c.logger.Debug("task finished", "task", job.Name, "result", res.String(), "duration", time.Since(start))
	return res
}

// Job returns a snapshot of a registered job.
func (c *Cron) Job(name string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	clone := job.Clone()
	if id, ok := c.entries[name]; ok {
		clone.State.NextRunAt = c.cron.Entry(id).Next
	}
	return clone, nil
}

// Jobs returns snapshots of all jobs sorted by name.
func (c *Cron) Jobs() []*Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Job, 0, len(c.jobs))
	for name, j := range c.jobs {
		clone := j.Clone()
		if id, ok := c.entries[name]; ok {
			clone.State.NextRunAt = c.cron.Entry(id).Next
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Len returns the number of registered jobs.
func (c *Cron) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Unavailable reports no background capability. Register always fails so
// callers fall back to foreground polling.
type Unavailable struct{}

func (Unavailable) Available(context.Context) bool { return false }

func (Unavailable) Register(string, time.Duration, Task) error { return ErrUnavailable }

func (Unavailable) Unregister(string) error { return nil }

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
