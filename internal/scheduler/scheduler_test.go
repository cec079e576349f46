package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterValidation(t *testing.T) {
	c := NewCron(nil)
	defer c.Stop()

	task := func(context.Context) TaskResult { return NoData }
	tests := []struct {
		name     string
		interval time.Duration
		task     Task
	}{
		{"", time.Minute, task},
		{"sync", 0, task},
		{"sync", time.Minute, nil},
	}
	for _, tt := range tests {
		if err := c.Register(tt.name, tt.interval, tt.task); err == nil {
			t.Errorf("Register(%q, %v) should fail", tt.name, tt.interval)
		}
	}
	if c.Len() != 0 {
		t.Errorf("expected no jobs, got %d", c.Len())
	}
}

func TestRegisterReplacesAndUnregister(t *testing.T) {
	c := NewCron(nil)
	defer c.Stop()

	task := func(context.Context) TaskResult { return NoData }
	if err := c.Register("sync", 15*time.Minute, task); err != nil {
		t.Fatal(err)
	}
	if err := c.Register("sync", 30*time.Minute, task); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 job, got %d", c.Len())
	}
	job, err := c.Job("sync")
	if err != nil {
		t.Fatal(err)
	}
	if job.Interval != 30*time.Minute {
		t.Errorf("interval = %v, want 30m", job.Interval)
	}
	if job.Spec() != "@every 30m0s" {
		t.Errorf("spec = %q", job.Spec())
	}

	if err := c.Unregister("sync"); err != nil {
		t.Fatal(err)
	}
	if err := c.Unregister("sync"); err != nil {
		t.Errorf("unregistering twice should be fine: %v", err)
	}
	if _, err := c.Job("sync"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunRecordsState(t *testing.T) {
	c := NewCron(nil)
	defer c.Stop()

	results := []TaskResult{NewData, Failed}
	var n atomic.Int32
	c.Register("sync", time.Hour, func(context.Context) TaskResult {
		return results[n.Add(1)-1]
	})

	for _, want := range results {
		got, err := c.Run(context.Background(), "sync")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Run = %v, want %v", got, want)
		}
	}

	job, _ := c.Job("sync")
	if job.State.RunCount != 2 || job.State.ErrorCount != 1 {
		t.Errorf("state = %+v", job.State)
	}
	if job.State.LastResult != "failed" {
		t.Errorf("last result = %q", job.State.LastResult)
	}

	if _, err := c.Run(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCronFiresTask(t *testing.T) {
	c := NewCron(nil)
	fired := make(chan struct{}, 1)
	c.Register("sync", time.Second, func(context.Context) TaskResult {
		select {
		case fired <- struct{}{}:
		default:
		}
		return NoData
	})
	c.Start()
	defer c.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not fire")
	}

	jobs := c.Jobs()
	if len(jobs) != 1 || jobs[0].State.NextRunAt.IsZero() {
		t.Errorf("expected next run to be set, got %+v", jobs)
	}
}

func TestStopCancelsRunningTask(t *testing.T) {
	c := NewCron(nil)
	started := make(chan struct{})
	c.Register("slow", time.Second, func(ctx context.Context) TaskResult {
		close(started)
		<-ctx.Done()
		return Failed
	})
	c.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not start")
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the running task")
	}
}

func TestUnavailable(t *testing.T) {
	var u Unavailable
	if u.Available(context.Background()) {
		t.Error("Unavailable should not be available")
	}
	if err := u.Register("sync", time.Minute, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := u.Unregister("sync"); err != nil {
		t.Error(err)
	}
}

func TestTaskResultString(t *testing.T) {
	for r, want := range map[TaskResult]string{NewData: "new_data", NoData: "no_data", Failed: "failed", 7: "TaskResult(7)"} {
		if got := r.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(r), got, want)
		}
	}
}
