package scheduler

import (
	"context"
	"fmt"
	"time"
)

// TaskResult tells the host whether a background run fetched anything.
type TaskResult int

const (
	NoData TaskResult = iota
	NewData
	Failed
)

func (r TaskResult) String() string {
	switch r {
	case NewData:
		return "new_data"
	case NoData:
		return "no_data"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("TaskResult(%d)", int(r))
	}
}

// Task is a unit of background work.
type Task func(ctx context.Context) TaskResult

// Job is a registered task and its run history.
type Job struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	State    JobState      `json:"state"`

	task Task
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastResult   string        `json:"lastResult,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks the job can be scheduled.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if j.task == nil {
		return fmt.Errorf("task required")
	}
	return nil
}

// Spec is the cron schedule for the job's interval.
func (j *Job) Spec() string {
	return "@every " + j.Interval.String()
}

func (j *Job) record(start time.Time, res TaskResult) {
	j.State.LastRunAt = start
	j.State.LastDuration = time.Since(start)
	j.State.LastResult = res.String()
	j.State.RunCount++
	if res == Failed {
		j.State.ErrorCount++
	}
}

// Clone copies the job without its task.
func (j *Job) Clone() *Job {
	return &Job{Name: j.Name, Interval: j.Interval, State: j.State}
}
