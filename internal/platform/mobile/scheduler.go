package mobile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/scheduler"
)

// hostScheduler adapts a BackgroundHost to the coordinator's scheduler
// contract. Tasks stay in Go; the host only holds their names and fires
// them through RunBackgroundTask.
type hostScheduler struct {
	mu    sync.Mutex
	host  BackgroundHost
	tasks map[string]scheduler.Task
}

func (s *hostScheduler) setHost(h BackgroundHost) {
	s.mu.Lock()
	s.host = h
	s.mu.Unlock()
}

func (s *hostScheduler) Available(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host != nil && s.host.Available()
}

func (s *hostScheduler) Register(name string, interval time.Duration, task scheduler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host == nil {
		return scheduler.ErrUnavailable
	}
	if err := s.host.Register(name, int64(interval/time.Second)); err != nil {
		return fmt.Errorf("mobile: host register %s: %w", name, err)
	}
	s.tasks[name] = task
	return nil
}

func (s *hostScheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
	if s.host == nil {
		return nil
	}
	return s.host.Unregister(name)
}

func (s *hostScheduler) run(ctx context.Context, name string) (scheduler.TaskResult, error) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return scheduler.Failed, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return task(ctx), nil
}
