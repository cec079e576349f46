package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a config file for changes via fsnotify.
// Editors often replace files instead of writing in place, so the parent
// directory is watched and events are filtered by file name. Bursts of
// events are coalesced by a debounce delay.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func()
	fsw      *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewWatcher creates a config file watcher. A zero debounce uses 250ms.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching for file changes in a goroutine.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw

	go w.loop()
	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		if w.fsw != nil {
			<-w.done
		}
		w.logger.Info("config watcher stopped")
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	defer w.fsw.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.logger.Debug("config file event", "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.fire)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) fire() {
	select {
	case <-w.stop:
		return
	default:
	}
	w.logger.Info("config file changed", "path", w.path)
	if w.onChange != nil {
		w.onChange()
	}
}
