// Package connectivity reports whether the backend is reachable and
// notifies listeners when that changes.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
)

// Status mirrors what mobile network APIs report: a link can be connected
// without the internet being reachable behind it.
type Status struct {
	Connected bool   `json:"isConnected"`
	Reachable bool   `json:"isInternetReachable"`
	Type      string `json:"type"`
}

// Online is true only when the device is connected and the internet is
// reachable.
func (s Status) Online() bool {
	return s.Connected && s.Reachable
}

// Offline is the zero-connectivity status.
var Offline = Status{Type: "none"}

// Listener is called with every status change.
type Listener func(Status)

// Provider is the connectivity signal consumed by the sync coordinator.
type Provider interface {
	Status(ctx context.Context) (Status, error)
	Subscribe(l Listener) (unsubscribe func())
}

// notifier keeps the last status and fans changes out to listeners.
type notifier struct {
	mu        sync.Mutex
	current   Status
	known     bool
	listeners map[int]Listener
	nextID    int
	logger    *slog.Logger
}

func newNotifier(initial Status, logger *slog.Logger) *notifier {
	return &notifier{
		current:   initial,
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

func (n *notifier) get() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *notifier) Subscribe(l Listener) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = l
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// set stores s and notifies listeners if it differs from the previous
// status. The first observation always notifies.
func (n *notifier) set(s Status) bool {
	n.mu.Lock()
	if n.known && n.current == s {
		n.mu.Unlock()
		return false
	}
	prev := n.current
	n.current = s
	n.known = true
	ls := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		ls = append(ls, l)
	}
	n.mu.Unlock()

	n.logger.Info("connectivity changed",
		"online", s.Online(),
		"was_online", prev.Online(),
		"type", s.Type,
	)
	for _, l := range ls {
		n.call(l, s)
	}
	return true
}

func (n *notifier) call(l Listener, s Status) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("connectivity listener panic", "panic", r)
		}
	}()
	l(s)
}
