package connectivity

import (
	"context"
	"log/slog"
)

// Manual is a provider whose state is pushed by the host: the mobile
// bridge forwards OS network callbacks here, the dashboard toggles it.
type Manual struct {
	*notifier
}

// NewManual starts in the given state.
func NewManual(initial Status, logger *slog.Logger) *Manual {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manual{notifier: newNotifier(initial, logger.With("component", "connectivity", "mode", "manual"))}
}

// Status returns the last pushed state.
func (m *Manual) Status(_ context.Context) (Status, error) {
	return m.get(), nil
}

// Set records a new state and reports whether it changed.
func (m *Manual) Set(s Status) bool {
	return m.set(s)
}

// SetOnline is shorthand for a connected, reachable link of the given type.
func (m *Manual) SetOnline(online bool) bool {
	if !online {
		return m.set(Offline)
	}
	return m.set(Status{Connected: true, Reachable: true, Type: "unknown"})
}
