package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Probe checks reachability by requesting a URL. Any HTTP response, even
// an error status, means the server is reachable.
type Probe struct {
	*notifier

	url      string
	interval time.Duration
	client   *http.Client
	group    singleflight.Group
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ProbeOptions configures a Probe.
type ProbeOptions struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// NewProbe creates a probe. It starts offline until the first check.
func NewProbe(opts ProbeOptions) *Probe {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connectivity", "mode", "probe")
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Probe{
		notifier: newNotifier(Offline, logger),
		url:      opts.URL,
		interval: opts.Interval,
		client:   client,
		logger:   logger,
	}
}

// Status runs a check. Concurrent callers share one request.
func (p *Probe) Status(ctx context.Context) (Status, error) {
	v, err, _ := p.group.Do("check", func() (interface{}, error) {
		s := p.check(ctx)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.set(s)
		return s, nil
	})
	if err != nil {
		return p.get(), err
	}
	return v.(Status), nil
}

func (p *Probe) check(ctx context.Context) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Error("bad probe url", "url", p.url, "error", err)
		return Offline
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "error", err)
		return Status{Connected: true, Reachable: false, Type: "unknown"}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return Status{Connected: true, Reachable: true, Type: "unknown"}
}

// Start runs an immediate check and then one every interval until Stop.
func (p *Probe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("connectivity: probe already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)
	p.logger.Info("probe started", "url", p.url, "interval", p.interval)
	return nil
}

func (p *Probe) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	p.Status(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Status(ctx)
		}
	}
}

// Stop ends the probe loop and waits for it.
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("probe stopped")
}
