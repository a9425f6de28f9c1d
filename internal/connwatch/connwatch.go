// Package connwatch tracks whether an external service, in practice the
// Ollama server, is reachable. A Watcher probes in a single loop: while
// the service is down the delay between probes doubles up to a ceiling,
// and once it is up the watcher settles into a fixed poll interval.
// Transitions between up and down are logged and reported through an
// optional callback.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks whether the service is reachable. It returns nil when
// healthy.
type Probe func(ctx context.Context) error

// Config configures a Watcher. Zero durations take the defaults below.
type Config struct {
	Name  string
	Probe Probe

	// RetryDelay is the first delay after a failed probe (default 2s).
	// It doubles on each consecutive failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration // default 60s

	// PollInterval is the delay between probes while healthy (default 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe (default 10s).
	ProbeTimeout time.Duration

	// OnChange is called on the watcher goroutine after the first probe
	// and whenever readiness flips. It must not block.
	OnChange func(Status)

	Logger *slog.Logger
}

const (
	defaultRetryDelay    = 2 * time.Second
	defaultMaxRetryDelay = 60 * time.Second
	defaultPollInterval  = 60 * time.Second
	defaultProbeTimeout  = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = defaultMaxRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Status is a snapshot of a watched service, shaped for health
// endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"`
	LastCheck time.Time `json:"last_check,omitzero"`
	Since     time.Time `json:"since,omitzero"` // when Ready last changed
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service in the background.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Start launches a watcher that runs until ctx is cancelled or Stop is
// called. The first probe runs immediately.
func Start(ctx context.Context, cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: cfg.Name},
	}
	go w.run(ctx)
	return w
}

// Status returns the latest snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	log := w.cfg.Logger.With("service", w.cfg.Name)
	retry := w.cfg.RetryDelay

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		st, changed, prevFailures := w.record(err)

		var next time.Duration
		switch {
		case err == nil:
			if changed {
				log.Info("service reachable", "after_failures", prevFailures)
			}
			retry = w.cfg.RetryDelay
			next = w.cfg.PollInterval
		default:
			if changed {
				log.Warn("service unreachable", "error", err)
			} else {
				log.Debug("service still unreachable", "failures", st.Failures, "retry_in", retry, "error", err)
			}
			next = retry
			retry = min(retry*2, w.cfg.MaxRetryDelay)
		}

		if changed && w.cfg.OnChange != nil {
			w.cfg.OnChange(st)
		}

		if !sleep(ctx, next) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// record stores a probe result and reports whether it changed the
// service's readiness. The first probe always counts as a change.
func (w *Watcher) record(err error) (st Status, changed bool, prevFailures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	ready := err == nil
	changed = !w.status.Checked || ready != w.status.Ready
	prevFailures = w.status.Failures

	if changed {
		w.status.Since = now
	}
	w.status.Ready = ready
	w.status.Checked = true
	w.status.LastCheck = now
	if ready {
		w.status.Failures = 0
		w.status.LastError = ""
	} else {
		w.status.Failures++
		w.status.LastError = err.Error()
	}
	return w.status, changed, prevFailures
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
