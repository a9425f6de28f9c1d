package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastConfig(probe Probe) Config {
	return Config{
		Name:          "ollama",
		Probe:         probe,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 4 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		ProbeTimeout:  100 * time.Millisecond,
		Logger:        quietLogger(),
	}
}

func TestApplyDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()

	if c.RetryDelay != 2*time.Second {
		t.Errorf("RetryDelay = %v, want 2s", c.RetryDelay)
	}
	if c.MaxRetryDelay != 60*time.Second {
		t.Errorf("MaxRetryDelay = %v, want 60s", c.MaxRetryDelay)
	}
	if c.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", c.PollInterval)
	}
	if c.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", c.ProbeTimeout)
	}
	if c.Logger == nil {
		t.Error("Logger not defaulted")
	}

	c = Config{RetryDelay: time.Minute, MaxRetryDelay: time.Second}
	c.applyDefaults()
	if c.MaxRetryDelay != time.Minute {
		t.Errorf("MaxRetryDelay = %v, want raised to RetryDelay", c.MaxRetryDelay)
	}
}

func TestWatcher_ReadyImmediately(t *testing.T) {
	t.Parallel()

	var changes []Status
	var mu sync.Mutex
	cfg := fastConfig(func(ctx context.Context) error { return nil })
	cfg.OnChange = func(s Status) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	}

	w := Start(context.Background(), cfg)
	defer w.Stop()

	waitFor(t, "ready", w.Ready)

	st := w.Status()
	if st.Name != "ollama" || !st.Checked || st.LastError != "" || st.Failures != 0 {
		t.Errorf("status = %+v", st)
	}

	// Let a few polls run; none should count as a change.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || !changes[0].Ready {
		t.Errorf("changes = %+v, want one ready transition", changes)
	}
}

func TestWatcher_DownThenRecovers(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	var downSeen atomic.Bool
	errDown := errors.New("connection refused")

	cfg := fastConfig(func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errDown
		}
		return nil
	})
	var transitions []bool
	var mu sync.Mutex
	cfg.OnChange = func(s Status) {
		mu.Lock()
		transitions = append(transitions, s.Ready)
		mu.Unlock()
		if !s.Ready {
			downSeen.Store(true)
			if s.LastError != errDown.Error() {
				t.Errorf("LastError = %q", s.LastError)
			}
		}
	}

	w := Start(context.Background(), cfg)
	defer w.Stop()

	waitFor(t, "recovery", w.Ready)
	if !downSeen.Load() {
		t.Error("down state never reported")
	}
	if n := attempts.Load(); n < 4 {
		t.Errorf("attempts = %d, want at least 4", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] || !transitions[1] {
		t.Errorf("transitions = %v, want [false true]", transitions)
	}
}

func TestWatcher_GoesDown(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	cfg := fastConfig(func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("timeout")
	})

	w := Start(context.Background(), cfg)
	defer w.Stop()

	waitFor(t, "ready", w.Ready)
	healthy.Store(false)
	waitFor(t, "down", func() bool { return !w.Ready() })

	st := w.Status()
	if st.Failures < 1 || st.LastError != "timeout" {
		t.Errorf("status = %+v", st)
	}
	if st.Since.IsZero() || st.LastCheck.Before(st.Since) {
		t.Errorf("Since = %v, LastCheck = %v", st.Since, st.LastCheck)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()

	cfg := fastConfig(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg.ProbeTimeout = 5 * time.Millisecond

	w := Start(context.Background(), cfg)
	defer w.Stop()

	waitFor(t, "a failed probe", func() bool { return w.Status().Failures > 0 })
	if w.Ready() {
		t.Error("Ready() = true for a hanging probe")
	}
}

func TestWatcher_StopEndsProbing(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	w := Start(context.Background(), fastConfig(func(ctx context.Context) error {
		attempts.Add(1)
		return nil
	}))
	waitFor(t, "first probe", func() bool { return attempts.Load() > 0 })

	w.Stop()
	n := attempts.Load()
	time.Sleep(20 * time.Millisecond)
	if got := attempts.Load(); got != n {
		t.Errorf("probes after Stop: %d -> %d", n, got)
	}
}

func TestWatcher_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := Start(ctx, fastConfig(func(ctx context.Context) error { return errors.New("down") }))
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
}

func TestStart_NilProbePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Start(context.Background(), Config{Name: "x"})
}
