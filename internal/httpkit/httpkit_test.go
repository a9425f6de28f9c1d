package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantClient time.Duration
		wantHeader time.Duration
	}{
		{"defaults", nil, DefaultTimeout, DefaultHeaderTimeout},
		{"custom timeout", []Option{WithTimeout(5 * time.Second)}, 5 * time.Second, DefaultHeaderTimeout},
		{"chat client", []Option{WithTimeout(0), WithResponseHeaderTimeout(0)}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.opts...)
			if c.Timeout != tt.wantClient {
				t.Errorf("Timeout = %v, want %v", c.Timeout, tt.wantClient)
			}
			rt, ok := c.Transport.(*roundTripper)
			if !ok {
				t.Fatalf("Transport is %T", c.Transport)
			}
			base := rt.base.(*http.Transport)
			if base.ResponseHeaderTimeout != tt.wantHeader {
				t.Errorf("ResponseHeaderTimeout = %v, want %v", base.ResponseHeaderTimeout, tt.wantHeader)
			}
			if base.MaxIdleConnsPerHost != maxIdleConnsPerHost || base.Proxy == nil {
				t.Errorf("transport defaults not applied: %+v", base)
			}
		})
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	defer ts.Close()

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"default", "", "nexus-agent/"},
		{"caller wins", "custom/2.0", "custom/2.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := NewClient().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.want) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.want)
			}
			if tt.header == "" && req.Header.Get("User-Agent") != "" {
				t.Error("caller's request was modified")
			}
		})
	}
}

// flakyTransport fails the first n calls with err, then answers 200.
type flakyTransport struct {
	n      int
	err    error
	calls  int
	bodies []string
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if f.calls <= f.n {
		return nil, f.err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: &net.OpError{Op: "connect", Err: errno}}
}

func TestRoundTripper_Retry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		retries   int
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 0, nil, 2, 1, false},
		{"refused then ok", 1, dialErr(syscall.ECONNREFUSED), 2, 2, false},
		{"unreachable then ok", 2, dialErr(syscall.EHOSTUNREACH), 2, 3, false},
		{"retries exhausted", 5, dialErr(syscall.ENETUNREACH), 2, 3, true},
		{"reset not retried", 1, dialErr(syscall.ECONNRESET), 2, 1, true},
		{"retry disabled", 1, dialErr(syscall.ECONNREFUSED), 0, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &flakyTransport{n: tt.failures, err: tt.err}
			rt := &roundTripper{base: ft, userAgent: "test", retries: tt.retries, retryDelay: time.Millisecond}

			req, _ := http.NewRequest(http.MethodGet, "http://ollama.invalid/api/tags", nil)
			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				resp.Body.Close()
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRoundTripper_RetryRewindsBody(t *testing.T) {
	ft := &flakyTransport{n: 1, err: dialErr(syscall.ECONNREFUSED)}
	rt := &roundTripper{base: ft, userAgent: "test", retries: 1, retryDelay: time.Millisecond}

	// NewRequest sets GetBody for strings.Reader bodies.
	req, _ := http.NewRequest(http.MethodPost, "http://ollama.invalid/api/chat", strings.NewReader(`{"model":"m"}`))
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if len(ft.bodies) != 2 || ft.bodies[0] != ft.bodies[1] || ft.bodies[1] != `{"model":"m"}` {
		t.Errorf("bodies = %q, want the same body twice", ft.bodies)
	}
}

func TestRoundTripper_NoRetryWithoutGetBody(t *testing.T) {
	ft := &flakyTransport{n: 1, err: dialErr(syscall.ECONNREFUSED)}
	rt := &roundTripper{base: ft, userAgent: "test", retries: 3, retryDelay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://ollama.invalid/api/chat", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected the original error")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestRoundTripper_RetryHonoursContext(t *testing.T) {
	ft := &flakyTransport{n: 10, err: dialErr(syscall.ECONNREFUSED)}
	rt := &roundTripper{base: ft, userAgent: "test", retries: 5, retryDelay: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://ollama.invalid/", nil)

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		rc    io.ReadCloser
		limit int64
		want  string
	}{
		{"nil", nil, 10, ""},
		{"short", io.NopCloser(strings.NewReader("model not found")), 512, "model not found"},
		{"truncated", io.NopCloser(strings.NewReader(strings.Repeat("x", 100))), 10, strings.Repeat("x", 10)},
		{"read error", io.NopCloser(failReader{}), 10, "(failed to read error body: boom)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.rc, tt.limit); got != tt.want {
				t.Errorf("ReadErrorBody = %q, want %q", got, tt.want)
			}
		})
	}

	ct := &closeTracker{Reader: strings.NewReader("body")}
	ReadErrorBody(ct, 2)
	if !ct.closed {
		t.Error("body not closed")
	}
}
