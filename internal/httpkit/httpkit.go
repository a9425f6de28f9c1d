// Package httpkit builds the HTTP clients Nexus uses for every outbound
// call: Ollama chat and embeddings, web search, URL ingestion and speech
// synthesis. Clients share transport settings, send a Nexus User-Agent,
// and can retry requests that failed before reaching the server, which
// happens while a local Ollama is still starting.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/nexus-agent/internal/buildinfo"
)

// Transport defaults.
const (
	dialTimeout         = 10 * time.Second
	keepAlive           = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConns        = 20
	maxIdleConnsPerHost = 5

	// DefaultHeaderTimeout bounds the wait for response headers once a
	// request is written.
	DefaultHeaderTimeout = 15 * time.Second

	// DefaultTimeout is the overall request timeout when none is given.
	DefaultTimeout = 30 * time.Second
)

type settings struct {
	timeout       time.Duration
	headerTimeout time.Duration
	retries       int
	retryDelay    time.Duration
	logger        *slog.Logger
}

// Option adjusts a client built by NewClient.
type Option func(*settings)

// WithTimeout sets the overall request timeout. Zero means none, which
// long model generations need.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithResponseHeaderTimeout changes how long to wait for response
// headers. Ollama sends no headers for a non-streamed chat until
// generation is done, so the chat client passes zero (no limit).
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(s *settings) { s.headerTimeout = d }
}

// WithRetry retries up to n times, delay apart, when the connection was
// refused or the host was unreachable. Requests whose body cannot be
// rewound are not retried.
func WithRetry(n int, delay time.Duration) Option {
	return func(s *settings) {
		s.retries = n
		s.retryDelay = delay
	}
}

// WithLogger logs retries at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// NewClient returns a client with the shared transport settings.
func NewClient(opts ...Option) *http.Client {
	s := settings{
		timeout:       DefaultTimeout,
		headerTimeout: DefaultHeaderTimeout,
	}
	for _, o := range opts {
		o(&s)
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: s.headerTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout: s.timeout,
		Transport: &roundTripper{
			base:       base,
			userAgent:  buildinfo.UserAgent(),
			retries:    s.retries,
			retryDelay: s.retryDelay,
			logger:     s.logger,
		},
	}
}

// roundTripper sets the User-Agent and retries connection failures.
type roundTripper struct {
	base       http.RoundTripper
	userAgent  string
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.retries && retryable(err) && rewindable(req); attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"error", err,
			)
		}

		timer := time.NewTimer(t.retryDelay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			again.Body = body
		}
		resp, err = t.base.RoundTrip(again)
	}
	return resp, err
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// retryable reports errors raised before any bytes reached the server.
// A reset connection is not one of them: the server may have acted.
func retryable(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// ReadErrorBody returns up to limit bytes of rc for use in an error
// message, then drains a little more and closes rc so the connection
// can be reused.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer rc.Close()

	body, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1024))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
