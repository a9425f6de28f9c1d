// Package search runs web queries for the search tool. Backends
// implement [Provider]; a [Manager] asks the configured provider first
// and falls back to the others, in registration order, when it fails.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/nexus-agent/internal/httpkit"
)

// defaultCount is used when Options.Count is zero.
const defaultCount = 5

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options tune a query.
type Options struct {
	// Count caps the results. Zero means defaultCount.
	Count int `json:"count,omitempty"`
}

func (o Options) count() int {
	if o.Count <= 0 {
		return defaultCount
	}
	return o.Count
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager routes queries to the preferred provider.
type Manager struct {
	preferred string
	providers []Provider
	logger    *slog.Logger
}

// NewManager creates a manager that prefers the provider named
// preferred.
func NewManager(preferred string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		preferred: preferred,
		logger:    logger.With("component", "search"),
	}
}

// Register adds a provider. A provider registered under an existing
// name replaces it.
func (m *Manager) Register(p Provider) {
	for i, have := range m.providers {
		if have.Name() == p.Name() {
			m.providers[i] = p
			return
		}
	}
	m.providers = append(m.providers, p)
}

// order returns the preferred provider first, then the rest.
func (m *Manager) order() []Provider {
	out := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		if p.Name() == m.preferred {
			out = append(out, p)
		}
	}
	for _, p := range m.providers {
		if p.Name() != m.preferred {
			out = append(out, p)
		}
	}
	return out
}

// Search asks each provider in turn until one succeeds. An empty result
// list is a success. When every provider fails, the errors are joined.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	providers := m.order()
	if len(providers) == 0 {
		return nil, errors.New("no search provider configured")
	}

	var errs []error
	for _, p := range providers {
		results, err := p.Search(ctx, query, opts)
		if err == nil {
			if len(errs) > 0 {
				m.logger.Info("search served by fallback provider", "provider", p.Name())
			}
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("search provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// getJSON performs a GET and decodes a JSON body into v. Errors are
// prefixed with the provider name.
func getJSON(ctx context.Context, client *http.Client, provider, url string, header http.Header, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", provider, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vals := range header {
		for _, val := range vals {
			req.Header.Add(k, val)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", provider, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

// FormatResults renders results one per line as "title: snippet",
// which is what the model sees. At most count results are used; zero
// means all of them.
func FormatResults(results []Result, count int) string {
	if len(results) == 0 {
		return "No results found."
	}
	if count > 0 && len(results) > count {
		results = results[:count]
	}

	lines := make([]string, len(results))
	for i, r := range results {
		text := r.Snippet
		if text == "" {
			text = r.URL
		}
		lines[i] = r.Title + ": " + text
	}
	return strings.Join(lines, "\n")
}
