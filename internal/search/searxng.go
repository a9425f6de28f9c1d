package search

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/nexus-agent/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG instance through its JSON
// output format, which must be enabled in the instance settings.
type SearXNG struct {
	baseURL string
	client  *http.Client
}

// NewSearXNG creates a provider for the instance at baseURL, for
// example "http://localhost:8080".
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// Name implements Provider.
func (s *SearXNG) Name() string { return "searxng" }

// Search implements Provider.
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{"q": {query}, "format": {"json"}}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := getJSON(ctx, s.client, "searxng", s.baseURL+"/search?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}

	n := opts.count()
	var results []Result
	for _, r := range body.Results {
		if len(results) == n {
			break
		}
		results = append(results, Result{
			Title:   strings.TrimSpace(r.Title),
			URL:     r.URL,
			Snippet: strings.TrimSpace(r.Content),
		})
	}
	return results, nil
}
