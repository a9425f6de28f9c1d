package search

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/nexus-agent/internal/httpkit"
)

// Brave queries the Brave Search web API. It needs an API key.
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewBrave creates a Brave provider.
func NewBrave(apiKey string) *Brave {
	return &Brave{
		apiKey:   apiKey,
		endpoint: "https://api.search.brave.com/res/v1/web/search",
		client:   httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// Name implements Provider.
func (b *Brave) Name() string { return "brave" }

// Search implements Provider.
func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	n := opts.count()
	q := url.Values{"q": {query}, "count": {strconv.Itoa(n)}}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	header := http.Header{"X-Subscription-Token": {b.apiKey}}
	if err := getJSON(ctx, b.client, "brave", b.endpoint+"?"+q.Encode(), header, &body); err != nil {
		return nil, err
	}

	var results []Result
	for _, r := range body.Web.Results {
		if len(results) == n {
			break
		}
		// Brave highlights matches with <strong>.
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)})
	}
	return results, nil
}
