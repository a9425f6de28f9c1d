package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/nugget/nexus-agent/internal/httpkit"
)

const duckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo implements the Provider interface by scraping the
// JavaScript-free HTML endpoint. It needs no API key, which makes it
// the default provider.
type DuckDuckGo struct {
	endpoint   string
	httpClient *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo provider.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{
		endpoint: duckDuckGoEndpoint,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15 * time.Second),
		),
	}
}

// Name implements Provider.
func (d *DuckDuckGo) Name() string { return "duckduckgo" }

// Search implements Provider.
func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	form := url.Values{"q": {query}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: request failed: %w", err)
	}
	defer resp.Body.Close()

	// DuckDuckGo answers rate-limited clients with 202 and a challenge page.
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 256)
		return nil, fmt.Errorf("duckduckgo: HTTP %d: %s", resp.StatusCode, body)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse response: %w", err)
	}

	results := parseDuckDuckGo(doc)
	if n := opts.count(); len(results) > n {
		results = results[:n]
	}
	return results, nil
}

// parseDuckDuckGo walks the result page. Each organic hit is a div with
// class "result" holding an "a.result__a" title link and an
// "a.result__snippet" or "div.result__snippet" snippet. Ads carry the
// "result--ad" class and are skipped.
func parseDuckDuckGo(doc *html.Node) []Result {
	var results []Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") {
			if hasClass(n, "result--ad") {
				return
			}
			if r, ok := parseDuckDuckGoResult(n); ok {
				results = append(results, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

func parseDuckDuckGoResult(n *html.Node) (Result, bool) {
	var r Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result__a") && r.Title == "":
				r.Title = collapseSpace(textContent(n))
				r.URL = resolveDuckDuckGoURL(attr(n, "href"))
				return
			case hasClass(n, "result__snippet") && r.Snippet == "":
				r.Snippet = collapseSpace(textContent(n))
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return r, r.Title != ""
}

// resolveDuckDuckGoURL unwraps the "//duckduckgo.com/l/?uddg=<target>"
// redirect links the HTML endpoint uses.
func resolveDuckDuckGoURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		u.Scheme = "https"
		return u.String()
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stripTags removes the <strong> highlighting some providers embed in
// snippets.
func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}
	return collapseSpace(textContent(doc))
}
