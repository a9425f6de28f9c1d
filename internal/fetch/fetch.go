// Package fetch downloads web documents for the knowledge base. HTML is
// reduced to readable text, with navigation, scripts and other
// boilerplate stripped; plain text passes through; PDFs are returned
// raw for the caller to parse.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/nexus-agent/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for fetching documents.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes is the maximum response body size (20 MB, room for
// a typical PDF).
const DefaultMaxBytes int64 = 20 * 1024 * 1024

// ErrUnsupported is returned for content that is neither text, HTML nor
// PDF.
var ErrUnsupported = errors.New("unsupported content type")

// Page is one fetched document.
type Page struct {
	URL         string
	Title       string
	ContentType string // media type without parameters
	// Text is the readable content of HTML and plain-text documents.
	Text string
	// PDF holds the raw body when ContentType is application/pdf.
	PDF []byte
}

// IsPDF reports whether the page is a PDF document.
func (p *Page) IsPDF() bool {
	return p.ContentType == "application/pdf"
}

// Fetcher downloads documents.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Fetcher with default settings.
func New() *Fetcher {
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		maxBytes: DefaultMaxBytes,
	}
}

// IsURL reports whether s is an http or https URL rather than a path.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Fetch downloads rawURL. A bare host name is fetched over https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if rawURL == "" {
		return nil, errors.New("url is required")
	}
	if !IsURL(rawURL) {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d: %s", rawURL, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	page := &Page{URL: rawURL, ContentType: mediaType(resp.Header.Get("Content-Type"))}
	switch {
	case page.ContentType == "application/pdf":
		page.PDF = body
	case isHTML(page.ContentType):
		page.Title, page.Text = extractHTML(string(body))
	case strings.HasPrefix(page.ContentType, "text/"), page.ContentType == "" && utf8.Valid(body):
		page.Text = string(body)
	default:
		return nil, fmt.Errorf("%s: %w: %s", rawURL, ErrUnsupported, page.ContentType)
	}
	return page, nil
}

// mediaType strips parameters such as charset from a Content-Type.
func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	return mt
}

func isHTML(mt string) bool {
	return mt == "text/html" || mt == "application/xhtml+xml"
}
