package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/nugget/nexus-agent/internal/fetch"
)

// DefaultTopK is how many fragments a consultation returns.
const DefaultTopK = 3

// fragmentSeparator joins fragments in a consultation answer.
const fragmentSeparator = "\n---\n"

// ErrNoText is returned when a document yields no extractable text.
var ErrNoText = errors.New("file appears to be empty or unreadable")

// Embedder turns text into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Fetcher downloads web documents. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Page, error)
}

// Options tunes ingestion and retrieval.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	TopK         int
}

// Base ties the store to an embedder: it ingests documents and answers
// consultations.
type Base struct {
	store    *Store
	embedder Embedder
	fetcher  Fetcher
	splitter Splitter
	topK     int
	logger   *slog.Logger
}

// NewBase creates a knowledge base over store.
func NewBase(store *Store, embedder Embedder, opts Options, logger *slog.Logger) *Base {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
		if opts.ChunkOverlap == 0 {
			opts.ChunkOverlap = DefaultChunkOverlap
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		store:    store,
		embedder: embedder,
		splitter: NewSplitter(opts.ChunkSize, opts.ChunkOverlap),
		topK:     opts.TopK,
		logger:   logger.With("component", "knowledge"),
	}
}

// SetFetcher enables ingestion of http and https URLs.
func (b *Base) SetFetcher(f Fetcher) {
	b.fetcher = f
}

// Store returns the underlying store.
func (b *Base) Store() *Store {
	return b.store
}

// Ingest adds a document named by a local path or an http(s) URL.
func (b *Base) Ingest(ctx context.Context, src string) (int, error) {
	if fetch.IsURL(src) {
		return b.IngestURL(ctx, src)
	}
	return b.IngestFile(ctx, src)
}

// IngestURL downloads a web page, text file or PDF and stores it under
// its URL.
func (b *Base) IngestURL(ctx context.Context, url string) (int, error) {
	if b.fetcher == nil {
		return 0, errors.New("url ingestion is not configured")
	}
	page, err := b.fetcher.Fetch(ctx, url)
	if err != nil {
		return 0, err
	}

	text := page.Text
	if page.IsPDF() {
		r, err := pdf.NewReader(bytes.NewReader(page.PDF), int64(len(page.PDF)))
		if err != nil {
			return 0, fmt.Errorf("open pdf %s: %w", url, err)
		}
		if text, err = pdfText(r, url); err != nil {
			return 0, err
		}
	} else if page.Title != "" {
		text = page.Title + "\n\n" + text
	}
	return b.IngestText(ctx, page.URL, text)
}

// IngestFile reads a PDF (by extension) or UTF-8 text file and stores
// its fragments under the file's base name. Re-ingesting the same name
// replaces the earlier fragments.
func (b *Base) IngestFile(ctx context.Context, path string) (int, error) {
	var text string
	var err error
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err = readPDF(path)
	} else {
		text, err = readText(path)
	}
	if err != nil {
		return 0, err
	}
	return b.IngestText(ctx, filepath.Base(path), text)
}

// IngestText splits, embeds and stores text under source.
func (b *Base) IngestText(ctx context.Context, source, text string) (int, error) {
	chunks := b.splitter.Split(text)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%s: %w", source, ErrNoText)
	}

	start := time.Now()
	vectors := make([][]float32, len(chunks))
	for i, chunk := range chunks {
		vec, err := b.embedder.Generate(ctx, chunk)
		if err != nil {
			return 0, fmt.Errorf("embed fragment %d of %s: %w", i, source, err)
		}
		vectors[i] = vec
	}

	n, err := b.store.Replace(ctx, source, chunks, vectors)
	if err != nil {
		return 0, err
	}
	b.logger.Info("document ingested",
		"source", source,
		"fragments", n,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return n, nil
}

// Query returns the fragments most similar to query.
func (b *Base) Query(ctx context.Context, query string) ([]Match, error) {
	// Skip the embedding call when there is nothing to rank.
	n, err := b.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrEmpty
	}

	vec, err := b.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return b.store.Search(ctx, vec, b.topK)
}

// Consult answers a query with the best fragments joined by a "---"
// line.
func (b *Base) Consult(ctx context.Context, query string) (string, error) {
	matches, err := b.Query(ctx, query)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = m.Content
	}
	return strings.Join(parts, fragmentSeparator), nil
}

// Clear empties the knowledge base.
func (b *Base) Clear(ctx context.Context) (int64, error) {
	return b.store.Clear(ctx)
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not UTF-8 text", path)
	}
	return string(data), nil
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close()
	return pdfText(r, path)
}

// pdfText concatenates the plain text of every page.
func pdfText(r *pdf.Reader, name string) (string, error) {
	var buf bytes.Buffer
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("read pdf %s page %d: %w", name, i, err)
		}
		buf.WriteString(text)
		buf.WriteString("\n\n")
	}
	return buf.String(), nil
}
