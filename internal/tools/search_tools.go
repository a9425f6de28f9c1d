package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/nugget/nexus-agent/internal/knowledge"
	"github.com/nugget/nexus-agent/internal/search"
)

// ArchiveEmpty is the observation for a consultation against an empty
// knowledge base.
const ArchiveEmpty = "The knowledge base is empty. Ingest a PDF or text file first."

// WebSearcher runs a web query.
type WebSearcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// SearchTool answers free-text queries from the configured web search
// provider.
type SearchTool struct {
	searcher   WebSearcher
	maxResults int
}

// NewSearchTool creates the search tool. maxResults caps the lines
// returned to the model.
func NewSearchTool(searcher WebSearcher, maxResults int) *SearchTool {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &SearchTool{searcher: searcher, maxResults: maxResults}
}

// Name implements Tool.
func (t *SearchTool) Name() Name { return Search }

// Usage implements Tool.
func (t *SearchTool) Usage() string {
	return "search(query) - search the internet and get the top results as title: snippet lines"
}

// Execute implements Tool.
func (t *SearchTool) Execute(ctx context.Context, argument string) string {
	query := strings.TrimSpace(argument)
	if query == "" {
		return Errorf("search needs a query.")
	}

	results, err := t.searcher.Search(ctx, query, search.Options{Count: t.maxResults})
	if err != nil {
		return Errorf("search failed: %v", err)
	}
	return search.FormatResults(results, t.maxResults)
}

// Archive answers questions from ingested documents.
type Archive interface {
	Consult(ctx context.Context, query string) (string, error)
}

// ArchiveTool consults the local knowledge base.
type ArchiveTool struct {
	archive Archive
}

// NewArchiveTool creates the consult_archive tool.
func NewArchiveTool(archive Archive) *ArchiveTool {
	return &ArchiveTool{archive: archive}
}

// Name implements Tool.
func (t *ArchiveTool) Name() Name { return ConsultArchive }

// Usage implements Tool.
func (t *ArchiveTool) Usage() string {
	return "consult_archive(query) - look up passages from documents the user has ingested"
}

// Execute implements Tool.
func (t *ArchiveTool) Execute(ctx context.Context, argument string) string {
	query := strings.TrimSpace(argument)
	if query == "" {
		return Errorf("consult_archive needs a query.")
	}

	answer, err := t.archive.Consult(ctx, query)
	if errors.Is(err, knowledge.ErrEmpty) {
		return ArchiveEmpty
	}
	if err != nil {
		return Errorf("archive search failed: %v", err)
	}
	return answer
}
