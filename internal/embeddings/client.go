// Package embeddings provides vector embedding generation via Ollama
// and the similarity math the knowledge base ranks fragments with.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nugget/nexus-agent/internal/httpkit"
)

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = "nomic-embed-text"

// ErrEmptyEmbedding is returned when the server answers with no vector,
// which Ollama does for models that cannot embed.
var ErrEmptyEmbedding = errors.New("empty embedding")

// Client generates embeddings using Ollama's embedding API.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// Config for embedding client.
type Config struct {
	BaseURL string // Ollama base URL (e.g., "http://localhost:11434")
	Model   string // Embedding model (e.g., "nomic-embed-text")
}

// New creates an embedding client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client: httpkit.NewClient(
			httpkit.WithTimeout(60*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "embeddings"),
	}
}

// Model returns the embedding model name.
func (c *Client) Model() string {
	return c.model
}

// embedRequest is the Ollama embedding API request.
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embedResponse is the Ollama embedding API response.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Generate creates an embedding for the given text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, errBody)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if embedResp.Error != "" {
		return nil, fmt.Errorf("ollama: %s", embedResp.Error)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("model %s: %w", c.model, ErrEmptyEmbedding)
	}

	c.logger.Debug("embedding generated",
		"model", c.model,
		"chars", len(text),
		"dims", len(embedResp.Embedding),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return embedResp.Embedding, nil
}

// GenerateBatch creates embeddings for multiple texts.
func (c *Client) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := c.Generate(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Vectors of different length or zero magnitude score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Scored pairs a vector index with its similarity to a query.
type Scored struct {
	Index int
	Score float32
}

// Rank scores every vector against query and returns the best k, most
// similar first. Ties keep their original order.
func Rank(query []float32, vectors [][]float32, k int) []Scored {
	scores := make([]Scored, len(vectors))
	for i, v := range vectors {
		scores[i] = Scored{Index: i, Score: CosineSimilarity(query, v)}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	if k >= 0 && k < len(scores) {
		scores = scores[:k]
	}
	return scores
}

// TopK returns indices of top k most similar vectors to query.
func TopK(query []float32, vectors [][]float32, k int) []int {
	ranked := Rank(query, vectors, k)
	result := make([]int, len(ranked))
	for i, s := range ranked {
		result[i] = s.Index
	}
	return result
}
