package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/nexus-agent/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	options    Options
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Local models on modest hardware can take minutes per reply,
		// and non-streaming replies send no headers until they finish.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Minute),
			httpkit.WithResponseHeaderTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "ollama"),
	}
}

// SetOptions sets the model parameters sent with every chat request.
func (c *OllamaClient) SetOptions(opts Options) {
	c.options = opts
}

// BaseURL returns the server address the client talks to.
func (c *OllamaClient) BaseURL() string {
	return c.baseURL
}

// ollamaChatRequest is the request format for the Ollama chat API.
type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// ollamaChatResponse is one JSON object from the Ollama chat API: the
// whole reply when not streaming, or one chunk of NDJSON when streaming.
type ollamaChatResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`
	Error     string  `json:"error,omitempty"`

	// Usage stats (when done=true)
	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

// toChatResponse converts the wire format into a ChatResponse.
func (r *ollamaChatResponse) toChatResponse() *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return &ChatResponse{
		Model:         r.Model,
		CreatedAt:     created,
		Message:       r.Message,
		Done:          r.Done,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
		LoadDuration:  time.Duration(r.LoadDuration),
		EvalDuration:  time.Duration(r.EvalDuration),
	}
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, nil)
}

// ChatStream sends a streaming chat request to Ollama.
// If callback is non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if c.options != (Options{}) {
		opts := c.options
		req.Options = &opts
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var result *ChatResponse
	if !stream {
		// Non-streaming: single JSON response
		var chatResp ollamaChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if chatResp.Error != "" {
			return nil, fmt.Errorf("ollama: %s", chatResp.Error)
		}
		result = chatResp.toChatResponse()
	} else {
		result, err = c.readStream(resp.Body, callback)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Debug("chat completed",
		"model", model,
		"messages", len(messages),
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// readStream reads newline-delimited JSON chunks until the done chunk,
// accumulating content and passing each token to callback.
func (c *OllamaClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var final ollamaChatResponse
	var content strings.Builder
	decoder := json.NewDecoder(body)

	for {
		var chunk ollamaChatResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama: %s", chunk.Error)
		}

		// Accumulate content
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			callback(chunk.Message.Content)
		}

		// Capture final metadata
		if chunk.Done {
			final = chunk
			break
		}
	}

	final.Message.Role = RoleAssistant
	final.Message.Content = content.String()
	return final.toChatResponse(), nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether model is installed on the server. A name
// without a tag matches its ":latest" variant, as the Ollama CLI does.
func (c *OllamaClient) HasModel(ctx context.Context, model string) (bool, error) {
	names, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == model || (!strings.Contains(model, ":") && n == model+":latest") {
			return true, nil
		}
	}
	return false, nil
}
