// Package llm provides the Ollama chat client used by the agent loop.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message for the LLM. It is also the unit
// persisted to the memory file, so it carries nothing but role and text.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the completion returned by Chat and ChatStream.
// All fields use proper Go types; wire format conversion happens in
// ollama.go.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// Options are model parameters forwarded to Ollama. Zero values are
// omitted so the model's own defaults apply.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// StreamCallback is called for each streamed token.
type StreamCallback func(token string)
