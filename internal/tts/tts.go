// Package tts turns the agent's answers into speech.
//
// A [Provider] synthesizes audio; the [Speaker] cleans Markdown out of
// the text first and writes the audio into the workspace, replacing the
// previous recording.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/nexus-agent/internal/httpkit"
)

// Defaults for the OpenAI-compatible provider.
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "tts-1"
	DefaultVoice   = "alloy"

	// DefaultFilename is where the Speaker writes audio inside the workspace.
	DefaultFilename = "response.mp3"

	// maxInputChars is the /audio/speech input limit.
	maxInputChars = 4096
)

// ErrNothingToSay is returned when the cleaned text is empty.
var ErrNothingToSay = errors.New("nothing to say")

// Provider is the interface for TTS backends.
type Provider interface {
	// Synthesize converts text to audio and returns the bytes and
	// their MIME type.
	Synthesize(ctx context.Context, text, voice string) ([]byte, string, error)
}

// OpenAIProvider speaks through any OpenAI-compatible /audio/speech
// endpoint, hosted or local.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAI TTS provider.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  httpkit.NewClient(httpkit.WithTimeout(60 * time.Second)),
	}
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize implements Provider. Audio is requested as MP3.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if voice == "" {
		voice = DefaultVoice
	}
	if r := []rune(text); len(r) > maxInputChars {
		text = string(r[:maxInputChars-3]) + "..."
	}

	body, err := json.Marshal(speechRequest{
		Model:          p.model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return nil, "", fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("tts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("tts: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("tts: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("tts: empty audio response")
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/mpeg"
	}
	return audio, mime, nil
}

// Speaker writes synthesized answers into a directory.
type Speaker struct {
	provider Provider
	dir      string
	voice    string
	logger   *slog.Logger
}

// NewSpeaker creates a speaker that writes into dir.
func NewSpeaker(provider Provider, dir, voice string, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		provider: provider,
		dir:      dir,
		voice:    voice,
		logger:   logger.With("component", "tts"),
	}
}

// Speak synthesizes text and writes it to DefaultFilename in the
// speaker's directory, returning the file path.
func (s *Speaker) Speak(ctx context.Context, text string) (string, error) {
	clean := Clean(text)
	if clean == "" {
		return "", ErrNothingToSay
	}

	start := time.Now()
	audio, mime, err := s.provider.Synthesize(ctx, clean, s.voice)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, DefaultFilename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, audio, 0o644); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write audio: %w", err)
	}

	s.logger.Info("speech written",
		"path", path,
		"bytes", len(audio),
		"mime", mime,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return path, nil
}

// markdownMarkers are dropped before synthesis so they are not read aloud.
var markdownMarkers = strings.NewReplacer("*", "", "#", "", "`", "")

// Clean strips Markdown emphasis, heading and code markers.
func Clean(text string) string {
	return strings.TrimSpace(markdownMarkers.Replace(text))
}
