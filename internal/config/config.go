// Package config handles Nexus configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/nexus/config.yaml, /etc/nexus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nexus", "config.yaml"))
	}

	paths = append(paths, "/etc/nexus/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no search path exists.
// Callers fall back to Default.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error wrapping ErrNoConfig if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Nexus configuration.
type Config struct {
	Model      string           `yaml:"model"`
	OllamaURL  string           `yaml:"ollama_url"`
	Workspace  string           `yaml:"workspace"`
	Memory     MemoryConfig     `yaml:"memory"`
	Agent      AgentConfig      `yaml:"agent"`
	Shell      ShellConfig      `yaml:"shell"`
	Search     SearchConfig     `yaml:"search"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	TTS        TTSConfig        `yaml:"tts"`
	Listen     ListenConfig     `yaml:"listen"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// MemoryConfig controls conversation persistence between sessions.
type MemoryConfig struct {
	// File is the JSON memory file. Relative paths resolve against the
	// workspace. Default: brain_memory.json.
	File string `yaml:"file"`
	// MaxMessages caps the persisted conversation: the first message plus
	// the most recent MaxMessages-1. Default 20.
	MaxMessages int `yaml:"max_messages"`
}

// AgentConfig tunes the reasoning loop.
type AgentConfig struct {
	MaxSteps         int     `yaml:"max_steps"`          // Default 10
	SystemPromptFile string  `yaml:"system_prompt_file"` // Replaces the built-in prompt
	Temperature      float64 `yaml:"temperature"`        // 0 = model default
	NumCtx           int     `yaml:"num_ctx"`            // 0 = model default
}

// Shell consent modes.
const (
	ConsentInteractive = "interactive"
	ConsentAllowlist   = "allowlist"
	ConsentAllowAll    = "allow_all"
	ConsentDeny        = "deny"
)

// ShellConfig defines shell execution and its consent gate.
type ShellConfig struct {
	// TimeoutSec bounds every command (default 60).
	TimeoutSec int `yaml:"timeout_sec"`
	// MaxOutputBytes truncates captured stdout and stderr (default 64 KiB).
	MaxOutputBytes int `yaml:"max_output_bytes"`
	// AutoApprove lists first words that run without asking, provided
	// the command has no shell control characters.
	AutoApprove []string `yaml:"auto_approve"`
	// DeniedPatterns always block, regardless of consent.
	DeniedPatterns []string `yaml:"denied_patterns"`
	// Consent is the interactive-session mode: interactive (default),
	// allowlist, allow_all or deny.
	Consent string `yaml:"consent"`
	// NonInteractive is the mode used when nobody can answer a prompt
	// (serve, ask). Default allowlist.
	NonInteractive string `yaml:"noninteractive"`
}

// SearchConfig selects and configures the web search provider.
type SearchConfig struct {
	Provider   string        `yaml:"provider"` // duckduckgo (default), searxng, brave
	MaxResults int           `yaml:"max_results"`
	SearXNG    SearXNGConfig `yaml:"searxng"`
	Brave      BraveConfig   `yaml:"brave"`
}

// SearXNGConfig configures a self-hosted SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig configures the Brave Search API.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// KnowledgeConfig defines the document retrieval store.
type KnowledgeConfig struct {
	DBPath       string `yaml:"db_path"` // Relative to workspace. Default knowledge.db
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	TopK         int    `yaml:"top_k"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Model   string `yaml:"model"`    // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"base_url"` // Ollama URL (defaults to ollama_url)
}

// TTSConfig defines speech synthesis through an OpenAI-compatible endpoint.
type TTSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Voice     string `yaml:"voice"`
	AutoSpeak bool   `yaml:"auto_speak"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file. A .env file next to the
// config (and one in the working directory) is loaded first so that
// ${VAR} references resolve; variables already set are never overwritten.
func Load(path string) (*Config, error) {
	for _, f := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		_ = godotenv.Load(f)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration. It is what Nexus runs with
// when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "phi3"
	}
	if c.OllamaURL == "" {
		c.OllamaURL = "http://localhost:11434"
	}
	if c.Workspace == "" {
		c.Workspace = "workspace"
	}
	if c.Memory.File == "" {
		c.Memory.File = "brain_memory.json"
	}
	if c.Memory.MaxMessages == 0 {
		c.Memory.MaxMessages = 20
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 10
	}
	if c.Shell.TimeoutSec == 0 {
		c.Shell.TimeoutSec = 60
	}
	if c.Shell.MaxOutputBytes == 0 {
		c.Shell.MaxOutputBytes = 64 * 1024
	}
	if c.Shell.AutoApprove == nil {
		c.Shell.AutoApprove = []string{"ls", "cat", "echo", "pwd"}
	}
	if c.Shell.DeniedPatterns == nil {
		c.Shell.DeniedPatterns = []string{"rm -rf /", "mkfs", ":(){ :|:& };:", "dd if=/dev/zero of=/dev/"}
	}
	if c.Shell.Consent == "" {
		c.Shell.Consent = ConsentInteractive
	}
	if c.Shell.NonInteractive == "" {
		c.Shell.NonInteractive = ConsentAllowlist
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "duckduckgo"
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 3
	}
	if c.Knowledge.DBPath == "" {
		c.Knowledge.DBPath = "knowledge.db"
	}
	if c.Knowledge.ChunkSize == 0 {
		c.Knowledge.ChunkSize = 1000
	}
	if c.Knowledge.ChunkOverlap == 0 {
		c.Knowledge.ChunkOverlap = 200
	}
	if c.Knowledge.TopK == 0 {
		c.Knowledge.TopK = 3
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.OllamaURL
	}
	if c.TTS.BaseURL == "" {
		c.TTS.BaseURL = "https://api.openai.com/v1"
	}
	if c.TTS.Model == "" {
		c.TTS.Model = "tts-1"
	}
	if c.TTS.Voice == "" {
		c.TTS.Voice = "alloy"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

var (
	validProviders = []string{"duckduckgo", "searxng", "brave"}
	validConsent   = []string{ConsentInteractive, ConsentAllowlist, ConsentAllowAll, ConsentDeny}
)

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Memory.MaxMessages < 1 {
		return fmt.Errorf("memory.max_messages must be positive, got %d", c.Memory.MaxMessages)
	}
	if c.Agent.MaxSteps < 1 {
		return fmt.Errorf("agent.max_steps must be positive, got %d", c.Agent.MaxSteps)
	}
	if c.Shell.TimeoutSec < 1 {
		return fmt.Errorf("shell.timeout_sec must be positive, got %d", c.Shell.TimeoutSec)
	}
	if c.Shell.MaxOutputBytes < 1 {
		return fmt.Errorf("shell.max_output_bytes must be positive, got %d", c.Shell.MaxOutputBytes)
	}
	if !slices.Contains(validConsent, c.Shell.Consent) {
		return fmt.Errorf("unknown shell.consent %q (valid: %s)", c.Shell.Consent, strings.Join(validConsent, ", "))
	}
	if !slices.Contains(validConsent, c.Shell.NonInteractive) || c.Shell.NonInteractive == ConsentInteractive {
		return fmt.Errorf("invalid shell.noninteractive %q (valid: allowlist, allow_all, deny)", c.Shell.NonInteractive)
	}
	if !slices.Contains(validProviders, c.Search.Provider) {
		return fmt.Errorf("unknown search.provider %q (valid: %s)", c.Search.Provider, strings.Join(validProviders, ", "))
	}
	if c.Search.Provider == "searxng" && c.Search.SearXNG.URL == "" {
		return errors.New("search.searxng.url is required for the searxng provider")
	}
	if c.Search.Provider == "brave" && c.Search.Brave.APIKey == "" {
		return errors.New("search.brave.api_key is required for the brave provider")
	}
	if c.Search.MaxResults < 1 {
		return fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults)
	}
	if c.Knowledge.ChunkSize < 1 || c.Knowledge.ChunkOverlap < 0 || c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		return fmt.Errorf("knowledge chunking invalid: size %d, overlap %d", c.Knowledge.ChunkSize, c.Knowledge.ChunkOverlap)
	}
	if c.Knowledge.TopK < 1 {
		return fmt.Errorf("knowledge.top_k must be positive, got %d", c.Knowledge.TopK)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	return nil
}

// WorkspacePath resolves p against the workspace unless it is absolute.
func (c *Config) WorkspacePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace, p)
}

// MemoryPath is the resolved memory file location.
func (c *Config) MemoryPath() string { return c.WorkspacePath(c.Memory.File) }

// KnowledgePath is the resolved knowledge database location.
func (c *Config) KnowledgePath() string { return c.WorkspacePath(c.Knowledge.DBPath) }
