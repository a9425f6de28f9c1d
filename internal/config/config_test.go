package config

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
	if errors.Is(err, ErrNoConfig) {
		t.Error("missing explicit path must not be reported as ErrNoConfig")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's config.yaml)
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		if _, statErr := os.Stat("/etc/nexus/config.yaml"); statErr == nil {
			t.Skip("system config present")
		}
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
	if !errors.Is(err, ErrNoConfig) {
		t.Errorf("error = %v, want ErrNoConfig", err)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("search:\n  provider: brave\n  brave:\n    api_key: ${NEXUS_TEST_KEY}\n"), 0600)
	t.Setenv("NEXUS_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Search.Brave.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Search.Brave.APIKey, "secret123")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("tts:\n  api_key: ${NEXUS_DOTENV_KEY}\n"), 0600)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("NEXUS_DOTENV_KEY=from-dotenv\n"), 0600)
	t.Cleanup(func() { os.Unsetenv("NEXUS_DOTENV_KEY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.TTS.APIKey != "from-dotenv" {
		t.Errorf("api_key = %q, want %q", cfg.TTS.APIKey, "from-dotenv")
	}
}

func TestLoad_DotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("model: ${NEXUS_DOTENV_MODEL}\n"), 0600)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("NEXUS_DOTENV_MODEL=from-file\n"), 0600)
	t.Setenv("NEXUS_DOTENV_MODEL", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Model != "from-env" {
		t.Errorf("model = %q, want %q", cfg.Model, "from-env")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("model: llama3\nollama_url: http://gpu:11434\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Model != "llama3" {
		t.Errorf("model = %q, want llama3", cfg.Model)
	}
	if cfg.Embeddings.BaseURL != "http://gpu:11434" {
		t.Errorf("embeddings.base_url = %q, want it to follow ollama_url", cfg.Embeddings.BaseURL)
	}
	if cfg.Memory.MaxMessages != 20 {
		t.Errorf("memory.max_messages = %d, want 20", cfg.Memory.MaxMessages)
	}
	if cfg.Agent.MaxSteps != 10 {
		t.Errorf("agent.max_steps = %d, want 10", cfg.Agent.MaxSteps)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("model: [unterminated\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"model", cfg.Model, "phi3"},
		{"ollama_url", cfg.OllamaURL, "http://localhost:11434"},
		{"workspace", cfg.Workspace, "workspace"},
		{"memory.file", cfg.Memory.File, "brain_memory.json"},
		{"shell.timeout_sec", cfg.Shell.TimeoutSec, 60},
		{"shell.consent", cfg.Shell.Consent, ConsentInteractive},
		{"shell.noninteractive", cfg.Shell.NonInteractive, ConsentAllowlist},
		{"search.provider", cfg.Search.Provider, "duckduckgo"},
		{"search.max_results", cfg.Search.MaxResults, 3},
		{"knowledge.chunk_size", cfg.Knowledge.ChunkSize, 1000},
		{"knowledge.chunk_overlap", cfg.Knowledge.ChunkOverlap, 200},
		{"knowledge.top_k", cfg.Knowledge.TopK, 3},
		{"embeddings.model", cfg.Embeddings.Model, "nomic-embed-text"},
		{"listen.port", cfg.Listen.Port, 8080},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	want := []string{"ls", "cat", "echo", "pwd"}
	if strings.Join(cfg.Shell.AutoApprove, ",") != strings.Join(want, ",") {
		t.Errorf("shell.auto_approve = %v, want %v", cfg.Shell.AutoApprove, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero memory cap", func(c *Config) { c.Memory.MaxMessages = -1 }, "max_messages"},
		{"zero steps", func(c *Config) { c.Agent.MaxSteps = -3 }, "max_steps"},
		{"unknown consent", func(c *Config) { c.Shell.Consent = "maybe" }, "shell.consent"},
		{"interactive noninteractive", func(c *Config) { c.Shell.NonInteractive = ConsentInteractive }, "noninteractive"},
		{"unknown provider", func(c *Config) { c.Search.Provider = "altavista" }, "search.provider"},
		{"searxng without url", func(c *Config) { c.Search.Provider = "searxng" }, "searxng.url"},
		{"brave without key", func(c *Config) { c.Search.Provider = "brave" }, "api_key"},
		{"overlap too large", func(c *Config) { c.Knowledge.ChunkOverlap = 1000 }, "chunking"},
		{"port out of range", func(c *Config) { c.Listen.Port = 70000 }, "listen.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestWorkspacePaths(t *testing.T) {
	cfg := Default()
	cfg.Workspace = "/srv/nexus"

	if got := cfg.MemoryPath(); got != "/srv/nexus/brain_memory.json" {
		t.Errorf("MemoryPath() = %q", got)
	}
	cfg.Knowledge.DBPath = "/var/lib/nexus/kb.db"
	if got := cfg.KnowledgePath(); got != "/var/lib/nexus/kb.db" {
		t.Errorf("KnowledgePath() = %q, absolute paths must be kept", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{" TRACE ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"chatty", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
	b := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if b.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level should be untouched, got %v", b.Value)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		format   string
		fallback slog.Level
		log      func(*slog.Logger)
		want     string
		wantNone bool
	}{
		{
			name: "fallback hides info", fallback: slog.LevelWarn,
			log:      func(l *slog.Logger) { l.Info("hidden") },
			wantNone: true,
		},
		{
			name: "configured level wins", level: "debug", fallback: slog.LevelWarn,
			log:  func(l *slog.Logger) { l.Debug("shown") },
			want: "msg=shown",
		},
		{
			name: "json trace", level: "trace", format: "JSON", fallback: slog.LevelInfo,
			log:  func(l *slog.Logger) { l.Log(context.Background(), LevelTrace, "payload") },
			want: `"level":"TRACE"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := &Config{LogLevel: tt.level, LogFormat: tt.format}
			logger, err := cfg.NewLogger(&buf, tt.fallback)
			if err != nil {
				t.Fatal(err)
			}
			tt.log(logger)
			if tt.wantNone {
				if buf.Len() != 0 {
					t.Errorf("unexpected output: %s", buf.String())
				}
				return
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q missing %q", buf.String(), tt.want)
			}
		})
	}

	if _, err := (&Config{LogLevel: "chatty"}).NewLogger(io.Discard, slog.LevelInfo); err == nil {
		t.Error("expected error for unknown level")
	}
}
