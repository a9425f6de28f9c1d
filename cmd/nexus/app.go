package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/nexus-agent/internal/agent"
	"github.com/nugget/nexus-agent/internal/config"
	"github.com/nugget/nexus-agent/internal/connwatch"
	"github.com/nugget/nexus-agent/internal/consent"
	"github.com/nugget/nexus-agent/internal/embeddings"
	"github.com/nugget/nexus-agent/internal/fetch"
	"github.com/nugget/nexus-agent/internal/knowledge"
	"github.com/nugget/nexus-agent/internal/llm"
	"github.com/nugget/nexus-agent/internal/memory"
	"github.com/nugget/nexus-agent/internal/prompts"
	"github.com/nugget/nexus-agent/internal/search"
	"github.com/nugget/nexus-agent/internal/tools"
	"github.com/nugget/nexus-agent/internal/tts"
)

// app holds the components every subcommand shares. Only the consent
// gate differs between chat, ask and serve, so the loop is built
// separately by newLoop.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	workspace *tools.Workspace
	memory    *memory.Store
	ollama    *llm.OllamaClient
	search    *search.Manager
	store     *knowledge.Store
	knowledge *knowledge.Base
	speaker   *tts.Speaker // nil unless tts.enabled
}

// newApp opens the workspace, the memory file and the knowledge store.
// Nothing here contacts the model server.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	ws, err := tools.NewWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}

	mem := memory.NewStore(cfg.MemoryPath(), cfg.Memory.MaxMessages, logger)
	if err := mem.Load(); err != nil {
		// A corrupt memory file should not lock the user out.
		logger.Warn("memory file unreadable, starting fresh", "path", mem.Path(), "error", err)
	}

	ollama := llm.NewOllamaClient(cfg.OllamaURL, logger)
	ollama.SetOptions(llm.Options{
		Temperature: cfg.Agent.Temperature,
		NumCtx:      cfg.Agent.NumCtx,
	})

	store, err := knowledge.NewStore(cfg.KnowledgePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	emb := embeddings.New(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	}, logger)
	base := knowledge.NewBase(store, emb, knowledge.Options{
		ChunkSize:    cfg.Knowledge.ChunkSize,
		ChunkOverlap: cfg.Knowledge.ChunkOverlap,
		TopK:         cfg.Knowledge.TopK,
	}, logger)
	base.SetFetcher(fetch.New())

	a := &app{
		cfg:       cfg,
		logger:    logger,
		workspace: ws,
		memory:    mem,
		ollama:    ollama,
		search:    newSearchManager(cfg.Search, logger),
		store:     store,
		knowledge: base,
	}

	if cfg.TTS.Enabled {
		provider := tts.NewOpenAIProvider(cfg.TTS.APIKey, cfg.TTS.BaseURL, cfg.TTS.Model)
		a.speaker = tts.NewSpeaker(provider, ws.Root(), cfg.TTS.Voice, logger)
	}
	return a, nil
}

// newSearchManager registers DuckDuckGo always and the keyed providers
// when configured. The configured provider is asked first.
func newSearchManager(cfg config.SearchConfig, logger *slog.Logger) *search.Manager {
	m := search.NewManager(cfg.Provider, logger)
	m.Register(search.NewDuckDuckGo())
	if cfg.SearXNG.URL != "" {
		m.Register(search.NewSearXNG(cfg.SearXNG.URL))
	}
	if cfg.Brave.APIKey != "" {
		m.Register(search.NewBrave(cfg.Brave.APIKey))
	}
	return m
}

func (a *app) Close() error {
	return a.store.Close()
}

// policy is the static consent policy from the shell config.
func (a *app) policy() consent.Policy {
	return consent.Policy{
		AutoApprove:    a.cfg.Shell.AutoApprove,
		DeniedPatterns: a.cfg.Shell.DeniedPatterns,
	}
}

// registry builds the five tools, with shell commands passing gate.
func (a *app) registry(gate consent.Gate) *tools.Registry {
	shell := tools.NewShellExec(tools.ShellExecConfig{
		WorkingDir:     a.workspace.Root(),
		Timeout:        time.Duration(a.cfg.Shell.TimeoutSec) * time.Second,
		MaxOutputBytes: a.cfg.Shell.MaxOutputBytes,
		Policy:         a.policy(),
		Gate:           gate,
	}, a.logger)

	return tools.NewRegistry(a.logger,
		shell,
		tools.NewWriteFileTool(a.workspace),
		tools.NewReadFileTool(a.workspace),
		tools.NewSearchTool(a.search, a.cfg.Search.MaxResults),
		tools.NewArchiveTool(a.knowledge),
	)
}

// systemPrompt reads the configured persona file, if any, and appends
// the tool list and action format.
func (a *app) systemPrompt(reg *tools.Registry) (string, error) {
	var preamble string
	if f := a.cfg.Agent.SystemPromptFile; f != "" {
		data, err := os.ReadFile(a.cfg.WorkspacePath(f))
		if err != nil {
			return "", fmt.Errorf("read system prompt: %w", err)
		}
		preamble = string(data)
	}

	ts := reg.Tools()
	usages := make([]string, len(ts))
	for i, t := range ts {
		usages[i] = t.Usage()
	}
	return prompts.SystemPrompt(preamble, reg.Names(), usages), nil
}

// newLoop wires the agent loop around gate.
func (a *app) newLoop(gate consent.Gate) (*agent.Loop, error) {
	reg := a.registry(gate)
	sys, err := a.systemPrompt(reg)
	if err != nil {
		return nil, err
	}
	return agent.NewLoop(a.logger, a.memory, a.ollama, reg, agent.Config{
		Model:        a.cfg.Model,
		MaxSteps:     a.cfg.Agent.MaxSteps,
		SystemPrompt: sys,
	}), nil
}

// watchOllama keeps probing the model server for the lifetime of ctx.
// Each time it comes back, the model is checked again, since a restarted
// server may have lost it.
func (a *app) watchOllama(ctx context.Context) *connwatch.Watcher {
	return connwatch.Start(ctx, connwatch.Config{
		Name:  "ollama",
		Probe: a.ollama.Ping,
		OnChange: func(st connwatch.Status) {
			if !st.Ready {
				a.logger.Warn(fmt.Sprintf("Cannot reach Ollama at %s. Is `ollama serve` running?", a.cfg.OllamaURL))
				return
			}
			for _, w := range a.checkModel(ctx) {
				a.logger.Warn(w)
			}
		},
		Logger: a.logger.With("component", "connwatch"),
	})
}

// checkModel warns when Ollama is unreachable or the model is missing.
// Neither is fatal: the server may come up later.
func (a *app) checkModel(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.ollama.Ping(ctx); err != nil {
		a.logger.Warn("ollama unreachable", "url", a.cfg.OllamaURL, "error", err)
		return []string{fmt.Sprintf("Cannot reach Ollama at %s. Is `ollama serve` running?", a.cfg.OllamaURL)}
	}
	ok, err := a.ollama.HasModel(ctx, a.cfg.Model)
	if err != nil {
		a.logger.Warn("model list unavailable", "error", err)
		return []string{fmt.Sprintf("Could not list models: %v", err)}
	}
	if !ok {
		return []string{fmt.Sprintf("Model %s is not installed. Run `ollama pull %s`.", a.cfg.Model, a.cfg.Model)}
	}
	return nil
}
