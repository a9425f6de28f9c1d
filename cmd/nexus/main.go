// Nexus is a local autonomous coding agent.
//
// It talks to a model served by Ollama, reasons in Thought / Action /
// Observation steps, and acts through a small set of tools confined to a
// workspace directory: shell commands, file reads and writes, web search,
// and a knowledge base of ingested documents. Configuration is optional;
// without a config file the built-in defaults apply (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	nexus                    Start an interactive chat (same as nexus chat)
//	nexus serve              Start the web interface and JSON API
//	nexus ask <question>     Run a single turn and print the answer
//	nexus ingest <file|url>  Add a PDF, text file or web page to the knowledge base
//	nexus clear-archive      Delete everything from the knowledge base
//	nexus reset              Clear the conversation memory
//	nexus init [dir]         Write a default config.yaml and system prompt
//	nexus version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/nugget/nexus-agent/internal/agent"
	"github.com/nugget/nexus-agent/internal/api"
	"github.com/nugget/nexus-agent/internal/buildinfo"
	"github.com/nugget/nexus-agent/internal/config"
	"github.com/nugget/nexus-agent/internal/consent"
	"github.com/nugget/nexus-agent/internal/console"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which gets in the way of
// calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "", "chat":
		return runChat(ctx, stdout, stderr, opts)
	case "serve":
		return runServe(ctx, stdout, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: nexus ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "ingest":
		if len(cmdArgs) == 0 {
			return errors.New("usage: nexus ingest <file|url>...")
		}
		return runIngest(ctx, stdout, stderr, opts, cmdArgs)
	case "clear-archive":
		return runClearArchive(ctx, stdout, stderr, opts)
	case "reset":
		return runReset(stdout, stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Nexus - local autonomous coding agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: nexus [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat             Interactive session (default)")
	fmt.Fprintln(w, "  serve            Start the web interface and JSON API")
	fmt.Fprintln(w, "  ask <question>   Run one turn and print the answer")
	fmt.Fprintln(w, "  ingest <src>...  Add PDF or text files, or URLs, to the knowledge base")
	fmt.Fprintln(w, "  clear-archive    Empty the knowledge base")
	fmt.Fprintln(w, "  reset            Clear conversation memory")
	fmt.Fprintln(w, "  init [dir]       Write default config.yaml and system_prompt.md (default: .)")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/nexus/config.yaml, /etc/nexus/config.yaml")
	fmt.Fprintln(w, "  (built-in defaults when none exists)")
	return nil
}

// runChat is the interactive session. Logs go to stderr at warn unless
// log_level says otherwise, so they do not bury the transcript.
func runChat(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr, slog.LevelWarn)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var loop *agent.Loop
	con, err := console.New(console.Options{
		HistoryFile: filepath.Join(a.workspace.Root(), ".nexus_history"),
		Stdout:      stdout,
		Commands: console.Commands{
			Reset:  func() error { return loop.Reset() },
			Files:  a.workspace.List,
			Ingest: a.knowledge.Ingest,
		},
	})
	if err != nil {
		return err
	}
	defer con.Close()

	gate := consent.New(cfg.Shell.Consent, a.policy(), con, logger)
	loop, err = a.newLoop(gate)
	if err != nil {
		return err
	}

	con.Banner("NEXUS AGENT", fmt.Sprintf("model %s, workspace %s", cfg.Model, a.workspace.Root()))
	for _, w := range a.checkModel(ctx) {
		con.Errorf("%s", w)
	}

	observe := con.Observe
	if a.speaker != nil && cfg.TTS.AutoSpeak {
		observe = func(e agent.Event) {
			con.Observe(e)
			if e.Kind == agent.EventDone && e.Answered {
				if path, err := a.speaker.Speak(ctx, e.Text); err != nil {
					con.Errorf("speech failed: %v", err)
				} else {
					con.Systemf("Answer spoken to %s", path)
				}
			}
		}
	}

	return loop.Run(ctx, con, observe)
}

// runAsk runs one turn. Shell consent is asked on the terminal when
// there is one and otherwise follows shell.noninteractive.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options, question string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr, slog.LevelWarn)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var gate consent.Gate
	if cfg.Shell.Consent == config.ConsentInteractive && term.IsTerminal(int(os.Stdin.Fd())) {
		gate = consent.NewInteractive(a.policy(), consent.NewPrompter(os.Stdin, stderr), logger)
	} else {
		gate = consent.New(nonInteractiveMode(cfg), a.policy(), nil, logger)
	}

	loop, err := a.newLoop(gate)
	if err != nil {
		return err
	}

	res, err := loop.Turn(ctx, question, func(e agent.Event) {
		if e.Kind == agent.EventAction {
			fmt.Fprintf(stderr, "[ACTION] %s: %s\n", e.Action, console.Preview(e.Argument, 120))
		}
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if !res.Answered {
		fmt.Fprintf(stdout, "Stopped after %d steps without a final answer.\n", res.Steps)
		return nil
	}
	fmt.Fprintln(stdout, res.Final)
	return nil
}

// nonInteractiveMode is the consent mode used when nobody can answer a
// prompt. A non-interactive consent setting applies as is.
func nonInteractiveMode(cfg *config.Config) string {
	if cfg.Shell.Consent != config.ConsentInteractive {
		return cfg.Shell.Consent
	}
	return cfg.Shell.NonInteractive
}

// runServe starts the web interface and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stdout, slog.LevelInfo)
	if err != nil {
		return err
	}
	logger.Info("starting Nexus", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mode := nonInteractiveMode(cfg)
	logger.Info("shell consent", "mode", mode)
	loop, err := a.newLoop(consent.New(mode, a.policy(), nil, logger))
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, a.workspace, logger)
	if a.speaker != nil {
		server.SetSpeaker(a.speaker)
	}
	watcher := a.watchOllama(ctx)
	defer watcher.Stop()
	server.SetHealth(watcher)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runIngest adds each file or URL to the knowledge base. Re-ingesting a
// source replaces its earlier fragments.
func runIngest(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options, files []string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr, slog.LevelInfo)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, f := range files {
		n, err := a.knowledge.Ingest(ctx, f)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", f, err)
		}
		fmt.Fprintf(stdout, "Ingested %s: %d fragments\n", f, n)
	}
	return nil
}

func runClearArchive(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr, slog.LevelWarn)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.knowledge.Clear(ctx)
	if err != nil {
		return fmt.Errorf("clear archive: %w", err)
	}
	fmt.Fprintf(stdout, "Removed %d fragments from the knowledge base\n", n)
	return nil
}

func runReset(stdout io.Writer, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr, slog.LevelWarn)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.memory.Reset(); err != nil {
		return fmt.Errorf("reset memory: %w", err)
	}
	fmt.Fprintf(stdout, "Conversation memory cleared (%s)\n", a.memory.Path())
	return nil
}

// loadConfig locates and parses the configuration. When no file exists
// and none was named explicitly, the built-in defaults are returned with
// an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
