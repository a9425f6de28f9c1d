// Package console is the interactive terminal front end.
//
// It reads user lines with readline, renders agent events with lipgloss,
// handles slash commands locally, and asks for shell consent on the same
// line editor the user types into.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/chzyer/readline"

	"github.com/nugget/nexus-agent/internal/agent"
	"github.com/nugget/nexus-agent/internal/consent"
)

// previewRunes caps how much of an observation is echoed to the screen.
const previewRunes = 500

// Commands are the slash-command handlers. Nil handlers are reported
// as unavailable.
type Commands struct {
	Reset  func() error
	Files  func() ([]string, error)
	Ingest func(ctx context.Context, src string) (int, error)
}

// lineEditor is the part of *readline.Instance the console uses.
type lineEditor interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

// Console reads input and renders output for one chat session.
type Console struct {
	editor   lineEditor
	out      io.Writer
	st       styles
	commands Commands
	prompt   string
}

// Options configure a console.
type Options struct {
	HistoryFile string
	Stdin       io.ReadCloser // nil means os.Stdin
	Stdout      io.Writer     // nil means os.Stdout
	Theme       *Theme
	Commands    Commands
}

// New opens a readline-backed console.
func New(opts Options) (*Console, error) {
	cfg := &readline.Config{
		Prompt:          "\nYOU: ",
		HistoryFile:     opts.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}
	if opts.Stdin != nil {
		cfg.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		cfg.Stdout = opts.Stdout
	}

	rl, err := readline.NewEx(cfg)
	if err != nil {
		return nil, fmt.Errorf("open line editor: %w", err)
	}
	return newConsole(rl, rl.Stdout(), opts), nil
}

func newConsole(editor lineEditor, out io.Writer, opts Options) *Console {
	theme := DefaultTheme
	if opts.Theme != nil {
		theme = *opts.Theme
	}
	c := &Console{
		editor:   editor,
		out:      out,
		st:       newStyles(theme, out),
		commands: opts.Commands,
	}
	c.prompt = "\n" + c.st.prompt.Render("YOU:") + " "
	editor.SetPrompt(c.prompt)
	return c
}

// Close releases the terminal.
func (c *Console) Close() error {
	return c.editor.Close()
}

// Banner prints the session header.
func (c *Console) Banner(title, detail string) {
	fmt.Fprintln(c.out, c.st.banner.Render("--- "+title+" ---"))
	if detail != "" {
		fmt.Fprintln(c.out, c.st.faint.Render(detail))
	}
	fmt.Fprintln(c.out, c.st.faint.Render("Type /help for commands, exit to quit."))
}

// Next implements agent.Input. Slash commands are handled here and
// never reach the agent. Ctrl-C and Ctrl-D end the session.
func (c *Console) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line, err := c.editor.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}

		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/") {
			c.runCommand(ctx, line)
			continue
		}
		return line, nil
	}
}

func (c *Console) runCommand(ctx context.Context, line string) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "reset":
		if c.commands.Reset == nil {
			c.Errorf("reset is not available")
			return
		}
		if err := c.commands.Reset(); err != nil {
			c.Errorf("reset failed: %v", err)
			return
		}
		c.Systemf("Memory cleared.")
	case "files":
		if c.commands.Files == nil {
			c.Errorf("files is not available")
			return
		}
		files, err := c.commands.Files()
		if err != nil {
			c.Errorf("list workspace: %v", err)
			return
		}
		if len(files) == 0 {
			c.Systemf("Workspace is empty.")
			return
		}
		c.Systemf("Workspace:\n  %s", strings.Join(files, "\n  "))
	case "ingest":
		if arg == "" {
			c.Errorf("usage: /ingest <path|url>")
			return
		}
		if c.commands.Ingest == nil {
			c.Errorf("the knowledge base is not available")
			return
		}
		n, err := c.commands.Ingest(ctx, arg)
		if err != nil {
			c.Errorf("ingest failed: %v", err)
			return
		}
		c.Systemf("Analyzed %s. Added %d fragments to long-term memory.", arg, n)
	default:
		c.Systemf("Commands:\n  /reset          clear conversation memory\n  /files          list the workspace\n  /ingest <src>   add a PDF, text file or URL to the knowledge base\n  exit            quit")
	}
}

// Confirm implements consent.Prompter on the console's own line editor.
func (c *Console) Confirm(ctx context.Context, command string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprintln(c.out, c.st.alert.Render("[SECURITY]")+" The agent wants to run: "+c.st.action.Render(command))

	c.editor.SetPrompt(c.st.alert.Render("Allow? (t/n):") + " ")
	defer c.editor.SetPrompt(c.prompt)

	answer, err := c.editor.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return consent.Affirmative(answer), nil
}

// Observe renders an agent event. It has the agent.Observer signature.
func (c *Console) Observe(e agent.Event) {
	switch e.Kind {
	case agent.EventAssistant:
		fmt.Fprintf(c.out, "\n%s %s\n", c.st.assistant.Render("[AI]:"), e.Text)
	case agent.EventAction:
		fmt.Fprintln(c.out, c.st.action.Render(fmt.Sprintf("[ACTION] %s: %s", e.Action, Preview(e.Argument, 120))))
	case agent.EventObservation:
		fmt.Fprintf(c.out, "%s %s\n", c.st.system.Render("[SYSTEM]:"), Preview(e.Text, previewRunes))
	case agent.EventError:
		c.Errorf("%s", e.Text)
		c.Systemf("Is `ollama serve` running?")
	case agent.EventDone:
		if !e.Answered {
			fmt.Fprintln(c.out, c.st.faint.Render(e.Text))
		}
	}
}

// Systemf prints a system notice.
func (c *Console) Systemf(format string, args ...any) {
	fmt.Fprintf(c.out, "%s %s\n", c.st.system.Render("[SYSTEM]:"), fmt.Sprintf(format, args...))
}

// Errorf prints an error notice.
func (c *Console) Errorf(format string, args ...any) {
	fmt.Fprintln(c.out, c.st.err.Render("[ERROR]: "+fmt.Sprintf(format, args...)))
}

// Preview shortens s to n runes, marking the cut with "...".
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
