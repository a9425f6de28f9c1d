package consent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// LinePrompter asks on a plain line-oriented stream. It prints the
// command and reads one line; "t", "tak", "y" and "yes" approve,
// anything else declines.
type LinePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewLinePrompter creates a prompter reading answers from r and writing
// questions to w.
func NewLinePrompter(r io.Reader, w io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(r), out: w}
}

// Confirm implements Prompter.
func (p *LinePrompter) Confirm(ctx context.Context, command string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprintf(p.out, "Run command: %s\nAllow? (t/n): ", command)

	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return false, err
	}
	return Affirmative(line), nil
}

// Affirmative reports whether answer approves a prompt.
func Affirmative(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "t", "tak", "y", "yes":
		return true
	default:
		return false
	}
}

// ConfirmPrompter shows a terminal confirm dialog.
type ConfirmPrompter struct {
	in  io.Reader
	out io.Writer
}

// NewConfirmPrompter creates a dialog prompter on the given terminal streams.
func NewConfirmPrompter(in io.Reader, out io.Writer) *ConfirmPrompter {
	return &ConfirmPrompter{in: in, out: out}
}

// Confirm implements Prompter. Aborting the dialog (Ctrl-C, Esc)
// declines the command rather than failing.
func (p *ConfirmPrompter) Confirm(ctx context.Context, command string) (bool, error) {
	approved := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Run this command?").
				Description(command).
				Affirmative("Run").
				Negative("Decline").
				Value(&approved),
		),
	).WithInput(p.in).WithOutput(p.out)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return approved, nil
}

// NewPrompter picks the dialog prompter when in is a terminal and the
// line prompter otherwise (pipes, scripts, tests).
func NewPrompter(in *os.File, out io.Writer) Prompter {
	if term.IsTerminal(int(in.Fd())) {
		return NewConfirmPrompter(in, out)
	}
	return NewLinePrompter(in, out)
}
