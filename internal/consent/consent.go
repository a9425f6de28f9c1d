// Package consent decides whether a shell command proposed by the model
// may run.
//
// A Policy carries the auto-approve list and the denied patterns. A Gate
// applies the policy and, for interactive sessions, asks the person at
// the keyboard about everything the policy does not already settle.
package consent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultAutoApprove lists the first words that run without asking.
var DefaultAutoApprove = []string{"ls", "cat", "echo", "pwd"}

// controlChars are the shell metacharacters that chain, substitute or
// redirect. A command containing any of them is never auto-approved,
// since "ls; rm -rf ~" starts with an approved word.
const controlChars = ";&|$`><\n\r"

// Policy is the static part of the consent decision.
type Policy struct {
	AutoApprove    []string
	DeniedPatterns []string
}

// DeniedBy returns the first denied pattern contained in command,
// compared case-insensitively.
func (p Policy) DeniedBy(command string) (string, bool) {
	lower := strings.ToLower(command)
	for _, pattern := range p.DeniedPatterns {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern, true
		}
	}
	return "", false
}

// AutoApproved reports whether command may run without asking: its first
// word is on the auto-approve list and it contains no shell control
// characters.
func (p Policy) AutoApproved(command string) bool {
	if HasControlChars(command) {
		return false
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, word := range p.AutoApprove {
		if fields[0] == word {
			return true
		}
	}
	return false
}

// HasControlChars reports whether command contains characters that let
// one command line run, substitute or redirect into another.
func HasControlChars(command string) bool {
	return strings.ContainsAny(command, controlChars)
}

// Gate decides whether a command may run.
type Gate interface {
	Approve(ctx context.Context, command string) (bool, error)
}

// Prompter asks a person to confirm a command.
type Prompter interface {
	Confirm(ctx context.Context, command string) (bool, error)
}

// Interactive approves commands on the auto-approve list and asks its
// Prompter about the rest.
type Interactive struct {
	policy   Policy
	prompter Prompter
	logger   *slog.Logger
}

// NewInteractive creates an interactive gate.
func NewInteractive(policy Policy, prompter Prompter, logger *slog.Logger) *Interactive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interactive{
		policy:   policy,
		prompter: prompter,
		logger:   logger.With("component", "consent"),
	}
}

// Approve implements Gate.
func (g *Interactive) Approve(ctx context.Context, command string) (bool, error) {
	if g.policy.AutoApproved(command) {
		g.logger.Debug("command auto-approved", "command", command)
		return true, nil
	}

	ok, err := g.prompter.Confirm(ctx, command)
	if err != nil {
		return false, fmt.Errorf("consent prompt: %w", err)
	}
	g.logger.Info("consent decision", "command", command, "approved", ok)
	return ok, nil
}

// Mode selects the behaviour of a Static gate.
type Mode string

// Static gate modes.
const (
	ModeAllowlist Mode = "allowlist"
	ModeAllowAll  Mode = "allow_all"
	ModeDeny      Mode = "deny"
)

// Static decides without asking anyone. It serves sessions with no
// synchronous consent channel, such as HTTP requests and one-shot asks.
type Static struct {
	mode   Mode
	policy Policy
}

// NewStatic creates a static gate. An unrecognized mode behaves like
// ModeAllowlist.
func NewStatic(mode Mode, policy Policy) *Static {
	switch mode {
	case ModeAllowlist, ModeAllowAll, ModeDeny:
	default:
		mode = ModeAllowlist
	}
	return &Static{mode: mode, policy: policy}
}

// Mode returns the effective mode.
func (g *Static) Mode() Mode {
	return g.mode
}

// Approve implements Gate.
func (g *Static) Approve(_ context.Context, command string) (bool, error) {
	switch g.mode {
	case ModeAllowAll:
		return true, nil
	case ModeDeny:
		return false, nil
	default:
		return g.policy.AutoApproved(command), nil
	}
}

// New builds the gate for a configured mode name. "interactive" needs a
// prompter; without one it degrades to an allowlist gate.
func New(mode string, policy Policy, prompter Prompter, logger *slog.Logger) Gate {
	if mode == "interactive" {
		if prompter != nil {
			return NewInteractive(policy, prompter, logger)
		}
		return NewStatic(ModeAllowlist, policy)
	}
	return NewStatic(Mode(mode), policy)
}
