package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nugget/nexus-agent/internal/consent"
)

// Observations the shell tool returns when nothing failed.
const (
	NoOutput = "Command executed (no output)."
	Declined = "Command declined by user."
)

// ShellExec runs model-proposed commands with sh -c in the workspace,
// after the denied patterns and the consent gate have had their say.
type ShellExec struct {
	workingDir     string
	timeout        time.Duration
	maxOutputBytes int
	policy         consent.Policy
	gate           consent.Gate
	logger         *slog.Logger
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	WorkingDir     string
	Timeout        time.Duration
	MaxOutputBytes int
	Policy         consent.Policy
	Gate           consent.Gate
}

// NewShellExec creates a new shell executor. A nil gate approves only
// the commands the policy auto-approves.
func NewShellExec(cfg ShellExecConfig, logger *slog.Logger) *ShellExec {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 64 * 1024
	}
	if cfg.Gate == nil {
		cfg.Gate = consent.NewStatic(consent.ModeAllowlist, cfg.Policy)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellExec{
		workingDir:     cfg.WorkingDir,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		policy:         cfg.Policy,
		gate:           cfg.Gate,
		logger:         logger.With("tool", Shell),
	}
}

// Name implements Tool.
func (s *ShellExec) Name() Name { return Shell }

// Usage implements Tool.
func (s *ShellExec) Usage() string {
	return "shell(command) - run a shell command in the workspace and see its output"
}

// Execute implements Tool.
func (s *ShellExec) Execute(ctx context.Context, argument string) string {
	command := strings.TrimSpace(strings.ReplaceAll(argument, "`", ""))
	if command == "" {
		return Errorf("no command given. Put the command on the Action Input line.")
	}

	if pattern, denied := s.policy.DeniedBy(command); denied {
		s.logger.Warn("command blocked", "command", command, "pattern", pattern)
		return Errorf("command blocked by security policy: matches denied pattern %q", pattern)
	}

	ok, err := s.gate.Approve(ctx, command)
	if err != nil {
		s.logger.Warn("consent unavailable", "command", command, "error", err)
		return Errorf("could not ask for consent: %v", err)
	}
	if !ok {
		return Declined
	}

	res, err := s.Exec(ctx, command)
	if err != nil {
		return Errorf("%v", err)
	}
	return res.Observation(s.timeout)
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// Observation renders the result the way the model sees it.
func (r *ExecResult) Observation(timeout time.Duration) string {
	if r.TimedOut {
		out := Errorf("command timed out after %s", timeout)
		if r.Stdout != "" || r.Stderr != "" {
			out += "\n" + r.streams()
		}
		return out
	}
	if r.Stdout == "" && r.Stderr == "" && r.ExitCode == 0 {
		return NoOutput
	}
	out := r.streams()
	if r.ExitCode != 0 {
		out += fmt.Sprintf("\nEXIT CODE: %d", r.ExitCode)
	}
	return out
}

func (r *ExecResult) streams() string {
	return "STDOUT:\n" + r.Stdout + "\nSTDERR:\n" + r.Stderr
}

// Exec runs command without any policy checks. The command is killed
// when the timeout elapses or ctx is cancelled.
func (s *ShellExec) Exec(ctx context.Context, command string) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}
	// Background children can hold the pipes open after sh exits.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		s.logger.Warn("command timed out", "command", command, "timeout", s.timeout)
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	s.logger.Debug("command finished",
		"command", command,
		"exit_code", result.ExitCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

// truncateOutput cuts output to at most maxBytes on a rune boundary,
// adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return truncate(s, maxBytes) + "\n\n[... output truncated ...]"
}
