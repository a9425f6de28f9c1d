// Package tools defines the tools available to the agent.
//
// The set is closed: shell, write_file, read_file, search and
// consult_archive. Every tool takes one free-text argument and returns
// plain-text observation. Tools never return errors; a failure is an
// observation starting with "Error:" so the model can read it and try
// something else.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Name identifies a tool in the Action line of a completion.
type Name string

// The closed set of tools.
const (
	Shell          Name = "shell"
	WriteFile      Name = "write_file"
	ReadFile       Name = "read_file"
	Search         Name = "search"
	ConsultArchive Name = "consult_archive"
)

// ErrorPrefix starts every failure observation.
const ErrorPrefix = "Error:"

// Tool is one callable capability.
type Tool interface {
	Name() Name
	// Usage is a one-line description for the system prompt, in the
	// form "name(argument) - what it does".
	Usage() string
	// Execute runs the tool and returns the observation text.
	Execute(ctx context.Context, argument string) string
}

// Registry holds available tools.
type Registry struct {
	tools  map[Name]Tool
	order  []Name
	logger *slog.Logger
}

// NewRegistry creates a registry from the given tools. Later tools with
// a duplicate name replace earlier ones.
func NewRegistry(logger *slog.Logger, tools ...Tool) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[Name]Tool, len(tools)),
		logger: logger.With("component", "tools"),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name Name) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrToolUnavailable{ToolName: string(name)}
	}
	return t, nil
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	for i, n := range r.order {
		names[i] = string(n)
	}
	return names
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, len(r.order))
	for i, n := range r.order {
		out[i] = r.tools[n]
	}
	return out
}

// Execute runs the named tool and returns its observation. An unknown
// name yields an error observation listing the available tools.
func (r *Registry) Execute(ctx context.Context, name, argument string) string {
	t, err := r.Get(Name(name))
	if err != nil {
		return UnknownAction(name, r.Names())
	}

	start := time.Now()
	out := t.Execute(ctx, argument)
	r.logger.Info("tool executed",
		"tool", name,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"failed", IsError(out),
		"output_bytes", len(out),
	)
	r.logger.Debug("tool observation", "tool", name, "argument", argument, "observation", truncate(out, 500))
	return out
}

// UnknownAction is the observation for an action naming no registered
// tool. It lists the real ones so the model can correct itself.
func UnknownAction(name string, available []string) string {
	err := &ErrToolUnavailable{ToolName: name}
	return Errorf("%v. Available actions: %s", err, strings.Join(available, ", "))
}

// Errorf formats a failure observation.
func Errorf(format string, args ...any) string {
	return ErrorPrefix + " " + fmt.Sprintf(format, args...)
}

// IsError reports whether an observation describes a failure.
func IsError(observation string) bool {
	return strings.HasPrefix(observation, ErrorPrefix)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
