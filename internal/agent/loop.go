// Package agent implements the core agent loop.
//
// One user turn runs think, act, observe until the model writes a Final
// Answer or the step limit is reached. Each completion is appended to the
// conversation as an assistant message; each tool result comes back as a
// user message starting "Observation:". The conversation is saved after
// every step so a crash loses at most the step in flight.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/nexus-agent/internal/llm"
	"github.com/nugget/nexus-agent/internal/memory"
	"github.com/nugget/nexus-agent/internal/prompts"
	"github.com/nugget/nexus-agent/internal/protocol"
	"github.com/nugget/nexus-agent/internal/tools"
)

// DefaultMaxSteps bounds the completions one user turn may request.
const DefaultMaxSteps = 10

// ObservationPrefix starts every message the loop feeds back to the model.
const ObservationPrefix = "Observation: "

// ErrEmptyInput is returned by Turn for blank user input.
var ErrEmptyInput = errors.New("empty input")

// Executor runs parsed actions. tools.Registry satisfies it.
type Executor interface {
	Execute(ctx context.Context, name, argument string) string
	Names() []string
}

// Config holds the loop settings.
type Config struct {
	Model        string
	MaxSteps     int
	SystemPrompt string // seeded into an empty conversation
}

// Loop is the core agent execution loop.
type Loop struct {
	logger       *slog.Logger
	memory       *memory.Store
	llm          llm.Client
	tools        Executor
	model        string
	maxSteps     int
	systemPrompt string
}

// NewLoop creates a new agent loop.
func NewLoop(logger *slog.Logger, mem *memory.Store, client llm.Client, executor Executor, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	return &Loop{
		logger:       logger.With("component", "agent"),
		memory:       mem,
		llm:          client,
		tools:        executor,
		model:        cfg.Model,
		maxSteps:     cfg.MaxSteps,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Model returns the completion model name.
func (l *Loop) Model() string {
	return l.model
}

// Messages returns a copy of the conversation.
func (l *Loop) Messages() []llm.Message {
	return l.memory.Messages()
}

// Reset empties the conversation and its memory file. The next turn
// starts again from the system prompt.
func (l *Loop) Reset() error {
	if err := l.memory.Reset(); err != nil {
		return fmt.Errorf("reset memory: %w", err)
	}
	l.logger.Info("conversation reset")
	return nil
}

// Result summarizes one user turn.
type Result struct {
	// Final is the text after "Final Answer:", empty when the turn ended
	// without one.
	Final string `json:"final,omitempty"`
	// Answered reports whether the model produced a Final Answer.
	Answered bool `json:"answered"`
	// Steps is the number of completions requested.
	Steps int `json:"steps"`
	// Messages are those appended to the conversation during the turn.
	Messages []llm.Message `json:"messages"`
}

// Turn runs one user turn. observe, when non-nil, receives every event
// as it happens. A completion failure aborts the turn and is returned;
// the conversation keeps everything appended before it.
func (l *Loop) Turn(ctx context.Context, input string, observe Observer) (*Result, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	emit := func(e Event) {
		if observe != nil {
			observe(e)
		}
	}

	start := l.memory.Len()
	if start == 0 && l.systemPrompt != "" {
		l.memory.Append(llm.RoleSystem, l.systemPrompt)
		start = 1
	}
	l.memory.Append(llm.RoleUser, input)
	l.save()

	res := &Result{}
	turnStart := time.Now()
	l.logger.Info("turn started", "model", l.model, "history", l.memory.Len())

	finish := func() *Result {
		all := l.memory.Messages()
		if start < len(all) {
			res.Messages = all[start:]
		}
		l.logger.Info("turn finished",
			"steps", res.Steps,
			"answered", res.Answered,
			"elapsed", time.Since(turnStart).Round(time.Millisecond),
		)
		return res
	}

	for step := 1; step <= l.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			emit(Event{Kind: EventError, Step: step, Text: err.Error()})
			return finish(), err
		}

		res.Steps = step
		resp, err := l.llm.Chat(ctx, l.model, l.memory.Messages())
		if err != nil {
			l.logger.Error("completion failed", "step", step, "error", err)
			emit(Event{Kind: EventError, Step: step, Text: err.Error()})
			return finish(), fmt.Errorf("completion: %w", err)
		}

		text := resp.Message.Content
		l.memory.Append(llm.RoleAssistant, text)
		l.logger.Debug("completion received",
			"step", step,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
		)
		emit(Event{Kind: EventAssistant, Step: step, Text: text})

		if protocol.HasFinalAnswer(text) {
			l.save()
			res.Final = protocol.FinalAnswer(text)
			res.Answered = true
			emit(Event{Kind: EventDone, Step: step, Text: res.Final, Answered: true})
			return finish(), nil
		}

		observation := l.act(ctx, step, text, emit)
		l.memory.Append(llm.RoleUser, ObservationPrefix+observation)
		l.save()
		emit(Event{Kind: EventObservation, Step: step, Text: observation})
	}

	l.logger.Warn("step limit reached", "max_steps", l.maxSteps)
	emit(Event{Kind: EventDone, Step: l.maxSteps, Text: fmt.Sprintf("Stopped after %d steps without a final answer.", l.maxSteps)})
	return finish(), nil
}

// act parses a completion and returns the observation for it.
func (l *Loop) act(ctx context.Context, step int, text string, emit func(Event)) string {
	names := l.tools.Names()
	parsed := protocol.Parse(text, names)

	switch parsed.Kind {
	case protocol.ActionFound:
		a := parsed.Action
		l.logger.Info("action", "step", step, "tool", a.Name)
		emit(Event{Kind: EventAction, Step: step, Action: a.Name, Argument: a.Argument})
		return l.tools.Execute(ctx, a.Name, a.Argument)
	case protocol.UnknownAction:
		l.logger.Warn("unknown action", "step", step, "name", parsed.Name)
		return tools.UnknownAction(parsed.Name, names)
	case protocol.MalformedAction:
		l.logger.Warn("malformed action", "step", step, "reason", parsed.Reason)
		return tools.Errorf("malformed action: %s.", parsed.Reason)
	default:
		return prompts.ContinuePrompt()
	}
}

func (l *Loop) save() {
	if err := l.memory.Save(); err != nil {
		l.logger.Warn("failed to save memory", "path", l.memory.Path(), "error", err)
	}
}

// Input supplies user lines to Run. Next returns io.EOF when the user is
// done.
type Input interface {
	Next(ctx context.Context) (string, error)
}

// Run reads lines from in and runs a turn for each until in reports
// io.EOF, the user types exit or quit, or ctx is cancelled. Completion
// failures are reported through observe and the session continues.
func (l *Loop) Run(ctx context.Context, in Input, observe Observer) error {
	for {
		line, err := in.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if IsExit(line) {
			return nil
		}

		if _, err := l.Turn(ctx, line, observe); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Debug("turn aborted", "error", err)
		}
	}
}

// IsExit reports whether line asks to end the session.
func IsExit(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "exit", "quit":
		return true
	}
	return false
}
