package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/nexus-agent/internal/consent"
	"github.com/nugget/nexus-agent/internal/llm"
	"github.com/nugget/nexus-agent/internal/memory"
	"github.com/nugget/nexus-agent/internal/tools"
)

// mockLLM replays canned completions. When repeat is set the last
// response is returned forever.
type mockLLM struct {
	mu        sync.Mutex
	responses []string
	repeat    bool
	err       error
	next      int
	calls     [][]llm.Message
}

func (m *mockLLM) Chat(_ context.Context, _ string, msgs []llm.Message) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, msgs)
	if m.err != nil {
		return nil, m.err
	}
	i := m.next
	m.next++
	if i >= len(m.responses) {
		if !m.repeat || len(m.responses) == 0 {
			return nil, fmt.Errorf("mockLLM: no more responses (call %d)", i)
		}
		i = len(m.responses) - 1
	}
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, Content: m.responses[i]},
	}, nil
}

func (m *mockLLM) ChatStream(ctx context.Context, model string, msgs []llm.Message, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return m.Chat(ctx, model, msgs)
}

func (m *mockLLM) Ping(context.Context) error { return nil }

// refusingPrompter fails the test if anyone is asked for consent.
type refusingPrompter struct{ t *testing.T }

func (p refusingPrompter) Confirm(_ context.Context, cmd string) (bool, error) {
	p.t.Errorf("consent prompt shown for %q", cmd)
	return false, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	loop *Loop
	llm  *mockLLM
	ws   *tools.Workspace
	mem  *memory.Store
}

func newTestEnv(t *testing.T, mock *mockLLM) *testEnv {
	t.Helper()
	logger := discardLogger()

	ws, err := tools.NewWorkspace(filepath.Join(t.TempDir(), "workspace"))
	if err != nil {
		t.Fatal(err)
	}
	policy := consent.Policy{AutoApprove: consent.DefaultAutoApprove}
	reg := tools.NewRegistry(logger,
		tools.NewShellExec(tools.ShellExecConfig{
			WorkingDir: ws.Root(),
			Timeout:    10 * time.Second,
			Policy:     policy,
			Gate:       consent.NewInteractive(policy, refusingPrompter{t}, logger),
		}, logger),
		tools.NewWriteFileTool(ws),
		tools.NewReadFileTool(ws),
	)

	mem := memory.NewStore(filepath.Join(ws.Root(), "brain_memory.json"), 20, logger)
	loop := NewLoop(logger, mem, mock, reg, Config{
		Model:        "test-model",
		SystemPrompt: "You are a test agent.",
	})
	return &testEnv{loop: loop, llm: mock, ws: ws, mem: mem}
}

func TestTurn_FinalAnswerImmediately(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{"Thought: easy\nFinal Answer: Hello!"}})

	res, err := env.loop.Turn(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !res.Answered || res.Final != "Hello!" || res.Steps != 1 {
		t.Errorf("result = %+v", res)
	}

	msgs := env.loop.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[1].Content != "hi" || msgs[2].Role != llm.RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}
	if len(res.Messages) != 3 {
		t.Errorf("turn messages = %d, want 3 including the seeded system prompt", len(res.Messages))
	}
}

func TestTurn_ShellAutoApprovedEndToEnd(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{
		"Thought: look around\nAction: shell\nAction Input: ls",
		"Final Answer: there is a notes file",
	}})
	if err := os.WriteFile(filepath.Join(env.ws.Root(), "notes.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := env.loop.Turn(context.Background(), "what files are here?", nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !res.Answered {
		t.Fatal("expected a final answer")
	}

	msgs := env.loop.Messages()
	obs := msgs[3]
	if obs.Role != llm.RoleUser || !strings.HasPrefix(obs.Content, "Observation: STDOUT:") {
		t.Fatalf("observation = %+v", obs)
	}
	if !strings.Contains(obs.Content, "notes.txt") {
		t.Errorf("observation %q should list notes.txt", obs.Content)
	}
	// The second completion sees the observation.
	if last := env.llm.calls[1]; last[len(last)-1].Content != obs.Content {
		t.Error("second completion did not receive the observation")
	}
}

func TestTurn_WriteFile(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{
		"Thought: write it\nAction: write_file\nAction Input: hello.py || print(\"hi\")",
		"Final Answer: saved",
	}})

	if _, err := env.loop.Turn(context.Background(), "write hello.py", nil); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(env.ws.Root(), "hello.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `print("hi")` {
		t.Errorf("hello.py = %q", data)
	}
	if got := env.loop.Messages()[3].Content; got != "Observation: Saved hello.py (11 bytes)." {
		t.Errorf("observation = %q", got)
	}
}

func TestTurn_WriteFileFromCodeBlock(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{
		"Thought: draft\n```python\nprint(1)\n```\nAction: write_file\nAction Input: app.py\n```python\nprint(2)\n```",
		"Final Answer: ok",
	}})

	if _, err := env.loop.Turn(context.Background(), "write app.py", nil); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(env.ws.Root(), "app.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "print(2)" {
		t.Errorf("app.py = %q, want last fenced block", data)
	}
}

func TestTurn_UnknownAction(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{
		"Action: teleport\nAction Input: mars",
		"Final Answer: cannot",
	}})

	if _, err := env.loop.Turn(context.Background(), "go to mars", nil); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	obs := env.loop.Messages()[3].Content
	if !strings.HasPrefix(obs, "Observation: Error:") || !strings.Contains(obs, "teleport") {
		t.Errorf("observation = %q", obs)
	}
	if !strings.Contains(obs, "shell") {
		t.Errorf("observation %q should list available actions", obs)
	}
}

func TestTurn_NoAction(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{
		"Let me think about this.",
		"Final Answer: 4",
	}})

	if _, err := env.loop.Turn(context.Background(), "2+2?", nil); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got := env.loop.Messages()[3].Content; got != "Observation: Please continue or use Final Answer." {
		t.Errorf("observation = %q", got)
	}
}

func TestTurn_MalformedAction(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{
		"Action: write_file\nAction Input: only-a-name.txt",
		"Final Answer: gave up",
	}})

	if _, err := env.loop.Turn(context.Background(), "write", nil); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got := env.loop.Messages()[3].Content; !strings.HasPrefix(got, "Observation: Error: malformed action") {
		t.Errorf("observation = %q", got)
	}
}

func TestTurn_StepLimit(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{"Action: teleport\nAction Input: mars"}, repeat: true})

	var done []Event
	res, err := env.loop.Turn(context.Background(), "loop forever", func(e Event) {
		if e.Kind == EventDone {
			done = append(done, e)
		}
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Answered || res.Steps != DefaultMaxSteps {
		t.Errorf("result = %+v", res)
	}
	if len(env.llm.calls) != DefaultMaxSteps {
		t.Errorf("completions = %d, want %d", len(env.llm.calls), DefaultMaxSteps)
	}
	if len(done) != 1 || !strings.Contains(done[0].Text, "10 steps") {
		t.Errorf("done events = %+v", done)
	}
	// system + user + 10 x (assistant + observation)
	if got := len(env.loop.Messages()); got != 22 {
		t.Errorf("messages = %d, want 22", got)
	}
}

func TestTurn_CompletionFailure(t *testing.T) {
	mock := &mockLLM{err: errors.New("connection refused")}
	env := newTestEnv(t, mock)

	var events []Event
	_, err := env.loop.Turn(context.Background(), "hello", func(e Event) { events = append(events, e) })
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventError {
		t.Errorf("events = %+v", events)
	}

	// The session survives: the next turn appends after the failed one.
	mock.err = nil
	mock.responses = []string{"Final Answer: back"}
	res, err := env.loop.Turn(context.Background(), "again", nil)
	if err != nil {
		t.Fatalf("second Turn: %v", err)
	}
	if res.Final != "back" {
		t.Errorf("Final = %q", res.Final)
	}
	msgs := env.loop.Messages()
	if msgs[1].Content != "hello" || msgs[2].Content != "again" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestTurn_Events(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{
		"Action: shell\nAction Input: echo hi",
		"Final Answer: said hi",
	}})

	var kinds []string
	var action Event
	_, err := env.loop.Turn(context.Background(), "say hi", func(e Event) {
		kinds = append(kinds, string(e.Kind))
		if e.Kind == EventAction {
			action = e
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "assistant,action,observation,assistant,done"
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
	if action.Action != "shell" || action.Argument != "echo hi" || action.Step != 1 {
		t.Errorf("action event = %+v", action)
	}
}

func TestTurn_EmptyInput(t *testing.T) {
	env := newTestEnv(t, &mockLLM{})
	if _, err := env.loop.Turn(context.Background(), "   ", nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("err = %v, want ErrEmptyInput", err)
	}
	if len(env.llm.calls) != 0 {
		t.Error("no completion should be requested for blank input")
	}
}

func TestTurn_CancelledContext(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{"Final Answer: x"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.loop.Turn(ctx, "hi", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestTurn_PersistsTruncatedMemory(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{"Action: teleport\nAction Input: x"}, repeat: true})

	if _, err := env.loop.Turn(context.Background(), "go", nil); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(env.mem.Path())
	if err != nil {
		t.Fatal(err)
	}
	var saved []llm.Message
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatal(err)
	}
	if len(saved) != 20 {
		t.Fatalf("saved %d messages, want 20", len(saved))
	}
	if saved[0].Role != llm.RoleSystem {
		t.Errorf("saved[0] = %+v, want system message", saved[0])
	}
	all := env.loop.Messages()
	if saved[19] != all[len(all)-1] {
		t.Error("last saved message should be the newest")
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t, &mockLLM{responses: []string{"Final Answer: a", "Final Answer: b"}})
	ctx := context.Background()

	if _, err := env.loop.Turn(ctx, "one", nil); err != nil {
		t.Fatal(err)
	}
	if err := env.loop.Reset(); err != nil {
		t.Fatal(err)
	}
	if n := len(env.loop.Messages()); n != 0 {
		t.Fatalf("messages after reset = %d", n)
	}
	if _, err := env.loop.Turn(ctx, "two", nil); err != nil {
		t.Fatal(err)
	}
	if msgs := env.loop.Messages(); msgs[0].Role != llm.RoleSystem || msgs[1].Content != "two" {
		t.Errorf("messages after reset = %+v", msgs)
	}
}

type sliceInput struct {
	lines []string
}

func (s *sliceInput) Next(context.Context) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestRun(t *testing.T) {
	mock := &mockLLM{responses: []string{"Final Answer: one", "Final Answer: two"}}
	env := newTestEnv(t, mock)

	in := &sliceInput{lines: []string{"first", "", "second", "QUIT", "never"}}
	if err := env.loop.Run(context.Background(), in, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mock.calls) != 2 {
		t.Errorf("completions = %d, want 2", len(mock.calls))
	}
	if len(in.lines) != 1 {
		t.Errorf("Run should stop at quit, %d lines left", len(in.lines))
	}
}

func TestRun_CompletionFailureContinues(t *testing.T) {
	mock := &mockLLM{err: errors.New("down")}
	env := newTestEnv(t, mock)

	in := &sliceInput{lines: []string{"a", "b"}}
	if err := env.loop.Run(context.Background(), in, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mock.calls) != 2 {
		t.Errorf("completions = %d, want 2", len(mock.calls))
	}
}

func TestIsExit(t *testing.T) {
	for _, line := range []string{"exit", "quit", " Exit ", "QUIT"} {
		if !IsExit(line) {
			t.Errorf("IsExit(%q) = false", line)
		}
	}
	for _, line := range []string{"exit now", "", "q"} {
		if IsExit(line) {
			t.Errorf("IsExit(%q) = true", line)
		}
	}
}
