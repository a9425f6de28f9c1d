package llm

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOllamaChatResponse_ToChatResponse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantContent string
		wantDone    bool
		wantIn      int
		wantOut     int
		wantTotal   time.Duration
		wantCreated bool
	}{
		{
			name: "final reply with stats",
			raw: `{"model":"phi3","created_at":"2025-03-02T15:00:00.123456789Z",
				"message":{"role":"assistant","content":"Thought: list files\nAction: shell\nAction Input: ls"},
				"done":true,"total_duration":1234567890,"load_duration":100000000,
				"prompt_eval_count":42,"eval_count":15,"eval_duration":600000000}`,
			wantContent: "Thought: list files\nAction: shell\nAction Input: ls",
			wantDone:    true,
			wantIn:      42,
			wantOut:     15,
			wantTotal:   1234567890 * time.Nanosecond,
			wantCreated: true,
		},
		{
			name:        "stream chunk",
			raw:         `{"model":"phi3","created_at":"2025-03-02T15:02:00Z","message":{"role":"assistant","content":"Th"},"done":false}`,
			wantContent: "Th",
			wantCreated: true,
		},
		{
			name:        "empty timestamp",
			raw:         `{"model":"phi3","created_at":"","message":{"role":"assistant","content":"hello"},"done":true}`,
			wantContent: "hello",
			wantDone:    true,
		},
		{
			name: "large counts",
			raw: `{"model":"llama3:70b","created_at":"2025-03-02T15:00:00Z","message":{"role":"assistant","content":"ok"},
				"done":true,"prompt_eval_count":32768,"eval_count":4096,"total_duration":45000000000}`,
			wantContent: "ok",
			wantDone:    true,
			wantIn:      32768,
			wantOut:     4096,
			wantTotal:   45 * time.Second,
			wantCreated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wire ollamaChatResponse
			if err := json.Unmarshal([]byte(tt.raw), &wire); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			resp := wire.toChatResponse()

			if resp.Message.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", resp.Message.Content, tt.wantContent)
			}
			if resp.Done != tt.wantDone {
				t.Errorf("Done = %v, want %v", resp.Done, tt.wantDone)
			}
			if resp.InputTokens != tt.wantIn || resp.OutputTokens != tt.wantOut {
				t.Errorf("tokens = %d/%d, want %d/%d", resp.InputTokens, resp.OutputTokens, tt.wantIn, tt.wantOut)
			}
			if resp.TotalDuration != tt.wantTotal {
				t.Errorf("TotalDuration = %v, want %v", resp.TotalDuration, tt.wantTotal)
			}
			if resp.CreatedAt.IsZero() == tt.wantCreated {
				t.Errorf("CreatedAt = %v, parsed want %v", resp.CreatedAt, tt.wantCreated)
			}
		})
	}
}

func TestMessage_WireFormat(t *testing.T) {
	data, err := json.Marshal(Message{Role: RoleUser, Content: "Observation: ok"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"user","content":"Observation: ok"}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}
}
