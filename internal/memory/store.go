// Package memory provides conversation memory storage.
//
// The agent holds one conversation. The full log stays in memory for the
// life of the process; the JSON memory file receives a truncated copy
// after every step so the next session resumes with the standing
// instructions and the most recent exchange.
package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nugget/nexus-agent/internal/llm"
)

// DefaultMaxMessages is the persisted conversation cap when none is configured.
const DefaultMaxMessages = 20

// Store manages the conversation and its memory file.
type Store struct {
	mu          sync.RWMutex
	messages    []llm.Message
	path        string // empty disables persistence
	maxMessages int
	logger      *slog.Logger
}

// NewStore creates a memory store backed by the JSON file at path.
// Nothing is read until Load is called.
func NewStore(path string, maxMessages int, logger *slog.Logger) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:        path,
		maxMessages: maxMessages,
		logger:      logger.With("component", "memory"),
	}
}

// Path returns the memory file location.
func (s *Store) Path() string {
	return s.path
}

// Load replaces the conversation with the contents of the memory file.
// A missing file yields an empty conversation. An unreadable or corrupt
// file is logged and also yields an empty conversation, so a damaged
// memory file never prevents the agent from starting.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		s.logger.Warn("memory file unreadable, starting fresh", "path", s.path, "error", err)
		return nil
	}

	var msgs []llm.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.logger.Warn("memory file corrupt, starting fresh", "path", s.path, "error", err)
		return nil
	}

	s.messages = msgs
	s.logger.Debug("memory loaded", "path", s.path, "messages", len(msgs))
	return nil
}

// Messages returns a copy of the full conversation.
func (s *Store) Messages() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make([]llm.Message, len(s.messages))
	copy(msgs, s.messages)
	return msgs
}

// Len returns the number of messages in the conversation.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Append adds a message to the end of the conversation.
func (s *Store) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, llm.Message{Role: role, Content: content})
}

// Last returns the most recent message and whether one exists.
func (s *Store) Last() (llm.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return llm.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Reset discards the whole conversation and persists the empty state.
func (s *Store) Reset() error {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
	return s.Save()
}

// Save writes the truncated conversation to the memory file as an
// indented JSON array. The write goes through a temporary file and a
// rename so a crash mid-write leaves the previous memory intact.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	msgs := Truncate(s.messages, s.maxMessages)
	s.mu.RUnlock()
	if msgs == nil {
		msgs = []llm.Message{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msgs); err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create memory directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace memory file: %w", err)
	}
	return nil
}

// Truncate returns at most limit messages: the first message followed by
// the most recent limit-1, in their original order. The input is never
// modified. A limit below one is treated as one.
func Truncate(msgs []llm.Message, limit int) []llm.Message {
	if limit < 1 {
		limit = 1
	}
	if len(msgs) <= limit {
		out := make([]llm.Message, len(msgs))
		copy(out, msgs)
		return out
	}

	out := make([]llm.Message, 0, limit)
	out = append(out, msgs[0])
	out = append(out, msgs[len(msgs)-(limit-1):]...)
	return out
}
