// Package api implements the Nexus HTTP surface: a small web page for
// chatting with the agent, a JSON API and a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/nexus-agent/internal/agent"
	"github.com/nugget/nexus-agent/internal/buildinfo"
	"github.com/nugget/nexus-agent/internal/connwatch"
	"github.com/nugget/nexus-agent/internal/llm"
	"github.com/nugget/nexus-agent/internal/protocol"
	"github.com/nugget/nexus-agent/internal/tts"
)

// maxBodyBytes caps JSON and form request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Agent is the part of the agent loop the server drives. *agent.Loop
// satisfies it.
type Agent interface {
	Turn(ctx context.Context, input string, observe agent.Observer) (*agent.Result, error)
	Messages() []llm.Message
	Reset() error
	Model() string
}

// Workspace lists the files the agent has produced.
type Workspace interface {
	List() ([]string, error)
}

// Speaker turns text into an audio file.
type Speaker interface {
	Speak(ctx context.Context, text string) (string, error)
}

// Health reports the reachability of a dependency. *connwatch.Watcher
// satisfies it.
type Health interface {
	Status() connwatch.Status
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	agent     Agent
	workspace Workspace
	speaker   Speaker
	health    Health
	logger    *slog.Logger
	server    *http.Server
	page      *page

	// turnMu serializes turns: the conversation is a single history.
	turnMu sync.Mutex

	errMu     sync.Mutex
	lastError string
}

// NewServer creates a new API server.
func NewServer(address string, port int, ag Agent, ws Workspace, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		agent:     ag,
		workspace: ws,
		logger:    logger.With("component", "api"),
		page:      newPage(),
	}
}

// SetSpeaker enables POST /v1/speak.
func (s *Server) SetSpeaker(sp Speaker) {
	s.speaker = sp
}

// SetHealth makes /health report the model server's reachability.
func (s *Server) SetHealth(h Health) {
	s.health = h
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Web page
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /chat", s.handleChatForm)

	// JSON API
	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("GET /v1/workspace", s.handleWorkspace)
	mux.HandleFunc("POST /v1/speak", s.handleSpeak)
	mux.HandleFunc("GET /v1/ws", s.handleWebsocket)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// A turn runs several completions against a local model.
		WriteTimeout: 10 * time.Minute,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth answers 200 while the server is up. The status reads
// "degraded" when the model server is known to be unreachable, since
// turns will fail until it returns.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		st := s.health.Status()
		if st.Checked && !st.Ready {
			resp["status"] = "degraded"
		}
		resp["ollama"] = st
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// TurnRequest is the body of POST /v1/turn and of websocket frames.
type TurnRequest struct {
	Message string `json:"message"`
}

// TurnResponse reports one finished turn.
type TurnResponse struct {
	ID       string        `json:"id"`
	Messages []llm.Message `json:"messages"`
	Final    string        `json:"final,omitempty"`
	Answered bool          `json:"answered"`
	Steps    int           `json:"steps"`
	Error    string        `json:"error,omitempty"`
}

// runTurn runs one turn under the turn lock.
func (s *Server) runTurn(ctx context.Context, message string, observe agent.Observer) (TurnResponse, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	resp := TurnResponse{ID: uuid.NewString(), Messages: []llm.Message{}}
	log := s.logger.With("turn_id", resp.ID)
	log.Info("turn requested", "message_len", len(message))

	res, err := s.agent.Turn(ctx, message, observe)
	if res != nil {
		if res.Messages != nil {
			resp.Messages = res.Messages
		}
		resp.Final = res.Final
		resp.Answered = res.Answered
		resp.Steps = res.Steps
	}
	if err != nil {
		resp.Error = err.Error()
		log.Warn("turn failed", "error", err)
	}
	return resp, err
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.runTurn(r.Context(), req.Message, nil)
	status := http.StatusOK
	switch {
	case errors.Is(err, agent.ErrEmptyInput):
		status = http.StatusBadRequest
	case err != nil:
		// The model server failed; the conversation keeps what happened.
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"model":    s.agent.Model(),
		"messages": s.agent.Messages(),
	}, s.logger)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.turnMu.Lock()
	err := s.agent.Reset()
	s.turnMu.Unlock()
	if err != nil {
		s.logger.Error("reset failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reset failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "reset"}, s.logger)
}

func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	files, err := s.listFiles()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "cannot list workspace")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"files": files}, s.logger)
}

func (s *Server) listFiles() ([]string, error) {
	if s.workspace == nil {
		return []string{}, nil
	}
	files, err := s.workspace.List()
	if err != nil {
		s.logger.Warn("workspace listing failed", "error", err)
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}

// SpeakRequest is the body of POST /v1/speak. An empty Text speaks the
// most recent final answer.
type SpeakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if s.speaker == nil {
		s.errorResponse(w, http.StatusNotFound, "speech is not configured")
		return
	}

	var req SpeakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = lastFinalAnswer(s.agent.Messages())
	}

	path, err := s.speaker.Speak(r.Context(), text)
	if errors.Is(err, tts.ErrNothingToSay) {
		s.errorResponse(w, http.StatusBadRequest, "nothing to say")
		return
	}
	if err != nil {
		s.logger.Error("speech synthesis failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "speech synthesis failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"path": path}, s.logger)
}

// lastFinalAnswer returns the newest assistant Final Answer, or "".
func lastFinalAnswer(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == llm.RoleAssistant && protocol.HasFinalAnswer(m.Content) {
			return protocol.FinalAnswer(m.Content)
		}
	}
	return ""
}

func (s *Server) setLastError(msg string) {
	s.errMu.Lock()
	s.lastError = msg
	s.errMu.Unlock()
}

// takeLastError returns the pending page error and clears it.
func (s *Server) takeLastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	msg := s.lastError
	s.lastError = ""
	return msg
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
