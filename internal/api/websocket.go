package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nugget/nexus-agent/internal/agent"
)

// A nil CheckOrigin rejects cross-origin browser connections.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Frame types sent to websocket clients.
const (
	frameEvent  = "event"
	frameResult = "result"
	frameError  = "error"
)

// Frame is one server-to-client websocket message. Events stream while a
// turn runs; a result frame closes each turn.
type Frame struct {
	Type   string        `json:"type"`
	Event  *agent.Event  `json:"event,omitempty"`
	Result *TurnResponse `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// handleWebsocket runs one turn per client message and streams the loop
// events back as they happen.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	s.logger.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket closed normally")
			} else {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var req TurnRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := conn.WriteJSON(Frame{Type: frameError, Error: "invalid message: expected {\"message\": ...}"}); err != nil {
				return
			}
			continue
		}

		// The observer runs on this goroutine, so writes never race.
		var writeErr error
		observe := func(e agent.Event) {
			if writeErr != nil {
				return
			}
			writeErr = conn.WriteJSON(Frame{Type: frameEvent, Event: &e})
		}

		resp, _ := s.runTurn(ctx, req.Message, observe)
		if writeErr != nil {
			s.logger.Debug("websocket write failed", "error", writeErr)
			return
		}
		if err := conn.WriteJSON(Frame{Type: frameResult, Result: &resp}); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}
