package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sageloop/sage/internal/agent/runner"
	"github.com/sageloop/sage/internal/logging"
)

// Loopback-only process; cross-origin browser pages cannot reach it
// anyway, so the origin check passes everything.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsInbound is a chat message from the client
type wsInbound struct {
	Type       string `json:"type"` // chat, stop
	SessionKey string `json:"session_key,omitempty"`
	Message    string `json:"message,omitempty"`
}

// wsOutbound is a progress or result frame to the client
type wsOutbound struct {
	Type       string             `json:"type"` // thinking, tool_start, tool_complete, status, result, error
	Text       string             `json:"text,omitempty"`
	Tool       string             `json:"tool,omitempty"`
	Result     *runner.TurnResult `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	SessionKey string             `json:"session_key,omitempty"`
}

// handleWS upgrades to a WebSocket and streams progress events while
// turns run. One turn at a time per connection; a stop frame flips the
// shouldStop flag for the running turn.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("[server] ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(frame wsOutbound) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(frame); err != nil {
			logging.Debugf("[server] ws write failed: %v", err)
		}
	}

	var stopMu sync.Mutex
	stopRequested := false
	turnRunning := false
	shouldStop := func() bool {
		stopMu.Lock()
		defer stopMu.Unlock()
		return stopRequested
	}

	// The turn runs in a goroutine so the read loop stays free to pick
	// up a stop frame mid-turn.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in wsInbound
		if err := json.Unmarshal(raw, &in); err != nil {
			send(wsOutbound{Type: "error", Error: "malformed frame"})
			continue
		}
		switch in.Type {
		case "stop":
			stopMu.Lock()
			stopRequested = true
			stopMu.Unlock()
		case "chat":
			stopMu.Lock()
			if turnRunning {
				stopMu.Unlock()
				send(wsOutbound{Type: "error", Error: "a turn is already running"})
				continue
			}
			stopRequested = false
			turnRunning = true
			stopMu.Unlock()
			go func(in wsInbound) {
				defer func() {
					stopMu.Lock()
					turnRunning = false
					stopMu.Unlock()
				}()
				s.runTurn(r, in, send, shouldStop)
			}(in)
		default:
			send(wsOutbound{Type: "error", Error: "unknown frame type: " + in.Type})
		}
	}
}

func (s *Server) runTurn(r *http.Request, in wsInbound, send func(wsOutbound), shouldStop func() bool) {
	if in.SessionKey == "" {
		in.SessionKey = "default"
	}
	session, err := s.sessions.GetOrCreate(in.SessionKey)
	if err != nil {
		send(wsOutbound{Type: "error", Error: err.Error()})
		return
	}
	send(wsOutbound{Type: "status", Text: "processing", SessionKey: in.SessionKey})

	onProgress := func(ev runner.ProgressEvent) {
		send(wsOutbound{Type: ev.Type, Text: ev.Text, Tool: ev.Tool})
	}
	result, err := s.runner.ProcessMessage(r.Context(), session.ID, in.Message, nil, onProgress, shouldStop)
	if err != nil {
		send(wsOutbound{Type: "error", Error: err.Error()})
		return
	}
	send(wsOutbound{Type: "result", Result: result, SessionKey: in.SessionKey})
}
