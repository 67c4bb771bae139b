package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/gluk-w/sshterm/internal/session"
	"github.com/gluk-w/sshterm/internal/sshterminal"
)

// terminalPushInterval is how often a viewer's screen is checked for
// changes.
const terminalPushInterval = 50 * time.Millisecond

// terminalReadLimit bounds one WebSocket message. JSON paste messages may
// carry up to 1 MiB of text plus escaping.
const terminalReadLimit = 4 * 1024 * 1024

type termMessage struct {
	Type string `json:"type"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Data string `json:"data,omitempty"`
}

type stateMessage struct {
	Type       string        `json:"type"`
	State      session.State `json:"state"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	ExitStatus *int          `json:"exit_status,omitempty"`
}

func newInputLimiter() *rate.Limiter {
	limit, burst := Defaults.InputRate, Defaults.InputBurst
	if limit <= 0 {
		limit = sshterminal.MessageRateLimit
	}
	if burst <= 0 {
		burst = sshterminal.MessageRateBurst
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// TerminalWS attaches a WebSocket viewer to a session.
//
// Client to server: binary messages are keystrokes; text messages are JSON
// {"type":"resize","rows":R,"cols":C}, {"type":"input","data":S} or
// {"type":"paste","data":S}. Messages over the input rate are dropped.
//
// Server to client: {"type":"session_info"} once, then {"type":"snapshot"}
// whenever the screen changes and {"type":"state"} on lifecycle changes.
// The socket stays open across disconnects so the viewer can reconnect the
// session over HTTP; it closes when the session closes.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] failed to accept websocket for session %s: %v", s.ID, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(terminalReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.Attach()
	log.Printf("[terminal] viewer attached: session=%s viewers=%d", s.ID, s.Viewers())
	defer func() {
		s.Detach()
		log.Printf("[terminal] viewer detached: session=%s viewers=%d", s.ID, s.Viewers())
	}()

	info, _ := json.Marshal(map[string]string{
		"type":       "session_info",
		"session_id": s.ID,
	})
	if err := conn.Write(ctx, websocket.MessageText, info); err != nil {
		return
	}

	go func() {
		defer cancel()
		pushScreen(ctx, conn, s)
	}()

	limiter := newInputLimiter()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if !limiter.Allow() {
			continue
		}
		if msgType == websocket.MessageBinary {
			if err := s.SendInput(data); err != nil {
				sendTermError(ctx, conn, err)
			}
			continue
		}
		handleTermMessage(ctx, conn, s, data)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func handleTermMessage(ctx context.Context, conn *websocket.Conn, s *session.Session, data []byte) {
	var msg termMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	var err error
	switch msg.Type {
	case "resize":
		rows := min(msg.Rows, sshterminal.MaxTermRows)
		cols := min(msg.Cols, sshterminal.MaxTermCols)
		if rows <= 0 || cols <= 0 {
			return
		}
		err = s.Resize(rows, cols)
	case "input":
		err = s.SendInput([]byte(msg.Data))
	case "paste":
		err = s.Paste(msg.Data)
	default:
		return
	}
	if err != nil {
		sendTermError(ctx, conn, err)
	}
}

func sendTermError(ctx context.Context, conn *websocket.Conn, err error) {
	msg, _ := json.Marshal(map[string]string{"type": "error", "detail": err.Error()})
	conn.Write(ctx, websocket.MessageText, msg)
}

// pushScreen writes a snapshot whenever the screen version moves and a
// state message whenever the lifecycle state changes, until ctx ends or
// the session closes.
func pushScreen(ctx context.Context, conn *websocket.Conn, s *session.Session) {
	ticker := time.NewTicker(terminalPushInterval)
	defer ticker.Stop()

	var (
		lastVersion uint64
		lastState   session.State
		first       = true
	)
	for {
		state := s.State()
		if first || state != lastState {
			if err := writeTermJSON(ctx, conn, stateFor(s, state)); err != nil {
				return
			}
			lastState = state
		}
		snap := s.Snapshot()
		if first || snap.Version != lastVersion {
			if err := writeTermJSON(ctx, conn, map[string]interface{}{
				"type":     "snapshot",
				"snapshot": snap,
			}); err != nil {
				return
			}
			lastVersion = snap.Version
		}
		first = false

		if state == session.StateClosed {
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func stateFor(s *session.Session, state session.State) stateMessage {
	msg := stateMessage{Type: "state", State: state}
	if err := s.Err(); err != nil {
		info := s.Info()
		msg.Error = info.Error
		msg.ErrorKind = string(info.ErrorKind)
	}
	if code, ok := s.ExitStatus(); ok {
		msg.ExitStatus = &code
	}
	return msg
}

func writeTermJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
