package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/gluk-w/sshterm/internal/session"
)

// wsFrame is the union of the server's terminal messages. Snapshot cells
// are reduced to their graphemes.
type wsFrame struct {
	Type       string        `json:"type"`
	SessionID  string        `json:"session_id"`
	State      session.State `json:"state"`
	ExitStatus *int          `json:"exit_status"`
	Detail     string        `json:"detail"`
	Snapshot   *struct {
		Rows    int `json:"rows"`
		Cols    int `json:"cols"`
		Version int `json:"version"`
		Cells   [][]struct {
			G string `json:"g"`
		} `json:"cells"`
	} `json:"snapshot"`
}

func (f wsFrame) text() string {
	if f.Snapshot == nil {
		return ""
	}
	var b strings.Builder
	for _, row := range f.Snapshot.Cells {
		for _, c := range row {
			b.WriteString(c.G)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func dialTerminal(t *testing.T, env *testEnv, id string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(env.api.URL, "http") + "/api/v1/sessions/" + id + "/terminal"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial terminal: %v", err)
	}
	conn.SetReadLimit(terminalReadLimit)
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) wsFrame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f wsFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, what string, match func(wsFrame) bool) wsFrame {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		var f wsFrame
		if json.Unmarshal(data, &f) == nil && match(f) {
			return f
		}
	}
}

func TestTerminalWSHandshake(t *testing.T) {
	env := setupAPI(t)
	id := env.createSession(t)
	conn, ctx := dialTerminal(t, env, id)

	if f := readFrame(t, ctx, conn); f.Type != "session_info" || f.SessionID != id {
		t.Fatalf("first frame = %+v", f)
	}
	if f := readFrame(t, ctx, conn); f.Type != "state" || f.State != session.StateConnected {
		t.Fatalf("second frame = %+v", f)
	}
	f := readFrame(t, ctx, conn)
	if f.Type != "snapshot" || f.Snapshot == nil || f.Snapshot.Rows != 24 || f.Snapshot.Cols != 80 {
		t.Fatalf("third frame = %+v", f)
	}
	waitFor(t, "viewer attached", func() bool { return Sessions.Get(id).Viewers() == 1 })

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "viewer detached", func() bool { return Sessions.Get(id).Viewers() == 0 })
}

func TestTerminalWSInputAndResize(t *testing.T) {
	env := setupAPI(t)
	id := env.createSession(t)
	conn, ctx := dialTerminal(t, env, id)

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("print over-ws\r")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	readUntil(t, ctx, conn, "echoed output", func(f wsFrame) bool {
		return strings.Contains(f.text(), "\nover-ws ")
	})

	paste, _ := json.Marshal(termMessage{Type: "paste", Data: "print pasted\n"})
	if err := conn.Write(ctx, websocket.MessageText, paste); err != nil {
		t.Fatalf("write paste: %v", err)
	}
	readUntil(t, ctx, conn, "pasted output", func(f wsFrame) bool {
		return strings.Contains(f.text(), "\npasted ")
	})

	resize, _ := json.Marshal(termMessage{Type: "resize", Rows: 40, Cols: 120})
	if err := conn.Write(ctx, websocket.MessageText, resize); err != nil {
		t.Fatalf("write resize: %v", err)
	}
	readUntil(t, ctx, conn, "resized snapshot", func(f wsFrame) bool {
		return f.Snapshot != nil && f.Snapshot.Rows == 40 && f.Snapshot.Cols == 120
	})
	waitFor(t, "remote window change", func() bool {
		for _, w := range env.ssh.Windows() {
			if w.Height == 40 && w.Width == 120 {
				return true
			}
		}
		return false
	})

	// Oversized resizes are clamped, not rejected.
	huge, _ := json.Marshal(termMessage{Type: "resize", Rows: 10000, Cols: 10000})
	conn.Write(ctx, websocket.MessageText, huge)
	readUntil(t, ctx, conn, "clamped snapshot", func(f wsFrame) bool {
		return f.Snapshot != nil && f.Snapshot.Rows == 200 && f.Snapshot.Cols == 500
	})
}

func TestTerminalWSStateChanges(t *testing.T) {
	env := setupAPI(t)
	id := env.createSession(t)
	conn, ctx := dialTerminal(t, env, id)

	conn.Write(ctx, websocket.MessageBinary, []byte("exit 7\r"))
	f := readUntil(t, ctx, conn, "exited state", func(f wsFrame) bool {
		return f.Type == "state" && f.State == session.StateExited
	})
	if f.ExitStatus == nil || *f.ExitStatus != 7 {
		t.Errorf("exit status = %v", f.ExitStatus)
	}

	conn.Write(ctx, websocket.MessageBinary, []byte("ignored"))
	readUntil(t, ctx, conn, "input error", func(f wsFrame) bool { return f.Type == "error" })

	resp := env.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	expectStatus(t, resp, http.StatusNoContent)
	readUntil(t, ctx, conn, "closed state", func(f wsFrame) bool {
		return f.Type == "state" && f.State == session.StateClosed
	})
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close err = %v, want normal closure", err)
	}
}

func TestNewInputLimiter(t *testing.T) {
	prev := Defaults
	t.Cleanup(func() { Defaults = prev })

	Defaults = SessionDefaults{}
	l := newInputLimiter()
	if l.Limit() != rate.Limit(100) || l.Burst() != 200 {
		t.Errorf("default limiter = %v/%d", l.Limit(), l.Burst())
	}

	Defaults = SessionDefaults{InputRate: 1, InputBurst: 2}
	l = newInputLimiter()
	if !l.Allow() || !l.Allow() || l.Allow() {
		t.Error("limiter did not stop after its burst")
	}
}
