package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/sshterm/internal/logging"
)

func TestStreamLogs(t *testing.T) {
	env := setupAPI(t)
	id := env.createSession(t)
	base := "/api/v1/sessions/" + id

	resp := env.do(t, http.MethodGet, base+"/logs?type=auth&tail=5&follow=false", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	// The test server answers every exec with the command it received.
	if body := readBody(t, resp); body != "data: out:tail -n 5 '/var/log/auth.log'\n\n" {
		t.Errorf("body = %q", body)
	}

	resp = env.do(t, http.MethodGet, base+"/logs?path=/srv/app.log", nil)
	expectStatus(t, resp, http.StatusOK)
	if body := readBody(t, resp); !strings.Contains(body, "tail -n 100 -F '/srv/app.log'") {
		t.Errorf("follow body = %q", body)
	}

	resp = env.do(t, http.MethodGet, base+"/logs?type=nope", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp = env.do(t, http.MethodGet, base+"/logs?path=relative.log", nil)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestListLogFiles(t *testing.T) {
	env := setupAPI(t)
	id := env.createSession(t)

	resp := env.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/logs/files", nil)
	expectStatus(t, resp, http.StatusOK)
	var body struct {
		Files []string `json:"files"`
	}
	decodeBody(t, resp, &body)
	if len(body.Files) != 1 || !strings.HasPrefix(body.Files[0], "out:[ -f '/var/log/syslog' ]") {
		t.Errorf("files = %q", body.Files)
	}
}

func TestServerLogs(t *testing.T) {
	env := &testEnv{api: httptest.NewServer(NewRouter(""))}
	t.Cleanup(env.api.Close)
	path := filepath.Join(t.TempDir(), "server.log")
	logging.Init(path)
	t.Cleanup(logging.Shutdown)

	os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644)

	resp := env.do(t, http.MethodGet, "/api/v1/logs?lines=2", nil)
	expectStatus(t, resp, http.StatusOK)
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["logs"] != "two\nthree" {
		t.Errorf("logs = %q", body["logs"])
	}

	resp = env.do(t, http.MethodDelete, "/api/v1/logs", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp = env.do(t, http.MethodGet, "/api/v1/logs", nil)
	decodeBody(t, resp, &body)
	if body["logs"] != "" {
		t.Errorf("logs after clear = %q", body["logs"])
	}
}
