package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/session"
	"github.com/gluk-w/sshterm/internal/sshfiles"
	"github.com/gluk-w/sshterm/internal/sshmanager"
)

// Sessions is set from main.go during init.
var Sessions *session.Manager

// Defaults holds the server-side session settings, set from main.go.
var Defaults SessionDefaults

// SessionDefaults are applied to every session created over HTTP.
type SessionDefaults struct {
	Term            string
	Rows            int
	Cols            int
	ScrollbackLines int

	Transport sshmanager.Options
	SFTP      sshfiles.Options

	Record       bool
	RecordingDir string
	Persist      bool

	// InputRate and InputBurst bound terminal messages per WebSocket.
	InputRate  float64
	InputBurst int

	// ForwardAnyAddress lets forwards listen beyond loopback.
	ForwardAnyAddress bool

	// ConnectTimeout bounds session creation and reconnects.
	ConnectTimeout time.Duration
}

type createSessionRequest struct {
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PrivateKey     string `json:"private_key"`
	PrivateKeyPath string `json:"private_key_path"`
	Passphrase     string `json:"passphrase"`
	UseAgent       bool   `json:"use_agent"`
	Term           string `json:"term"`
	Rows           int    `json:"rows"`
	Cols           int    `json:"cols"`
	Command        string `json:"command"`
	Record         *bool  `json:"record"`
}

func (req createSessionRequest) config() session.Config {
	cfg := session.Config{
		Name:     req.Name,
		Endpoint: sshmanager.Endpoint{Host: req.Host, Port: req.Port},
		Credentials: sshmanager.Credentials{
			Username:       req.Username,
			Password:       req.Password,
			PrivateKeyPEM:  []byte(req.PrivateKey),
			PrivateKeyPath: req.PrivateKeyPath,
			Passphrase:     []byte(req.Passphrase),
			UseAgent:       req.UseAgent,
		},
		Term:            firstNonEmpty(req.Term, Defaults.Term),
		Rows:            firstPositive(req.Rows, Defaults.Rows),
		Cols:            firstPositive(req.Cols, Defaults.Cols),
		Command:         req.Command,
		ScrollbackLines: Defaults.ScrollbackLines,
		Transport:       Defaults.Transport,
		SFTP:            Defaults.SFTP,
		Record:          Defaults.Record,
		RecordingDir:    Defaults.RecordingDir,
		Persist:         Defaults.Persist,
	}
	if req.Record != nil {
		cfg.Record = *req.Record
	}
	return cfg
}

func connectContext(r *http.Request) (context.Context, context.CancelFunc) {
	if Defaults.ConnectTimeout > 0 {
		return context.WithTimeout(r.Context(), Defaults.ConnectTimeout)
	}
	return context.WithCancel(r.Context())
}

// CreateSession connects a new terminal session.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Host == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "host and username are required")
		return
	}

	ctx, cancel := connectContext(r)
	defer cancel()

	start := time.Now()
	s, err := Sessions.Create(ctx, req.config())
	if err != nil {
		log.Printf("[http] create session %s@%s failed: %v",
			logutil.SanitizeForLog(req.Username), logutil.HostPort(req.Host, req.Port), err)
		writeErr(w, err)
		return
	}
	log.Printf("[http] session %s created for %s@%s in %s",
		s.ID, logutil.SanitizeForLog(req.Username), logutil.HostPort(req.Host, req.Port), time.Since(start))
	writeJSON(w, http.StatusCreated, s.Info())
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	list := Sessions.List()
	infos := make([]session.Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	if err := Sessions.Close(s.ID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSnapshot returns the current screen. With ?format=text only the
// visible lines are returned, one per line.
func GetSnapshot(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	snap := s.Snapshot()
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(snap.Text()))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type resizeRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func ResizeSession(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	var req resizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Resize(req.Rows, req.Cols); err != nil {
		if errors.Is(err, session.ErrClosed) {
			writeErr(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ReconnectSession(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	ctx, cancel := connectContext(r)
	defer cancel()
	if err := s.Reconnect(ctx); err != nil {
		log.Printf("[http] reconnect session %s failed: %v", s.ID, err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

type inputRequest struct {
	Data  string `json:"data"`
	Paste bool   `json:"paste"`
}

// SendInput writes keystrokes, or a paste, to the session's shell.
func SendInput(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	var req inputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	if req.Paste {
		err = s.Paste(req.Data)
	} else {
		err = s.SendInput([]byte(req.Data))
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type execRequest struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout_seconds"`
}

// ExecCommand runs a command next to the shell and returns its output.
func ExecCommand(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	var req execRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	timeout := 60 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	res, err := s.Exec(ctx, req.Command)
	if err != nil {
		writeErr(w, err)
		return
	}
	log.Printf("[http] exec session=%s command=%s exit=%d duration=%s",
		s.ID, logutil.SanitizeForLog(req.Command), res.ExitCode, time.Since(start))
	writeJSON(w, http.StatusOK, res)
}

// GetSessionEvents reports the transport history the SSH manager keeps for
// the session.
func GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	if SSHMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "SSH manager not initialized")
		return
	}
	info := s.Info()
	target := sshmanager.RateLimitKey(sshmanager.Endpoint{Host: info.Host, Port: info.Port}, info.Username)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":       SSHMgr.GetConnectionState(s.ID).String(),
		"events":      SSHMgr.GetRecentEvents(s.ID, queryInt(r, "limit", 50)),
		"transitions": SSHMgr.GetStateTransitions(s.ID),
		"rate_limit":  SSHMgr.GetRateLimitStatus(target),
	})
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstPositive(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
