package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/gluk-w/sshterm/internal/config"
	"github.com/gluk-w/sshterm/internal/logutil"
)

type forwardRequest struct {
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
}

func ListForwards(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.Forwards())
}

// CreateForward opens a local listener forwarding to remote_addr through
// the session. The forward lives until the session closes.
func CreateForward(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	var req forwardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RemoteAddr == "" {
		writeError(w, http.StatusBadRequest, "remote_addr is required")
		return
	}
	if req.LocalAddr == "" {
		req.LocalAddr = "127.0.0.1:0"
	}
	if !Defaults.ForwardAnyAddress && !config.IsLoopbackAddr(req.LocalAddr) {
		writeError(w, http.StatusForbidden, "local_addr must be a loopback address")
		return
	}

	// The request context ends with this response; the forward must not.
	f, err := s.Forward(context.Background(), req.LocalAddr, req.RemoteAddr)
	if err != nil {
		writeErr(w, err)
		return
	}
	log.Printf("[tunnel] session %s forwarding %s -> %s", s.ID, f.LocalAddr(), logutil.SanitizeForLog(req.RemoteAddr))
	writeJSON(w, http.StatusCreated, f.Metrics())
}
