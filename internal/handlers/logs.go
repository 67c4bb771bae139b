package handlers

import (
	"fmt"
	"log"
	"net/http"
	"path"
	"strconv"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/sshlogs"
)

// StreamLogs streams a remote log file over Server-Sent Events.
//
// Query parameters:
//   - type: a named log (syslog, messages, auth, secure, kern); default syslog
//   - path: an absolute file path, overriding type
//   - tail: number of trailing lines to send first (default 100)
//   - follow: keep streaming new lines (default true)
func StreamLogs(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}

	q := r.URL.Query()
	logPath := q.Get("path")
	if logPath == "" {
		logType := sshlogs.LogType(q.Get("type"))
		if logType == "" {
			logType = sshlogs.LogTypeSyslog
		}
		p, ok := sshlogs.ResolveLogPath(logType)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown log type: %s", logutil.SanitizeForLog(string(logType))))
			return
		}
		logPath = p
	}
	if !path.IsAbs(logPath) {
		writeError(w, http.StatusBadRequest, "path must be absolute")
		return
	}
	tail := queryInt(r, "tail", sshlogs.DefaultTailLines)
	follow := true
	if f := q.Get("follow"); f != "" {
		if v, err := strconv.ParseBool(f); err == nil {
			follow = v
		}
	}

	ch, err := s.TailLog(r.Context(), logPath, tail, follow)
	if err != nil {
		log.Printf("[sshlogs] failed to stream %s for session %s: %v", logutil.SanitizeForLog(logPath), s.ID, err)
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// ListLogFiles reports which well-known logs exist on the remote host.
func ListLogFiles(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	files, err := s.LogFiles()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}
