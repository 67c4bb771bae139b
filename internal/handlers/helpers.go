package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshterm/internal/session"
	"github.com/gluk-w/sshterm/internal/sshfiles"
	"github.com/gluk-w/sshterm/internal/sshmanager"
	"github.com/gluk-w/sshterm/internal/termerr"
)

// maxJSONBody bounds request bodies decoded by decodeJSON.
const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeErr maps err to a status code and writes it with its kind.
func writeErr(w http.ResponseWriter, err error) {
	body := map[string]string{"detail": err.Error()}
	if kind := termerr.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	writeJSON(w, statusForError(err), body)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrTransferNotFound), sshfiles.IsNotExist(err):
		return http.StatusNotFound
	case errors.Is(err, sshmanager.ErrDestinationBlocked):
		return http.StatusForbidden
	case errors.Is(err, sshmanager.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, sshmanager.ErrMaxConnections):
		return http.StatusServiceUnavailable
	}

	var te *termerr.Error
	if errors.As(err, &te) && te.Kind == termerr.KindTransfer && te.Code == sshfiles.StatusPermissionDenied {
		return http.StatusForbidden
	}
	switch termerr.KindOf(err) {
	case termerr.KindAuthentication:
		return http.StatusUnauthorized
	case termerr.KindChannelClosed:
		return http.StatusConflict
	case termerr.KindNetwork, termerr.KindProtocol:
		return http.StatusBadGateway
	case termerr.KindTimeout:
		return http.StatusGatewayTimeout
	case termerr.KindTransfer:
		return http.StatusBadGateway
	case termerr.KindAborted:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// lookupSession resolves the {id} URL parameter, writing a 404 when the
// session is unknown.
func lookupSession(w http.ResponseWriter, r *http.Request) *session.Session {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return nil
	}
	s := Sessions.Get(chi.URLParam(r, "id"))
	if s == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil
	}
	return s
}

// queryInt parses an integer query parameter, returning def when it is
// missing or malformed.
func queryInt(r *http.Request, name string, def int) int {
	if q := r.URL.Query().Get(name); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			return n
		}
	}
	return def
}
