package handlers

import (
	"log"
	"net/http"

	"github.com/gluk-w/sshterm/internal/database"
	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/sshmanager"
)

// SSHMgr is set from main.go during init.
var SSHMgr *sshmanager.SSHManager

// SSHConnectionTest dials the given host with the given credentials,
// measures one keepalive round trip and disconnects. The outcome is
// reported in the body; the status is 200 unless the request is invalid.
func SSHConnectionTest(w http.ResponseWriter, r *http.Request) {
	if SSHMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "SSH manager not initialized")
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
	cfg := req.config()
	if cfg.Endpoint.Port == 0 {
		cfg.Endpoint.Port = 22
	}

	ctx, cancel := connectContext(r)
	defer cancel()

	result, err := SSHMgr.TestConnection(ctx, cfg.Endpoint, cfg.Credentials, cfg.Transport)
	if err != nil {
		log.Printf("[ssh] connection test to %s failed: %v", logutil.HostPort(req.Host, cfg.Endpoint.Port), err)
	}
	writeJSON(w, http.StatusOK, result)
}

// ListConnections reports the state of every transport the SSH manager
// tracks, keyed by session ID.
func ListConnections(w http.ResponseWriter, r *http.Request) {
	if SSHMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "SSH manager not initialized")
		return
	}
	states := make(map[string]string)
	for name, st := range SSHMgr.GetAllConnectionStates() {
		states[name] = st.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  SSHMgr.ConnectionCount(),
		"states": states,
	})
}

func ListKnownHosts(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Database not initialized")
		return
	}
	hosts, err := database.ListKnownHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list known hosts")
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

// ForgetKnownHost drops the pinned key of ?host=host:port so the next
// connection trusts the key it is shown.
func ForgetKnownHost(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Database not initialized")
		return
	}
	host := r.URL.Query().Get("host")
	if host == "" {
		writeError(w, http.StatusBadRequest, "host parameter is required")
		return
	}
	if err := database.ForgetHost(host); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to forget host")
		return
	}
	log.Printf("[ssh] forgot host key for %s", logutil.SanitizeForLog(host))
	w.WriteHeader(http.StatusNoContent)
}

func ListConnectionHistory(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Database not initialized")
		return
	}
	records, err := database.ListConnectionRecords(r.URL.Query().Get("session_id"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list connection history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func ListTransferHistory(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Database not initialized")
		return
	}
	records, err := database.ListTransferRecords(r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transfer history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
