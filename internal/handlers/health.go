package handlers

import (
	"net/http"

	"github.com/gluk-w/sshterm/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	sessions, active := 0, 0
	if Sessions != nil {
		sessions = Sessions.SessionCount()
		active = Sessions.ActiveCount()
	}
	connections := 0
	if SSHMgr != nil {
		connections = SSHMgr.ConnectionCount()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"sessions":        sessions,
		"active_sessions": active,
		"connections":     connections,
	})
}
