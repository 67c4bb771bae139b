package handlers

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/sshterm/internal/middleware"
)

// NewRouter builds the HTTP API. A non-empty apiToken guards everything
// under /api/v1.
func NewRouter(apiToken string) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(apiToken))

		r.Get("/sessions", ListSessions)
		r.Post("/sessions", CreateSession)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", GetSession)
			r.Delete("/", DeleteSession)
			r.Get("/snapshot", GetSnapshot)
			r.Post("/resize", ResizeSession)
			r.Post("/reconnect", ReconnectSession)
			r.Post("/input", SendInput)
			r.Post("/exec", ExecCommand)
			r.Get("/events", GetSessionEvents)
			r.Get("/recording", GetRecording)

			// WebSocket terminal
			r.Get("/terminal", TerminalWS)

			r.Get("/forwards", ListForwards)
			r.Post("/forwards", CreateForward)

			r.Get("/logs", StreamLogs)
			r.Get("/logs/files", ListLogFiles)

			// Files
			r.Get("/files", BrowseFiles)
			r.Delete("/files", DeletePath)
			r.Post("/files/mkdir", CreateDirectory)
			r.Post("/files/rename", RenamePath)
			r.Get("/files/download", DownloadFile)
			r.Post("/files/upload", UploadFile)
			r.Get("/transfers", ListTransfers)
			r.Delete("/transfers/{tid}", AbortTransfer)
		})

		r.Post("/ssh/test", SSHConnectionTest)
		r.Get("/ssh/connections", ListConnections)
		r.Get("/known-hosts", ListKnownHosts)
		r.Delete("/known-hosts", ForgetKnownHost)
		r.Get("/history/connections", ListConnectionHistory)
		r.Get("/history/transfers", ListTransferHistory)

		r.Get("/logs", GetServerLogs)
		r.Delete("/logs", ClearServerLogs)
	})

	return r
}
