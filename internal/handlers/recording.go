package handlers

import (
	"fmt"
	"log"
	"net/http"
)

// GetRecording returns the session's recording as an asciicast v2 file, or
// as the raw entry list with ?format=json.
func GetRecording(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	rec := s.Recording()
	if rec == nil {
		writeError(w, http.StatusNotFound, "Session is not recorded")
		return
	}

	if r.URL.Query().Get("format") == "json" {
		data, err := rec.ExportJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to export recording")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "application/x-asciicast")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.ID+".cast"))
	if err := rec.WriteCast(w); err != nil {
		log.Printf("[terminal] write recording for session %s: %v", s.ID, err)
	}
}
