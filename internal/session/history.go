package session

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gluk-w/sshterm/internal/database"
	"github.com/gluk-w/sshterm/internal/sshfiles"
	"github.com/gluk-w/sshterm/internal/termerr"
)

func (s *Session) persisting() bool {
	return s.cfg.Persist && database.DB != nil
}

// recordConnection stores one connection attempt and returns its record ID,
// or 0 when nothing was stored.
func (s *Session) recordConnection(latency time.Duration, cause error) uint {
	if !s.persisting() {
		return 0
	}
	rec := &database.ConnectionRecord{
		SessionID: s.ID,
		Host:      s.cfg.Endpoint.Host,
		Port:      s.cfg.Endpoint.Port,
		Username:  s.cfg.Credentials.Username,
		State:     database.ConnStateConnected,
		LatencyMs: latency.Milliseconds(),
	}
	if cause != nil {
		now := time.Now()
		rec.State = database.ConnStateFailed
		rec.Error = cause.Error()
		rec.ErrorKind = string(termerr.KindOf(cause))
		rec.DisconnectedAt = &now
	}
	if err := database.CreateConnectionRecord(rec); err != nil {
		log.Printf("[session] %s save connection record: %v", s.ID, err)
		return 0
	}
	return rec.ID
}

func (s *Session) finishConnection(id uint, cause error) {
	if id == 0 || !s.persisting() {
		return
	}
	var msg, kind string
	if cause != nil {
		msg = cause.Error()
		kind = string(termerr.KindOf(cause))
	}
	if err := database.FinishConnectionRecord(id, database.ConnStateDisconnected, msg, kind); err != nil {
		log.Printf("[session] %s finish connection record: %v", s.ID, err)
	}
}

// saveTransfer upserts the transfer's current view. Saves are serialized so
// the last write carries the latest state.
func (s *Session) saveTransfer(tr *sshfiles.Transfer) {
	if !s.persisting() {
		return
	}
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	info := tr.Info()
	rec := &database.TransferRecord{
		ID:          info.ID,
		SessionID:   s.ID,
		Direction:   string(info.Direction),
		RemotePath:  info.RemotePath,
		Size:        info.Progress.Total,
		Transferred: info.Progress.Transferred,
		State:       string(info.State),
		Error:       info.Error,
		StatusCode:  info.StatusCode,
		StartedAt:   info.StartedAt,
		FinishedAt:  info.FinishedAt,
	}
	if err := database.SaveTransferRecord(rec); err != nil {
		log.Printf("[session] %s save transfer %s: %v", s.ID, info.ID, err)
	}
}

// RecordingPath is where the asciicast file of a closed session is written.
func (s *Session) RecordingPath() string {
	if s.recording == nil || s.cfg.RecordingDir == "" {
		return ""
	}
	return filepath.Join(s.cfg.RecordingDir, s.ID+".cast")
}

func (s *Session) saveRecording() {
	path := s.RecordingPath()
	if path == "" {
		return
	}
	title := s.screen.Snapshot().Title
	if title == "" {
		title = fmt.Sprintf("%s@%s", s.cfg.Credentials.Username, s.addr())
	}
	s.recording.SetTitle(title)

	if err := os.MkdirAll(s.cfg.RecordingDir, 0755); err != nil {
		log.Printf("[session] %s create recording dir: %v", s.ID, err)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		log.Printf("[session] %s create recording: %v", s.ID, err)
		return
	}
	if err := s.recording.WriteCast(f); err != nil {
		log.Printf("[session] %s write recording: %v", s.ID, err)
	}
	if err := f.Close(); err != nil {
		log.Printf("[session] %s close recording: %v", s.ID, err)
		return
	}
	log.Printf("[session] %s recording saved to %s (%d entries, %d dropped)",
		s.ID, path, s.recording.EntryCount(), s.recording.Dropped())
}
