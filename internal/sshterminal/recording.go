package sshterminal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Event codes used in recordings, matching asciinema v2.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// RecordingEntry is a single timestamped terminal event.
type RecordingEntry struct {
	// Elapsed is the time since the recording started, in seconds.
	Elapsed float64 `json:"elapsed"`
	// Type is one of EventOutput, EventInput or EventResize.
	Type string `json:"type"`
	// Data is the terminal data, or "COLSxROWS" for a resize.
	Data string `json:"data"`
}

// SessionRecording captures timestamped terminal I/O for replay. It is safe
// for concurrent use.
type SessionRecording struct {
	mu         sync.Mutex
	entries    []RecordingEntry
	startTime  time.Time
	maxEntries int
	rows, cols int
	title      string
	dropped    int

	nowFn func() time.Time
}

// NewSessionRecording starts a recording of a rows by cols terminal. If
// maxEntries <= 0 the number of entries is unbounded.
func NewSessionRecording(rows, cols, maxEntries int) *SessionRecording {
	return &SessionRecording{
		startTime:  time.Now(),
		maxEntries: maxEntries,
		rows:       rows,
		cols:       cols,
		nowFn:      time.Now,
	}
}

// SetTitle names the recording in exported headers.
func (sr *SessionRecording) SetTitle(title string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.title = title
}

func (sr *SessionRecording) add(kind, data string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.maxEntries > 0 && len(sr.entries) >= sr.maxEntries {
		sr.dropped++
		return
	}
	sr.entries = append(sr.entries, RecordingEntry{
		Elapsed: sr.nowFn().Sub(sr.startTime).Seconds(),
		Type:    kind,
		Data:    data,
	})
}

// RecordOutput adds an output event.
func (sr *SessionRecording) RecordOutput(data []byte) { sr.add(EventOutput, string(data)) }

// RecordInput adds an input event.
func (sr *SessionRecording) RecordInput(data []byte) { sr.add(EventInput, string(data)) }

// RecordResize adds a resize event.
func (sr *SessionRecording) RecordResize(rows, cols int) {
	sr.add(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

// Entries returns a copy of all recorded entries.
func (sr *SessionRecording) Entries() []RecordingEntry {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	result := make([]RecordingEntry, len(sr.entries))
	copy(result, sr.entries)
	return result
}

// EntryCount returns the number of recorded entries.
func (sr *SessionRecording) EntryCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.entries)
}

// Dropped returns how many events were discarded after the entry limit.
func (sr *SessionRecording) Dropped() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.dropped
}

// ExportJSON returns the entries as a JSON array.
func (sr *SessionRecording) ExportJSON() ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return json.Marshal(sr.entries)
}

type castHeader struct {
	Version   int    `json:"version"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Title     string `json:"title,omitempty"`
}

// WriteCast writes the recording in asciicast v2 format: a header line
// followed by one [elapsed, code, data] array per event.
func (sr *SessionRecording) WriteCast(w io.Writer) error {
	sr.mu.Lock()
	header := castHeader{
		Version:   2,
		Width:     sr.cols,
		Height:    sr.rows,
		Timestamp: sr.startTime.Unix(),
		Title:     sr.title,
	}
	entries := make([]RecordingEntry, len(sr.entries))
	copy(entries, sr.entries)
	sr.mu.Unlock()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("encode cast header: %w", err)
	}
	for _, e := range entries {
		if err := enc.Encode([]any{e.Elapsed, e.Type, e.Data}); err != nil {
			return fmt.Errorf("encode cast event: %w", err)
		}
	}
	return bw.Flush()
}
