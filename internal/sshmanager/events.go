package sshmanager

import (
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshterm/internal/logutil"
)

// EventType identifies a connection event.
type EventType string

const (
	EventConnecting         EventType = "connecting"
	EventConnected          EventType = "connected"
	EventConnectFailed      EventType = "connect_failed"
	EventDisconnected       EventType = "disconnected"
	EventKeepaliveFailed    EventType = "keepalive_failed"
	EventRateLimited        EventType = "rate_limited"
	EventDestinationBlocked EventType = "destination_blocked"
)

// ConnectionEvent is one entry of a connection's event log.
type ConnectionEvent struct {
	Name      string    `json:"name"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

const maxEventsPerConnection = 100

// eventLog keeps the last maxEventsPerConnection events per name.
type eventLog struct {
	mu     sync.RWMutex
	events map[string][]ConnectionEvent
}

func newEventLog() *eventLog {
	return &eventLog{events: make(map[string][]ConnectionEvent)}
}

func (l *eventLog) add(name string, eventType EventType, details string) {
	event := ConnectionEvent{
		Name:      name,
		Type:      eventType,
		Details:   details,
		Timestamp: time.Now(),
	}

	l.mu.Lock()
	events := append(l.events[name], event)
	if len(events) > maxEventsPerConnection {
		events = events[len(events)-maxEventsPerConnection:]
	}
	l.events[name] = events
	l.mu.Unlock()

	log.Printf("[ssh] event %s/%s: %s", logutil.SanitizeForLog(name), eventType, logutil.SanitizeForLog(details))
}

// LogEvent appends an event to the log of name.
func (m *SSHManager) LogEvent(name string, eventType EventType, details string) {
	m.events.add(name, eventType, details)
}

// GetEvents returns every stored event of name, oldest first.
func (m *SSHManager) GetEvents(name string) []ConnectionEvent {
	m.events.mu.RLock()
	defer m.events.mu.RUnlock()
	return lastN(m.events.events[name], len(m.events.events[name]))
}

// GetRecentEvents returns at most n of the latest events of name.
func (m *SSHManager) GetRecentEvents(name string, n int) []ConnectionEvent {
	m.events.mu.RLock()
	defer m.events.mu.RUnlock()
	return lastN(m.events.events[name], n)
}

// ClearEvents drops the event log of name.
func (m *SSHManager) ClearEvents(name string) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	delete(m.events.events, name)
}

// GetEventCountsByType counts events of eventType per name, omitting names
// without any.
func (m *SSHManager) GetEventCountsByType(eventType EventType) map[string]int {
	m.events.mu.RLock()
	defer m.events.mu.RUnlock()
	result := make(map[string]int)
	for name, events := range m.events.events {
		count := 0
		for _, e := range events {
			if e.Type == eventType {
				count++
			}
		}
		if count > 0 {
			result[name] = count
		}
	}
	return result
}
