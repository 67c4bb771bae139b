package sshmanager

import (
	"sync"
	"time"
)

// ConnectionState is the registry-level state of a named connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

func (s ConnectionState) String() string {
	return string(s)
}

// IsValid reports whether s is one of the defined states.
func (s ConnectionState) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed:
		return true
	default:
		return false
	}
}

// StateTransition records a state change of one connection.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateCallback is called after a connection changes state.
type StateCallback func(name string, from, to ConnectionState)

const maxTransitionsPerConnection = 50

// ConnectionStateTracker holds the current state of every named connection,
// a bounded transition history, and change callbacks.
type ConnectionStateTracker struct {
	mu          sync.RWMutex
	states      map[string]ConnectionState
	transitions map[string][]StateTransition
	callbacks   []StateCallback
}

func NewConnectionStateTracker() *ConnectionStateTracker {
	return &ConnectionStateTracker{
		states:      make(map[string]ConnectionState),
		transitions: make(map[string][]StateTransition),
	}
}

// GetState returns the state of name, StateDisconnected when unknown.
func (t *ConnectionStateTracker) GetState(name string) ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if state, ok := t.states[name]; ok {
		return state
	}
	return StateDisconnected
}

// SetState moves name to newState and returns the previous state. A change
// is recorded with reason and announced to callbacks, which run outside the
// tracker lock.
func (t *ConnectionStateTracker) SetState(name string, newState ConnectionState, reason string) ConnectionState {
	t.mu.Lock()
	oldState, ok := t.states[name]
	if !ok {
		oldState = StateDisconnected
	}
	if oldState == newState {
		t.mu.Unlock()
		return oldState
	}
	t.states[name] = newState

	history := append(t.transitions[name], StateTransition{
		From:      oldState,
		To:        newState,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if len(history) > maxTransitionsPerConnection {
		history = history[len(history)-maxTransitionsPerConnection:]
	}
	t.transitions[name] = history

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(name, oldState, newState)
	}
	return oldState
}

// Forget drops the state and history of name.
func (t *ConnectionStateTracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, name)
	delete(t.transitions, name)
}

// GetTransitions returns a copy of the history of name, oldest first.
func (t *ConnectionStateTracker) GetTransitions(name string) []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lastN(t.transitions[name], len(t.transitions[name]))
}

// GetRecentTransitions returns at most n of the latest transitions of name.
func (t *ConnectionStateTracker) GetRecentTransitions(name string, n int) []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lastN(t.transitions[name], n)
}

// GetAllStates returns a copy of every known state.
func (t *ConnectionStateTracker) GetAllStates() map[string]ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make(map[string]ConnectionState, len(t.states))
	for k, v := range t.states {
		result[k] = v
	}
	return result
}

// OnStateChange registers cb for every subsequent state change.
func (t *ConnectionStateTracker) OnStateChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// lastN copies the final n elements of s.
func lastN[T any](s []T, n int) []T {
	if n < 0 {
		n = 0
	}
	if n > len(s) {
		n = len(s)
	}
	result := make([]T, n)
	copy(result, s[len(s)-n:])
	return result
}
