package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/termerr"
)

// ErrMaxConnections is returned by Connect when the registry is full.
var ErrMaxConnections = errors.New("maximum number of connections reached")

// SSHManager is a registry of named Transports with connection state
// tracking and an event log per name. Connection attempts are rate limited
// per target (user@host:port), whatever name they are made under.
type SSHManager struct {
	mu             sync.RWMutex
	transports     map[string]*Transport
	maxConnections int

	stateTracker *ConnectionStateTracker
	rateLimiter  *RateLimiter
	events       *eventLog
}

// NewSSHManager creates a registry holding at most maxConnections
// transports. Zero means unlimited.
func NewSSHManager(maxConnections int) *SSHManager {
	return &SSHManager{
		transports:     make(map[string]*Transport),
		maxConnections: maxConnections,
		stateTracker:   NewConnectionStateTracker(),
		rateLimiter:    NewRateLimiter(DefaultRateLimitConfig()),
		events:         newEventLog(),
	}
}

// SetRateLimitConfig replaces the attempt limiter, dropping its state.
func (m *SSHManager) SetRateLimitConfig(cfg RateLimitConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimiter = NewRateLimiter(cfg)
}

func (m *SSHManager) limiter() *RateLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rateLimiter
}

// Connect dials ep and registers the Transport under name, replacing and
// closing any previous Transport of that name. The registry forgets the
// Transport by itself once it terminates.
func (m *SSHManager) Connect(ctx context.Context, name string, ep Endpoint, creds Credentials, opts Options) (*Transport, error) {
	if name == "" {
		return nil, fmt.Errorf("connect: connection name is empty")
	}

	m.mu.RLock()
	_, replacing := m.transports[name]
	full := m.maxConnections > 0 && len(m.transports) >= m.maxConnections && !replacing
	m.mu.RUnlock()
	if full {
		return nil, fmt.Errorf("connect %s: %w (%d)", logutil.SanitizeForLog(name), ErrMaxConnections, m.maxConnections)
	}

	key := RateLimitKey(ep, creds.Username)
	if err := m.limiter().Allow(key); err != nil {
		m.LogEvent(name, EventRateLimited, err.Error())
		return nil, err
	}

	m.stateTracker.SetState(name, StateConnecting, ep.Addr())
	m.LogEvent(name, EventConnecting, fmt.Sprintf("dialing %s", ep.Addr()))

	t, err := Dial(ctx, ep, creds, opts)
	if err != nil {
		m.limiter().RecordFailure(key)
		m.stateTracker.SetState(name, StateFailed, err.Error())
		eventType := EventConnectFailed
		if errors.Is(err, ErrDestinationBlocked) {
			eventType = EventDestinationBlocked
		}
		m.LogEvent(name, eventType, err.Error())
		return nil, err
	}
	m.limiter().RecordSuccess(key)

	m.mu.Lock()
	old := m.transports[name]
	m.transports[name] = t
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}

	m.stateTracker.SetState(name, StateConnected, t.ServerVersion())
	m.LogEvent(name, EventConnected, fmt.Sprintf("%s host key %s", ep.Addr(), t.HostKeyFingerprint()))
	t.OnTerminate(func(err error) { m.transportEnded(name, t, err) })
	return t, nil
}

// transportEnded unregisters t unless it was already replaced or removed.
func (m *SSHManager) transportEnded(name string, t *Transport, err error) {
	m.mu.Lock()
	current, ok := m.transports[name]
	if !ok || current != t {
		m.mu.Unlock()
		return
	}
	delete(m.transports, name)
	m.mu.Unlock()

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if termerr.KindOf(err) == termerr.KindTimeout {
		m.LogEvent(name, EventKeepaliveFailed, reason)
	}
	m.stateTracker.SetState(name, StateDisconnected, reason)
	m.LogEvent(name, EventDisconnected, reason)
}

// Get returns the live Transport registered under name.
func (m *SSHManager) Get(name string) (*Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[name]
	return t, ok
}

// Close terminates and unregisters the Transport of name.
func (m *SSHManager) Close(name string) error {
	m.mu.Lock()
	t, ok := m.transports[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no connection named %s", logutil.SanitizeForLog(name))
	}
	delete(m.transports, name)
	m.mu.Unlock()

	err := t.Close()
	m.stateTracker.SetState(name, StateDisconnected, "closed")
	m.LogEvent(name, EventDisconnected, "closed")
	return err
}

// CloseAll terminates every registered Transport.
func (m *SSHManager) CloseAll() error {
	m.mu.Lock()
	transports := m.transports
	m.transports = make(map[string]*Transport)
	m.mu.Unlock()

	var errs []error
	for name, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		m.stateTracker.SetState(name, StateDisconnected, "closed")
	}
	if len(transports) > 0 {
		log.Printf("[ssh] closed %d connections", len(transports))
	}
	return errors.Join(errs...)
}

func (m *SSHManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transports)
}

// Names returns the registered connection names, sorted.
func (m *SSHManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.transports))
	for name := range m.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TestResult reports a connectivity check.
type TestResult struct {
	Success            bool          `json:"success"`
	DialTime           time.Duration `json:"dial_time"`
	Latency            time.Duration `json:"latency"`
	ServerVersion      string        `json:"server_version,omitempty"`
	HostKeyFingerprint string        `json:"host_key_fingerprint,omitempty"`
	Error              string        `json:"error,omitempty"`
	ErrorKind          termerr.Kind  `json:"error_kind,omitempty"`
}

// TestConnection dials ep, measures one keepalive round trip and
// disconnects. Nothing is registered, but the attempt counts against the
// target's rate limit like any Connect.
func (m *SSHManager) TestConnection(ctx context.Context, ep Endpoint, creds Credentials, opts Options) (TestResult, error) {
	key := RateLimitKey(ep, creds.Username)
	if err := m.limiter().Allow(key); err != nil {
		return TestResult{Error: err.Error()}, err
	}

	start := time.Now()
	t, err := Dial(ctx, ep, creds, opts)
	if err != nil {
		m.limiter().RecordFailure(key)
		return TestResult{Error: err.Error(), ErrorKind: termerr.KindOf(err)}, err
	}
	m.limiter().RecordSuccess(key)
	defer t.Close()

	result := TestResult{
		DialTime:           time.Since(start),
		ServerVersion:      t.ServerVersion(),
		HostKeyFingerprint: t.HostKeyFingerprint(),
	}
	latency, err := t.Ping(ctx)
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = termerr.KindOf(err)
		return result, err
	}
	result.Success = true
	result.Latency = latency
	return result, nil
}

func (m *SSHManager) GetConnectionState(name string) ConnectionState {
	return m.stateTracker.GetState(name)
}

func (m *SSHManager) GetAllConnectionStates() map[string]ConnectionState {
	return m.stateTracker.GetAllStates()
}

func (m *SSHManager) OnConnectionStateChange(cb StateCallback) {
	m.stateTracker.OnStateChange(cb)
}

func (m *SSHManager) GetStateTransitions(name string) []StateTransition {
	return m.stateTracker.GetTransitions(name)
}

// GetRateLimitStatus reports the limiter state of a target key as built by
// RateLimitKey.
func (m *SSHManager) GetRateLimitStatus(key string) RateLimitStatus {
	return m.limiter().GetStatus(key)
}

func (m *SSHManager) ResetRateLimit(key string) {
	m.limiter().Reset(key)
}
