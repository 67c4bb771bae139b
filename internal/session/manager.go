package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sshterm/internal/database"
	"github.com/gluk-w/sshterm/internal/sshtunnel"
)

// DefaultIdleTimeout is how long a session without viewers or activity
// stays open before cleanup closes it.
const DefaultIdleTimeout = 30 * time.Minute

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	// IdleTimeout closes unwatched sessions after this long without
	// activity. Zero selects DefaultIdleTimeout; negative disables it.
	IdleTimeout time.Duration
	// CleanupSchedule is a cron spec for the cleanup job, "@every 1m" by
	// default.
	CleanupSchedule string
	// HistoryRetention prunes connection and transfer history older than
	// this on every cleanup run. Zero keeps everything.
	HistoryRetention time.Duration
	// MaxSessions caps open sessions. Zero means no limit.
	MaxSessions int

	// Connector and Tunnels are given to sessions created without their
	// own.
	Connector Connector
	Tunnels   *sshtunnel.TunnelManager
}

// Manager tracks the open sessions of one process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// reserved counts Creates that hold a slot but are still connecting.
	reserved int

	cfg   ManagerConfig
	cron  *cron.Cron
	nowFn func() time.Time
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@every 1m"
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

// Create starts a session and registers it. A session that fails to
// connect is closed and not registered.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}
	if cfg.Connector == nil {
		cfg.Connector = m.cfg.Connector
	}
	if cfg.Tunnels == nil {
		cfg.Tunnels = m.cfg.Tunnels
	}
	s, err := New(cfg)
	if err != nil {
		m.release()
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		m.release()
		s.RequestClose()
		return nil, err
	}

	m.mu.Lock()
	m.reserved--
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Printf("[session-mgr] created session %s for %s", s.ID, s.addr())
	return s, nil
}

// reserve claims a session slot so concurrent Creates cannot exceed
// MaxSessions while they connect.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxSessions > 0 && m.activeLocked()+m.reserved >= m.cfg.MaxSessions {
		return fmt.Errorf("maximum of %d sessions reached", m.cfg.MaxSessions)
	}
	m.reserved++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.reserved--
	m.mu.Unlock()
}

// Get returns a session by ID, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List returns every tracked session, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Close closes a session and forgets it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %q not found", id)
	}
	s.RequestClose()
	log.Printf("[session-mgr] closed session %s", id)
	return nil
}

// CloseAll closes every session concurrently and waits for them, or for
// ctx to end.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range all {
		g.Go(s.RequestClose)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if len(all) > 0 {
			log.Printf("[session-mgr] closed %d session(s)", len(all))
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("close sessions: %w", ctx.Err())
	}
}

// CleanupIdle closes sessions nobody watches that have been idle longer
// than the idle timeout, and forgets sessions that closed on their own.
func (m *Manager) CleanupIdle() int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.nowFn().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		switch {
		case s.State() == StateClosed:
			delete(m.sessions, id)
		case s.Viewers() == 0 && s.LastActivity().Before(cutoff):
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		log.Printf("[session-mgr] cleaning up idle session %s (last activity %s)",
			s.ID, s.LastActivity().Format(time.RFC3339))
		s.RequestClose()
	}
	return len(idle)
}

func (m *Manager) pruneHistory() {
	if m.cfg.HistoryRetention <= 0 || database.DB == nil {
		return
	}
	n, err := database.PruneHistory(m.nowFn().Add(-m.cfg.HistoryRetention))
	if err != nil {
		log.Printf("[session-mgr] prune history: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[session-mgr] pruned %d history record(s)", n)
	}
}

// StartCleanup schedules CleanupIdle and history pruning.
func (m *Manager) StartCleanup() error {
	c := cron.New()
	if _, err := c.AddFunc(m.cfg.CleanupSchedule, func() {
		m.CleanupIdle()
		m.pruneHistory()
	}); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", m.cfg.CleanupSchedule, err)
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	c.Start()
	log.Printf("[session-mgr] cleanup scheduled %q (idle timeout %s)", m.cfg.CleanupSchedule, m.cfg.IdleTimeout)
	return nil
}

// StopCleanup stops the cleanup job and waits for a running pass.
func (m *Manager) StopCleanup() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// SessionCount returns the number of tracked sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveCount returns the number of tracked sessions that are not closed.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	count := 0
	for _, s := range m.sessions {
		if s.State() != StateClosed {
			count++
		}
	}
	return count
}
