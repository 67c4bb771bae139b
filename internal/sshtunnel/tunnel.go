package sshtunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/termerr"
)

// Dialer opens connections from the remote side of an SSH transport.
// *ssh.Client satisfies it.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// ForwardConfig describes a local-to-remote port forward (ssh -L).
type ForwardConfig struct {
	// LocalAddr is the listen address, e.g. "127.0.0.1:0" for an ephemeral
	// port.
	LocalAddr string `json:"local_addr"`
	// RemoteAddr is dialed from the server for every accepted connection.
	RemoteAddr string `json:"remote_addr"`
}

// ForwardMetrics reports traffic through a forward.
type ForwardMetrics struct {
	LocalAddr       string    `json:"local_addr"`
	RemoteAddr      string    `json:"remote_addr"`
	StartedAt       time.Time `json:"started_at"`
	Connections     int64     `json:"connections"`
	ActiveConns     int64     `json:"active_connections"`
	DialFailures    int64     `json:"dial_failures"`
	BytesToRemote   int64     `json:"bytes_to_remote"`
	BytesFromRemote int64     `json:"bytes_from_remote"`
	Closed          bool      `json:"closed"`
}

// ActiveForward is a running forward. It ends once, on Close, Terminate,
// context cancellation or a listener failure.
type ActiveForward struct {
	Config    ForwardConfig
	StartedAt time.Time

	dialer   Dialer
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup

	connections     atomic.Int64
	active          atomic.Int64
	dialFailures    atomic.Int64
	bytesToRemote   atomic.Int64
	bytesFromRemote atomic.Int64

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	err     error
	onClose []func(error)

	closeOnce sync.Once
}

// Forward starts listening on cfg.LocalAddr and pipes each accepted
// connection through dialer to cfg.RemoteAddr.
func Forward(ctx context.Context, dialer Dialer, cfg ForwardConfig) (*ActiveForward, error) {
	if cfg.RemoteAddr == "" {
		return nil, fmt.Errorf("forward: remote address is required")
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = "127.0.0.1:0"
	}

	ln, err := net.Listen("tcp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", logutil.SanitizeForLog(cfg.LocalAddr), err)
	}

	f := &ActiveForward{
		Config:    cfg,
		StartedAt: time.Now(),
		dialer:    dialer,
		listener:  ln,
		done:      make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}

	go f.acceptLoop()
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				f.Close()
			case <-f.done:
			}
		}()
	}

	log.Printf("[tunnel] forward started: %s -> %s", ln.Addr(), logutil.SanitizeForLog(cfg.RemoteAddr))
	return f, nil
}

// LocalAddr returns the bound listen address.
func (f *ActiveForward) LocalAddr() net.Addr { return f.listener.Addr() }

func (f *ActiveForward) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.done:
			default:
				log.Printf("[tunnel] accept error on %s: %v", f.listener.Addr(), err)
				f.finish(termerr.New(termerr.KindNetwork, "forward accept", err))
			}
			return
		}

		remote, err := f.dialer.Dial("tcp", f.Config.RemoteAddr)
		if err != nil {
			f.dialFailures.Add(1)
			log.Printf("[tunnel] dial %s through ssh failed: %v", logutil.SanitizeForLog(f.Config.RemoteAddr), err)
			conn.Close()
			continue
		}

		if !f.track(conn, remote) {
			conn.Close()
			remote.Close()
			return
		}
		f.connections.Add(1)
		f.active.Add(1)
		go func() {
			defer f.wg.Done()
			defer f.active.Add(-1)
			f.pipe(conn, remote)
			f.untrack(conn, remote)
		}()
	}
}

// track registers a piped pair and reserves its slot in wg, unless the
// forward already ended.
func (f *ActiveForward) track(conns ...net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return false
	default:
	}
	for _, c := range conns {
		f.conns[c] = struct{}{}
	}
	f.wg.Add(1)
	return true
}

func (f *ActiveForward) untrack(conns ...net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range conns {
		delete(f.conns, c)
	}
}

// pipe copies both directions until either side closes.
func (f *ActiveForward) pipe(local, remote net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn, counter *atomic.Int64) {
		defer func() { done <- struct{}{} }()
		n, _ := io.Copy(dst, src)
		counter.Add(n)
	}
	go cp(remote, local, &f.bytesToRemote)
	go cp(local, remote, &f.bytesFromRemote)

	<-done
	local.Close()
	remote.Close()
	<-done
}

func (f *ActiveForward) finish(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		callbacks := f.onClose
		f.onClose = nil
		close(f.done)
		conns := make([]net.Conn, 0, len(f.conns))
		for c := range f.conns {
			conns = append(conns, c)
		}
		f.mu.Unlock()

		f.listener.Close()
		for _, c := range conns {
			c.Close()
		}
		f.wg.Wait()

		log.Printf("[tunnel] forward %s -> %s closed", f.listener.Addr(), logutil.SanitizeForLog(f.Config.RemoteAddr))
		for _, fn := range callbacks {
			fn(err)
		}
	})
}

// Close stops the listener and every piped connection. It is idempotent.
func (f *ActiveForward) Close() error {
	f.finish(termerr.ErrChannelClosed)
	return nil
}

// Terminate ends the forward with a transport-level error.
func (f *ActiveForward) Terminate(err error) { f.finish(err) }

// Done is closed once the forward has ended.
func (f *ActiveForward) Done() <-chan struct{} { return f.done }

// Err returns why the forward ended.
func (f *ActiveForward) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// IsClosed reports whether the forward has ended.
func (f *ActiveForward) IsClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// OnClose registers fn to run once when the forward ends, immediately if
// it already has.
func (f *ActiveForward) OnClose(fn func(error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		err := f.err
		f.mu.Unlock()
		fn(err)
		return
	default:
	}
	f.onClose = append(f.onClose, fn)
	f.mu.Unlock()
}

// Metrics returns a snapshot of the forward's counters.
func (f *ActiveForward) Metrics() ForwardMetrics {
	return ForwardMetrics{
		LocalAddr:       f.listener.Addr().String(),
		RemoteAddr:      f.Config.RemoteAddr,
		StartedAt:       f.StartedAt,
		Connections:     f.connections.Load(),
		ActiveConns:     f.active.Load(),
		DialFailures:    f.dialFailures.Load(),
		BytesToRemote:   f.bytesToRemote.Load(),
		BytesFromRemote: f.bytesFromRemote.Load(),
		Closed:          f.IsClosed(),
	}
}

// TunnelManager tracks forwards per session.
type TunnelManager struct {
	mu       sync.RWMutex
	forwards map[string][]*ActiveForward
}

// NewTunnelManager creates an empty TunnelManager.
func NewTunnelManager() *TunnelManager {
	return &TunnelManager{forwards: make(map[string][]*ActiveForward)}
}

// Add tracks f under name until it closes.
func (tm *TunnelManager) Add(name string, f *ActiveForward) {
	tm.mu.Lock()
	tm.forwards[name] = append(tm.forwards[name], f)
	tm.mu.Unlock()
	f.OnClose(func(error) { tm.remove(name, f) })
}

func (tm *TunnelManager) remove(name string, f *ActiveForward) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	list := tm.forwards[name]
	for i, cur := range list {
		if cur == f {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(tm.forwards, name)
	} else {
		tm.forwards[name] = list
	}
}

// GetForwards returns a snapshot of the live forwards for name.
func (tm *TunnelManager) GetForwards(name string) []*ActiveForward {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	list := tm.forwards[name]
	result := make([]*ActiveForward, len(list))
	copy(result, list)
	return result
}

// GetMetrics returns metrics for every live forward of name.
func (tm *TunnelManager) GetMetrics(name string) []ForwardMetrics {
	forwards := tm.GetForwards(name)
	result := make([]ForwardMetrics, 0, len(forwards))
	for _, f := range forwards {
		result = append(result, f.Metrics())
	}
	return result
}

// CloseForwards closes every forward tracked under name.
func (tm *TunnelManager) CloseForwards(name string) {
	tm.mu.Lock()
	list := tm.forwards[name]
	delete(tm.forwards, name)
	tm.mu.Unlock()

	for _, f := range list {
		f.Close()
	}
	if len(list) > 0 {
		log.Printf("[tunnel] closed %d forward(s) for %s", len(list), logutil.SanitizeForLog(name))
	}
}

// CloseAll closes every tracked forward.
func (tm *TunnelManager) CloseAll() {
	tm.mu.Lock()
	all := tm.forwards
	tm.forwards = make(map[string][]*ActiveForward)
	tm.mu.Unlock()

	for _, list := range all {
		for _, f := range list {
			f.Close()
		}
	}
}
