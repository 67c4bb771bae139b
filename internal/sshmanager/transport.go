package sshmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/sshfiles"
	"github.com/gluk-w/sshterm/internal/sshterminal"
	"github.com/gluk-w/sshterm/internal/sshtunnel"
	"github.com/gluk-w/sshterm/internal/termerr"
)

const (
	DefaultDialTimeout       = 15 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveTimeout  = 15 * time.Second

	keepaliveRequest = "keepalive@openssh.com"
)

// Endpoint is the SSH server to connect to.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("endpoint host is empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint port %d out of range", e.Port)
	}
	return nil
}

// Options tune a Transport. Zero durations take the package defaults; a
// negative KeepaliveInterval disables keepalives.
type Options struct {
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	// RekeyThreshold is the number of bytes after which the connection is
	// rekeyed. Zero keeps the x/crypto default.
	RekeyThreshold  uint64
	HostKeyCallback ssh.HostKeyCallback
	// AllowedNetworks restricts which resolved addresses may be dialed.
	AllowedNetworks []*net.IPNet
	ClientVersion   string
	// DialContext replaces the TCP dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o *Options) applyDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if o.DialContext == nil {
		var d net.Dialer
		o.DialContext = d.DialContext
	}
}

// TransportState is the lifecycle of a single Transport.
type TransportState string

const (
	TransportConnecting    TransportState = "connecting"
	TransportAuthenticated TransportState = "authenticated"
	TransportActive        TransportState = "active"
	TransportTerminated    TransportState = "terminated"
)

type ChannelKind string

const (
	ChannelShell   ChannelKind = "shell"
	ChannelSFTP    ChannelKind = "sftp"
	ChannelForward ChannelKind = "forward"
	ChannelExec    ChannelKind = "exec"
)

type ChannelState string

const (
	ChannelOpen   ChannelState = "open"
	ChannelActive ChannelState = "active"
	ChannelClosed ChannelState = "closed"
)

// ChannelInfo describes one channel multiplexed on a Transport.
type ChannelInfo struct {
	ID       uint64       `json:"id"`
	Kind     ChannelKind  `json:"kind"`
	State    ChannelState `json:"state"`
	Detail   string       `json:"detail,omitempty"`
	OpenedAt time.Time    `json:"opened_at"`
}

// channel is what the Transport needs from everything it multiplexes.
type channel interface {
	Terminate(err error)
	OnClose(fn func(error))
}

type channelEntry struct {
	info      ChannelInfo
	terminate func(error)
}

// Transport is one authenticated SSH connection and the channels opened on
// it. It terminates exactly once, on Close, keepalive timeout or loss of
// the connection, and broadcasts the cause to every open channel.
type Transport struct {
	endpoint      Endpoint
	username      string
	client        *ssh.Client
	opts          Options
	agentConn     io.Closer
	serverVersion string
	hostKey       ssh.PublicKey
	connectedAt   time.Time

	mu          sync.Mutex
	state       TransportState
	err         error
	nextID      uint64
	channels    map[uint64]*channelEntry
	onTerminate []func(error)
	done        chan struct{}
	termOnce    sync.Once
}

// hostKeyRecorder remembers the key the server presented and whether the
// policy rejected it, so that handshake failures can be classified.
type hostKeyRecorder struct {
	cb  ssh.HostKeyCallback
	key ssh.PublicKey
	err error
}

func (r *hostKeyRecorder) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	r.key = key
	if err := r.cb(hostname, remote, key); err != nil {
		r.err = err
		return err
	}
	return nil
}

// Dial connects and authenticates to ep. Errors are classified: rejected
// credentials or host keys are KindAuthentication, unreachable hosts
// KindNetwork, incompatible peers KindProtocol and an expired ctx or
// DialTimeout KindTimeout.
func Dial(ctx context.Context, ep Endpoint, creds Credentials, opts Options) (*Transport, error) {
	opts.applyDefaults()
	if err := ep.Validate(); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if opts.HostKeyCallback == nil {
		return nil, fmt.Errorf("dial: no host key policy configured")
	}

	auth, agentConn, err := creds.authMethods()
	if err != nil {
		return nil, termerr.New(termerr.KindAuthentication, "dial", err)
	}
	fail := func(err error) (*Transport, error) {
		if agentConn != nil {
			agentConn.Close()
		}
		return nil, err
	}

	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	addr := ep.Addr()
	start := time.Now()
	conn, err := opts.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(classifyDialError(ctx, err))
	}
	if err := CheckDestinationAllowed(conn.RemoteAddr(), opts.AllowedNetworks); err != nil {
		conn.Close()
		return fail(termerr.New(termerr.KindAuthentication, "dial", err))
	}

	hk := &hostKeyRecorder{cb: opts.HostKeyCallback}
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: hk.check,
		ClientVersion:   opts.ClientVersion,
		Config:          ssh.Config{RekeyThreshold: opts.RekeyThreshold},
	}

	// The handshake has no context of its own; an expired ctx unblocks it
	// through the connection deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			c.Close()
		}
		conn.Close()
		return fail(classifyDialError(ctx, ctx.Err()))
	}
	if err != nil {
		conn.Close()
		return fail(classifyHandshakeError(ctx, err, hk.err))
	}

	t := &Transport{
		endpoint:      ep,
		username:      creds.Username,
		client:        ssh.NewClient(c, chans, reqs),
		opts:          opts,
		agentConn:     agentConn,
		serverVersion: string(c.ServerVersion()),
		hostKey:       hk.key,
		connectedAt:   time.Now(),
		state:         TransportAuthenticated,
		channels:      make(map[uint64]*channelEntry),
		done:          make(chan struct{}),
	}
	log.Printf("[ssh] connected to %s@%s in %s (%s)",
		logutil.SanitizeForLog(creds.Username), logutil.SanitizeForLog(addr),
		time.Since(start).Round(time.Millisecond), logutil.SanitizeForLog(t.serverVersion))

	t.mu.Lock()
	t.state = TransportActive
	t.mu.Unlock()
	go t.watch()
	go t.keepaliveLoop()
	return t, nil
}

func classifyDialError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), isTimeout(err):
		return termerr.New(termerr.KindTimeout, "dial", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return termerr.New(termerr.KindAborted, "dial", err)
	}
	return termerr.New(termerr.KindNetwork, "dial", err)
}

func classifyHandshakeError(ctx context.Context, err, hostKeyErr error) error {
	if hostKeyErr != nil {
		return termerr.New(termerr.KindAuthentication, "host key", hostKeyErr)
	}
	if ctx.Err() != nil || isTimeout(err) {
		return classifyDialError(ctx, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return termerr.New(termerr.KindAuthentication, "handshake", err)
	case errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET),
		strings.HasSuffix(msg, "EOF"), strings.Contains(msg, "connection reset"):
		return termerr.New(termerr.KindNetwork, "handshake", err)
	}
	return termerr.New(termerr.KindProtocol, "handshake", err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// watch ends the Transport when the underlying connection goes away.
func (t *Transport) watch() {
	err := t.client.Wait()
	if err == nil {
		err = io.EOF
	}
	t.terminate(termerr.New(termerr.KindNetwork, "connection lost", err))
}

func (t *Transport) keepaliveLoop() {
	if t.opts.KeepaliveInterval < 0 {
		return
	}
	ticker := time.NewTicker(t.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if _, err := t.Ping(context.Background()); err != nil {
				select {
				case <-t.done:
					return
				default:
				}
				log.Printf("[ssh] keepalive to %s failed: %v", logutil.SanitizeForLog(t.endpoint.Addr()), err)
				t.terminate(err)
				return
			}
		}
	}
}

// Ping sends a keepalive request and returns the round-trip time. No reply
// within KeepaliveTimeout is a KindTimeout error.
func (t *Transport) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	errc := make(chan error, 1)
	go func() {
		_, _, err := t.client.SendRequest(keepaliveRequest, true, nil)
		errc <- err
	}()

	timer := time.NewTimer(t.opts.KeepaliveTimeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		if err != nil {
			return 0, termerr.New(termerr.KindNetwork, "keepalive", err)
		}
		return time.Since(start), nil
	case <-timer.C:
		return 0, termerr.Newf(termerr.KindTimeout, "keepalive", "no reply within %s", t.opts.KeepaliveTimeout)
	case <-ctx.Done():
		return 0, termerr.New(termerr.KindAborted, "keepalive", ctx.Err())
	case <-t.done:
		return 0, t.Err()
	}
}

// terminate ends the Transport once with err: every open channel is
// terminated with err before the connection is closed.
func (t *Transport) terminate(err error) {
	t.termOnce.Do(func() {
		t.mu.Lock()
		t.state = TransportTerminated
		t.err = err
		entries := make([]*channelEntry, 0, len(t.channels))
		for _, e := range t.channels {
			e.info.State = ChannelClosed
			entries = append(entries, e)
		}
		t.channels = make(map[uint64]*channelEntry)
		callbacks := t.onTerminate
		t.onTerminate = nil
		close(t.done)
		t.mu.Unlock()

		for _, e := range entries {
			if e.terminate != nil {
				e.terminate(err)
			}
		}
		t.client.Close()
		if t.agentConn != nil {
			t.agentConn.Close()
		}
		log.Printf("[ssh] transport to %s terminated: %v", logutil.SanitizeForLog(t.endpoint.Addr()), err)

		for _, fn := range callbacks {
			fn(err)
		}
	})
}

// openChannel registers a channel as open, opens it and marks it active.
// A channel whose open completes after the Transport terminated is
// terminated with the Transport's error.
func openChannel[C channel](t *Transport, kind ChannelKind, detail string, open func(*ssh.Client) (C, error)) (C, error) {
	var zero C
	op := "open " + string(kind)

	t.mu.Lock()
	if t.state == TransportTerminated {
		err := t.err
		t.mu.Unlock()
		return zero, termerr.New(termerr.KindChannelClosed, op, err)
	}
	t.nextID++
	id := t.nextID
	entry := &channelEntry{info: ChannelInfo{
		ID:       id,
		Kind:     kind,
		State:    ChannelOpen,
		Detail:   detail,
		OpenedAt: time.Now(),
	}}
	t.channels[id] = entry
	t.mu.Unlock()

	ch, err := open(t.client)

	t.mu.Lock()
	if err != nil {
		delete(t.channels, id)
		t.mu.Unlock()
		return zero, err
	}
	if t.state == TransportTerminated {
		terr := t.err
		t.mu.Unlock()
		ch.Terminate(terr)
		return zero, termerr.New(termerr.KindChannelClosed, op, terr)
	}
	entry.info.State = ChannelActive
	entry.terminate = ch.Terminate
	t.mu.Unlock()

	ch.OnClose(func(error) { t.releaseChannel(id) })
	return ch, nil
}

func (t *Transport) releaseChannel(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, id)
}

// OpenShell starts an interactive PTY session.
func (t *Transport) OpenShell(opts sshterminal.Options) (*sshterminal.PTY, error) {
	return openChannel(t, ChannelShell, opts.Command, func(c *ssh.Client) (*sshterminal.PTY, error) {
		return sshterminal.Open(c, opts)
	})
}

// OpenSftp starts the SFTP subsystem.
func (t *Transport) OpenSftp(opts sshfiles.Options) (*sshfiles.Client, error) {
	return openChannel(t, ChannelSFTP, "", func(c *ssh.Client) (*sshfiles.Client, error) {
		return sshfiles.Open(c, opts)
	})
}

// OpenForward listens on localAddr and forwards accepted connections to
// remoteAddr through the server.
func (t *Transport) OpenForward(ctx context.Context, localAddr, remoteAddr string) (*sshtunnel.ActiveForward, error) {
	return openChannel(t, ChannelForward, remoteAddr, func(c *ssh.Client) (*sshtunnel.ActiveForward, error) {
		return sshtunnel.Forward(ctx, c, sshtunnel.ForwardConfig{LocalAddr: localAddr, RemoteAddr: remoteAddr})
	})
}

// ExecResult is the outcome of a non-interactive command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// execChannel adapts a one-shot exec session to the channel interface.
type execChannel struct {
	session *ssh.Session

	mu      sync.Mutex
	closed  bool
	err     error
	onClose []func(error)
}

func (e *execChannel) Terminate(err error) { e.finish(err) }

func (e *execChannel) OnClose(fn func(error)) {
	e.mu.Lock()
	if e.closed {
		err := e.err
		e.mu.Unlock()
		fn(err)
		return
	}
	e.onClose = append(e.onClose, fn)
	e.mu.Unlock()
}

func (e *execChannel) finish(err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.err = err
	callbacks := e.onClose
	e.onClose = nil
	e.mu.Unlock()

	e.session.Close()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (e *execChannel) closeErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Exec runs cmd without a PTY and collects its output. A non-zero exit
// status is reported in the result, not as an error.
func (t *Transport) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	ch, err := openChannel(t, ChannelExec, cmd, func(c *ssh.Client) (*execChannel, error) {
		s, err := c.NewSession()
		if err != nil {
			return nil, termerr.New(termerr.KindChannelClosed, "open exec", err)
		}
		return &execChannel{session: s}, nil
	})
	if err != nil {
		return ExecResult{}, err
	}

	var stdout, stderr bytes.Buffer
	ch.session.Stdout = &stdout
	ch.session.Stderr = &stderr

	runErr := make(chan error, 1)
	go func() { runErr <- ch.session.Run(cmd) }()

	select {
	case err = <-runErr:
	case <-ctx.Done():
		ch.finish(termerr.New(termerr.KindAborted, "exec", ctx.Err()))
		<-runErr
		return ExecResult{}, ch.closeErr()
	}

	if terr := ch.closeErr(); terr != nil {
		return ExecResult{}, terr
	}
	ch.finish(nil)

	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return result, termerr.New(termerr.KindChannelClosed, "exec", err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}
	return result, nil
}

// Channels lists the open channels ordered by id.
func (t *Transport) Channels() []ChannelInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]ChannelInfo, 0, len(t.channels))
	for _, e := range t.channels {
		result = append(result, e.info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Close terminates the Transport locally; channels observe a
// KindChannelClosed error.
func (t *Transport) Close() error {
	t.terminate(termerr.Newf(termerr.KindChannelClosed, "transport", "closed locally"))
	return nil
}

// Done is closed once the Transport has terminated.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the termination cause, nil while the Transport is running.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnTerminate registers fn to run once after termination. If the Transport
// has already terminated fn runs immediately.
func (t *Transport) OnTerminate(fn func(error)) {
	t.mu.Lock()
	if t.state == TransportTerminated {
		err := t.err
		t.mu.Unlock()
		fn(err)
		return
	}
	t.onTerminate = append(t.onTerminate, fn)
	t.mu.Unlock()
}

func (t *Transport) Endpoint() Endpoint { return t.endpoint }
func (t *Transport) Username() string { return t.username }
func (t *Transport) ServerVersion() string { return t.serverVersion }
func (t *Transport) ConnectedAt() time.Time { return t.connectedAt }
func (t *Transport) Client() *ssh.Client { return t.client }
func (t *Transport) HostKey() ssh.PublicKey { return t.hostKey }
func (t *Transport) HostKeyFingerprint() string {
	if t.hostKey == nil {
		return ""
	}
	return ssh.FingerprintSHA256(t.hostKey)
}
