package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/screen"
	"github.com/gluk-w/sshterm/internal/sshfiles"
	"github.com/gluk-w/sshterm/internal/sshmanager"
	"github.com/gluk-w/sshterm/internal/sshterminal"
	"github.com/gluk-w/sshterm/internal/sshtunnel"
	"github.com/gluk-w/sshterm/internal/termerr"
	"github.com/gluk-w/sshterm/internal/vtparse"
)

// State is the lifecycle state of a Session.
type State string

const (
	// StateIdle means Start has not been called yet.
	StateIdle State = "idle"
	// StateConnecting means a transport and shell are being set up.
	StateConnecting State = "connecting"
	// StateConnected means the shell is running.
	StateConnected State = "connected"
	// StateDisconnected means the transport or shell channel failed. The
	// last screen is kept and Reconnect may be called.
	StateDisconnected State = "disconnected"
	// StateExited means the remote shell ended with an exit status.
	StateExited State = "exited"
	// StateClosed is final.
	StateClosed State = "closed"
)

const (
	DefaultPort = 22

	pasteStart   = "\x1b[200~"
	pasteEnd     = "\x1b[201~"
	maxPasteSize = 1 << 20

	// closeWait bounds how long RequestClose waits for the output pump.
	closeWait = 2 * time.Second

	// maxFinishedTransfers is how many completed transfers a session keeps
	// in memory. Older ones survive only in the history store.
	maxFinishedTransfers = 32
)

var (
	ErrClosed           = errors.New("session closed")
	ErrBusy             = errors.New("session is connecting or connected")
	ErrTransferNotFound = errors.New("transfer not found")
)

// Connector brings a transport up under a name. *sshmanager.SSHManager
// implements it; without one, sessions dial directly.
type Connector interface {
	Connect(ctx context.Context, name string, ep sshmanager.Endpoint, creds sshmanager.Credentials, opts sshmanager.Options) (*sshmanager.Transport, error)
}

type directConnector struct{}

func (directConnector) Connect(ctx context.Context, _ string, ep sshmanager.Endpoint, creds sshmanager.Credentials, opts sshmanager.Options) (*sshmanager.Transport, error) {
	return sshmanager.Dial(ctx, ep, creds, opts)
}

// Config describes one terminal session.
type Config struct {
	Name        string
	Endpoint    sshmanager.Endpoint
	Credentials sshmanager.Credentials

	Term            string
	Rows            int
	Cols            int
	Command         string
	ScrollbackLines int

	Transport sshmanager.Options
	SFTP      sshfiles.Options

	// Record keeps a timeline of input, output and resizes, bounded by
	// RecordingMaxEntries. With RecordingDir set, the timeline is written
	// there as an asciicast file when the session closes.
	Record              bool
	RecordingMaxEntries int
	RecordingDir        string

	// Persist writes connection and transfer history to the database.
	Persist bool

	Connector Connector
	Tunnels   *sshtunnel.TunnelManager
}

// Session ties one transport, its shell and one screen together. Only the
// output pump mutates the screen; renderers read snapshots.
type Session struct {
	ID        string
	CreatedAt time.Time

	cfg       Config
	screen    *screen.Buffer
	parser    *vtparse.Parser
	recording *sshterminal.SessionRecording
	tunnels   *sshtunnel.TunnelManager

	sftpMu    sync.Mutex
	historyMu sync.Mutex

	mu           sync.Mutex
	state        State
	err          error
	exitStatus   int
	exited       bool
	transport    *sshmanager.Transport
	pty          *sshterminal.PTY
	files        *sshfiles.Client
	pumpDone     chan struct{}
	transfers    map[string]*sshfiles.Transfer
	order        []string
	connRecord   uint
	viewers      int
	lastActivity time.Time
	closedAt     *time.Time
}

// New creates an idle session. Call Start to connect.
func New(cfg Config) (*Session, error) {
	if cfg.Endpoint.Port == 0 {
		cfg.Endpoint.Port = DefaultPort
	}
	if err := cfg.Endpoint.Validate(); err != nil {
		return nil, err
	}
	if cfg.Term == "" {
		cfg.Term = sshterminal.DefaultTerm
	}
	if cfg.Rows == 0 {
		cfg.Rows = sshterminal.DefaultRows
	}
	if cfg.Cols == 0 {
		cfg.Cols = sshterminal.DefaultCols
	}
	if err := sshterminal.ValidateSize(cfg.Rows, cfg.Cols); err != nil {
		return nil, err
	}
	if cfg.Connector == nil {
		cfg.Connector = directConnector{}
	}
	if cfg.Tunnels == nil {
		cfg.Tunnels = sshtunnel.NewTunnelManager()
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		cfg:          cfg,
		screen:       screen.New(cfg.Rows, cfg.Cols, screen.Options{ScrollbackLines: cfg.ScrollbackLines}),
		parser:       vtparse.NewParser(),
		tunnels:      cfg.Tunnels,
		state:        StateIdle,
		transfers:    make(map[string]*sshfiles.Transfer),
		lastActivity: now,
	}
	if cfg.Record {
		s.recording = sshterminal.NewSessionRecording(cfg.Rows, cfg.Cols, cfg.RecordingMaxEntries)
	}
	return s, nil
}

// Start connects the transport and opens the shell.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	default:
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateConnecting
	s.mu.Unlock()
	return s.connect(ctx)
}

// Reconnect drops whatever is left of the previous transport and connects
// again. The screen is kept.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateConnected:
		s.mu.Unlock()
		return ErrBusy
	}
	old, pumpDone := s.transport, s.pumpDone
	id := s.connRecord
	s.transport, s.pty, s.files, s.connRecord = nil, nil, nil, 0
	s.state = StateConnecting
	s.err = nil
	s.exited = false
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.finishConnection(id, nil)
	if pumpDone != nil {
		<-pumpDone
	}
	log.Printf("[session] %s reconnecting to %s", s.ID, s.addr())
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	started := time.Now()
	t, err := s.cfg.Connector.Connect(ctx, s.ID, s.cfg.Endpoint, s.cfg.Credentials, s.cfg.Transport)
	if err != nil {
		s.recordConnection(0, err)
		return s.connectFailed(err)
	}
	latency := time.Since(started)

	rows, cols := s.screen.Size()
	p, err := t.OpenShell(sshterminal.Options{
		Term:    s.cfg.Term,
		Rows:    rows,
		Cols:    cols,
		Command: s.cfg.Command,
	})
	if err != nil {
		t.Close()
		s.recordConnection(latency, err)
		return s.connectFailed(err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		p.Close()
		t.Close()
		return ErrClosed
	}
	s.transport, s.pty = t, p
	s.state = StateConnected
	s.err = nil
	done := make(chan struct{})
	s.pumpDone = done
	s.lastActivity = time.Now()
	s.parser.Reset()
	s.mu.Unlock()

	id := s.recordConnection(latency, nil)
	s.mu.Lock()
	if s.transport == t {
		s.connRecord = id
	}
	s.mu.Unlock()

	go s.pump(p, done)
	t.OnTerminate(func(err error) { s.transportLost(t, err) })

	log.Printf("[session] %s connected to %s as %s (%s)",
		s.ID, s.addr(), logutil.SanitizeForLog(s.cfg.Credentials.Username), latency.Round(time.Millisecond))
	return nil
}

func (s *Session) connectFailed(err error) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateDisconnected
		s.err = err
	}
	s.mu.Unlock()
	log.Printf("[session] %s connect to %s failed: %v", s.ID, s.addr(), err)
	return err
}

// pump applies remote output to the screen in arrival order and answers
// terminal queries on the same channel.
func (s *Session) pump(p *sshterminal.PTY, done chan struct{}) {
	defer close(done)
	for chunk := range p.Output() {
		s.screen.Update(func(w *screen.Writer) {
			s.parser.Feed(chunk, w.Apply)
		})
		if replies := s.screen.TakeReplies(); len(replies) > 0 {
			if _, err := p.Write(replies); err != nil {
				log.Printf("[session] %s terminal reply: %v", s.ID, err)
			}
		}
		if s.recording != nil {
			s.recording.RecordOutput(chunk)
		}
		s.touch()
	}
	s.pumpEnded(p)
}

func (s *Session) pumpEnded(p *sshterminal.PTY) {
	status, exited := p.ExitStatus()

	s.mu.Lock()
	if s.pty != p || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.pty = nil
	switch {
	case exited:
		s.state = StateExited
		s.exitStatus, s.exited = status, true
	case s.state == StateConnected:
		s.state = StateDisconnected
		s.err = p.Err()
		if s.err == nil {
			s.err = termerr.Newf(termerr.KindChannelClosed, "shell", "remote closed the channel without an exit status")
		}
	}
	state := s.state
	s.mu.Unlock()

	if exited {
		log.Printf("[session] %s shell exited with status %d", s.ID, status)
	} else {
		log.Printf("[session] %s shell ended: %s", s.ID, state)
	}
}

// transportLost runs once per transport when it terminates.
func (s *Session) transportLost(t *sshmanager.Transport, err error) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	if s.state == StateConnected || s.state == StateDisconnected {
		s.state = StateDisconnected
		// The transport error explains a channel that closed with it.
		if s.err == nil || termerr.KindOf(s.err) == termerr.KindChannelClosed {
			s.err = err
		}
	}
	s.transport, s.files = nil, nil
	id := s.connRecord
	s.connRecord = 0
	active := s.activeTransfersLocked()
	s.mu.Unlock()

	for _, tr := range active {
		tr.Abort()
	}
	s.finishConnection(id, err)
	log.Printf("[session] %s transport lost: %v", s.ID, err)
}

// RequestClose ends the session: transfers are aborted, forwards and
// channels released and the transport closed. The session cannot be
// restarted afterwards. Calling it again has no effect.
func (s *Session) RequestClose() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = StateClosed
	now := time.Now()
	s.closedAt = &now
	t, p, done := s.transport, s.pty, s.pumpDone
	id := s.connRecord
	s.transport, s.pty, s.files, s.connRecord = nil, nil, nil, 0
	active := s.activeTransfersLocked()
	s.mu.Unlock()

	for _, tr := range active {
		tr.Abort()
	}
	s.tunnels.CloseForwards(s.ID)
	if p != nil {
		p.Close()
	}
	if t != nil {
		t.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(closeWait):
			log.Printf("[session] %s output pump did not stop within %s", s.ID, closeWait)
		}
	}
	s.finishConnection(id, nil)
	s.saveRecording()

	log.Printf("[session] %s closed (was %s)", s.ID, prev)
	return nil
}

func (s *Session) livePTY(op string) (*sshterminal.PTY, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if s.pty == nil {
		return nil, termerr.Newf(termerr.KindChannelClosed, op, "session is %s", s.state)
	}
	return s.pty, nil
}

func (s *Session) liveTransport(op string) (*sshmanager.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if s.transport == nil {
		return nil, termerr.Newf(termerr.KindChannelClosed, op, "session is %s", s.state)
	}
	return s.transport, nil
}

// SendInput writes keystrokes to the shell. It returns once the bytes are
// handed to the channel.
func (s *Session) SendInput(data []byte) error {
	if len(data) > sshterminal.MaxInputMessageSize {
		return fmt.Errorf("input of %d bytes exceeds %d", len(data), sshterminal.MaxInputMessageSize)
	}
	return s.write("send input", data)
}

// Paste sends text as a paste: line endings become CR, and the text is
// wrapped in bracketed paste markers when the remote program enabled them.
func (s *Session) Paste(text string) error {
	if len(text) > maxPasteSize {
		return fmt.Errorf("paste of %d bytes exceeds %d", len(text), maxPasteSize)
	}
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	if s.screen.Modes().BracketedPaste {
		text = pasteStart + strings.ReplaceAll(text, pasteEnd, "") + pasteEnd
	}
	return s.write("paste", []byte(text))
}

func (s *Session) write(op string, data []byte) error {
	p, err := s.livePTY(op)
	if err != nil {
		return err
	}
	if _, err := p.Write(data); err != nil {
		return err
	}
	if s.recording != nil {
		s.recording.RecordInput(data)
	}
	s.touch()
	return nil
}

// Resize changes the screen and, when connected, the remote PTY.
func (s *Session) Resize(rows, cols int) error {
	if err := sshterminal.ValidateSize(rows, cols); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	p := s.pty
	s.mu.Unlock()

	s.screen.Resize(rows, cols)
	if s.recording != nil {
		s.recording.RecordResize(rows, cols)
	}
	s.touch()
	if p != nil {
		return p.Resize(rows, cols)
	}
	return nil
}

// Exec runs a command on the session's transport, next to the shell.
func (s *Session) Exec(ctx context.Context, cmd string) (sshmanager.ExecResult, error) {
	t, err := s.liveTransport("exec")
	if err != nil {
		return sshmanager.ExecResult{}, err
	}
	s.touch()
	return t.Exec(ctx, cmd)
}

// Forward listens on localAddr and forwards connections to remoteAddr
// through the server until ctx ends or the session closes.
func (s *Session) Forward(ctx context.Context, localAddr, remoteAddr string) (*sshtunnel.ActiveForward, error) {
	t, err := s.liveTransport("forward")
	if err != nil {
		return nil, err
	}
	f, err := t.OpenForward(ctx, localAddr, remoteAddr)
	if err != nil {
		return nil, err
	}
	s.tunnels.Add(s.ID, f)
	s.touch()
	return f, nil
}

// Forwards reports the session's live forwards.
func (s *Session) Forwards() []sshtunnel.ForwardMetrics {
	return s.tunnels.GetMetrics(s.ID)
}

// SFTP returns the session's SFTP client, opening the subsystem on first
// use. The client is replaced after its channel closes.
func (s *Session) SFTP(ctx context.Context) (*sshfiles.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, termerr.New(termerr.KindAborted, "sftp", err)
	}
	s.sftpMu.Lock()
	defer s.sftpMu.Unlock()

	s.mu.Lock()
	if c := s.files; c != nil {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	t, err := s.liveTransport("sftp")
	if err != nil {
		return nil, err
	}
	c, err := t.OpenSftp(s.cfg.SFTP)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		c.Close()
		return nil, termerr.Newf(termerr.KindChannelClosed, "sftp", "transport went away")
	}
	s.files = c
	s.mu.Unlock()

	c.OnClose(func(error) {
		s.mu.Lock()
		if s.files == c {
			s.files = nil
		}
		s.mu.Unlock()
	})
	return c, nil
}

// Download copies a remote file to w in the background.
func (s *Session) Download(ctx context.Context, remote string, w io.Writer) (*sshfiles.Transfer, error) {
	c, err := s.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	tr := c.Download(ctx, remote, w, s.transferOptions())
	s.track(tr)
	return tr, nil
}

// Upload copies size bytes from r to a remote file in the background. A
// negative size reads r until EOF.
func (s *Session) Upload(ctx context.Context, r io.Reader, size int64, remote string) (*sshfiles.Transfer, error) {
	c, err := s.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	tr := c.Upload(ctx, r, size, remote, s.transferOptions())
	s.track(tr)
	return tr, nil
}

func (s *Session) transferOptions() sshfiles.TransferOptions {
	return sshfiles.TransferOptions{
		OnComplete: func(tr *sshfiles.Transfer) {
			s.saveTransfer(tr)
			s.touch()
		},
	}
}

func (s *Session) track(tr *sshfiles.Transfer) {
	s.mu.Lock()
	s.transfers[tr.ID] = tr
	s.order = append(s.order, tr.ID)
	s.pruneTransfersLocked()
	s.mu.Unlock()
	s.saveTransfer(tr)
	log.Printf("[session] %s %s %s started as %s", s.ID, tr.Direction, logutil.SanitizeForLog(tr.RemotePath), tr.ID)
}

// Transfers lists the session's transfers in the order they started.
func (s *Session) Transfers() []sshfiles.TransferInfo {
	s.mu.Lock()
	list := make([]*sshfiles.Transfer, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.transfers[id])
	}
	s.mu.Unlock()

	infos := make([]sshfiles.TransferInfo, 0, len(list))
	for _, tr := range list {
		infos = append(infos, tr.Info())
	}
	return infos
}

// Transfer looks a transfer up by ID.
func (s *Session) Transfer(id string) (*sshfiles.Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transfers[id]
	return tr, ok
}

// AbortTransfer aborts a transfer. Aborting a completed one has no effect.
func (s *Session) AbortTransfer(id string) error {
	tr, ok := s.Transfer(id)
	if !ok {
		return fmt.Errorf("abort %q: %w", id, ErrTransferNotFound)
	}
	tr.Abort()
	return nil
}

// pruneTransfersLocked drops the oldest completed transfers beyond
// maxFinishedTransfers. Running transfers are never dropped.
func (s *Session) pruneTransfersLocked() {
	finished := 0
	for _, id := range s.order {
		if s.transfers[id].State().Completed() {
			finished++
		}
	}
	if finished <= maxFinishedTransfers {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if finished > maxFinishedTransfers && s.transfers[id].State().Completed() {
			delete(s.transfers, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *Session) activeTransfersLocked() []*sshfiles.Transfer {
	var active []*sshfiles.Transfer
	for _, tr := range s.transfers {
		if !tr.State().Completed() {
			active = append(active, tr)
		}
	}
	return active
}

// Snapshot copies the current screen.
func (s *Session) Snapshot() screen.Snapshot { return s.screen.Snapshot() }

// Screen gives read access to the screen, including scrollback.
func (s *Session) Screen() *screen.Buffer { return s.screen }

// Recording returns the session timeline, or nil when recording is off.
func (s *Session) Recording() *sshterminal.SessionRecording { return s.recording }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session last disconnected or failed to connect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ExitStatus returns the shell's exit status once it has exited.
func (s *Session) ExitStatus() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitStatus, s.exited
}

// Attach and Detach count the renderers watching the session. Sessions
// without viewers are eligible for idle cleanup.
func (s *Session) Attach() {
	s.mu.Lock()
	s.viewers++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) Detach() {
	s.mu.Lock()
	if s.viewers > 0 {
		s.viewers--
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewers
}

// LastActivity returns the time of the last input, output or state change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) addr() string {
	return logutil.HostPort(s.cfg.Endpoint.Host, s.cfg.Endpoint.Port)
}

// Info is a point-in-time description of a session.
type Info struct {
	ID                 string                   `json:"id"`
	Name               string                   `json:"name,omitempty"`
	Host               string                   `json:"host"`
	Port               int                      `json:"port"`
	Username           string                   `json:"username"`
	State              State                    `json:"state"`
	Error              string                   `json:"error,omitempty"`
	ErrorKind          termerr.Kind             `json:"error_kind,omitempty"`
	ExitStatus         *int                     `json:"exit_status,omitempty"`
	Rows               int                      `json:"rows"`
	Cols               int                      `json:"cols"`
	Viewers            int                      `json:"viewers"`
	ServerVersion      string                   `json:"server_version,omitempty"`
	HostKeyFingerprint string                   `json:"host_key_fingerprint,omitempty"`
	Channels           []sshmanager.ChannelInfo `json:"channels,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	LastActivity       time.Time                `json:"last_activity"`
	ClosedAt           *time.Time               `json:"closed_at,omitempty"`
}

func (s *Session) Info() Info {
	rows, cols := s.screen.Size()
	s.mu.Lock()
	info := Info{
		ID:           s.ID,
		Name:         s.cfg.Name,
		Host:         s.cfg.Endpoint.Host,
		Port:         s.cfg.Endpoint.Port,
		Username:     s.cfg.Credentials.Username,
		State:        s.state,
		Rows:         rows,
		Cols:         cols,
		Viewers:      s.viewers,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		ClosedAt:     s.closedAt,
	}
	if s.err != nil {
		info.Error = s.err.Error()
		info.ErrorKind = termerr.KindOf(s.err)
	}
	if s.exited {
		status := s.exitStatus
		info.ExitStatus = &status
	}
	t := s.transport
	s.mu.Unlock()

	if t != nil {
		info.ServerVersion = t.ServerVersion()
		info.HostKeyFingerprint = t.HostKeyFingerprint()
		info.Channels = t.Channels()
	}
	return info
}
