package sshterminal

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/termerr"
)

// Defaults applied by Open for zero-valued options.
const (
	DefaultTerm = "xterm-256color"
	DefaultRows = 24
	DefaultCols = 80

	readBufferSize      = 32 * 1024
	defaultOutputBuffer = 64
)

// DefaultModes are the terminal modes requested with the PTY.
var DefaultModes = ssh.TerminalModes{
	ssh.ECHO:          1,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

// Options configures the PTY request and the program started on it.
type Options struct {
	// Term is the TERM value sent with the PTY request.
	Term string
	Rows int
	Cols int
	// Command runs instead of the login shell when set.
	Command string
	// Modes overrides DefaultModes.
	Modes ssh.TerminalModes
	// Env is sent as environment requests; servers commonly refuse these,
	// which is not an error.
	Env map[string]string
	// OutputBuffer is the capacity of the Output channel in chunks.
	OutputBuffer int
}

func (o *Options) applyDefaults() {
	if o.Term == "" {
		o.Term = DefaultTerm
	}
	if o.Rows <= 0 {
		o.Rows = DefaultRows
	}
	if o.Cols <= 0 {
		o.Cols = DefaultCols
	}
	if o.Modes == nil {
		o.Modes = DefaultModes
	}
	if o.OutputBuffer <= 0 {
		o.OutputBuffer = defaultOutputBuffer
	}
}

// PTY is an interactive session channel with a pseudo-terminal attached.
//
// Output chunks arrive in order on Output, which is closed once the remote
// side ends the stream or the PTY is closed. The PTY terminates exactly once,
// through whichever of remote exit, Close or Terminate happens first; Err
// reports the cause.
type PTY struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	out     chan []byte
	done    chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	err      error
	exitCode int
	exited   bool
	rows     int
	cols     int
	onClose  []func(error)

	closeOnce sync.Once
}

// Open starts a PTY-backed session on client.
func Open(client *ssh.Client, opts Options) (*PTY, error) {
	opts.applyDefaults()
	if err := ValidateSize(opts.Rows, opts.Cols); err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, termerr.New(termerr.KindChannelClosed, "open session", err)
	}

	for k, v := range opts.Env {
		if err := session.Setenv(k, v); err != nil {
			log.Printf("[pty] server refused env %s: %v", logutil.SanitizeForLog(k), err)
		}
	}

	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, opts.Modes); err != nil {
		session.Close()
		return nil, termerr.New(termerr.KindProtocol, "request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if opts.Command != "" {
		err = session.Start(opts.Command)
	} else {
		err = session.Shell()
	}
	if err != nil {
		session.Close()
		return nil, termerr.New(termerr.KindProtocol, "start shell", err)
	}

	p := &PTY{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		out:     make(chan []byte, opts.OutputBuffer),
		done:    make(chan struct{}),
		rows:    opts.Rows,
		cols:    opts.Cols,
	}
	go p.readLoop()
	return p, nil
}

// readLoop relays remote output to the Output channel until the stream ends.
func (p *PTY) readLoop() {
	defer close(p.out)
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.out <- data:
			case <-p.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.finish(termerr.New(termerr.KindChannelClosed, "pty read", err))
				return
			}
			p.remoteEnded()
			return
		}
	}
}

// remoteEnded collects the exit status after the remote closed its output.
func (p *PTY) remoteEnded() {
	werr := p.session.Wait()

	p.mu.Lock()
	var exitErr *ssh.ExitError
	switch {
	case werr == nil:
		p.exitCode, p.exited = 0, true
	case errors.As(werr, &exitErr):
		p.exitCode, p.exited = exitErr.ExitStatus(), true
	}
	p.mu.Unlock()

	var missing *ssh.ExitMissingError
	if werr != nil && !errors.As(werr, &exitErr) && !errors.As(werr, &missing) {
		p.finish(termerr.New(termerr.KindChannelClosed, "pty wait", werr))
		return
	}
	p.finish(nil)
}

// finish terminates the PTY once with err and runs the close callbacks.
func (p *PTY) finish(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		callbacks := p.onClose
		p.onClose = nil
		close(p.done)
		p.mu.Unlock()

		p.session.Close()

		for _, fn := range callbacks {
			fn(err)
		}
	})
}

// Write sends keystrokes or pasted text to the remote program.
func (p *PTY) Write(data []byte) (int, error) {
	select {
	case <-p.done:
		return 0, termerr.New(termerr.KindChannelClosed, "pty write", p.Err())
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := p.stdin.Write(data)
	if err != nil {
		return n, termerr.New(termerr.KindChannelClosed, "pty write", err)
	}
	return n, nil
}

// Resize announces new dimensions to the remote side. Servers that ignore
// window changes leave the PTY unaffected.
func (p *PTY) Resize(rows, cols int) error {
	if err := ValidateSize(rows, cols); err != nil {
		return err
	}
	select {
	case <-p.done:
		return termerr.New(termerr.KindChannelClosed, "pty resize", p.Err())
	default:
	}
	if err := p.session.WindowChange(rows, cols); err != nil {
		return termerr.New(termerr.KindChannelClosed, "pty resize", err)
	}
	p.mu.Lock()
	p.rows, p.cols = rows, cols
	p.mu.Unlock()
	return nil
}

// Size returns the last dimensions sent to the remote side.
func (p *PTY) Size() (rows, cols int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

// Output returns the stream of remote output chunks.
func (p *PTY) Output() <-chan []byte { return p.out }

// Done is closed when the PTY has terminated.
func (p *PTY) Done() <-chan struct{} { return p.done }

// Err returns why the PTY terminated: nil after the remote program exited,
// a channel-closed error after Close, or the error passed to Terminate.
func (p *PTY) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// ExitStatus returns the remote program's exit code once it is known.
func (p *PTY) ExitStatus() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// OnClose registers fn to run once when the PTY terminates. If it already
// has, fn runs immediately.
func (p *PTY) OnClose(fn func(error)) {
	p.mu.Lock()
	select {
	case <-p.done:
		err := p.err
		p.mu.Unlock()
		fn(err)
		return
	default:
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Close ends the session locally. It is safe to call more than once and
// concurrently with a remote exit.
func (p *PTY) Close() error {
	p.finish(termerr.ErrChannelClosed)
	return nil
}

// Terminate ends the PTY with a transport-level error.
func (p *PTY) Terminate(err error) {
	p.finish(err)
}
