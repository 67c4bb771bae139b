package sshfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/termerr"
)

// Defaults applied for zero-valued options.
const (
	DefaultChunkSize      = 32 * 1024
	DefaultMaxInflight    = 16
	DefaultRequestTimeout = 30 * time.Second

	maxChunkSize = 256 * 1024
	// maxExpired caps the ids of timed-out requests still awaiting a late
	// reply. A server that leaves this many unanswered is treated as dead.
	maxExpired = 256
)

// Options tunes the client and the transfers it runs.
type Options struct {
	// ChunkSize is the size of each READ or WRITE request.
	ChunkSize int
	// MaxInflight caps the pipelined chunk requests of one transfer.
	MaxInflight int
	// RequestTimeout bounds the wait for each reply. Negative disables it.
	RequestTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize > maxChunkSize {
		o.ChunkSize = maxChunkSize
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
}

// reply is the outcome of one request.
type reply struct {
	typ  byte
	data []byte
	err  error
}

// Client speaks SFTP v3 over a single channel. Requests are matched to
// replies by id; any number may be outstanding at once.
type Client struct {
	r      io.Reader
	w      io.Writer
	closer io.Closer
	opts   Options

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan reply
	expired map[uint32]struct{}
	err     error
	onClose []func(error)
	done    chan struct{}

	closeOnce sync.Once
}

// Open starts the sftp subsystem on a new session of client.
func Open(client *ssh.Client, opts Options) (*Client, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, termerr.New(termerr.KindChannelClosed, "open sftp session", err)
	}
	w, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("sftp stdin pipe: %w", err)
	}
	r, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("sftp stdout pipe: %w", err)
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		session.Close()
		return nil, termerr.New(termerr.KindProtocol, "request sftp subsystem", err)
	}
	return NewClientPipe(r, w, session, opts)
}

// NewClientPipe runs the protocol over r and w. closer, if non-nil, is
// closed when the client ends.
func NewClientPipe(r io.Reader, w io.Writer, closer io.Closer, opts Options) (*Client, error) {
	opts.applyDefaults()
	c := &Client{
		r:       r,
		w:       w,
		closer:  closer,
		opts:    opts,
		nextID:  1,
		pending: make(map[uint32]chan reply),
		expired: make(map[uint32]struct{}),
		done:    make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	go c.recvLoop()
	return c, nil
}

func (c *Client) handshake() error {
	if _, err := c.w.Write(encodePacket(fxpInit, initMsg{Version: sftpProtocolVersion})); err != nil {
		return termerr.New(termerr.KindChannelClosed, "sftp init", err)
	}

	type result struct {
		typ  byte
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		typ, data, err := readPacket(c.r)
		ch <- result{typ, data, err}
	}()

	var res result
	if c.opts.RequestTimeout > 0 {
		select {
		case res = <-ch:
		case <-time.After(c.opts.RequestTimeout):
			return termerr.Newf(termerr.KindTimeout, "sftp init", "no VERSION within %s", c.opts.RequestTimeout)
		}
	} else {
		res = <-ch
	}
	if res.err != nil {
		return termerr.New(termerr.KindProtocol, "sftp init", res.err)
	}
	if res.typ != fxpVersion {
		return termerr.Newf(termerr.KindProtocol, "sftp init", "expected VERSION, got %s", packetName(res.typ))
	}
	var v versionMsg
	if err := ssh.Unmarshal(res.data, &v); err != nil {
		return termerr.New(termerr.KindProtocol, "sftp init", err)
	}
	if v.Version != sftpProtocolVersion {
		return termerr.Newf(termerr.KindProtocol, "sftp init", "unsupported protocol version %d", v.Version)
	}
	return nil
}

// recvLoop dispatches replies to their waiting requests.
func (c *Client) recvLoop() {
	for {
		typ, data, err := readPacket(c.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fail(termerr.Newf(termerr.KindChannelClosed, "sftp", "server closed the channel"))
			} else {
				c.fail(termerr.New(termerr.KindProtocol, "sftp read", err))
			}
			return
		}

		id, ok := replyID(data)
		if !ok {
			c.fail(termerr.Newf(termerr.KindProtocol, "sftp", "short %s reply", packetName(typ)))
			return
		}

		c.mu.Lock()
		ch, found := c.pending[id]
		if found {
			delete(c.pending, id)
		} else if _, late := c.expired[id]; late {
			delete(c.expired, id)
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		if !found {
			c.fail(termerr.Newf(termerr.KindProtocol, "sftp", "%s reply for unknown request id %d", packetName(typ), id))
			return
		}
		ch <- reply{typ: typ, data: data}
	}
}

// fail ends the client once, failing every outstanding request with err.
func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = make(map[uint32]chan reply)
		callbacks := c.onClose
		c.onClose = nil
		close(c.done)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- reply{err: err}
		}
		if c.closer != nil {
			c.closer.Close()
		}
		if !errors.Is(err, termerr.ErrChannelClosed) {
			log.Printf("[sftp] client ended: %v", err)
		}
		for _, fn := range callbacks {
			fn(err)
		}
	})
}

// send registers a request id and writes the packet built for it.
func (c *Client) send(typ byte, build func(id uint32) any) (uint32, chan reply, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, nil, err
	}
	id := c.nextID
	c.nextID++
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	pkt := encodePacket(typ, build(id))
	c.writeMu.Lock()
	_, err := c.w.Write(pkt)
	c.writeMu.Unlock()
	if err != nil {
		werr := termerr.New(termerr.KindChannelClosed, "sftp write", err)
		c.fail(werr)
		return 0, nil, c.Err()
	}
	return id, ch, nil
}

// wait blocks for the reply to id. On timeout or cancellation the id is
// retired so a late reply is dropped instead of being treated as unmatched.
func (c *Client) wait(ctx context.Context, op string, id uint32, ch chan reply) (reply, error) {
	var timeout <-chan time.Time
	if c.opts.RequestTimeout > 0 {
		t := time.NewTimer(c.opts.RequestTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r := <-ch:
		return r, r.err
	case <-timeout:
		c.retire(id)
		return reply{}, termerr.Newf(termerr.KindTimeout, op, "no reply within %s", c.opts.RequestTimeout)
	case <-ctx.Done():
		c.retire(id)
		return reply{}, termerr.New(termerr.KindAborted, op, ctx.Err())
	}
}

func (c *Client) retire(id uint32) {
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.expired[id] = struct{}{}
	}
	overflow := len(c.expired) >= maxExpired
	c.mu.Unlock()

	if overflow {
		c.fail(termerr.Newf(termerr.KindTimeout, "sftp", "%d requests left unanswered", maxExpired))
	}
}

// roundTrip sends a request and waits for its reply.
func (c *Client) roundTrip(ctx context.Context, op string, typ byte, build func(id uint32) any) (reply, error) {
	id, ch, err := c.send(typ, build)
	if err != nil {
		return reply{}, err
	}
	return c.wait(ctx, op, id, ch)
}

// statusError converts a STATUS reply into nil or a transfer error.
func statusError(op string, data []byte) error {
	var st statusMsg
	if err := ssh.Unmarshal(data, &st); err != nil {
		return termerr.New(termerr.KindProtocol, op, err)
	}
	if st.Code == StatusOK {
		return nil
	}
	var text statusText
	if len(st.Rest) > 0 {
		ssh.Unmarshal(st.Rest, &text)
	}
	msg := text.Message
	if msg == "" {
		msg = statusName(st.Code)
	}
	return termerr.Transfer(op, st.Code, msg)
}

func statusName(code uint32) string {
	switch code {
	case StatusEOF:
		return "end of file"
	case StatusNoSuchFile:
		return "no such file"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusFailure:
		return "failure"
	case StatusBadMessage:
		return "bad message"
	case StatusNoConnection:
		return "no connection"
	case StatusConnectionLost:
		return "connection lost"
	case StatusOpUnsupported:
		return "operation unsupported"
	}
	return fmt.Sprintf("status %d", code)
}

// IsEOF reports whether err is an SFTP end-of-file status.
func IsEOF(err error) bool {
	var te *termerr.Error
	return errors.As(err, &te) && te.Kind == termerr.KindTransfer && te.Code == StatusEOF
}

// IsNotExist reports whether err is an SFTP no-such-file status.
func IsNotExist(err error) bool {
	var te *termerr.Error
	return errors.As(err, &te) && te.Kind == termerr.KindTransfer && te.Code == StatusNoSuchFile
}

func unexpected(op string, typ byte) error {
	return termerr.Newf(termerr.KindProtocol, op, "unexpected %s reply", packetName(typ))
}

// expectStatus waits for a STATUS reply and returns its error.
func (c *Client) expectStatus(ctx context.Context, op string, typ byte, build func(id uint32) any) error {
	r, err := c.roundTrip(ctx, op, typ, build)
	if err != nil {
		return err
	}
	if r.typ != fxpStatus {
		return unexpected(op, r.typ)
	}
	return statusError(op, r.data)
}

func (c *Client) expectAttrs(ctx context.Context, op string, typ byte, build func(id uint32) any) (attrs, error) {
	r, err := c.roundTrip(ctx, op, typ, build)
	if err != nil {
		return attrs{}, err
	}
	switch r.typ {
	case fxpAttrs:
		var m attrsMsg
		if err := ssh.Unmarshal(r.data, &m); err != nil {
			return attrs{}, termerr.New(termerr.KindProtocol, op, err)
		}
		a, _, err := decodeAttrs(m.Rest)
		if err != nil {
			return attrs{}, termerr.New(termerr.KindProtocol, op, err)
		}
		return a, nil
	case fxpStatus:
		if err := statusError(op, r.data); err != nil {
			return attrs{}, err
		}
		return attrs{}, termerr.Newf(termerr.KindProtocol, op, "OK status instead of ATTRS")
	}
	return attrs{}, unexpected(op, r.typ)
}

func (c *Client) expectHandle(ctx context.Context, op string, typ byte, build func(id uint32) any) (string, error) {
	r, err := c.roundTrip(ctx, op, typ, build)
	if err != nil {
		return "", err
	}
	switch r.typ {
	case fxpHandle:
		var m handleMsg
		if err := ssh.Unmarshal(r.data, &m); err != nil {
			return "", termerr.New(termerr.KindProtocol, op, err)
		}
		return m.Handle, nil
	case fxpStatus:
		if err := statusError(op, r.data); err != nil {
			return "", err
		}
		return "", termerr.Newf(termerr.KindProtocol, op, "OK status instead of HANDLE")
	}
	return "", unexpected(op, r.typ)
}

type nameEntry struct {
	name, longName string
	attrs          attrs
}

func (c *Client) expectNames(ctx context.Context, op string, typ byte, build func(id uint32) any) ([]nameEntry, error) {
	r, err := c.roundTrip(ctx, op, typ, build)
	if err != nil {
		return nil, err
	}
	switch r.typ {
	case fxpName:
		return decodeNames(op, r.data)
	case fxpStatus:
		if err := statusError(op, r.data); err != nil {
			return nil, err
		}
		return nil, termerr.Newf(termerr.KindProtocol, op, "OK status instead of NAME")
	}
	return nil, unexpected(op, r.typ)
}

func decodeNames(op string, data []byte) ([]nameEntry, error) {
	var m nameMsg
	if err := ssh.Unmarshal(data, &m); err != nil {
		return nil, termerr.New(termerr.KindProtocol, op, err)
	}
	b := m.Rest
	entries := make([]nameEntry, 0, m.Count)
	for i := uint32(0); i < m.Count; i++ {
		var e nameEntry
		var ok bool
		if e.name, b, ok = takeString(b); !ok {
			return nil, termerr.Newf(termerr.KindProtocol, op, "truncated NAME entry")
		}
		if e.longName, b, ok = takeString(b); !ok {
			return nil, termerr.Newf(termerr.KindProtocol, op, "truncated NAME entry")
		}
		var err error
		if e.attrs, b, err = decodeAttrs(b); err != nil {
			return nil, termerr.New(termerr.KindProtocol, op, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Stat returns the attributes of p, following symlinks.
func (c *Client) Stat(ctx context.Context, p string) (FileInfo, error) {
	a, err := c.expectAttrs(ctx, "stat", fxpStat, func(id uint32) any { return pathMsg{ID: id, Path: p} })
	if err != nil {
		return FileInfo{}, err
	}
	return a.fileInfo(path.Base(p), ""), nil
}

// Lstat returns the attributes of p without following a final symlink.
func (c *Client) Lstat(ctx context.Context, p string) (FileInfo, error) {
	a, err := c.expectAttrs(ctx, "lstat", fxpLstat, func(id uint32) any { return pathMsg{ID: id, Path: p} })
	if err != nil {
		return FileInfo{}, err
	}
	return a.fileInfo(path.Base(p), ""), nil
}

func (c *Client) fstat(ctx context.Context, handle string) (attrs, error) {
	return c.expectAttrs(ctx, "fstat", fxpFstat, func(id uint32) any { return handleMsg{ID: id, Handle: handle} })
}

// ReadDir lists the directory p sorted by name, without "." and "..".
func (c *Client) ReadDir(ctx context.Context, p string) ([]FileInfo, error) {
	handle, err := c.expectHandle(ctx, "opendir", fxpOpendir, func(id uint32) any { return pathMsg{ID: id, Path: p} })
	if err != nil {
		return nil, err
	}
	defer c.closeHandle(context.Background(), handle)

	var list []FileInfo
	for {
		entries, err := c.expectNames(ctx, "readdir", fxpReaddir, func(id uint32) any { return handleMsg{ID: id, Handle: handle} })
		if IsEOF(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.name == "." || e.name == ".." {
				continue
			}
			list = append(list, e.attrs.fileInfo(e.name, e.longName))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// Mkdir creates the directory p with mode 0755.
func (c *Client) Mkdir(ctx context.Context, p string) error {
	return c.expectStatus(ctx, "mkdir", fxpMkdir, func(id uint32) any {
		return mkdirMsg{ID: id, Path: p, Attrs: encodePermAttrs(0755)}
	})
}

// MkdirAll creates p and any missing parents.
func (c *Client) MkdirAll(ctx context.Context, p string) error {
	p = path.Clean(p)
	fi, err := c.Stat(ctx, p)
	if err == nil {
		if fi.IsDir {
			return nil
		}
		return termerr.Transfer("mkdir", StatusFailure, p+" exists and is not a directory")
	}
	if !IsNotExist(err) {
		return err
	}
	if parent := path.Dir(p); parent != p {
		if err := c.MkdirAll(ctx, parent); err != nil {
			return err
		}
	}
	return c.Mkdir(ctx, p)
}

// Remove deletes the file p.
func (c *Client) Remove(ctx context.Context, p string) error {
	return c.expectStatus(ctx, "remove", fxpRemove, func(id uint32) any { return pathMsg{ID: id, Path: p} })
}

// Rmdir deletes the empty directory p.
func (c *Client) Rmdir(ctx context.Context, p string) error {
	return c.expectStatus(ctx, "rmdir", fxpRmdir, func(id uint32) any { return pathMsg{ID: id, Path: p} })
}

// RemovePath deletes p with Rmdir or Remove depending on its type.
func (c *Client) RemovePath(ctx context.Context, p string) error {
	fi, err := c.Stat(ctx, p)
	if err != nil {
		return err
	}
	if fi.IsDir {
		return c.Rmdir(ctx, p)
	}
	return c.Remove(ctx, p)
}

// Rename moves oldPath to newPath.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	return c.expectStatus(ctx, "rename", fxpRename, func(id uint32) any {
		return renameMsg{ID: id, OldPath: oldPath, NewPath: newPath}
	})
}

// RealPath canonicalizes p on the server.
func (c *Client) RealPath(ctx context.Context, p string) (string, error) {
	entries, err := c.expectNames(ctx, "realpath", fxpRealpath, func(id uint32) any { return pathMsg{ID: id, Path: p} })
	if err != nil {
		return "", err
	}
	if len(entries) != 1 {
		return "", termerr.Newf(termerr.KindProtocol, "realpath", "expected 1 name, got %d", len(entries))
	}
	return entries[0].name, nil
}

func (c *Client) open(ctx context.Context, p string, pflags uint32) (string, error) {
	return c.expectHandle(ctx, "open", fxpOpen, func(id uint32) any {
		return openMsg{ID: id, Path: p, Pflags: pflags, Attrs: emptyAttrs}
	})
}

func (c *Client) closeHandle(ctx context.Context, handle string) error {
	err := c.expectStatus(ctx, "close", fxpClose, func(id uint32) any { return handleMsg{ID: id, Handle: handle} })
	if err != nil && !errors.Is(err, termerr.ErrChannelClosed) {
		log.Printf("[sftp] close handle failed: %v", err)
	}
	return err
}

// Done is closed when the client has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the client ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnClose registers fn to run once when the client ends, immediately if it
// already has.
func (c *Client) OnClose(fn func(error)) {
	c.mu.Lock()
	select {
	case <-c.done:
		err := c.err
		c.mu.Unlock()
		fn(err)
		return
	default:
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close ends the channel. Outstanding requests fail with a channel-closed
// error.
func (c *Client) Close() error {
	c.fail(termerr.ErrChannelClosed)
	return nil
}

// Terminate fails every outstanding request with the transport's error.
func (c *Client) Terminate(err error) { c.fail(err) }

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) expiredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expired)
}

func logPath(p string) string { return logutil.SanitizeForLog(p) }
