package sshfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshterm/internal/termerr"
)

// TransferState is the lifecycle of a transfer.
type TransferState string

const (
	StateRequested TransferState = "requested"
	StateInFlight  TransferState = "in_flight"
	StateSucceeded TransferState = "succeeded"
	StateFailed    TransferState = "failed"
	StateAborted   TransferState = "aborted"
)

// Completed reports whether s is terminal.
func (s TransferState) Completed() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAborted
}

// Direction of a transfer relative to the local side.
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

// Progress reports how far a transfer has come. Total is meaningful only
// when TotalKnown is set.
type Progress struct {
	Transferred int64 `json:"transferred"`
	Total       int64 `json:"total,omitempty"`
	TotalKnown  bool  `json:"total_known"`
}

// TransferOptions overrides the client's options for one transfer.
type TransferOptions struct {
	ChunkSize   int
	MaxInflight int
	// OnProgress runs on the transfer's goroutine after each delivered
	// chunk.
	OnProgress func(Progress)
	// OnComplete runs once with the final state.
	OnComplete func(*Transfer)
}

// TransferInfo is a point-in-time view of a transfer.
type TransferInfo struct {
	ID         string        `json:"id"`
	Direction  Direction     `json:"direction"`
	RemotePath string        `json:"remote_path"`
	State      TransferState `json:"state"`
	Progress   Progress      `json:"progress"`
	Error      string        `json:"error,omitempty"`
	StatusCode uint32        `json:"status_code,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Transfer is one upload or download. Its state moves from Requested to
// InFlight once the remote file is open, then to exactly one completed
// state.
type Transfer struct {
	ID         string
	Direction  Direction
	RemotePath string

	c          *Client
	chunkSize  int
	inflight   int
	onProgress func(Progress)
	onComplete func(*Transfer)

	mu         sync.Mutex
	state      TransferState
	progress   Progress
	err        error
	startedAt  time.Time
	finishedAt time.Time

	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

func (c *Client) newTransfer(dir Direction, remote string, opts TransferOptions) *Transfer {
	t := &Transfer{
		ID:         uuid.New().String(),
		Direction:  dir,
		RemotePath: remote,
		c:          c,
		chunkSize:  opts.ChunkSize,
		inflight:   opts.MaxInflight,
		onProgress: opts.OnProgress,
		onComplete: opts.OnComplete,
		state:      StateRequested,
		startedAt:  time.Now(),
		abort:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	if t.chunkSize <= 0 {
		t.chunkSize = c.opts.ChunkSize
	}
	if t.chunkSize > maxChunkSize {
		t.chunkSize = maxChunkSize
	}
	if t.inflight <= 0 {
		t.inflight = c.opts.MaxInflight
	}
	return t
}

// State returns the current state.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns the bytes moved so far.
func (t *Transfer) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Err returns the failure cause once the transfer failed or was aborted.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the transfer has completed.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Wait blocks until the transfer completes or ctx ends.
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort stops issuing chunk requests. Replies already in flight are drained
// and discarded, the remote handle is closed once, and the transfer ends
// Aborted. Aborting a completed transfer has no effect.
func (t *Transfer) Abort() {
	t.abortOnce.Do(func() { close(t.abort) })
}

func (t *Transfer) aborted() bool {
	select {
	case <-t.abort:
		return true
	default:
		return false
	}
}

// Info returns a snapshot for display or persistence.
func (t *Transfer) Info() TransferInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TransferInfo{
		ID:         t.ID,
		Direction:  t.Direction,
		RemotePath: t.RemotePath,
		State:      t.state,
		Progress:   t.progress,
		StartedAt:  t.startedAt,
	}
	if t.err != nil {
		info.Error = t.err.Error()
		var te *termerr.Error
		if errors.As(t.err, &te) {
			info.StatusCode = te.Code
		}
	}
	if !t.finishedAt.IsZero() {
		f := t.finishedAt
		info.FinishedAt = &f
	}
	return info
}

func (t *Transfer) setInFlight(total int64, known bool) {
	t.mu.Lock()
	t.state = StateInFlight
	t.progress.Total = total
	t.progress.TotalKnown = known
	t.mu.Unlock()
}

func (t *Transfer) advance(n int64) {
	t.mu.Lock()
	t.progress.Transferred += n
	p := t.progress
	t.mu.Unlock()
	if t.onProgress != nil {
		t.onProgress(p)
	}
}

func (t *Transfer) complete(err error) {
	t.mu.Lock()
	switch {
	case err == nil:
		t.state = StateSucceeded
	case errors.Is(err, termerr.ErrAborted):
		t.state = StateAborted
	default:
		t.state = StateFailed
	}
	t.err = err
	t.finishedAt = time.Now()
	state := t.state
	p := t.progress
	t.mu.Unlock()

	log.Printf("[sftp] %s %s %s (%d bytes)", t.Direction, logPath(t.RemotePath), state, p.Transferred)
	close(t.done)
	if t.onComplete != nil {
		t.onComplete(t)
	}
}

func (t *Transfer) abortErr() error {
	return termerr.Newf(termerr.KindAborted, string(t.Direction), "transfer aborted")
}

// Download copies the remote file to w. The copy runs in the background;
// wait on the returned Transfer. Cancelling ctx aborts it.
func (c *Client) Download(ctx context.Context, remote string, w io.Writer, opts TransferOptions) *Transfer {
	t := c.newTransfer(Download, remote, opts)
	go t.watchContext(ctx)
	go t.runDownload(ctx, w)
	return t
}

// Upload copies size bytes from r to the remote file, creating or
// truncating it. A negative size means unknown; r is read until EOF either
// way.
func (c *Client) Upload(ctx context.Context, r io.Reader, size int64, remote string, opts TransferOptions) *Transfer {
	t := c.newTransfer(Upload, remote, opts)
	go t.watchContext(ctx)
	go t.runUpload(ctx, r, size)
	return t
}

func (t *Transfer) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		t.Abort()
	case <-t.done:
	}
}

// chunkResult is the outcome of one READ or WRITE request.
type chunkResult struct {
	offset int64
	length int
	data   []byte
	eof    bool
	err    error
}

// readChunk issues one READ and waits for its reply. It ignores transfer
// aborts so in-flight replies are always drained.
func (t *Transfer) readChunk(handle string, off int64, n int, results chan<- chunkResult) {
	res := chunkResult{offset: off, length: n}
	r, err := t.c.roundTrip(context.Background(), "read", fxpRead, func(id uint32) any {
		return readMsg{ID: id, Handle: handle, Offset: uint64(off), Len: uint32(n)}
	})
	switch {
	case err != nil:
		res.err = err
	case r.typ == fxpData:
		var m dataMsg
		if err := ssh.Unmarshal(r.data, &m); err != nil {
			res.err = termerr.New(termerr.KindProtocol, "read", err)
		} else if len(m.Data) > n {
			res.err = termerr.Newf(termerr.KindProtocol, "read", "server returned %d bytes for a %d byte request", len(m.Data), n)
		} else {
			res.data = m.Data
		}
	case r.typ == fxpStatus:
		serr := statusError("read", r.data)
		if IsEOF(serr) {
			res.eof = true
		} else if serr != nil {
			res.err = serr
		} else {
			res.err = termerr.Newf(termerr.KindProtocol, "read", "OK status instead of DATA")
		}
	default:
		res.err = unexpected("read", r.typ)
	}
	results <- res
}

func (t *Transfer) runDownload(ctx context.Context, w io.Writer) {
	handle, err := t.c.open(ctx, t.RemotePath, flagRead)
	if err != nil {
		if t.aborted() {
			err = t.abortErr()
		}
		t.complete(err)
		return
	}

	var size int64 = -1
	if a, err := t.c.fstat(ctx, handle); err == nil && a.flags&attrSize != 0 {
		size = int64(a.size)
	}
	t.setInFlight(max(size, 0), size >= 0)

	results := make(chan chunkResult, t.inflight)
	// next is the next offset to request, written the next to deliver and
	// end the file size once known. completed holds chunks received out of
	// order; retries holds short-read remainders still to request.
	var (
		next, written int64
		end           = size
		completed     = make(map[int64][]byte)
		retries       []chunkResult
		inflight      int
		failure       error
	)

	issue := func(off int64, n int) {
		inflight++
		go t.readChunk(handle, off, n, results)
	}

	for {
		if failure == nil && !t.aborted() {
			for inflight < t.inflight && len(retries) > 0 {
				r := retries[0]
				retries = retries[1:]
				issue(r.offset, r.length)
			}
			for inflight < t.inflight && (end < 0 || next < end) {
				n := int64(t.chunkSize)
				if end >= 0 && end-next < n {
					n = end - next
				}
				issue(next, int(n))
				next += n
			}
		}
		if inflight == 0 {
			break
		}

		res := <-results
		inflight--
		if failure != nil || t.aborted() {
			continue
		}
		switch {
		case res.err != nil:
			failure = res.err
		case res.eof:
			if end < 0 || res.offset < end {
				end = res.offset
			}
		default:
			if len(res.data) > 0 {
				completed[res.offset] = res.data
			}
			if got := len(res.data); got < res.length {
				rest := chunkResult{offset: res.offset + int64(got), length: res.length - got}
				if got == 0 {
					failure = termerr.Newf(termerr.KindProtocol, "read", "empty DATA reply at offset %d", res.offset)
					break
				}
				retries = append(retries, rest)
			}
		}

		for failure == nil {
			data, ok := completed[written]
			if !ok {
				break
			}
			delete(completed, written)
			if _, err := w.Write(data); err != nil {
				failure = termerr.New(termerr.KindTransfer, "download write", err)
				break
			}
			written += int64(len(data))
			t.advance(int64(len(data)))
		}
	}

	closeErr := t.c.closeHandle(context.Background(), handle)
	switch {
	case failure != nil:
		t.complete(failure)
	case t.aborted():
		t.complete(t.abortErr())
	case end >= 0 && written != end:
		t.complete(termerr.Newf(termerr.KindProtocol, "download", "delivered %d of %d bytes", written, end))
	default:
		if closeErr != nil && !IsEOF(closeErr) {
			log.Printf("[sftp] close after download of %s: %v", logPath(t.RemotePath), closeErr)
		}
		t.complete(nil)
	}
}

// writeChunk issues one WRITE and waits for its status.
func (t *Transfer) writeChunk(handle string, off int64, data []byte, results chan<- chunkResult) {
	err := t.c.expectStatus(context.Background(), "write", fxpWrite, func(id uint32) any {
		return writeMsg{ID: id, Handle: handle, Offset: uint64(off), Data: data}
	})
	results <- chunkResult{offset: off, length: len(data), err: err}
}

func (t *Transfer) runUpload(ctx context.Context, r io.Reader, size int64) {
	handle, err := t.c.open(ctx, t.RemotePath, flagWrite|flagCreate|flagTrunc)
	if err != nil {
		if t.aborted() {
			err = t.abortErr()
		}
		t.complete(err)
		return
	}
	t.setInFlight(max(size, 0), size >= 0)
	if size >= 0 {
		r = io.LimitReader(r, size)
	}

	results := make(chan chunkResult, t.inflight)
	var (
		next     int64
		inflight int
		failure  error
		srcDone  bool
	)

	for {
		for failure == nil && !srcDone && !t.aborted() && inflight < t.inflight {
			buf := make([]byte, t.chunkSize)
			n, rerr := io.ReadFull(r, buf)
			if n > 0 {
				inflight++
				go t.writeChunk(handle, next, buf[:n], results)
				next += int64(n)
			}
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				srcDone = true
			} else if rerr != nil {
				failure = termerr.New(termerr.KindTransfer, "upload read", rerr)
			}
		}
		if inflight == 0 {
			break
		}
		res := <-results
		inflight--
		if failure != nil || t.aborted() {
			continue
		}
		if res.err != nil {
			failure = res.err
			continue
		}
		t.advance(int64(res.length))
	}

	closeErr := t.c.closeHandle(context.Background(), handle)
	switch {
	case failure != nil:
		t.complete(failure)
	case t.aborted():
		t.complete(t.abortErr())
	case closeErr != nil:
		t.complete(fmt.Errorf("close after upload: %w", closeErr))
	case size >= 0 && next != size:
		t.complete(termerr.Newf(termerr.KindTransfer, "upload", "source provided %d of %d bytes", next, size))
	default:
		t.complete(nil)
	}
}
