package sshfiles

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pkg/sftp"

	"github.com/gluk-w/sshterm/internal/termerr"
)

// pipeCloser closes both directions of an in-process channel.
type pipeCloser struct {
	closers []io.Closer
}

func (p pipeCloser) Close() error {
	for _, c := range p.closers {
		c.Close()
	}
	return nil
}

type serverConn struct {
	io.Reader
	io.Writer
	io.Closer
}

// newMemClient connects a client to a pkg/sftp request server backed by an
// in-memory filesystem.
func newMemClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	closer := pipeCloser{closers: []io.Closer{c2sR, c2sW, s2cR, s2cW}}

	srv := sftp.NewRequestServer(serverConn{Reader: c2sR, Writer: s2cW, Closer: closer}, sftp.InMemHandler())
	go srv.Serve()

	c, err := NewClientPipe(s2cR, c2sW, closer, opts)
	if err != nil {
		t.Fatalf("NewClientPipe: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitTransfer(t *testing.T, tr *Transfer) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("transfer %s did not complete (state %s)", tr.ID, tr.State())
	}
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func TestDirectoryOperations(t *testing.T) {
	c := newMemClient(t, Options{})
	ctx := testCtx(t)

	if err := c.Mkdir(ctx, "/docs"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := c.MkdirAll(ctx, "/docs/a/b"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	fi, err := c.Stat(ctx, "/docs/a/b")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !fi.IsDir || fi.Name != "b" {
		t.Errorf("Stat = %+v, want directory b", fi)
	}

	up := c.Upload(ctx, bytes.NewReader([]byte("hello")), 5, "/docs/hello.txt", TransferOptions{})
	waitTransfer(t, up)
	if up.State() != StateSucceeded {
		t.Fatalf("upload state = %s, err = %v", up.State(), up.Err())
	}

	list, err := c.ReadDir(ctx, "/docs")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "hello.txt" {
		t.Fatalf("ReadDir = %+v, want [a hello.txt]", list)
	}
	if list[1].Size != 5 || list[1].IsDir {
		t.Errorf("hello.txt = %+v", list[1])
	}
	if list[0].Permissions[0] != 'd' {
		t.Errorf("directory permissions = %q", list[0].Permissions)
	}

	if err := c.Rename(ctx, "/docs/hello.txt", "/docs/hi.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := c.Stat(ctx, "/docs/hello.txt"); !IsNotExist(err) {
		t.Errorf("old name still exists: %v", err)
	}
	if err := c.RemovePath(ctx, "/docs/hi.txt"); err != nil {
		t.Fatalf("RemovePath file: %v", err)
	}
	if err := c.RemovePath(ctx, "/docs/a/b"); err != nil {
		t.Fatalf("RemovePath dir: %v", err)
	}
	if _, err := c.Stat(ctx, "/docs/a/b"); !IsNotExist(err) {
		t.Errorf("directory still exists: %v", err)
	}

	p, err := c.RealPath(ctx, "/docs/a/../a")
	if err != nil {
		t.Fatalf("RealPath: %v", err)
	}
	if p != "/docs/a" {
		t.Errorf("RealPath = %q, want /docs/a", p)
	}
}

func TestStatMissingCarriesStatusCode(t *testing.T) {
	c := newMemClient(t, Options{})
	_, err := c.Stat(testCtx(t), "/nope")
	if !errors.Is(err, termerr.ErrTransfer) {
		t.Fatalf("err = %v, want transfer error", err)
	}
	var te *termerr.Error
	if !errors.As(err, &te) || te.Code != StatusNoSuchFile {
		t.Errorf("code = %v, want %d", err, StatusNoSuchFile)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	c := newMemClient(t, Options{ChunkSize: 4096, MaxInflight: 4})
	ctx := testCtx(t)
	data := patterned(100_000)

	var last Progress
	up := c.Upload(ctx, bytes.NewReader(data), int64(len(data)), "/big.bin", TransferOptions{
		OnProgress: func(p Progress) { last = p },
	})
	waitTransfer(t, up)
	if up.State() != StateSucceeded {
		t.Fatalf("upload state = %s, err = %v", up.State(), up.Err())
	}
	if !last.TotalKnown || last.Total != int64(len(data)) || last.Transferred != int64(len(data)) {
		t.Errorf("upload progress = %+v", last)
	}

	var buf bytes.Buffer
	var reports int
	down := c.Download(ctx, "/big.bin", &buf, TransferOptions{
		ChunkSize:  1000,
		OnProgress: func(p Progress) { reports++; last = p },
	})
	waitTransfer(t, down)
	if down.State() != StateSucceeded {
		t.Fatalf("download state = %s, err = %v", down.State(), down.Err())
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("downloaded data differs from upload")
	}
	if reports != 100 {
		t.Errorf("progress reports = %d, want 100", reports)
	}
	if !last.TotalKnown || last.Transferred != int64(len(data)) {
		t.Errorf("download progress = %+v", last)
	}

	info := down.Info()
	if info.State != StateSucceeded || info.FinishedAt == nil || info.Direction != Download {
		t.Errorf("Info = %+v", info)
	}
}

func TestDownloadEmptyFile(t *testing.T) {
	c := newMemClient(t, Options{})
	ctx := testCtx(t)
	up := c.Upload(ctx, bytes.NewReader(nil), 0, "/empty", TransferOptions{})
	waitTransfer(t, up)

	var buf bytes.Buffer
	down := c.Download(ctx, "/empty", &buf, TransferOptions{})
	waitTransfer(t, down)
	if down.State() != StateSucceeded || buf.Len() != 0 {
		t.Errorf("state = %s, len = %d", down.State(), buf.Len())
	}
}

func TestDownloadMissingFails(t *testing.T) {
	c := newMemClient(t, Options{})
	var buf bytes.Buffer
	tr := c.Download(testCtx(t), "/missing", &buf, TransferOptions{})
	waitTransfer(t, tr)

	if tr.State() != StateFailed {
		t.Fatalf("state = %s, want failed", tr.State())
	}
	if !IsNotExist(tr.Err()) {
		t.Errorf("err = %v, want no such file", tr.Err())
	}
	if tr.Info().StatusCode != StatusNoSuchFile {
		t.Errorf("StatusCode = %d", tr.Info().StatusCode)
	}

	// The channel survives a failed transfer.
	if _, err := c.RealPath(testCtx(t), "/"); err != nil {
		t.Errorf("client unusable after failed transfer: %v", err)
	}
}

func TestUploadShortSource(t *testing.T) {
	c := newMemClient(t, Options{})
	tr := c.Upload(testCtx(t), bytes.NewReader([]byte("abc")), 10, "/short", TransferOptions{})
	waitTransfer(t, tr)
	if tr.State() != StateFailed {
		t.Errorf("state = %s, want failed", tr.State())
	}
}

func TestDownloadWriterErrorFails(t *testing.T) {
	c := newMemClient(t, Options{ChunkSize: 1024})
	ctx := testCtx(t)
	waitTransfer(t, c.Upload(ctx, bytes.NewReader(patterned(4096)), 4096, "/f", TransferOptions{}))

	tr := c.Download(ctx, "/f", failWriter{}, TransferOptions{})
	waitTransfer(t, tr)
	if tr.State() != StateFailed || !errors.Is(tr.Err(), termerr.ErrTransfer) {
		t.Errorf("state = %s, err = %v", tr.State(), tr.Err())
	}
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }
