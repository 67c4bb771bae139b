package sshtunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gluk-w/sshterm/internal/termerr"
)

// directDialer dials locally, standing in for the ssh client.
type directDialer struct{}

func (directDialer) Dial(network, addr string) (net.Conn, error) {
	return net.Dial(network, addr)
}

type failingDialer struct{}

func (failingDialer) Dial(network, addr string) (net.Conn, error) {
	return nil, errors.New("administratively prohibited")
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func startForward(t *testing.T, ctx context.Context, d Dialer, remote string) *ActiveForward {
	t.Helper()
	f, err := Forward(ctx, d, ForwardConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: remote})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func waitClosed(t *testing.T, f *ActiveForward) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("forward did not close")
	}
}

func TestForwardPipesData(t *testing.T) {
	remote := startEchoServer(t)
	f := startForward(t, context.Background(), directDialer{}, remote)

	conn, err := net.Dial("tcp", f.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello through the tunnel")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo = %q, want %q", buf, msg)
	}

	m := f.Metrics()
	if m.Connections != 1 {
		t.Errorf("Connections = %d, want 1", m.Connections)
	}
	if m.RemoteAddr != remote {
		t.Errorf("RemoteAddr = %q", m.RemoteAddr)
	}
}

func TestForwardRequiresRemote(t *testing.T) {
	if _, err := Forward(context.Background(), directDialer{}, ForwardConfig{}); err == nil {
		t.Fatal("expected error for missing remote address")
	}
}

func TestForwardDialFailureKeepsListening(t *testing.T) {
	f := startForward(t, context.Background(), failingDialer{}, "10.0.0.1:80")

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", f.LocalAddr().String())
		if err != nil {
			t.Fatalf("dial forward: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Read(make([]byte, 1)); err == nil {
			t.Error("expected the local connection to be closed")
		}
		conn.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.Metrics().DialFailures < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.Metrics().DialFailures; got != 2 {
		t.Errorf("DialFailures = %d, want 2", got)
	}
	if f.IsClosed() {
		t.Error("a failed dial must not end the forward")
	}
}

func TestForwardCloseIdempotent(t *testing.T) {
	f := startForward(t, context.Background(), directDialer{}, startEchoServer(t))

	calls := 0
	f.OnClose(func(error) { calls++ })
	f.Close()
	f.Close()
	waitClosed(t, f)

	if calls != 1 {
		t.Errorf("OnClose ran %d times, want 1", calls)
	}
	if !errors.Is(f.Err(), termerr.ErrChannelClosed) {
		t.Errorf("Err = %v, want channel closed", f.Err())
	}
	if _, err := net.Dial("tcp", f.LocalAddr().String()); err == nil {
		t.Error("listener should be closed")
	}
}

func TestForwardTerminateClosesPipes(t *testing.T) {
	f := startForward(t, context.Background(), directDialer{}, startEchoServer(t))

	conn, err := net.Dial("tcp", f.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("x"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	io.ReadFull(conn, make([]byte, 1))

	cause := termerr.Newf(termerr.KindTimeout, "keepalive", "no reply")
	f.Terminate(cause)
	waitClosed(t, f)

	if !errors.Is(f.Err(), termerr.ErrTimeout) {
		t.Errorf("Err = %v, want timeout", f.Err())
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("piped connection should be closed")
	}

	var got error
	f.OnClose(func(err error) { got = err })
	if got != cause {
		t.Errorf("late OnClose got %v, want %v", got, cause)
	}
}

func TestForwardContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := startForward(t, ctx, directDialer{}, startEchoServer(t))
	cancel()
	waitClosed(t, f)
}

func TestTunnelManagerTracksForwards(t *testing.T) {
	tm := NewTunnelManager()
	remote := startEchoServer(t)

	a := startForward(t, context.Background(), directDialer{}, remote)
	b := startForward(t, context.Background(), directDialer{}, remote)
	c := startForward(t, context.Background(), directDialer{}, remote)
	tm.Add("s1", a)
	tm.Add("s1", b)
	tm.Add("s2", c)

	if got := len(tm.GetForwards("s1")); got != 2 {
		t.Fatalf("s1 forwards = %d, want 2", got)
	}

	a.Close()
	waitClosed(t, a)
	if got := tm.GetForwards("s1"); len(got) != 1 || got[0] != b {
		t.Errorf("closed forward should be untracked, got %v", got)
	}
	if got := len(tm.GetMetrics("s1")); got != 1 {
		t.Errorf("metrics = %d, want 1", got)
	}

	tm.CloseForwards("s1")
	waitClosed(t, b)
	if got := len(tm.GetForwards("s1")); got != 0 {
		t.Errorf("s1 forwards after close = %d", got)
	}

	tm.CloseAll()
	waitClosed(t, c)
	if got := len(tm.GetForwards("s2")); got != 0 {
		t.Errorf("s2 forwards after CloseAll = %d", got)
	}
}
