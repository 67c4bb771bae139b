package sshmanager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/gluk-w/sshterm/internal/sshfiles"
	"github.com/gluk-w/sshterm/internal/sshkeys"
	"github.com/gluk-w/sshterm/internal/sshterminal"
	"github.com/gluk-w/sshterm/internal/termerr"
)

func dialTest(t *testing.T, srv *testServer, creds Credentials, opts Options) *Transport {
	t.Helper()
	tr, err := Dial(context.Background(), srv.endpoint(t), creds, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func waitDone(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestEndpointValidate(t *testing.T) {
	tests := []struct {
		ep      Endpoint
		wantErr bool
	}{
		{Endpoint{Host: "example.com", Port: 22}, false},
		{Endpoint{Host: "", Port: 22}, true},
		{Endpoint{Host: "  ", Port: 22}, true},
		{Endpoint{Host: "h", Port: 0}, true},
		{Endpoint{Host: "h", Port: 70000}, true},
	}
	for _, tt := range tests {
		if err := tt.ep.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.ep, err, tt.wantErr)
		}
	}
	if got := (Endpoint{Host: "::1", Port: 2222}).Addr(); got != "[::1]:2222" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestDialPassword(t *testing.T) {
	srv := startTestSSHServer(t)
	tr := dialTest(t, srv, passwordCreds(), insecureOptions())

	if tr.State() != TransportActive {
		t.Errorf("State() = %q, want active", tr.State())
	}
	if !strings.HasPrefix(tr.ServerVersion(), "SSH-2.0-") {
		t.Errorf("ServerVersion() = %q", tr.ServerVersion())
	}
	if tr.HostKeyFingerprint() != srv.hostFingerprint() {
		t.Errorf("HostKeyFingerprint() = %q, want %q", tr.HostKeyFingerprint(), srv.hostFingerprint())
	}
	if tr.Err() != nil {
		t.Errorf("Err() = %v on a live transport", tr.Err())
	}
}

func TestDialPrivateKey(t *testing.T) {
	srv := startTestSSHServer(t)

	t.Run("pem", func(t *testing.T) {
		dialTest(t, srv, Credentials{Username: "tester", PrivateKeyPEM: srv.clientPEM}, insecureOptions())
	})
	t.Run("path", func(t *testing.T) {
		dialTest(t, srv, Credentials{Username: "tester", PrivateKeyPath: srv.keyPath}, insecureOptions())
	})
	t.Run("key rejected then password", func(t *testing.T) {
		_, otherPEM, err := sshkeys.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		dialTest(t, srv, Credentials{Username: "tester", PrivateKeyPEM: otherPEM, Password: testPassword}, insecureOptions())
	})
}

func TestDialAgent(t *testing.T) {
	srv := startTestSSHServer(t)

	raw, err := gossh.ParseRawPrivateKey(srv.clientPEM)
	if err != nil {
		t.Fatalf("parse raw key: %v", err)
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: raw}); err != nil {
		t.Fatalf("keyring add: %v", err)
	}

	sock := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				agent.ServeAgent(keyring, c)
			}()
		}
	}()

	dialTest(t, srv, Credentials{Username: "tester", UseAgent: true, AgentSocket: sock}, insecureOptions())
}

func TestDialAgentWithoutSocket(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, err := Dial(context.Background(), Endpoint{Host: "127.0.0.1", Port: 22},
		Credentials{Username: "u", UseAgent: true}, insecureOptions())
	if !errors.Is(err, termerr.ErrAuthentication) {
		t.Fatalf("err = %v, want authentication error", err)
	}
}

func TestDialClassifiesFailures(t *testing.T) {
	srv := startTestSSHServer(t)

	closedAddr := func() Endpoint {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addr := l.Addr().(*net.TCPAddr)
		l.Close()
		return Endpoint{Host: "127.0.0.1", Port: addr.Port}
	}()

	silent := startRawServer(t, func(c net.Conn) {
		io.Copy(io.Discard, c)
	})
	garbage := startRawServer(t, func(c net.Conn) {
		c.Write([]byte("SSH-2.0-broken\r\n"))
		c.Write(bytesOf(0xff, 256))
		io.Copy(io.Discard, c)
	})

	tests := []struct {
		name  string
		ep    Endpoint
		creds Credentials
		opts  Options
		want  termerr.Kind
	}{
		{"wrong password", srv.endpoint(t), Credentials{Username: "tester", Password: "nope"}, insecureOptions(), termerr.KindAuthentication},
		{"no credentials", srv.endpoint(t), Credentials{Username: "tester"}, insecureOptions(), termerr.KindAuthentication},
		{"connection refused", closedAddr, passwordCreds(), insecureOptions(), termerr.KindNetwork},
		{"silent server", silent, passwordCreds(), Options{HostKeyCallback: gossh.InsecureIgnoreHostKey(), DialTimeout: 200 * time.Millisecond}, termerr.KindTimeout},
		{"garbage after banner", garbage, passwordCreds(), insecureOptions(), termerr.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Dial(context.Background(), tt.ep, tt.creds, tt.opts)
			if err == nil {
				tr.Close()
				t.Fatal("Dial succeeded, want error")
			}
			if got := termerr.KindOf(err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", err, got, tt.want)
			}
		})
	}
}

func TestDialCancelledContext(t *testing.T) {
	silent := startRawServer(t, func(c net.Conn) { io.Copy(io.Discard, c) })
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := Dial(ctx, silent, passwordCreds(), insecureOptions())
	if !errors.Is(err, termerr.ErrAborted) {
		t.Fatalf("err = %v, want aborted", err)
	}
}

func TestDialHostKeyMismatch(t *testing.T) {
	srv := startTestSSHServer(t)

	otherPub, _, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	otherKey, _, _, _, err := gossh.ParseAuthorizedKey(otherPub)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	store := NewMemoryHostKeyStore()
	store.SaveHostKey(srv.addr, otherKey)

	_, err = Dial(context.Background(), srv.endpoint(t), passwordCreds(), Options{HostKeyCallback: TrustOnFirstUse(store)})
	if !errors.Is(err, termerr.ErrAuthentication) {
		t.Fatalf("err = %v, want authentication error", err)
	}
	var mismatch *sshkeys.FingerprintMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want *FingerprintMismatchError in chain", err)
	}
	if mismatch.Actual != srv.hostFingerprint() {
		t.Errorf("mismatch.Actual = %q, want %q", mismatch.Actual, srv.hostFingerprint())
	}
}

func TestDialDestinationBlocked(t *testing.T) {
	srv := startTestSSHServer(t)
	networks, err := ParseAllowedIPs("10.0.0.0/8")
	if err != nil {
		t.Fatalf("ParseAllowedIPs: %v", err)
	}
	opts := insecureOptions()
	opts.AllowedNetworks = networks

	_, err = Dial(context.Background(), srv.endpoint(t), passwordCreds(), opts)
	if !errors.Is(err, ErrDestinationBlocked) {
		t.Fatalf("err = %v, want ErrDestinationBlocked", err)
	}
	if termerr.KindOf(err) != termerr.KindAuthentication {
		t.Errorf("KindOf = %q, want authentication", termerr.KindOf(err))
	}
}

func TestKeepaliveTimeoutTerminatesChannelsOnce(t *testing.T) {
	srv := startTestSSHServer(t)
	opts := insecureOptions()
	opts.KeepaliveInterval = 50 * time.Millisecond
	opts.KeepaliveTimeout = 100 * time.Millisecond
	tr := dialTest(t, srv, passwordCreds(), opts)

	pty, err := tr.OpenShell(sshterminal.Options{})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	var ptyCloses atomic.Int32
	pty.OnClose(func(error) { ptyCloses.Add(1) })

	fwd, err := tr.OpenForward(context.Background(), "127.0.0.1:0", startEchoServer(t))
	if err != nil {
		t.Fatalf("OpenForward: %v", err)
	}

	var terminations atomic.Int32
	tr.OnTerminate(func(error) { terminations.Add(1) })

	srv.dropKeepalives.Store(true)
	waitDone(t, tr.Done(), "transport termination")
	waitDone(t, pty.Done(), "pty termination")
	waitDone(t, fwd.Done(), "forward termination")

	if !errors.Is(tr.Err(), termerr.ErrTimeout) {
		t.Errorf("transport Err() = %v, want timeout", tr.Err())
	}
	if !errors.Is(pty.Err(), termerr.ErrTimeout) {
		t.Errorf("pty Err() = %v, want timeout", pty.Err())
	}
	if !errors.Is(fwd.Err(), termerr.ErrTimeout) {
		t.Errorf("forward Err() = %v, want timeout", fwd.Err())
	}

	tr.Close()
	time.Sleep(50 * time.Millisecond)
	if n := ptyCloses.Load(); n != 1 {
		t.Errorf("pty closed %d times, want 1", n)
	}
	if n := terminations.Load(); n != 1 {
		t.Errorf("transport terminated %d times, want 1", n)
	}
	if got := tr.State(); got != TransportTerminated {
		t.Errorf("State() = %q, want terminated", got)
	}
}

func TestConnectionLossIsNetworkError(t *testing.T) {
	srv := startTestSSHServer(t)
	opts := insecureOptions()
	opts.KeepaliveInterval = -1
	tr := dialTest(t, srv, passwordCreds(), opts)

	pty, err := tr.OpenShell(sshterminal.Options{})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}

	srv.dropConnections()
	waitDone(t, tr.Done(), "transport termination")
	waitDone(t, pty.Done(), "pty termination")

	if !errors.Is(tr.Err(), termerr.ErrNetwork) {
		t.Errorf("transport Err() = %v, want network", tr.Err())
	}
	if !errors.Is(pty.Err(), termerr.ErrNetwork) {
		t.Errorf("pty Err() = %v, want network", pty.Err())
	}
}

func TestChannelsListing(t *testing.T) {
	srv := startTestSSHServer(t)
	tr := dialTest(t, srv, passwordCreds(), insecureOptions())

	pty, err := tr.OpenShell(sshterminal.Options{Rows: 30, Cols: 100})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	files, err := tr.OpenSftp(sshfiles.Options{})
	if err != nil {
		t.Fatalf("OpenSftp: %v", err)
	}
	defer files.Close()

	chans := tr.Channels()
	if len(chans) != 2 {
		t.Fatalf("Channels() = %+v, want 2 entries", chans)
	}
	if chans[0].Kind != ChannelShell || chans[1].Kind != ChannelSFTP {
		t.Errorf("kinds = %q, %q", chans[0].Kind, chans[1].Kind)
	}
	for _, c := range chans {
		if c.State != ChannelActive {
			t.Errorf("channel %d state = %q, want active", c.ID, c.State)
		}
	}
	if chans[0].ID >= chans[1].ID {
		t.Errorf("ids not increasing: %d, %d", chans[0].ID, chans[1].ID)
	}

	pty.Close()
	chans = tr.Channels()
	if len(chans) != 1 || chans[0].Kind != ChannelSFTP {
		t.Errorf("after closing shell Channels() = %+v", chans)
	}
}

func TestShellEchoThroughTransport(t *testing.T) {
	srv := startTestSSHServer(t)
	tr := dialTest(t, srv, passwordCreds(), insecureOptions())

	pty, err := tr.OpenShell(sshterminal.Options{})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer pty.Close()

	if _, err := pty.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got strings.Builder
	deadline := time.After(5 * time.Second)
	for got.Len() < len("hello") {
		select {
		case chunk := <-pty.Output():
			got.Write(chunk)
		case <-deadline:
			t.Fatalf("echo = %q", got.String())
		}
	}
	if got.String() != "hello" {
		t.Errorf("echo = %q, want hello", got.String())
	}
}

func TestExec(t *testing.T) {
	srv := startTestSSHServer(t)
	tr := dialTest(t, srv, passwordCreds(), insecureOptions())

	res, err := tr.Exec(context.Background(), "uname")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "out:uname" || res.ExitCode != 0 {
		t.Errorf("Exec(uname) = %+v", res)
	}

	res, err = tr.Exec(context.Background(), "fail")
	if err != nil {
		t.Fatalf("Exec(fail): %v", err)
	}
	if res.ExitCode != 3 || res.Stderr != "failed" {
		t.Errorf("Exec(fail) = %+v, want exit 3 and stderr", res)
	}

	if n := len(tr.Channels()); n != 0 {
		t.Errorf("%d channels left after Exec", n)
	}
}

func TestForwardThroughTransport(t *testing.T) {
	srv := startTestSSHServer(t)
	tr := dialTest(t, srv, passwordCreds(), insecureOptions())

	fwd, err := tr.OpenForward(context.Background(), "127.0.0.1:0", startEchoServer(t))
	if err != nil {
		t.Fatalf("OpenForward: %v", err)
	}
	defer fwd.Close()

	conn, err := net.Dial("tcp", fwd.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q", buf)
	}
}

func TestRekeyIsTransparent(t *testing.T) {
	srv := startTestSSHServer(t)
	opts := insecureOptions()
	// x/crypto raises thresholds below its minimum, so this rekeys many times.
	opts.RekeyThreshold = 1
	tr := dialTest(t, srv, passwordCreds(), opts)

	fwd, err := tr.OpenForward(context.Background(), "127.0.0.1:0", startEchoServer(t))
	if err != nil {
		t.Fatalf("OpenForward: %v", err)
	}
	defer fwd.Close()

	conn, err := net.Dial("tcp", fwd.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	payload := make([]byte, 512*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	go conn.Write(payload)

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("echoed data differs across rekeys")
	}
	if tr.State() != TransportActive {
		t.Errorf("State() = %q after rekeys", tr.State())
	}
}

func TestCloseLocally(t *testing.T) {
	srv := startTestSSHServer(t)
	tr := dialTest(t, srv, passwordCreds(), insecureOptions())

	pty, err := tr.OpenShell(sshterminal.Options{})
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}

	tr.Close()
	waitDone(t, pty.Done(), "pty termination")
	if !errors.Is(tr.Err(), termerr.ErrChannelClosed) {
		t.Errorf("Err() = %v, want channel closed", tr.Err())
	}
	if !errors.Is(pty.Err(), termerr.ErrChannelClosed) {
		t.Errorf("pty Err() = %v, want channel closed", pty.Err())
	}

	if _, err := tr.OpenShell(sshterminal.Options{}); !errors.Is(err, termerr.ErrChannelClosed) {
		t.Errorf("OpenShell after Close: err = %v, want channel closed", err)
	}
	if _, err := tr.Exec(context.Background(), "x"); !errors.Is(err, termerr.ErrChannelClosed) {
		t.Errorf("Exec after Close: err = %v, want channel closed", err)
	}

	called := false
	tr.OnTerminate(func(error) { called = true })
	if !called {
		t.Error("OnTerminate after termination should run immediately")
	}
}

func TestPing(t *testing.T) {
	srv := startTestSSHServer(t)
	opts := insecureOptions()
	opts.KeepaliveInterval = -1
	tr := dialTest(t, srv, passwordCreds(), opts)

	rtt, err := tr.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("Ping() = %v, want positive", rtt)
	}
}

// startRawServer serves TCP connections with handle and returns its endpoint.
func startRawServer(t *testing.T, handle func(net.Conn)) Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return Endpoint{Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
