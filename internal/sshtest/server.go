// Package sshtest runs an in-process SSH server for tests: password and
// public key authentication, a line-echoing shell, exec, direct-tcpip
// forwarding and an SFTP subsystem over an in-memory filesystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

const (
	DefaultUser     = "tester"
	DefaultPassword = "secret"
)

// ShellFunc implements the program started by a shell request.
type ShellFunc func(s *Server, sess gliderssh.Session)

type Options struct {
	Password string
	// Shell runs for interactive sessions; EchoShell by default.
	Shell ShellFunc
}

// Server is a running test server. Connect with Host and Port using
// DefaultUser and Password, or ClientKeyPEM.
type Server struct {
	Host         string
	Port         int
	Password     string
	HostKey      gossh.Signer
	ClientKeyPEM []byte

	srv      *gliderssh.Server
	listener net.Listener
	shell    ShellFunc
	files    sftp.Handlers

	mu       sync.Mutex
	conns    []net.Conn
	windows  []gliderssh.Window
	received bytes.Buffer
}

// Start launches a server on a loopback port and stops it when the test
// ends.
func Start(tb testing.TB, opts Options) *Server {
	tb.Helper()
	s, err := New(opts)
	if err != nil {
		tb.Fatalf("start ssh test server: %v", err)
	}
	tb.Cleanup(func() { s.Close() })
	return s
}

// New launches a server on a loopback port.
func New(opts Options) (*Server, error) {
	if opts.Password == "" {
		opts.Password = DefaultPassword
	}
	if opts.Shell == nil {
		opts.Shell = EchoShell
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		return nil, fmt.Errorf("host signer: %w", err)
	}
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate client key: %w", err)
	}
	clientKey, err := gossh.NewPublicKey(clientPub)
	if err != nil {
		return nil, fmt.Errorf("client public key: %w", err)
	}
	block, err := gossh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		return nil, fmt.Errorf("marshal client key: %w", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{
		Host:         "127.0.0.1",
		Port:         l.Addr().(*net.TCPAddr).Port,
		Password:     opts.Password,
		HostKey:      hostSigner,
		ClientKeyPEM: pem.EncodeToMemory(block),
		listener:     l,
		shell:        opts.Shell,
		files:        sftp.InMemHandler(),
	}

	s.srv = &gliderssh.Server{
		Handler: s.handleSession,
		PasswordHandler: func(ctx gliderssh.Context, password string) bool {
			return ctx.User() == DefaultUser && password == s.Password
		},
		PublicKeyHandler: func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			return ctx.User() == DefaultUser && gliderssh.KeysEqual(key, clientKey)
		},
		ConnCallback: func(_ gliderssh.Context, conn net.Conn) net.Conn {
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			return conn
		},
		LocalPortForwardingCallback: func(gliderssh.Context, string, uint32) bool { return true },
		ChannelHandlers: map[string]gliderssh.ChannelHandler{
			"session":      gliderssh.DefaultSessionHandler,
			"direct-tcpip": gliderssh.DirectTCPIPHandler,
		},
		SubsystemHandlers: map[string]gliderssh.SubsystemHandler{
			"sftp": s.handleSFTP,
		},
	}
	s.srv.AddHostKey(hostSigner)

	go func() {
		if err := s.srv.Serve(l); err != nil && err != gliderssh.ErrServerClosed {
			log.Printf("[sshtest] serve: %v", err)
		}
	}()
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// HostKeyFingerprint returns the SHA256 fingerprint of the host key.
func (s *Server) HostKeyFingerprint() string {
	return gossh.FingerprintSHA256(s.HostKey.PublicKey())
}

// Close stops the server and drops every connection.
func (s *Server) Close() error {
	s.DropConnections()
	return s.srv.Close()
}

// DropConnections closes the TCP connections of every client, as if the
// network had failed.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Windows returns the PTY sizes the server has been told about, in order.
func (s *Server) Windows() []gliderssh.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gliderssh.Window(nil), s.windows...)
}

// Received returns every byte interactive sessions have read so far.
func (s *Server) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.received.Bytes()...)
}

func (s *Server) recordInput(p []byte) {
	s.mu.Lock()
	s.received.Write(p)
	s.mu.Unlock()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	if cmd := sess.RawCommand(); cmd != "" {
		fmt.Fprintf(sess, "out:%s", cmd)
		sess.Exit(0)
		return
	}

	_, winCh, isPty := sess.Pty()
	if isPty {
		go func() {
			for w := range winCh {
				s.mu.Lock()
				s.windows = append(s.windows, w)
				s.mu.Unlock()
			}
		}()
	}
	s.shell(s, sess)
}

func (s *Server) handleSFTP(sess gliderssh.Session) {
	srv := sftp.NewRequestServer(sess, s.files)
	if err := srv.Serve(); err != nil && err != io.EOF {
		log.Printf("[sshtest] sftp: %v", err)
	}
	srv.Close()
}

// EchoShell echoes input and runs a few line commands:
//
//	exit N   exit with status N
//	print S  write S followed by CRLF, with \e expanded to ESC
func EchoShell(s *Server, sess gliderssh.Session) {
	var line []byte
	buf := make([]byte, 1024)
	for {
		n, err := sess.Read(buf)
		if n > 0 {
			s.recordInput(buf[:n])
			sess.Write(buf[:n])
			for _, b := range buf[:n] {
				if b != '\r' && b != '\n' {
					line = append(line, b)
					continue
				}
				cmd := strings.TrimSpace(string(line))
				line = line[:0]
				if code, ok := strings.CutPrefix(cmd, "exit "); ok {
					status, _ := strconv.Atoi(code)
					sess.Exit(status)
					return
				}
				if text, ok := strings.CutPrefix(cmd, "print "); ok {
					io.WriteString(sess, "\r\n"+strings.ReplaceAll(text, `\e`, "\x1b")+"\r\n")
				}
			}
		}
		if err != nil {
			sess.Exit(0)
			return
		}
	}
}

// OutputShell writes output and exits with status.
func OutputShell(output string, status int) ShellFunc {
	return func(_ *Server, sess gliderssh.Session) {
		io.WriteString(sess, output)
		sess.Exit(status)
	}
}
