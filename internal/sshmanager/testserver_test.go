package sshmanager

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

const testPassword = "correct horse"

// testServer is a minimal SSH server: password and public key auth, shell
// channels that echo input, exec requests, an in-memory SFTP subsystem and
// direct-tcpip forwarding.
type testServer struct {
	addr      string
	hostKey   gossh.Signer
	clientPEM []byte
	keyPath   string
	listener  net.Listener

	// dropKeepalives makes the server ignore global requests.
	dropKeepalives atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func startTestSSHServer(t *testing.T) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSSHPub, err := gossh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("convert client public key: %v", err)
	}
	block, err := gossh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	clientPEM := pem.EncodeToMemory(block)
	keyPath := filepath.Join(t.TempDir(), "client.key")
	if err := os.WriteFile(keyPath, clientPEM, 0600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	cfg := &gossh.ServerConfig{
		PasswordCallback: func(_ gossh.ConnMetadata, password []byte) (*gossh.Permissions, error) {
			if string(password) == testPassword {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		},
		PublicKeyCallback: func(_ gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testServer{
		addr:      listener.Addr().String(),
		hostKey:   hostSigner,
		clientPEM: clientPEM,
		keyPath:   keyPath,
		listener:  listener,
	}
	go s.serve(cfg)
	t.Cleanup(func() {
		listener.Close()
		s.dropConnections()
	})
	return s
}

func (s *testServer) endpoint(t *testing.T) Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port}
}

func (s *testServer) hostFingerprint() string {
	return gossh.FingerprintSHA256(s.hostKey.PublicKey())
}

// dropConnections closes every accepted TCP connection.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testServer) serve(cfg *gossh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handleConn(conn, cfg)
	}
}

func (s *testServer) handleConn(conn net.Conn, cfg *gossh.ServerConfig) {
	defer conn.Close()
	srvConn, chans, reqs, err := gossh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()

	go func() {
		for req := range reqs {
			if s.dropKeepalives.Load() {
				continue
			}
			if req.WantReply {
				req.Reply(req.Type == keepaliveRequest, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go handleSession(ch, requests)
		case "direct-tcpip":
			go handleDirectTCPIP(newChan)
		default:
			newChan.Reject(gossh.UnknownChannelType, "unsupported")
		}
	}
}

func handleSession(ch gossh.Channel, requests <-chan *gossh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req", "window-change", "env":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			go func() {
				io.Copy(ch, ch)
				ch.Close()
			}()
		case "exec":
			var payload struct{ Command string }
			gossh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)
			status := uint32(0)
			if payload.Command == "fail" {
				fmt.Fprint(ch.Stderr(), "failed")
				status = 3
			} else {
				fmt.Fprintf(ch, "out:%s", payload.Command)
			}
			ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			gossh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			srv := sftp.NewRequestServer(ch, sftp.InMemHandler())
			srv.Serve()
			srv.Close()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func handleDirectTCPIP(newChan gossh.NewChannel) {
	var target struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := gossh.Unmarshal(newChan.ExtraData(), &target); err != nil {
		newChan.Reject(gossh.ConnectionFailed, "bad payload")
		return
	}
	remote, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
	if err != nil {
		newChan.Reject(gossh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		remote.Close()
		return
	}
	go gossh.DiscardRequests(reqs)
	go func() {
		io.Copy(remote, ch)
		remote.Close()
	}()
	io.Copy(ch, remote)
	ch.Close()
}

// startEchoServer returns the address of a TCP server echoing every
// connection.
func startEchoServer(t *testing.T) string {
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
				io.Copy(c, c)
			}()
		}
	}()
	return l.Addr().String()
}

func passwordCreds() Credentials {
	return Credentials{Username: "tester", Password: testPassword}
}

func insecureOptions() Options {
	return Options{HostKeyCallback: gossh.InsecureIgnoreHostKey()}
}
