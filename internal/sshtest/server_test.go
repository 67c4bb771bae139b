package sshtest

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

func dial(t *testing.T, s *Server, auth gossh.AuthMethod) *gossh.Client {
	t.Helper()
	client, err := gossh.Dial("tcp", s.Addr(), &gossh.ClientConfig{
		User:            DefaultUser,
		Auth:            []gossh.AuthMethod{auth},
		HostKeyCallback: gossh.FixedHostKey(s.HostKey.PublicKey()),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAuth(t *testing.T) {
	s := Start(t, Options{})

	dial(t, s, gossh.Password(DefaultPassword))

	signer, err := gossh.ParsePrivateKey(s.ClientKeyPEM)
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}
	dial(t, s, gossh.PublicKeys(signer))

	_, err = gossh.Dial("tcp", s.Addr(), &gossh.ClientConfig{
		User:            DefaultUser,
		Auth:            []gossh.AuthMethod{gossh.Password("wrong")},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
	})
	if err == nil {
		t.Fatal("wrong password accepted")
	}
}

func TestExec(t *testing.T) {
	s := Start(t, Options{})
	client := dial(t, s, gossh.Password(DefaultPassword))

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	out, err := sess.Output("whoami")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if string(out) != "out:whoami" {
		t.Errorf("output = %q", out)
	}
}

func TestEchoShellExitStatus(t *testing.T) {
	s := Start(t, Options{})
	client := dial(t, s, gossh.Password(DefaultPassword))

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := sess.RequestPty("xterm", 24, 80, gossh.TerminalModes{}); err != nil {
		t.Fatalf("pty: %v", err)
	}
	sess.Stdin = bytes.NewBufferString("hi\rexit 7\r")
	var out bytes.Buffer
	sess.Stdout = &out
	if err := sess.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}

	err = sess.Wait()
	var exitErr *gossh.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitStatus() != 7 {
		t.Fatalf("Wait() = %v, want exit status 7", err)
	}
	if !bytes.Contains(s.Received(), []byte("hi\r")) {
		t.Errorf("Received() = %q", s.Received())
	}
}

func TestSFTPSubsystem(t *testing.T) {
	s := Start(t, Options{})
	client := dial(t, s, gossh.Password(DefaultPassword))

	fs, err := sftp.NewClient(client)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	defer fs.Close()

	f, err := fs.Create("/note.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	io.WriteString(f, "stored")
	f.Close()

	// A second subsystem session sees the same files.
	fs2, err := sftp.NewClient(client)
	if err != nil {
		t.Fatalf("second sftp client: %v", err)
	}
	defer fs2.Close()
	r, err := fs2.Open("/note.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "stored" {
		t.Errorf("content = %q", data)
	}
}
