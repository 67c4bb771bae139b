package sshmanager

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/gluk-w/sshterm/internal/sshkeys"
)

// Credentials authenticate one connection. They are used for the handshake
// and never stored.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
	// PrivateKeyPEM and PrivateKeyPath may both be set; every key is offered.
	PrivateKeyPEM  []byte `json:"-"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	Passphrase     []byte `json:"-"`
	// UseAgent offers the identities of a running ssh-agent.
	UseAgent bool `json:"use_agent,omitempty"`
	// AgentSocket defaults to $SSH_AUTH_SOCK.
	AgentSocket string `json:"-"`
}

var errNoCredentials = errors.New("no authentication method configured")

// authMethods returns the client auth methods in the order they are tried:
// public keys, password, then keyboard-interactive answered with the
// password. The returned closer releases the agent connection, if any.
func (c Credentials) authMethods() ([]ssh.AuthMethod, io.Closer, error) {
	var signers []ssh.Signer
	if len(c.PrivateKeyPEM) > 0 {
		s, err := sshkeys.ParsePrivateKey(c.PrivateKeyPEM, c.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		signers = append(signers, s)
	}
	if c.PrivateKeyPath != "" {
		s, err := sshkeys.LoadPrivateKeyFile(c.PrivateKeyPath, c.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		signers = append(signers, s)
	}

	var (
		agentClient agent.ExtendedAgent
		agentConn   net.Conn
	)
	if c.UseAgent {
		sock := c.AgentSocket
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}
		if sock == "" {
			return nil, nil, fmt.Errorf("ssh-agent requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to ssh-agent: %w", err)
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 || agentClient != nil {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			all := signers
			if agentClient != nil {
				fromAgent, err := agentClient.Signers()
				if err == nil {
					all = append(append([]ssh.Signer(nil), signers...), fromAgent...)
				}
			}
			return all, nil
		}))
	}
	if c.Password != "" {
		password := c.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, nil, errNoCredentials
	}

	var closer io.Closer
	if agentConn != nil {
		closer = agentConn
	}
	return methods, closer, nil
}
