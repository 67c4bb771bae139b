package sshmanager

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/sshkeys"
)

// Host key policies understood by HostKeyCallbackFor.
const (
	PolicyKnownHosts = "known_hosts"
	PolicyTOFU       = "tofu"
	PolicyInsecure   = "insecure"
)

// HostKeyStore persists the key first seen for each host. LookupHostKey
// returns a nil key for hosts it has never seen.
type HostKeyStore interface {
	LookupHostKey(host string) (ssh.PublicKey, error)
	SaveHostKey(host string, key ssh.PublicKey) error
}

// TrustOnFirstUse accepts and stores the key of a host seen for the first
// time, and afterwards rejects any other key with a
// *sshkeys.FingerprintMismatchError.
func TrustOnFirstUse(store HostKeyStore) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		known, err := store.LookupHostKey(hostname)
		if err != nil {
			return fmt.Errorf("look up host key: %w", err)
		}
		if known == nil {
			log.Printf("[ssh] trusting new host key for %s: %s",
				logutil.SanitizeForLog(hostname), ssh.FingerprintSHA256(key))
			if err := store.SaveHostKey(hostname, key); err != nil {
				return fmt.Errorf("save host key: %w", err)
			}
			return nil
		}
		return sshkeys.VerifyHostKey(hostname, key, ssh.FingerprintSHA256(known))
	}
}

// KnownHostsFile verifies host keys against an OpenSSH known_hosts file.
// Unknown hosts are rejected as well as mismatching keys.
func KnownHostsFile(path string) (ssh.HostKeyCallback, error) {
	expanded, err := sshkeys.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", expanded, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) == 0 {
				return fmt.Errorf("host %s is not in known_hosts", hostname)
			}
			return &sshkeys.FingerprintMismatchError{
				Host:     hostname,
				Expected: ssh.FingerprintSHA256(keyErr.Want[0].Key),
				Actual:   ssh.FingerprintSHA256(key),
			}
		}
		return err
	}, nil
}

// HostKeyCallbackFor builds the callback for a configured policy. store is
// only consulted for PolicyTOFU.
func HostKeyCallbackFor(policy, knownHostsPath string, store HostKeyStore) (ssh.HostKeyCallback, error) {
	switch policy {
	case PolicyKnownHosts:
		return KnownHostsFile(knownHostsPath)
	case PolicyTOFU:
		if store == nil {
			return nil, fmt.Errorf("tofu host key policy needs a store")
		}
		return TrustOnFirstUse(store), nil
	case PolicyInsecure:
		log.Printf("[ssh] WARNING: host key verification is disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, fmt.Errorf("unknown host key policy %q", policy)
}

// MemoryHostKeyStore is a HostKeyStore that lives only as long as the
// process.
type MemoryHostKeyStore struct {
	mu   sync.Mutex
	keys map[string]ssh.PublicKey
}

func NewMemoryHostKeyStore() *MemoryHostKeyStore {
	return &MemoryHostKeyStore{keys: make(map[string]ssh.PublicKey)}
}

func (s *MemoryHostKeyStore) LookupHostKey(host string) (ssh.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[host], nil
}

func (s *MemoryHostKeyStore) SaveHostKey(host string, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[host] = key
	return nil
}
