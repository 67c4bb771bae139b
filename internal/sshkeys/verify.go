package sshkeys

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// FingerprintMismatchError is returned when a host key fingerprint does not
// match the one recorded earlier. This may indicate a MITM attack or a
// reinstalled server.
type FingerprintMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key fingerprint mismatch for %s: expected %s, got %s (possible MITM attack)", e.Host, e.Expected, e.Actual)
}

// GetPublicKeyFingerprint calculates the SHA256 fingerprint of an SSH public key.
// The publicKey should be in SSH authorized_keys format (e.g. "ssh-ed25519 AAAA...").
// Returns the fingerprint in standard format (SHA256:xxx).
func GetPublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}

	return ssh.FingerprintSHA256(parsed), nil
}

// VerifyHostKey checks that key matches the expected fingerprint for host.
// An empty expectedFingerprint means the host has not been seen before and
// is accepted. Returns a *FingerprintMismatchError if the fingerprints differ.
func VerifyHostKey(host string, key ssh.PublicKey, expectedFingerprint string) error {
	if expectedFingerprint == "" {
		return nil
	}
	actual := ssh.FingerprintSHA256(key)
	if actual != expectedFingerprint {
		return &FingerprintMismatchError{
			Host:     host,
			Expected: expectedFingerprint,
			Actual:   actual,
		}
	}
	return nil
}
