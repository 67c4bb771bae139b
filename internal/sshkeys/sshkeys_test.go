package sshkeys

import (
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pubKey)
	if err != nil {
		t.Fatalf("public key is not valid authorized_keys format: %v", err)
	}
	if parsed.Type() != "ssh-ed25519" {
		t.Errorf("expected key type ssh-ed25519, got %s", parsed.Type())
	}

	if block, _ := pem.Decode(privKey); block == nil {
		t.Fatal("private key is not valid PEM")
	}

	signer, err := ParsePrivateKey(privKey, nil)
	if err != nil {
		t.Fatalf("ParsePrivateKey() error: %v", err)
	}
	if ssh.FingerprintSHA256(signer.PublicKey()) != ssh.FingerprintSHA256(parsed) {
		t.Error("private key does not match public key")
	}
}

func TestParsePrivateKey_Passphrase(t *testing.T) {
	pass := []byte("s3cret")
	pubKey, privKey, err := GenerateEncryptedKeyPair(pass)
	if err != nil {
		t.Fatalf("GenerateEncryptedKeyPair() error: %v", err)
	}

	if _, err := ParsePrivateKey(privKey, nil); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
	if _, err := ParsePrivateKey(privKey, []byte("wrong")); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}

	signer, err := ParsePrivateKey(privKey, pass)
	if err != nil {
		t.Fatalf("ParsePrivateKey() error: %v", err)
	}
	want, err := GetPublicKeyFingerprint(pubKey)
	if err != nil {
		t.Fatalf("GetPublicKeyFingerprint() error: %v", err)
	}
	if got := ssh.FingerprintSHA256(signer.PublicKey()); got != want {
		t.Errorf("fingerprint = %s, want %s", got, want)
	}
}

func TestLoadPrivateKeyFile(t *testing.T) {
	_, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, privKey, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if _, err := LoadPrivateKeyFile(path, nil); err != nil {
		t.Fatalf("LoadPrivateKeyFile() error: %v", err)
	}
	if _, err := LoadPrivateKeyFile(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := ExpandHome("~/.ssh/id_ed25519")
	if err != nil {
		t.Fatalf("ExpandHome() error: %v", err)
	}
	if want := filepath.Join(home, ".ssh", "id_ed25519"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, _ := ExpandHome("/etc/key"); got != "/etc/key" {
		t.Errorf("absolute path changed to %q", got)
	}
}
