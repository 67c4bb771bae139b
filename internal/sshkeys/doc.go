// Package sshkeys handles client key material and host key fingerprints.
//
// [ParsePrivateKey] and [LoadPrivateKeyFile] turn PEM or OpenSSH private keys,
// optionally passphrase-protected, into signers for public key
// authentication. [GenerateKeyPair] creates ED25519 pairs for tests and new
// identities.
//
// [VerifyHostKey] compares a presented host key with a previously recorded
// SHA256 fingerprint and is the check behind trust-on-first-use host key
// policies.
package sshkeys
