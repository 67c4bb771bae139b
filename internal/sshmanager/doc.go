// Package sshmanager establishes and supervises SSH transports.
//
// [Dial] connects to an [Endpoint], authenticates with [Credentials]
// (public keys, ssh-agent, password, keyboard-interactive) and verifies the
// server's host key with the callback in [Options], typically one built by
// [HostKeyCallbackFor]: a known_hosts file, trust on first use backed by a
// [HostKeyStore], or no verification at all. Failures are classified with
// the termerr kinds so callers can tell rejected credentials from an
// unreachable host.
//
// A [Transport] multiplexes shell, SFTP, port-forward and exec channels and
// tracks each in its channel map. A keepalive request is sent every
// KeepaliveInterval; a missing reply or a dropped connection terminates the
// Transport and every channel on it, once, with the same error.
//
// [SSHManager] keeps Transports by name and records for each name:
//   - the [ConnectionState] and its recent transitions,
//   - a ring buffer of [ConnectionEvent]s,
//   - connection-attempt limits enforced by a [RateLimiter].
//
// [ParseAllowedIPs] turns a configured allow list into the networks a
// Transport may dial.
package sshmanager
