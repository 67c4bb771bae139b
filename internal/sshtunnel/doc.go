// Package sshtunnel runs local port forwards (ssh -L) over an SSH transport.
//
// [Forward] binds a local listener and, for every accepted connection, opens
// a direct-tcpip channel through the transport to the configured remote
// address and pipes bytes both ways. Each piped connection gets its own SSH
// channel; all of them share the transport's single TCP connection.
//
// A forward ends exactly once: on [ActiveForward.Close], on
// [ActiveForward.Terminate] (used by the transport to broadcast its fatal
// error), when its context is cancelled, or when the listener fails. Ending
// closes the listener and every piped connection, then runs the OnClose
// callbacks with the cause.
//
// [TunnelManager] groups forwards by session name so a session can list and
// close its forwards together.
//
// # Log Prefixes
//
// Forward operations use the [tunnel] prefix.
package sshtunnel
