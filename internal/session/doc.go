// Package session coordinates one interactive SSH terminal: a transport
// from sshmanager, the shell PTY on it, an escape sequence parser and the
// screen it drives.
//
// A single output pump per connection reads PTY chunks, feeds them through
// the parser into the screen inside one screen update, and writes any
// terminal replies (cursor reports, device attributes) back to the PTY.
// Resize is the only other screen mutator; it runs on the caller's
// goroutine and takes the same screen lock, so it lands between two pump
// updates, never inside one. Renderers only read snapshots. Input is
// written on the caller's goroutine.
//
// Lifecycle:
//
//	Idle -> Connecting -> Connected -> Exited        (shell exit status)
//	                               \-> Disconnected  (transport or channel failure)
//	Disconnected/Exited -> Reconnect -> Connecting
//	any -> RequestClose -> Closed
//
// A lost transport never reconnects by itself. The screen survives the
// disconnect and in-flight transfers are aborted. SFTP is opened lazily on
// the same transport; transfer and connection history go to the database
// when Config.Persist is set.
//
// Manager keeps the sessions of a process and closes idle, unwatched ones
// on a cron schedule.
package session
