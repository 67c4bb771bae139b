// Package sshlogs tails log files on the remote host of a session.
//
// Streaming runs "tail -n N [-F] path" in an exec channel on the session's
// existing SSH connection. Follow mode uses -F (follow by name with retry),
// so a rotated log keeps streaming without a reconnect.
//
// # Log Types
//
// A few well-known system logs have names:
//   - [LogTypeSyslog] → /var/log/syslog
//   - [LogTypeMessages] → /var/log/messages
//   - [LogTypeAuth] → /var/log/auth.log
//   - [LogTypeSecure] → /var/log/secure
//   - [LogTypeKern] → /var/log/kern.log
//
// Any other absolute path may be streamed directly.
//
// # Usage
//
//	ch, err := sshlogs.StreamLogs(ctx, client, "/var/log/syslog", 100, true)
//	if err != nil { ... }
//	for line := range ch {
//	    fmt.Println(line)
//	}
//
// All operations log at the [sshlogs] prefix.
package sshlogs
