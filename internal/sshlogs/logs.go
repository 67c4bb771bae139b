package sshlogs

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshterm/internal/logutil"
)

// Well-known log file paths on Debian and RHEL style hosts.
const (
	LogPathSyslog   = "/var/log/syslog"
	LogPathMessages = "/var/log/messages"
	LogPathAuth     = "/var/log/auth.log"
	LogPathSecure   = "/var/log/secure"
	LogPathKern     = "/var/log/kern.log"
)

// LogType represents a named category of log stream.
type LogType string

const (
	LogTypeSyslog   LogType = "syslog"
	LogTypeMessages LogType = "messages"
	LogTypeAuth     LogType = "auth"
	LogTypeSecure   LogType = "secure"
	LogTypeKern     LogType = "kern"
)

// Tail sizes accepted by StreamLogs.
const (
	DefaultTailLines = 100
	MaxTailLines     = 10000
)

// DefaultLogPaths maps each LogType to its file path on the remote host.
var DefaultLogPaths = map[LogType]string{
	LogTypeSyslog:   LogPathSyslog,
	LogTypeMessages: LogPathMessages,
	LogTypeAuth:     LogPathAuth,
	LogTypeSecure:   LogPathSecure,
	LogTypeKern:     LogPathKern,
}

// AllLogTypes returns the supported log types in display order.
func AllLogTypes() []LogType {
	return []LogType{LogTypeSyslog, LogTypeMessages, LogTypeAuth, LogTypeSecure, LogTypeKern}
}

// ResolveLogPath returns the file path for a log type.
func ResolveLogPath(logType LogType) (string, bool) {
	p, ok := DefaultLogPaths[logType]
	return p, ok
}

// ClampTail maps a requested line count into [1, MaxTailLines], with
// non-positive values selecting DefaultTailLines.
func ClampTail(n int) int {
	switch {
	case n <= 0:
		return DefaultTailLines
	case n > MaxTailLines:
		return MaxTailLines
	}
	return n
}

// TailCommand builds the remote tail invocation. Follow mode uses -F so the
// stream survives log rotation.
func TailCommand(logPath string, tail int, follow bool) string {
	cmd := fmt.Sprintf("tail -n %d", ClampTail(tail))
	if follow {
		cmd += " -F"
	}
	return cmd + " " + shellQuote(logPath)
}

// StreamLogs runs tail on the remote host and sends each line to the
// returned channel. The channel is closed when ctx is cancelled, the remote
// command ends, or the SSH connection drops.
func StreamLogs(ctx context.Context, client *ssh.Client, logPath string, tail int, follow bool) (<-chan string, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := session.Start(TailCommand(logPath, tail, follow)); err != nil {
		session.Close()
		return nil, fmt.Errorf("start tail command: %w", err)
	}

	ch := make(chan string, 100)

	go func() {
		defer close(ch)
		defer session.Close()

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			// Cancellation closes the session, which fails the read.
			select {
			case <-ctx.Done():
			default:
				log.Printf("[sshlogs] scanner error for %s: %v", logutil.SanitizeForLog(logPath), err)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	return ch, nil
}

// GetAvailableLogFiles returns the well-known log paths that exist on the
// remote host.
func GetAvailableLogFiles(client *ssh.Client) ([]string, error) {
	var checks []string
	for _, lt := range AllLogTypes() {
		p := DefaultLogPaths[lt]
		checks = append(checks, fmt.Sprintf("[ -f %s ] && echo %s", shellQuote(p), shellQuote(p)))
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(strings.Join(checks, "; "))
	if err != nil {
		// The last test failing makes the compound command exit non-zero.
		if _, ok := err.(*ssh.ExitError); !ok {
			return nil, fmt.Errorf("check log files: %w", err)
		}
	}

	var found []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			found = append(found, line)
		}
	}
	return found, nil
}

// shellQuote wraps a string in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
