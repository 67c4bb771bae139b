package session

import (
	"context"
	"fmt"
	"path"

	"github.com/gluk-w/sshterm/internal/sshlogs"
)

// TailLog streams the last lines of a remote file, following it when
// follow is set. The stream ends with ctx or the transport.
func (s *Session) TailLog(ctx context.Context, logPath string, lines int, follow bool) (<-chan string, error) {
	if !path.IsAbs(logPath) {
		return nil, fmt.Errorf("log path %q is not absolute", logPath)
	}
	t, err := s.liveTransport("tail log")
	if err != nil {
		return nil, err
	}
	s.touch()
	return sshlogs.StreamLogs(ctx, t.Client(), path.Clean(logPath), lines, follow)
}

// LogFiles lists the well-known system logs present on the remote host.
func (s *Session) LogFiles() ([]string, error) {
	t, err := s.liveTransport("list logs")
	if err != nil {
		return nil, err
	}
	return sshlogs.GetAvailableLogFiles(t.Client())
}
