package config

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Host key policies accepted by HostKeyPolicy.
const (
	HostKeyKnownHosts = "known_hosts"
	HostKeyTOFU       = "tofu"
	HostKeyInsecure   = "insecure"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/sshterm"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/sshterm/sshterm.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/var/lib/sshterm/sshterm.log"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8000"`
	// APIToken guards the API. It is required unless ListenAddr is a
	// loopback address.
	APIToken string `envconfig:"API_TOKEN" default:""`

	// Terminal settings
	DefaultRows     int    `envconfig:"DEFAULT_ROWS" default:"24"`
	DefaultCols     int    `envconfig:"DEFAULT_COLS" default:"80"`
	DefaultTerm     string `envconfig:"DEFAULT_TERM" default:"xterm-256color"`
	ScrollbackLines int    `envconfig:"SCROLLBACK_LINES" default:"1000"`
	RecordingDir    string `envconfig:"RECORDING_DIR" default:""`

	// Transport settings
	DialTimeout       time.Duration `envconfig:"DIAL_TIMEOUT" default:"15s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	KeepaliveTimeout  time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"15s"`
	RekeyThreshold    uint64        `envconfig:"REKEY_THRESHOLD" default:"0"`
	KnownHostsPath    string        `envconfig:"KNOWN_HOSTS_PATH" default:"~/.ssh/known_hosts"`
	HostKeyPolicy     string        `envconfig:"HOST_KEY_POLICY" default:"tofu"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"0"`

	// AllowedDestinations is a comma-separated list of IPs and CIDRs that
	// sessions may connect to. Empty allows any destination.
	AllowedDestinations string `envconfig:"ALLOWED_DESTINATIONS" default:""`
	// ForwardAnyAddress lets port forwards listen on non-loopback
	// addresses.
	ForwardAnyAddress bool `envconfig:"FORWARD_ANY_ADDRESS" default:"false"`

	// SFTP settings
	SFTPChunkSize      int           `envconfig:"SFTP_CHUNK_SIZE" default:"32768"`
	SFTPMaxInflight    int           `envconfig:"SFTP_MAX_INFLIGHT" default:"16"`
	SFTPRequestTimeout time.Duration `envconfig:"SFTP_REQUEST_TIMEOUT" default:"30s"`

	// Session housekeeping
	IdleSessionTimeout time.Duration `envconfig:"IDLE_SESSION_TIMEOUT" default:"30m"`
	CleanupSchedule    string        `envconfig:"CLEANUP_SCHEDULE" default:"@every 1m"`
	HistoryRetention   time.Duration `envconfig:"HISTORY_RETENTION" default:"720h"`
	MaxSessions        int           `envconfig:"MAX_SESSIONS" default:"0"`
	InputRateLimit     float64       `envconfig:"INPUT_RATE_LIMIT" default:"100"`
	InputRateBurst     int           `envconfig:"INPUT_RATE_BURST" default:"200"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHTERM", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// Validate rejects settings the engine cannot run with.
func (s *Settings) Validate() error {
	switch s.HostKeyPolicy {
	case HostKeyKnownHosts, HostKeyTOFU, HostKeyInsecure:
	default:
		return fmt.Errorf("unknown host key policy %q", s.HostKeyPolicy)
	}
	if s.DefaultRows <= 0 || s.DefaultCols <= 0 {
		return fmt.Errorf("default size %dx%d must be positive", s.DefaultCols, s.DefaultRows)
	}
	if s.SFTPChunkSize <= 0 || s.SFTPMaxInflight <= 0 {
		return fmt.Errorf("sftp chunk size and max inflight must be positive")
	}
	if s.KeepaliveInterval < 0 || s.KeepaliveTimeout < 0 {
		return fmt.Errorf("keepalive durations must not be negative")
	}
	if s.InputRateLimit <= 0 || s.InputRateBurst <= 0 {
		return fmt.Errorf("input rate limit and burst must be positive")
	}
	if s.APIToken == "" && !IsLoopbackAddr(s.ListenAddr) {
		return fmt.Errorf("listen address %q is not loopback; set SSHTERM_API_TOKEN", s.ListenAddr)
	}
	return nil
}

// IsLoopbackAddr reports whether the host of addr (host:port) only
// reaches this machine. An empty host means every interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
