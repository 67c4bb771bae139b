package database

import "time"

// KnownHost is a host key accepted on first use.
type KnownHost struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Host        string    `gorm:"uniqueIndex;not null" json:"host"` // "host:port"
	KeyType     string    `gorm:"not null" json:"key_type"`
	PublicKey   string    `gorm:"type:text;not null" json:"public_key"` // authorized_keys format
	Fingerprint string    `gorm:"not null" json:"fingerprint"`
	FirstSeen   time.Time `gorm:"autoCreateTime" json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Connection states recorded in ConnectionRecord.
const (
	ConnStateConnected    = "connected"
	ConnStateDisconnected = "disconnected"
	ConnStateFailed       = "failed"
)

// ConnectionRecord is one attempt to bring a session's transport up.
type ConnectionRecord struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string     `gorm:"index;not null" json:"session_id"`
	Host           string     `gorm:"not null" json:"host"`
	Port           int        `gorm:"not null;default:22" json:"port"`
	Username       string     `json:"username"`
	State          string     `gorm:"not null" json:"state"`
	Error          string     `json:"error,omitempty"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	LatencyMs      int64      `json:"latency_ms"`
	ConnectedAt    time.Time  `gorm:"autoCreateTime" json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// TransferRecord is the final or current outcome of one SFTP transfer.
type TransferRecord struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	SessionID   string     `gorm:"index;not null" json:"session_id"`
	Direction   string     `gorm:"not null" json:"direction"`
	RemotePath  string     `gorm:"not null" json:"remote_path"`
	Size        int64      `json:"size"`
	Transferred int64      `json:"transferred"`
	State       string     `gorm:"not null" json:"state"`
	Error       string     `json:"error,omitempty"`
	StatusCode  uint32     `json:"status_code,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
