package database

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/sshterm/internal/logutil"
	"github.com/gluk-w/sshterm/internal/sshkeys"
)

var DB *gorm.DB

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path != ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := db.AutoMigrate(&KnownHost{}, &ConnectionRecord{}, &TransferRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

// Init opens the database at path into DB.
func Init(path string) error {
	db, err := Open(path)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Known host helpers

// KnownHosts persists trusted host keys. It satisfies the transport's
// host key store.
type KnownHosts struct {
	DB *gorm.DB
}

// LookupHostKey returns the stored key for host, or nil if the host has
// never been trusted.
func (k KnownHosts) LookupHostKey(host string) (ssh.PublicKey, error) {
	var rec KnownHost
	err := k.DB.Where("host = ?", host).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup host key: %w", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(rec.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("parse stored host key for %s: %w", logutil.SanitizeForLog(host), err)
	}
	k.DB.Model(&rec).Update("last_seen", time.Now())
	return key, nil
}

// SaveHostKey trusts key for host, replacing any previous key.
func (k KnownHosts) SaveHostKey(host string, key ssh.PublicKey) error {
	authorized := ssh.MarshalAuthorizedKey(key)
	fp, err := sshkeys.GetPublicKeyFingerprint(authorized)
	if err != nil {
		return err
	}
	rec := KnownHost{
		Host:        host,
		KeyType:     key.Type(),
		PublicKey:   string(authorized),
		Fingerprint: fp,
		LastSeen:    time.Now(),
	}
	err = k.DB.Where("host = ?", host).
		Assign(KnownHost{KeyType: rec.KeyType, PublicKey: rec.PublicKey, Fingerprint: rec.Fingerprint, LastSeen: rec.LastSeen}).
		FirstOrCreate(&rec).Error
	if err != nil {
		return fmt.Errorf("save host key: %w", err)
	}
	log.Printf("[db] trusted host key %s for %s", rec.Fingerprint, logutil.SanitizeForLog(host))
	return nil
}

// ListKnownHosts returns every trusted host ordered by host.
func ListKnownHosts() ([]KnownHost, error) {
	var hosts []KnownHost
	if err := DB.Order("host").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// ForgetHost removes the trusted key for host so the next connection
// re-learns it.
func ForgetHost(host string) error {
	return DB.Where("host = ?", host).Delete(&KnownHost{}).Error
}

// Connection history helpers

func CreateConnectionRecord(rec *ConnectionRecord) error {
	return DB.Create(rec).Error
}

// FinishConnectionRecord marks a connection as ended with the given state.
func FinishConnectionRecord(id uint, state, errMsg, errKind string) error {
	now := time.Now()
	return DB.Model(&ConnectionRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"state":           state,
		"error":           errMsg,
		"error_kind":      errKind,
		"disconnected_at": &now,
	}).Error
}

// ListConnectionRecords returns the newest records for a session, or for
// all sessions when sessionID is empty.
func ListConnectionRecords(sessionID string, limit int) ([]ConnectionRecord, error) {
	q := DB.Order("id desc")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []ConnectionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// Transfer history helpers

// SaveTransferRecord inserts or updates rec by ID.
func SaveTransferRecord(rec *TransferRecord) error {
	return DB.Save(rec).Error
}

func GetTransferRecord(id string) (*TransferRecord, error) {
	var rec TransferRecord
	if err := DB.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTransferRecords returns a session's transfers oldest first, or every
// transfer when sessionID is empty.
func ListTransferRecords(sessionID string) ([]TransferRecord, error) {
	q := DB.Order("started_at")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var recs []TransferRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// PruneHistory deletes connection and transfer records older than cutoff.
func PruneHistory(cutoff time.Time) (int64, error) {
	res := DB.Where("connected_at < ?", cutoff).Delete(&ConnectionRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	n := res.RowsAffected
	res = DB.Where("started_at < ?", cutoff).Delete(&TransferRecord{})
	if res.Error != nil {
		return n, res.Error
	}
	return n + res.RowsAffected, nil
}
