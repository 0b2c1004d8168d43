package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/agentjido/jido-shell-sub001/internal/config"
)

var DB *gorm.DB

// ErrNotFound is returned by the lookup helpers when no row matches.
var ErrNotFound = errors.New("record not found")

// Init opens the database at the configured path.
func Init() error {
	return Open(config.Cfg.DBPath())
}

// Open opens (creating if needed) the sqlite database at path, migrates the
// schema and installs it as DB. ":memory:" is accepted for tests.
func Open(path string) error {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	// sqlite serializes writers; one connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := db.AutoMigrate(&Session{}, &Command{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
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

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", notFound(err)
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Session helpers

// UpsertSession inserts s or updates every mutable column of an existing row.
func UpsertSession(s *Session) error {
	return DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"workspace_id", "status", "cwd", "env", "history", "meta",
			"backend_kind", "backend_params", "updated_at",
		}),
	}).Create(s).Error
}

func GetSession(id string) (*Session, error) {
	var s Session
	if err := DB.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// ListSessions returns sessions newest first, optionally filtered by status.
func ListSessions(status string) ([]Session, error) {
	q := DB.Order("updated_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Session
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func SetSessionStatus(id, status string) error {
	return DB.Model(&Session{}).Where("id = ?", id).Update("status", status).Error
}

// DeleteSession removes a session and its command history.
func DeleteSession(id string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&Command{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Session{}).Error
	})
}

// PurgeSessions deletes sessions that are not active and were last updated
// before cutoff, together with their commands.
func PurgeSessions(cutoff time.Time) (int64, error) {
	var ids []string
	if err := DB.Model(&Session{}).
		Where("status <> ? AND updated_at < ?", "active", cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN ?", ids).Delete(&Command{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&Session{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// Command helpers

func CreateCommand(c *Command) error {
	return DB.Create(c).Error
}

// FinishCommand records the terminal state of a command.
func FinishCommand(id string, updates map[string]interface{}) error {
	return DB.Model(&Command{}).Where("id = ?", id).Updates(updates).Error
}

func GetCommand(id string) (*Command, error) {
	var c Command
	if err := DB.Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListCommands returns a session's commands newest first. limit <= 0 means
// no limit.
func ListCommands(sessionID string, limit int) ([]Command, error) {
	q := DB.Where("session_id = ?", sessionID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Command
	if err := q.Omit("transcript").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeCommands deletes commands started before cutoff.
func PurgeCommands(cutoff time.Time) (int64, error) {
	res := DB.Where("started_at < ?", cutoff).Delete(&Command{})
	return res.RowsAffected, res.Error
}

// MarkRunningCommands flags commands left running by a previous process.
func MarkRunningCommands(status string) (int64, error) {
	res := DB.Model(&Command{}).Where("status = ?", "running").Update("status", status)
	return res.RowsAffected, res.Error
}
