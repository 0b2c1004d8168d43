package database

import "time"

// Session is the persisted form of a shell session. Env, History, Meta and
// BackendParams hold JSON; secret backend params are stored encrypted.
type Session struct {
	ID            string    `gorm:"primaryKey;size:128" json:"id"`
	WorkspaceID   string    `gorm:"not null;index;size:128" json:"workspace_id"`
	Status        string    `gorm:"not null;default:active;index" json:"status"`
	Cwd           string    `gorm:"not null;default:'/'" json:"cwd"`
	Env           string    `gorm:"type:text;default:'{}'" json:"-"`
	History       string    `gorm:"type:text;default:'[]'" json:"-"`
	Meta          string    `gorm:"type:text;default:'{}'" json:"-"`
	BackendKind   string    `gorm:"not null;default:local" json:"backend_kind"`
	BackendParams string    `gorm:"type:text;default:'{}'" json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Command is one accepted command line and how it ended.
type Command struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	SessionID   string     `gorm:"not null;index;size:128" json:"session_id"`
	Line        string     `gorm:"type:text;not null" json:"line"`
	Status      string     `gorm:"not null;default:running;index" json:"status"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	Cwd         string     `json:"cwd,omitempty"`
	OutputBytes int64      `gorm:"not null;default:0" json:"output_bytes"`
	Truncated   bool       `gorm:"not null;default:false" json:"truncated"`
	Transcript  []byte     `json:"-"` // zstd-compressed output
	StartedAt   time.Time  `gorm:"index" json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
