package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionRecord is the audit row for one terminal session. Rows are never
// used to restore sessions; a process restart marks open rows closed.
type SessionRecord struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	ContainerRef string     `gorm:"not null;index" json:"container_ref"`
	Mode         string     `gorm:"not null" json:"mode"`
	Status       string     `gorm:"not null;default:active;index" json:"status"`
	CloseReason  string     `gorm:"default:''" json:"close_reason,omitempty"`
	OpenedAt     time.Time  `gorm:"not null" json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type AutomationRun struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"not null;index;size:36" json:"session_id"`
	Template   string    `gorm:"default:''" json:"template,omitempty"`
	Success    bool      `gorm:"not null" json:"success"`
	StopReason string    `gorm:"default:''" json:"stop_reason,omitempty"`
	StepCount  int       `gorm:"not null;default:0" json:"step_count"`
	ResultJSON string    `gorm:"type:text" json:"-"`
	DurationMS int64     `gorm:"not null;default:0" json:"duration_ms"`
	StartedAt  time.Time `gorm:"not null" json:"started_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
