package postgres

import "time"

// SessionRecordModel registers a session the bridge has seen, so a
// zero-event session lists as empty rather than not-found.
type SessionRecordModel struct {
	SessionID string    `gorm:"primaryKey;size:255"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (SessionRecordModel) TableName() string { return "session_records" }

// HistoryEventModel is one immutable history log entry. Seq is assigned
// per session in arrival order.
type HistoryEventModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"size:255;index:idx_history_session_seq,priority:1;not null"`
	Seq       uint64    `gorm:"index:idx_history_session_seq,priority:2;not null"`
	EventType string    `gorm:"size:64;not null"`
	Content   string    `gorm:"type:text"` // JSON payload, stored as text for SQLite parity.
	Sender    string    `gorm:"size:255"`
	Timestamp time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (HistoryEventModel) TableName() string { return "history_events" }
