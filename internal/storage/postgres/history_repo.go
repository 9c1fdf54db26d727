package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/session"
)

// HistoryRepository implements the history.Store persistence logic on a
// GORM connection. Shared by the PostgreSQL and SQLite backends.
type HistoryRepository struct {
	db        *gorm.DB
	retention int
}

// NewHistoryRepository creates a repository with the given per-session
// retention cap. retention <= 0 uses history.DefaultRetention.
func NewHistoryRepository(db *gorm.DB, retention int) *HistoryRepository {
	if retention <= 0 {
		retention = history.DefaultRetention
	}
	return &HistoryRepository{db: db, retention: retention}
}

// EnsureSession registers a session record if it does not exist yet.
func (r *HistoryRepository) EnsureSession(ctx context.Context, sessionID string) error {
	rec := SessionRecordModel{SessionID: sessionID}
	return r.db.WithContext(ctx).
		Where(SessionRecordModel{SessionID: sessionID}).
		FirstOrCreate(&rec).Error
}

// Append stores one event, assigning the next per-session sequence
// number inside a transaction. The bridge's single-writer discipline
// keeps contention on the max-seq read negligible.
func (r *HistoryRepository) Append(ctx context.Context, ev history.Event) (history.Event, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := SessionRecordModel{SessionID: ev.SessionID}
		if err := tx.Where(SessionRecordModel{SessionID: ev.SessionID}).FirstOrCreate(&rec).Error; err != nil {
			return err
		}

		var maxSeq uint64
		row := tx.Model(&HistoryEventModel{}).
			Where("session_id = ?", ev.SessionID).
			Select("COALESCE(MAX(seq), 0)").
			Row()
		if err := row.Scan(&maxSeq); err != nil {
			return err
		}
		ev.Seq = maxSeq + 1

		return tx.Create(&HistoryEventModel{
			SessionID: ev.SessionID,
			Seq:       ev.Seq,
			EventType: ev.EventType,
			Content:   string(ev.Content),
			Sender:    ev.Sender,
			Timestamp: ev.Timestamp,
		}).Error
	})
	if err != nil {
		return history.Event{}, err
	}
	return ev, nil
}

// List returns a session's retained events oldest first.
func (r *HistoryRepository) List(ctx context.Context, sessionID string) ([]history.Event, error) {
	var rec SessionRecordModel
	err := r.db.WithContext(ctx).First(&rec, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errUnknownSession(sessionID)
	}
	if err != nil {
		return nil, err
	}

	var models []HistoryEventModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	events := make([]history.Event, 0, len(models))
	for _, m := range models {
		events = append(events, history.Event{
			SessionID: m.SessionID,
			Seq:       m.Seq,
			EventType: m.EventType,
			Content:   json.RawMessage(m.Content),
			Sender:    m.Sender,
			Timestamp: m.Timestamp,
		})
	}
	return events, nil
}

// DropSession discards a session's log and registration.
func (r *HistoryRepository) DropSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&HistoryEventModel{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).Delete(&SessionRecordModel{}).Error
	})
}

// Prune deletes events beyond the retention cap for every session,
// oldest first. Returns the number of deleted rows.
func (r *HistoryRepository) Prune(ctx context.Context) (int64, error) {
	var sessions []string
	if err := r.db.WithContext(ctx).
		Model(&SessionRecordModel{}).
		Pluck("session_id", &sessions).Error; err != nil {
		return 0, err
	}

	var total int64
	for _, id := range sessions {
		var maxSeq uint64
		row := r.db.WithContext(ctx).Model(&HistoryEventModel{}).
			Where("session_id = ?", id).
			Select("COALESCE(MAX(seq), 0)").
			Row()
		if err := row.Scan(&maxSeq); err != nil {
			return total, err
		}
		if maxSeq <= uint64(r.retention) {
			continue
		}
		cutoff := maxSeq - uint64(r.retention)
		res := r.db.WithContext(ctx).
			Where("session_id = ? AND seq <= ?", id, cutoff).
			Delete(&HistoryEventModel{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

// errUnknownSession mirrors the in-memory backend's not-found wrapping.
func errUnknownSession(sessionID string) error {
	return fmt.Errorf("history for session %s: %w", sessionID, session.ErrSessionNotFound)
}
