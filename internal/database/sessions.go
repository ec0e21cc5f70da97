package database

import (
	"time"
)

// SessionAudit records terminal session lifecycle events in the
// session_records table.
type SessionAudit struct{}

func (SessionAudit) RecordOpen(id, containerRef, mode string, openedAt time.Time) error {
	return DB.Create(&SessionRecord{
		ID:           id,
		ContainerRef: containerRef,
		Mode:         mode,
		Status:       "active",
		OpenedAt:     openedAt,
	}).Error
}

func (SessionAudit) RecordClose(id, reason string, closedAt time.Time) error {
	return DB.Model(&SessionRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       "closed",
		"close_reason": reason,
		"closed_at":    closedAt,
	}).Error
}

// ListSessionRecords returns the most recently opened sessions first.
func ListSessionRecords(limit int) ([]SessionRecord, error) {
	var records []SessionRecord
	q := DB.Order("opened_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func GetSessionRecord(id string) (*SessionRecord, error) {
	var r SessionRecord
	if err := DB.Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}
