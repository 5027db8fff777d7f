// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model: sequence lookup, insertion, and watermark-bounded retrieval.
//
// Sequence assignment itself is NOT done here: callers must hold the
// per-room serialization lock (see registry) around MaxSeq + InsertMessage
// so that ids stay strictly increasing in arrival order.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

// MaxSeq returns the highest assigned message sequence number in a room,
// or 0 when the room has no messages yet.
func MaxSeq(ctx context.Context, db *gorm.DB, roomID int64) (int64, error) {
	var row struct {
		Seq int64
	}
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Select("seq").
		Where("room_id = ?", roomID).
		Order("seq DESC").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.Seq, nil
}

// InsertMessage persists a message. The caller must have assigned RoomID,
// Seq, and SentAt already; the unique (room_id, seq) index is the safety
// net against concurrent assignment bugs.
func InsertMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(m).Error
}

// ListMessagesAfter returns up to limit messages of a room with a sequence
// number strictly greater than afterSeq, oldest first. An afterSeq of 0
// means "full backlog", still bounded by limit (the retention window).
func ListMessagesAfter(ctx context.Context, db *gorm.DB, roomID, afterSeq int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("room_id = ? AND seq > ?", roomID, afterSeq).
		Order("seq asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
