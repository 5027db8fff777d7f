// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Room model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a room is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateRoom inserts a new Room row and returns the persisted record with
// its assigned id. CreatedAt is set to UTC.
func CreateRoom(ctx context.Context, db *gorm.DB, r *domain.Room) (*domain.Room, error) {
	r.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// GetRoom fetches a single room by its id, or ErrNotFound if missing.
func GetRoom(ctx context.Context, db *gorm.DB, id int64) (*domain.Room, error) {
	var r domain.Room
	if err := db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ListActiveRooms returns every room that is not expired: permanent rooms,
// the main room, rooms with no expiration, and rooms whose expiration lies
// in the future. Ordered by id so the directory is stable across rounds.
func ListActiveRooms(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.Room, error) {
	var out []domain.Room
	err := db.WithContext(ctx).
		Where("permanent = ? OR main = ? OR expires_at IS NULL OR expires_at > ?", true, true, now).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// CountRooms returns the total number of rooms for pagination.
func CountRooms(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Room{}).Count(&total).Error
	return total, err
}

// ListRoomsPage returns a paginated slice of rooms ordered by creation time
// descending. Use CountRooms to obtain the total for pagination metadata.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListRoomsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Room, error) {
	var out []domain.Room
	err := db.WithContext(ctx).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateRoom persists the mutable fields of a room identified by id and
// owned by ownerID. If no rows are affected (room missing or not owned by
// ownerID), it returns ErrNotFound.
func UpdateRoom(ctx context.Context, db *gorm.DB, id, ownerID int64, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Room{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteRoom soft-deletes a room by id. It returns ErrNotFound when the
// room does not exist.
func DeleteRoom(ctx context.Context, db *gorm.DB, id int64) error {
	res := db.WithContext(ctx).Delete(&domain.Room{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// BumpVisitors adjusts the visitor counter of a room by delta (which may be
// negative). The counter never drops below zero.
func BumpVisitors(ctx context.Context, db *gorm.DB, id int64, delta int) error {
	return db.WithContext(ctx).
		Model(&domain.Room{}).
		Where("id = ?", id).
		Update("visitors", gorm.Expr("MAX(visitors + ?, 0)", delta)).Error
}

// ResetVisitors zeroes the visitor counter of a room (used when a room is
// closed and dropped from the active registry).
func ResetVisitors(ctx context.Context, db *gorm.DB, id int64) error {
	return db.WithContext(ctx).
		Model(&domain.Room{}).
		Where("id = ?", id).
		Update("visitors", 0).Error
}

// VisitorCounts returns the visitor counter of every non-expired room,
// keyed by room id. This backs the relaxed-consistency directory snapshot.
func VisitorCounts(ctx context.Context, db *gorm.DB, now time.Time) (map[int64]int, error) {
	var rows []struct {
		ID       int64
		Visitors int
	}
	err := db.WithContext(ctx).
		Model(&domain.Room{}).
		Select("id", "visitors").
		Where("permanent = ? OR main = ? OR expires_at IS NULL OR expires_at > ?", true, true, now).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Visitors
	}
	return out, nil
}
