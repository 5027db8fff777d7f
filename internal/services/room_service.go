// Package services – RoomService
//
// This file implements the RoomService, which manages the lifecycle of chat
// rooms: creation with duration-directive handling, ownership-enforced
// updates and deletion, the active-room directory, and the enter/leave
// operations that connect persistence with the in-memory presence registry.
//
// Service-level errors (e.g., ErrRoomNotFound, ErrAccessDenied) are returned
// for predictable cases so handlers can map them to HTTP results
// consistently.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/mvasilak/go-room-sync/internal/domain"
	"golang.org/x/text/language"
)

// RoomRepo defines the repository contract required by RoomService.
// Implementations are responsible for persistence of room aggregates.
type RoomRepo interface {
	// CreateRoom inserts a new room row and returns the persisted record.
	CreateRoom(ctx context.Context, db *gorm.DB, r *domain.Room) (*domain.Room, error)

	// GetRoom fetches a room by id.
	GetRoom(ctx context.Context, db *gorm.DB, id int64) (*domain.Room, error)

	// ListActiveRooms returns every non-expired room ordered by id.
	ListActiveRooms(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.Room, error)

	// CountRooms returns the total number of rooms for pagination.
	CountRooms(ctx context.Context, db *gorm.DB) (int64, error)

	// ListRoomsPage returns a page of rooms.
	ListRoomsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Room, error)

	// UpdateRoom updates the given fields of a room owned by ownerID.
	UpdateRoom(ctx context.Context, db *gorm.DB, id, ownerID int64, fields map[string]any) error

	// DeleteRoom soft-deletes a room.
	DeleteRoom(ctx context.Context, db *gorm.DB, id int64) error

	// BumpVisitors adjusts a room's visitor counter by delta.
	BumpVisitors(ctx context.Context, db *gorm.DB, id int64, delta int) error

	// ResetVisitors zeroes a room's visitor counter.
	ResetVisitors(ctx context.Context, db *gorm.DB, id int64) error
}

// PresenceRegistry is the slice of the active-room registry that RoomService
// needs: visibility transitions and room teardown.
type PresenceRegistry interface {
	Enter(roomID int64, user domain.UserInfo) bool
	Leave(roomID, userID int64) (wasVisible, empty bool)
	Present(roomID, userID int64) bool
	Presence(roomID int64) map[int64]domain.UserInfo
	Drop(roomID int64)
	SendLock(roomID int64) *sync.Mutex
}

// InfoPoster posts system-generated info messages (enter, leave, closing,
// status change) into a room's message stream. Implemented by
// MessageService.
type InfoPoster interface {
	PostInfo(ctx context.Context, roomID int64, typ domain.MessageType, subject domain.UserInfo) error
}

// RoomService provides room-level operations such as creating, listing,
// updating, deleting, and entering/leaving rooms. It enforces name rules,
// duration directives, and ownership constraints.
type RoomService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the room repository used by this service.
	Repo RoomRepo
	// Registry tracks the visible-user sets of active rooms.
	Registry PresenceRegistry
	// Poster emits enter/leave/closing info messages.
	Poster InfoPoster

	// NameMaxLen caps stored room names by rune length.
	NameMaxLen int
	// NameLocale is retained for locale-aware name handling.
	NameLocale language.Tag
}

// NewRoomService constructs a RoomService with sane defaults for name
// handling.
func NewRoomService(db *gorm.DB, r RoomRepo, reg PresenceRegistry, poster InfoPoster) *RoomService {
	return &RoomService{
		DB:         db,
		Repo:       r,
		Registry:   reg,
		Poster:     poster,
		NameMaxLen: 60,
		NameLocale: language.Und,
	}
}

// Create inserts a new room owned by ownerID. The duration directive is
// resolved into an absolute expiration timestamp; names are normalized,
// trimmed, clipped, and a default fallback is applied.
func (s *RoomService) Create(ctx context.Context, ownerID int64, name, roomType string, permanent bool, durationHours int) (*domain.Room, error) {
	name = normalizeName(name)
	if name == "" {
		name = "New room"
	}
	if !validRoomType(roomType) {
		return nil, ErrInvalidRoomType
	}
	if !domain.ValidDuration(durationHours) {
		return nil, ErrInvalidDuration
	}
	room := &domain.Room{
		Name:      s.clip(name),
		OwnerID:   ownerID,
		Type:      roomType,
		Permanent: permanent,
		ExpiresAt: expirationFor(durationHours, nil),
	}
	return s.Repo.CreateRoom(ctx, s.DB, room)
}

// Get fetches a single room by id.
func (s *RoomService) Get(ctx context.Context, id int64) (*domain.Room, error) {
	room, err := s.Repo.GetRoom(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return room, nil
}

// Directory returns all currently active rooms, ordered by id. This backs
// the room-list polling loop.
func (s *RoomService) Directory(ctx context.Context) ([]domain.Room, error) {
	return s.Repo.ListActiveRooms(ctx, s.DB, time.Now())
}

// ListPage returns a page of rooms (paginated, including expired ones).
// It applies defaults for invalid page/pageSize and returns total count.
func (s *RoomService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Room, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountRooms(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Room{}, 0, nil
	}

	items, err := s.Repo.ListRoomsPage(ctx, s.DB, offset, pageSize)
	return items, total, err
}

// Update changes a room's name, visibility class, or expiration, ensuring
// the room exists and belongs to the given user. A DurationUnknown
// directive leaves the expiration untouched; DurationClean clears it.
func (s *RoomService) Update(ctx context.Context, ownerID, roomID int64, name, roomType string, durationHours int) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != ownerID {
		return ErrNotRoomOwner
	}
	if !domain.ValidDuration(durationHours) {
		return ErrInvalidDuration
	}

	fields := map[string]any{}
	if name = normalizeName(name); name != "" {
		fields["name"] = s.clip(name)
	}
	if roomType != "" {
		if !validRoomType(roomType) {
			return ErrInvalidRoomType
		}
		fields["type"] = roomType
	}
	switch durationHours {
	case domain.DurationUnknown:
		// no directive
	case domain.DurationClean:
		fields["expires_at"] = nil
	default:
		fields["expires_at"] = expirationFor(durationHours, room.ExpiresAt)
	}
	if len(fields) == 0 {
		return nil
	}

	if err := s.Repo.UpdateRoom(ctx, s.DB, roomID, ownerID, fields); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoomNotFound
		}
		return err
	}
	return nil
}

// Delete removes a room owned by ownerID. A closing info message is posted
// before teardown so clients still polling the room learn why it went away,
// then the presence registry entry is dropped and the row soft-deleted.
func (s *RoomService) Delete(ctx context.Context, ownerID, roomID int64) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != ownerID {
		return ErrNotRoomOwner
	}

	if err := s.Poster.PostInfo(ctx, roomID, domain.MsgRoomClosing, domain.UserInfo{ID: ownerID}); err != nil {
		return err
	}
	s.Registry.Drop(roomID)
	if err := s.Repo.ResetVisitors(ctx, s.DB, roomID); err != nil {
		return err
	}
	return s.Repo.DeleteRoom(ctx, s.DB, roomID)
}

// Enter makes the user visible in the room and returns the room descriptor.
// Entering a room the user is already in is a no-op that still returns the
// current state. The first entry bumps the visitor counter and posts an
// enter info message.
func (s *RoomService) Enter(ctx context.Context, user domain.UserInfo, roomID int64) (*domain.Room, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Expired() {
		return nil, ErrRoomExpired
	}
	if !s.canEnter(room, user.ID) {
		return nil, ErrAccessDenied
	}

	if first := s.Registry.Enter(roomID, user); first {
		if err := s.Repo.BumpVisitors(ctx, s.DB, roomID, 1); err != nil {
			return nil, err
		}
		if err := s.Poster.PostInfo(ctx, roomID, domain.MsgRoomEnter, user); err != nil {
			return nil, err
		}
	}
	return room, nil
}

// Leave removes the user from the room's presence set. Leaving a room the
// user is not in is a no-op. The room row is left in place even when the
// room becomes empty; expired empty rooms are collected elsewhere.
func (s *RoomService) Leave(ctx context.Context, user domain.UserInfo, roomID int64) error {
	wasVisible, _ := s.Registry.Leave(roomID, user.ID)
	if !wasVisible {
		return nil
	}
	if err := s.Repo.BumpVisitors(ctx, s.DB, roomID, -1); err != nil {
		return err
	}
	return s.Poster.PostInfo(ctx, roomID, domain.MsgRoomLeave, user)
}

// canEnter reports whether the user may enter the room. Public rooms (and
// the main room) are open to everyone; protected and private rooms admit
// only their owner.
func (s *RoomService) canEnter(room *domain.Room, userID int64) bool {
	return room.Public() || room.OwnerID == userID
}

// clip truncates a room name to the configured maximum rune length.
func (s *RoomService) clip(name string) string {
	if s.NameMaxLen > 0 && utf8.RuneCountInString(name) > s.NameMaxLen {
		return string([]rune(name)[:s.NameMaxLen])
	}
	return name
}

// expirationFor converts a duration directive into an absolute expiration
// timestamp. DurationUnknown keeps the previous value, DurationClean clears
// it, anything else counts from now.
func expirationFor(durationHours int, prev *time.Time) *time.Time {
	switch durationHours {
	case domain.DurationUnknown:
		return prev
	case domain.DurationClean:
		return nil
	default:
		t := time.Now().UTC().Add(time.Duration(durationHours) * time.Hour)
		return &t
	}
}

// validRoomType reports whether t is an accepted room visibility class.
func validRoomType(t string) bool {
	switch t {
	case domain.RoomTypePublic, domain.RoomTypeProtected, domain.RoomTypePrivate:
		return true
	}
	return false
}

// normalizeName trims whitespace and collapses multiple spaces to one.
func normalizeName(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
