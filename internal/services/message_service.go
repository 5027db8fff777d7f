// Package services – MessageService
//
// This file implements the MessageService, the single write path into a
// room's message stream. It validates user messages against the protocol
// limits, assigns room-scoped sequence numbers atomically under the
// per-room serialization lock, and posts system-generated info messages
// (enter, leave, closing, status change) through the same path so that
// every message in a room carries a strictly increasing sequence number.
//
// Send supports idempotency keys: retrying a send with the same key returns
// the originally inserted message instead of duplicating it.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/mvasilak/go-room-sync/internal/domain"
	"github.com/mvasilak/go-room-sync/internal/repo"
)

// MessageRepo defines the repository contract required by MessageService.
type MessageRepo interface {
	// MaxSeq returns the highest assigned sequence number in a room.
	MaxSeq(ctx context.Context, db *gorm.DB, roomID int64) (int64, error)

	// InsertMessage persists a message with RoomID, Seq, and SentAt set.
	InsertMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error

	// ListMessagesAfter returns up to limit messages with Seq > afterSeq,
	// oldest first.
	ListMessagesAfter(ctx context.Context, db *gorm.DB, roomID, afterSeq int64, limit int) ([]domain.Message, error)
}

// IdempotencyRepo defines the idempotency-record contract required by
// MessageService.
type IdempotencyRepo interface {
	// GetIdempotency returns the unexpired record for (userID, roomID, key).
	GetIdempotency(ctx context.Context, db *gorm.DB, userID, roomID int64, key string, now time.Time) (*domain.Idempotency, error)

	// CreateIdempotency stores a new record with the given TTL.
	CreateIdempotency(ctx context.Context, db *gorm.DB, userID, roomID int64, key string, resultSeq int64, status int, ttl time.Duration) (*domain.Idempotency, error)
}

// SendRegistry is the slice of the active-room registry MessageService
// needs: membership checks, the per-room serialization lock, and the
// room-fanout query used by status-change broadcasts.
type SendRegistry interface {
	Present(roomID, userID int64) bool
	SendLock(roomID int64) *sync.Mutex
	RoomsWithUser(userID int64) []int64
}

// MessageService validates and persists room messages. It owns sequence
// number assignment: MaxSeq+insert runs under the room's serialization
// lock so that ids are strictly increasing in arrival order even under
// concurrent senders.
type MessageService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the message repository used by this service.
	Repo MessageRepo
	// Idem stores idempotency records; nil disables retry deduplication.
	Idem IdempotencyRepo
	// Registry provides membership checks and per-room locks.
	Registry SendRegistry

	// MaxBodyLen caps message bodies by rune length.
	MaxBodyLen int
	// MaxRecipients caps the recipient list length (after deduplication).
	MaxRecipients int
	// IdempotencyTTL bounds how long a send retry is recognized.
	IdempotencyTTL time.Duration
}

// NewMessageService constructs a MessageService with the protocol default
// limits.
func NewMessageService(db *gorm.DB, r MessageRepo, idem IdempotencyRepo, reg SendRegistry) *MessageService {
	return &MessageService{
		DB:             db,
		Repo:           r,
		Idem:           idem,
		Registry:       reg,
		MaxBodyLen:     domain.MaxMessageLength,
		MaxRecipients:  domain.MaxRecipients,
		IdempotencyTTL: 24 * time.Hour,
	}
}

// Send validates and persists a user message in the given room, assigning
// its sequence number atomically. Validation failures are returned before
// any side effect. When idemKey is non-empty and a previous send with the
// same key is on record, the originally inserted message is returned.
func (s *MessageService) Send(ctx context.Context, sender domain.UserInfo, roomID int64, idemKey string, m *domain.Message) (*domain.Message, error) {
	switch m.Type {
	case domain.MsgSimple, domain.MsgPrivate:
	default:
		return nil, ErrBadMessageType
	}
	m.Body = strings.TrimRight(m.Body, " \t\r\n")
	if m.Body == "" && m.FileRef == "" {
		return nil, ErrEmptyMessage
	}
	if s.MaxBodyLen > 0 && utf8.RuneCountInString(m.Body) > s.MaxBodyLen {
		return nil, ErrMessageTooLong
	}
	m.Recipients = dedupeRecipients(m.Recipients)
	if m.Type == domain.MsgPrivate && len(m.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if s.MaxRecipients > 0 && len(m.Recipients) > s.MaxRecipients {
		return nil, ErrTooManyRecipients
	}
	if !s.Registry.Present(roomID, sender.ID) {
		return nil, ErrNotInRoom
	}

	if idemKey != "" && s.Idem != nil {
		if prev, err := s.Idem.GetIdempotency(ctx, s.DB, sender.ID, roomID, idemKey, time.Now()); err == nil && prev != nil {
			return s.messageBySeq(ctx, roomID, prev.ResultSeq)
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	m.RoomID = roomID
	m.SenderID = sender.ID
	m.SentAt = time.Now().UTC()
	if err := s.insertSequenced(ctx, m); err != nil {
		return nil, err
	}

	if idemKey != "" && s.Idem != nil {
		if _, err := s.Idem.CreateIdempotency(ctx, s.DB, sender.ID, roomID, idemKey, m.Seq, 1, s.IdempotencyTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			return nil, err
		}
	}
	return m, nil
}

// PostInfo inserts a system-generated info message about subject into the
// room's stream. Info messages skip user-message validation but go through
// the same sequence assignment path, so they interleave correctly with
// user messages.
func (s *MessageService) PostInfo(ctx context.Context, roomID int64, typ domain.MessageType, subject domain.UserInfo) error {
	m := &domain.Message{
		RoomID:      roomID,
		Type:        typ,
		SenderID:    subject.ID,
		Body:        subject.Status,
		FontFamily:  domain.DefaultFontFamily,
		FontSize:    domain.DefaultFontSize,
		SubjectID:   subject.ID,
		SubjectName: subject.Login,
		SentAt:      time.Now().UTC(),
	}
	return s.insertSequenced(ctx, m)
}

// NotifyStatusChange posts a status-change info message into every room the
// user is currently visible in.
func (s *MessageService) NotifyStatusChange(ctx context.Context, user domain.UserInfo) error {
	for _, roomID := range s.Registry.RoomsWithUser(user.ID) {
		if err := s.PostInfo(ctx, roomID, domain.MsgStatusChange, user); err != nil {
			return err
		}
	}
	return nil
}

// insertSequenced assigns the next sequence number and inserts the message,
// all under the room's serialization lock. Nothing else may run between the
// MaxSeq read and the insert for the same room.
func (s *MessageService) insertSequenced(ctx context.Context, m *domain.Message) error {
	mu := s.Registry.SendLock(m.RoomID)
	mu.Lock()
	defer mu.Unlock()

	max, err := s.Repo.MaxSeq(ctx, s.DB, m.RoomID)
	if err != nil {
		return err
	}
	m.Seq = max + 1
	return s.Repo.InsertMessage(ctx, s.DB, m)
}

// messageBySeq fetches the single message with the given sequence number.
func (s *MessageService) messageBySeq(ctx context.Context, roomID, seq int64) (*domain.Message, error) {
	msgs, err := s.Repo.ListMessagesAfter(ctx, s.DB, roomID, seq-1, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 || msgs[0].Seq != seq {
		return nil, repo.ErrNotFound
	}
	return &msgs[0], nil
}

// dedupeRecipients removes duplicate recipient ids while preserving order,
// keeping the first occurrence. The first entry stays the primary
// recipient.
func dedupeRecipients(ids []int64) []int64 {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
