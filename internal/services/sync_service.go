// Package services – SyncService
//
// This file implements the server side of the delta-fetch protocol: given
// the set of rooms a client claims to have open and a per-room watermark,
// it produces the new messages beyond each watermark, the current presence
// snapshot per room, per-room errors for rooms that went bad, the next
// watermarks, and a global visitor-count map covering all active rooms.
//
// Per-room failures never fail the whole batch; only infrastructure errors
// (database unavailable) abort a round.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

// ResolverRoomRepo defines the room persistence contract required by
// SyncService.
type ResolverRoomRepo interface {
	// GetRoom fetches a room by id.
	GetRoom(ctx context.Context, db *gorm.DB, id int64) (*domain.Room, error)

	// BumpVisitors adjusts a room's visitor counter by delta.
	BumpVisitors(ctx context.Context, db *gorm.DB, id int64, delta int) error

	// VisitorCounts returns the visitor counter of every active room.
	VisitorCounts(ctx context.Context, db *gorm.DB, now time.Time) (map[int64]int, error)
}

// ResolverRegistry is the slice of the active-room registry SyncService
// needs: membership, activity refresh, presence snapshots, and the idle
// sweep.
type ResolverRegistry interface {
	Present(roomID, userID int64) bool
	Touch(roomID, userID int64)
	Presence(roomID int64) map[int64]domain.UserInfo
	SweepIdle(roomID int64, timeout, interval time.Duration, force bool) []domain.UserInfo
}

// SyncService resolves one delta-fetch round for one user. Safe for
// concurrent use; the visitor-count snapshot is shared across callers and
// refreshed at most once per VisitorsTTL.
type SyncService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Rooms is the room repository used by this service.
	Rooms ResolverRoomRepo
	// Messages is the message repository used by this service.
	Messages MessageRepo
	// Registry tracks visible users per room.
	Registry ResolverRegistry
	// Poster emits leave info messages for idle-swept users.
	Poster InfoPoster

	// Retention caps the messages returned per room per round; a client
	// catching up after a long disconnect gets at most this many, oldest
	// first.
	Retention int
	// IdleTimeout is how long a user may go without polling before the
	// sweep removes them from presence.
	IdleTimeout time.Duration
	// VisitorsTTL bounds the staleness of the shared visitor-count
	// snapshot.
	VisitorsTTL time.Duration

	countsMu sync.Mutex
	counts   map[int64]int
	countsAt time.Time
}

// NewSyncService constructs a SyncService with the protocol default policy
// values.
func NewSyncService(db *gorm.DB, rooms ResolverRoomRepo, msgs MessageRepo, reg ResolverRegistry, poster InfoPoster) *SyncService {
	return &SyncService{
		DB:          db,
		Rooms:       rooms,
		Messages:    msgs,
		Registry:    reg,
		Poster:      poster,
		Retention:   200,
		IdleTimeout: 10 * time.Minute,
		VisitorsTTL: 5 * time.Second,
	}
}

// Resolve computes one delta-fetch response for the user. Rooms that are
// gone, expired, no longer accessible, or not entered are reported in the
// per-room error map and skipped; the remaining rooms get their new
// messages, presence snapshot, and next watermark. The visitor-count map
// always covers all active rooms, whatever the open set is.
func (s *SyncService) Resolve(ctx context.Context, user domain.UserInfo, req domain.DeltaRequest) (*domain.DeltaUpdate, error) {
	u := domain.NewDeltaUpdate()

	for _, roomID := range req.OpenRoomIDs {
		room, err := s.Rooms.GetRoom(ctx, s.DB, roomID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				u.Errors[roomID] = &domain.RoomError{Code: domain.RoomErrClosed, Message: "room no longer exists"}
				continue
			}
			return nil, err
		}
		if room.Expired() {
			u.Errors[roomID] = &domain.RoomError{Code: domain.RoomErrExpired, Message: "room has expired"}
			continue
		}
		if !room.Public() && room.OwnerID != user.ID {
			u.Errors[roomID] = &domain.RoomError{Code: domain.RoomErrAccessDenied, Message: "access to room revoked"}
			continue
		}
		if !s.Registry.Present(roomID, user.ID) {
			u.Errors[roomID] = &domain.RoomError{Code: domain.RoomErrNotInRoom, Message: "room must be entered first"}
			continue
		}

		s.Registry.Touch(roomID, user.ID)
		if err := s.sweepIdle(ctx, roomID); err != nil {
			return nil, err
		}

		wm, haveWM := req.Watermarks[roomID]
		afterSeq := int64(0)
		if haveWM {
			afterSeq = wm - 1
		}
		msgs, err := s.Messages.ListMessagesAfter(ctx, s.DB, roomID, afterSeq, s.Retention)
		if err != nil {
			return nil, err
		}

		next := wm
		if !haveWM {
			next = 1
		}
		if n := len(msgs); n > 0 {
			next = msgs[n-1].Seq + 1
		}

		u.Messages[roomID] = visibleTo(msgs, user.ID)
		u.NextWatermarks[roomID] = next
		u.Presence[roomID] = s.Registry.Presence(roomID)
	}

	counts, err := s.visitorCounts(ctx)
	if err != nil {
		return nil, err
	}
	u.VisitorCounts = counts
	return u, nil
}

// sweepIdle removes users that stopped polling the room and posts the
// corresponding leave messages. The registry rate-limits the scan itself.
func (s *SyncService) sweepIdle(ctx context.Context, roomID int64) error {
	for _, gone := range s.Registry.SweepIdle(roomID, s.IdleTimeout, s.IdleTimeout/4, false) {
		if err := s.Rooms.BumpVisitors(ctx, s.DB, roomID, -1); err != nil {
			return err
		}
		if err := s.Poster.PostInfo(ctx, roomID, domain.MsgRoomLeave, gone); err != nil {
			return err
		}
	}
	return nil
}

// visitorCounts returns the shared visitor-count snapshot, refreshing it
// when it is older than VisitorsTTL. Brief staleness is acceptable; the
// directory only needs approximate numbers.
func (s *SyncService) visitorCounts(ctx context.Context) (map[int64]int, error) {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()

	if s.counts != nil && time.Since(s.countsAt) < s.VisitorsTTL {
		return s.counts, nil
	}
	counts, err := s.Rooms.VisitorCounts(ctx, s.DB, time.Now())
	if err != nil {
		return nil, err
	}
	s.counts = counts
	s.countsAt = time.Now()
	return counts, nil
}

// visibleTo filters out private messages the user is not a party to. The
// next watermark is computed before filtering, so hidden messages are not
// re-fetched on the next round.
func visibleTo(msgs []domain.Message, userID int64) []domain.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.Type == domain.MsgPrivate && m.SenderID != userID && !recipientOf(&m, userID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// recipientOf reports whether userID appears in the message's recipient
// list.
func recipientOf(m *domain.Message, userID int64) bool {
	for _, id := range m.Recipients {
		if id == userID {
			return true
		}
	}
	return false
}
