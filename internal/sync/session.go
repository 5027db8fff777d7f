package sync

import (
	"context"
	"errors"
	gosync "sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/mvasilak/go-room-sync/internal/config"
	"github.com/mvasilak/go-room-sync/internal/domain"
)

// Session-level errors. Send validation failures are raised before any
// network round and surfaced synchronously to the caller.
var (
	// ErrTooManyOpenRooms is returned when opening a room would exceed the
	// open-room limit. The rooms already open are not disturbed.
	ErrTooManyOpenRooms = errors.New("too many open rooms")

	// ErrRoomNotOpen is returned when sending into a room the session has
	// not opened.
	ErrRoomNotOpen = errors.New("room is not open")

	// ErrEmptyMessage is returned when a message has neither body text nor
	// an attached file reference.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLong is returned when a message body exceeds the limit.
	ErrMessageTooLong = errors.New("message body too long")

	// ErrBadMessageType is returned for types other than simple/private.
	ErrBadMessageType = errors.New("message type not sendable")

	// ErrNoRecipients is returned for a private message with no recipients.
	ErrNoRecipients = errors.New("private message without recipients")

	// ErrTooManyRecipients is returned when the recipient list exceeds the
	// limit.
	ErrTooManyRecipients = errors.New("too many recipients")
)

// Backend is the transport the session talks through: the room directory
// fetch, the delta-fetch protocol, and the room operations. An HTTP client
// implements it in production; tests use in-memory fakes. Implementations
// must return ErrSessionExpired (possibly wrapped) for authentication
// failures so the schedulers can distinguish fatal errors from transient
// ones.
type Backend interface {
	FetchDirectory(ctx context.Context) ([]domain.Room, error)
	FetchDeltas(ctx context.Context, req domain.DeltaRequest) (*domain.DeltaUpdate, error)
	EnterRoom(ctx context.Context, roomID int64) (*domain.Room, error)
	LeaveRoom(ctx context.Context, roomID int64) error
	SendMessage(ctx context.Context, roomID int64, m *domain.Message) (*domain.Message, error)
}

// Session is one user's synchronization engine: it owns the two polling
// loops, the watermark store, the presence tracker, and one consolidator
// per open room. Create one per logged-in session; there is no hidden
// shared state between sessions.
type Session struct {
	backend Backend
	user    domain.UserInfo
	log     zerolog.Logger

	maxOpenRooms  int
	maxBodyLen    int
	maxRecipients int

	listLoop *Scheduler
	roomLoop *Scheduler

	mu            gosync.Mutex
	open          []int64
	remembered    []int64
	watermarks    *WatermarkStore
	presence      *PresenceTracker
	consolidators map[int64]*Consolidator
	directory     []domain.Room
	visitors      map[int64]int
	gapThreshold  func(*Consolidator)

	ended   chan struct{}
	endOnce gosync.Once
}

// NewSession wires a session for the given user over the given backend,
// using the synchronization policy constants from cfg.
func NewSession(user domain.UserInfo, backend Backend, cfg config.SyncConfig, log zerolog.Logger) *Session {
	s := &Session{
		backend:       backend,
		user:          user,
		log:           log.With().Int64("user_id", user.ID).Logger(),
		maxOpenRooms:  cfg.MaxOpenRooms,
		maxBodyLen:    cfg.MaxBodyLen,
		maxRecipients: cfg.MaxRecipients,
		watermarks:    NewWatermarkStore(),
		presence:      NewPresenceTracker(),
		consolidators: make(map[int64]*Consolidator),
		ended:         make(chan struct{}),
	}
	s.gapThreshold = func(c *Consolidator) { c.SetGapThreshold(cfg.GapThreshold) }

	s.listLoop = NewScheduler(s.listRound, cfg.FastPoll, cfg.SlowPoll, cfg.ImmediateTick)
	s.listLoop.OnFatal = s.endSession

	s.roomLoop = NewScheduler(s.deltaRound, cfg.FastPoll, cfg.SlowPoll, cfg.ImmediateTick)
	s.roomLoop.ImmediateSwitch = true
	s.roomLoop.OnFatal = s.endSession

	return s
}

// Start launches both polling loops. Each schedules a near-immediate first
// tick so the UI sees data promptly on section entry.
func (s *Session) Start(ctx context.Context) {
	s.listLoop.Start(ctx)
	s.roomLoop.Start(ctx)
}

// Stop cancels both loops and remembers the open set. In-flight rounds
// finish but their results are discarded. After a restart, the first
// successful list round re-enters the remembered rooms, restoring the
// server-side presence the idle sweep removed in the meantime.
func (s *Session) Stop() {
	s.listLoop.Stop()
	s.roomLoop.Stop()
	s.mu.Lock()
	s.remembered = append([]int64(nil), s.open...)
	s.mu.Unlock()
}

// Ended is closed when a fatal session error stopped the engine.
func (s *Session) Ended() <-chan struct{} { return s.ended }

// SetRoomCadence switches the open-rooms loop between fast and slow
// polling; the switch reschedules the pending tick immediately.
func (s *Session) SetRoomCadence(c Cadence) { s.roomLoop.SetCadence(c) }

// SetListCadence switches the room-list loop; the switch takes effect
// after the next successful round.
func (s *Session) SetListCadence(c Cadence) { s.listLoop.SetCadence(c) }

// OpenRoom enters a room and starts polling it. Opening an already-open
// room re-enters it (the server treats enter as idempotent) and clears its
// problematic flag, which is how an erroring room is brought back. Opening
// beyond the room limit is rejected without disturbing the rooms already
// open.
func (s *Session) OpenRoom(ctx context.Context, roomID int64) (*domain.Room, error) {
	s.mu.Lock()
	already := s.isOpen(roomID)
	if !already {
		if len(s.open) >= s.maxOpenRooms {
			s.mu.Unlock()
			return nil, ErrTooManyOpenRooms
		}
		// Reserve the slot before the network round so concurrent opens
		// cannot overshoot the limit.
		s.open = append(s.open, roomID)
	}
	s.mu.Unlock()

	room, err := s.backend.EnterRoom(ctx, roomID)
	if err != nil {
		if !already {
			s.mu.Lock()
			s.removeOpen(roomID)
			s.mu.Unlock()
		}
		return nil, err
	}

	s.mu.Lock()
	s.presence.Clear(roomID)
	if _, ok := s.consolidators[roomID]; !ok {
		c := NewConsolidator(s.user.ID)
		s.gapThreshold(c)
		s.consolidators[roomID] = c
	}
	s.mu.Unlock()
	return room, nil
}

// CloseRoom leaves a room and stops polling it. The watermark, presence
// snapshot, problematic flag, and consolidator are all dropped: a later
// reopen starts from the full backlog.
func (s *Session) CloseRoom(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	s.removeOpen(roomID)
	s.watermarks.Forget(roomID)
	s.presence.Clear(roomID)
	delete(s.consolidators, roomID)
	s.mu.Unlock()

	return s.backend.LeaveRoom(ctx, roomID)
}

// Send validates and sends a user message into an open room. Validation
// failures never reach the network.
func (s *Session) Send(ctx context.Context, roomID int64, m *domain.Message) (*domain.Message, error) {
	if err := s.validate(m); err != nil {
		return nil, err
	}
	s.mu.Lock()
	open := s.isOpen(roomID)
	s.mu.Unlock()
	if !open {
		return nil, ErrRoomNotOpen
	}
	return s.backend.SendMessage(ctx, roomID, m)
}

// OpenRooms returns the ids of the currently open rooms, in open order.
func (s *Session) OpenRooms() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.open))
	copy(out, s.open)
	return out
}

// Directory returns the last fetched room directory.
func (s *Session) Directory() []domain.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Room, len(s.directory))
	copy(out, s.directory)
	return out
}

// VisitorCount returns the last known visitor count for a room, from the
// global snapshot the delta rounds deliver.
func (s *Session) VisitorCount(roomID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visitors[roomID]
}

// Entries returns a snapshot of the rendered entry list for an open room.
// The snapshot is the caller's to keep; later delta rounds never touch it,
// so a rendering layer may read it without holding any lock.
func (s *Session) Entries(roomID int64) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consolidators[roomID]
	if !ok {
		return nil
	}
	live := c.Entries()
	out := make([]*Entry, len(live))
	for i, e := range live {
		cp := *e
		cp.Segments = append([]Segment(nil), e.Segments...)
		out[i] = &cp
	}
	return out
}

// Presence returns a copy of the last presence snapshot for an open room,
// or nil if none has arrived yet.
func (s *Session) Presence(roomID int64) map[int64]domain.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.presence.Presence(roomID)
	if set == nil {
		return nil
	}
	out := make(map[int64]domain.UserInfo, len(set))
	for id, u := range set {
		out[id] = u
	}
	return out
}

// Problematic reports whether the room is currently excluded from delta
// rounds after a per-room error.
func (s *Session) Problematic(roomID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.Problematic(roomID)
}

// listRound is one tick of the room-list loop: it refreshes the directory
// and, after a restart, re-enters the rooms remembered at Stop. The reopen
// happens exactly once; a room that fails to reopen is skipped without
// failing the round.
func (s *Session) listRound(ctx context.Context) error {
	rooms, err := s.backend.FetchDirectory(ctx)
	if err != nil {
		if !errors.Is(err, ErrSessionExpired) {
			s.log.Warn().Err(err).Msg("room directory round failed")
		}
		return err
	}
	s.mu.Lock()
	s.directory = rooms
	remembered := s.remembered
	s.remembered = nil
	s.mu.Unlock()

	for _, id := range remembered {
		if _, err := s.OpenRoom(ctx, id); err != nil {
			s.log.Warn().Err(err).Int64("room_id", id).Msg("remembered room not reopened")
		}
	}
	return nil
}

// deltaRound is one tick of the open-rooms loop: it requests deltas for
// every open, non-problematic room and applies the response. Rounds run
// even with no open rooms, because the response's visitor counts feed the
// directory.
func (s *Session) deltaRound(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.open))
	for _, id := range s.open {
		if !s.presence.Problematic(id) {
			ids = append(ids, id)
		}
	}
	marks := make(map[int64]int64, len(ids))
	for _, id := range ids {
		if wm, ok := s.watermarks.Get(id); ok {
			marks[id] = wm
		}
	}
	s.mu.Unlock()

	u, err := s.backend.FetchDeltas(ctx, domain.DeltaRequest{OpenRoomIDs: ids, Watermarks: marks})
	if err != nil {
		if !errors.Is(err, ErrSessionExpired) {
			s.log.Warn().Err(err).Msg("delta round failed")
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, roomID := range ids {
		if roomErr, ok := u.Errors[roomID]; ok {
			s.presence.MarkProblematic(roomID)
			if c, ok := s.consolidators[roomID]; ok {
				c.PushError(roomErr.Message)
			}
			s.log.Info().Int64("room_id", roomID).Str("code", roomErr.Code).Msg("room excluded after error")
			continue
		}
		if set, ok := u.Presence[roomID]; ok {
			s.presence.Replace(roomID, set)
		}
		if c, ok := s.consolidators[roomID]; ok {
			for _, m := range u.Messages[roomID] {
				c.Ingest(m)
			}
		}
		if wm, ok := u.NextWatermarks[roomID]; ok {
			s.watermarks.Advance(roomID, wm)
		}
	}
	if u.VisitorCounts != nil {
		s.visitors = u.VisitorCounts
	}
	return nil
}

// endSession records the fatal session event and stops the sibling loop.
func (s *Session) endSession() {
	s.endOnce.Do(func() {
		s.log.Warn().Msg("session expired, stopping synchronization")
		s.Stop()
		close(s.ended)
	})
}

// validate applies the client-side send limits.
func (s *Session) validate(m *domain.Message) error {
	switch m.Type {
	case domain.MsgSimple, domain.MsgPrivate:
	default:
		return ErrBadMessageType
	}
	if m.Body == "" && m.FileRef == "" {
		return ErrEmptyMessage
	}
	if s.maxBodyLen > 0 && utf8.RuneCountInString(m.Body) > s.maxBodyLen {
		return ErrMessageTooLong
	}
	if m.Type == domain.MsgPrivate && len(m.Recipients) == 0 {
		return ErrNoRecipients
	}
	if s.maxRecipients > 0 && len(m.Recipients) > s.maxRecipients {
		return ErrTooManyRecipients
	}
	return nil
}

// isOpen reports whether roomID is in the open set. Caller holds mu.
func (s *Session) isOpen(roomID int64) bool {
	for _, id := range s.open {
		if id == roomID {
			return true
		}
	}
	return false
}

// removeOpen drops roomID from the open set. Caller holds mu.
func (s *Session) removeOpen(roomID int64) {
	for i, id := range s.open {
		if id == roomID {
			s.open = append(s.open[:i], s.open[i+1:]...)
			return
		}
	}
}
