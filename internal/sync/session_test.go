package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mvasilak/go-room-sync/internal/config"
	"github.com/mvasilak/go-room-sync/internal/domain"
)

// fakeBackend is an in-memory Backend with scripted per-room behavior. It
// records every delta request so tests can assert what the session asked
// for.
type fakeBackend struct {
	mu        gosync.Mutex
	directory []domain.Room
	rooms     map[int64]*domain.Room
	messages  map[int64][]domain.Message
	presence  map[int64]map[int64]domain.UserInfo
	roomErrs  map[int64]*domain.RoomError
	fetchErr  error
	requests  []domain.DeltaRequest
	sent      []domain.Message
	entered   []int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rooms:    make(map[int64]*domain.Room),
		messages: make(map[int64][]domain.Message),
		presence: make(map[int64]map[int64]domain.UserInfo),
		roomErrs: make(map[int64]*domain.RoomError),
	}
}

func (f *fakeBackend) addRoom(id int64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &domain.Room{ID: id, Name: name, Type: domain.RoomTypePublic}
	f.rooms[id] = r
	f.directory = append(f.directory, *r)
}

func (f *fakeBackend) addMessage(roomID int64, m domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.RoomID = roomID
	m.Seq = int64(len(f.messages[roomID]) + 1)
	f.messages[roomID] = append(f.messages[roomID], m)
}

func (f *fakeBackend) FetchDirectory(context.Context) ([]domain.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]domain.Room, len(f.directory))
	copy(out, f.directory)
	return out, nil
}

func (f *fakeBackend) FetchDeltas(_ context.Context, req domain.DeltaRequest) (*domain.DeltaUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	u := domain.NewDeltaUpdate()
	for _, roomID := range req.OpenRoomIDs {
		if re, ok := f.roomErrs[roomID]; ok {
			u.Errors[roomID] = re
			continue
		}
		after := int64(0)
		if wm, ok := req.Watermarks[roomID]; ok {
			after = wm - 1
		}
		next := after + 1
		for _, m := range f.messages[roomID] {
			if m.Seq > after {
				u.Messages[roomID] = append(u.Messages[roomID], m)
				next = m.Seq + 1
			}
		}
		u.NextWatermarks[roomID] = next
		u.Presence[roomID] = f.presence[roomID]
	}
	for id := range f.rooms {
		u.VisitorCounts[id] = len(f.presence[id])
	}
	return u, nil
}

func (f *fakeBackend) EnterRoom(_ context.Context, roomID int64) (*domain.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = append(f.entered, roomID)
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, errors.New("no such room")
	}
	return r, nil
}

func (f *fakeBackend) LeaveRoom(context.Context, int64) error { return nil }

func (f *fakeBackend) SendMessage(_ context.Context, roomID int64, m *domain.Message) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.RoomID = roomID
	m.Seq = int64(len(f.messages[roomID]) + 1)
	f.messages[roomID] = append(f.messages[roomID], *m)
	f.sent = append(f.sent, *m)
	return m, nil
}

func (f *fakeBackend) lastRequest() domain.DeltaRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return domain.DeltaRequest{}
	}
	return f.requests[len(f.requests)-1]
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		FastPoll:      5 * time.Millisecond,
		SlowPoll:      50 * time.Millisecond,
		ImmediateTick: time.Millisecond,
		GapThreshold:  time.Minute,
		Retention:     200,
		MaxOpenRooms:  domain.MaxOpenRooms,
		MaxBodyLen:    domain.MaxMessageLength,
		MaxRecipients: domain.MaxRecipients,
	}
}

func newTestSession(backend Backend) *Session {
	user := domain.UserInfo{ID: 10, Login: "alice"}
	return NewSession(user, backend, testSyncConfig(), zerolog.Nop())
}

func openIn(req domain.DeltaRequest, roomID int64) bool {
	for _, id := range req.OpenRoomIDs {
		if id == roomID {
			return true
		}
	}
	return false
}

// ---------- round behavior (driven directly, no schedulers) ----------

func TestSession_DeltaRound_AppliesUpdate(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "lobby")
	backend.addMessage(1, domain.Message{Type: domain.MsgSimple, SenderID: 2, Body: "hello"})
	backend.presence[1] = map[int64]domain.UserInfo{2: {ID: 2, Login: "bob"}}

	s := newTestSession(backend)
	ctx := context.Background()
	if _, err := s.OpenRoom(ctx, 1); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.deltaRound(ctx); err != nil {
		t.Fatalf("round: %v", err)
	}

	entries := s.Entries(1)
	if len(entries) != 1 || entries[0].Segments[0].Message.Body != "hello" {
		t.Fatalf("entries = %+v, want the fetched message", entries)
	}
	if s.Presence(1)[2].Login != "bob" {
		t.Fatalf("presence = %v, want bob", s.Presence(1))
	}
	if wm, ok := s.watermarks.Get(1); !ok || wm != 2 {
		t.Fatalf("watermark = %d,%v, want 2,true", wm, ok)
	}

	// The next round carries the advanced watermark and fetches nothing new.
	if err := s.deltaRound(ctx); err != nil {
		t.Fatalf("round 2: %v", err)
	}
	if got := backend.lastRequest().Watermarks[1]; got != 2 {
		t.Fatalf("request watermark = %d, want 2", got)
	}
	if len(s.Entries(1)) != 1 {
		t.Fatal("idle round must not duplicate entries")
	}
}

func TestSession_DeltaRound_RetriedRoundIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "lobby")
	backend.addMessage(1, domain.Message{Type: domain.MsgSimple, SenderID: 2, Body: "once"})

	s := newTestSession(backend)
	ctx := context.Background()
	s.OpenRoom(ctx, 1)
	s.deltaRound(ctx)

	// Simulate a retried round: wind the watermark back as if the previous
	// response had been applied but the advance lost.
	s.mu.Lock()
	s.watermarks.Advance(1, 1)
	s.mu.Unlock()
	s.deltaRound(ctx)

	if got := len(s.Entries(1)); got != 1 {
		t.Fatalf("entries = %d, want duplicates discarded by the consolidator", got)
	}
}

func TestSession_ProblematicRoomExcludedUntilReopen(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "good")
	backend.addRoom(12, "bad")
	backend.roomErrs[12] = &domain.RoomError{Code: domain.RoomErrAccessDenied, Message: "access to room revoked"}

	s := newTestSession(backend)
	ctx := context.Background()
	s.OpenRoom(ctx, 1)
	s.OpenRoom(ctx, 12)

	// Round N: room 12 errors.
	s.deltaRound(ctx)
	if !s.Problematic(12) {
		t.Fatal("erroring room must be marked problematic")
	}
	entries := s.Entries(12)
	if len(entries) != 1 || !entries[0].Error {
		t.Fatalf("entries = %+v, want an inline error placeholder", entries)
	}

	// Round N+1: room 12 absent from the request, room 1 still polled.
	s.deltaRound(ctx)
	req := backend.lastRequest()
	if openIn(req, 12) {
		t.Fatalf("request = %+v, room 12 must be excluded", req)
	}
	if !openIn(req, 1) {
		t.Fatalf("request = %+v, room 1 must still be polled", req)
	}

	// Close and reopen: the room is polled again.
	backend.mu.Lock()
	delete(backend.roomErrs, 12)
	backend.mu.Unlock()
	s.CloseRoom(ctx, 12)
	if _, err := s.OpenRoom(ctx, 12); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s.deltaRound(ctx)
	if !openIn(backend.lastRequest(), 12) {
		t.Fatal("reopened room must be polled again")
	}
}

func TestSession_MaxOpenRooms(t *testing.T) {
	backend := newFakeBackend()
	for id := int64(1); id <= 6; id++ {
		backend.addRoom(id, fmt.Sprintf("room-%d", id))
	}

	s := newTestSession(backend)
	ctx := context.Background()
	for id := int64(1); id <= 5; id++ {
		if _, err := s.OpenRoom(ctx, id); err != nil {
			t.Fatalf("open %d: %v", id, err)
		}
	}

	if _, err := s.OpenRoom(ctx, 6); !errors.Is(err, ErrTooManyOpenRooms) {
		t.Fatalf("sixth open: got %v, want ErrTooManyOpenRooms", err)
	}
	if got := len(s.OpenRooms()); got != 5 {
		t.Fatalf("open rooms = %d, the first five must be undisturbed", got)
	}

	// Reopening an already-open room is not a seventh slot.
	if _, err := s.OpenRoom(ctx, 3); err != nil {
		t.Fatalf("reopen of open room: %v", err)
	}
}

func TestSession_CloseRoomForgetsState(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "lobby")
	backend.addMessage(1, domain.Message{Type: domain.MsgSimple, SenderID: 2, Body: "hi"})

	s := newTestSession(backend)
	ctx := context.Background()
	s.OpenRoom(ctx, 1)
	s.deltaRound(ctx)

	if err := s.CloseRoom(ctx, 1); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(s.OpenRooms()) != 0 {
		t.Fatal("closed room still open")
	}
	if _, ok := s.watermarks.Get(1); ok {
		t.Fatal("closed room kept its watermark")
	}

	// Reopen: the request must carry no watermark (full backlog again).
	s.OpenRoom(ctx, 1)
	s.deltaRound(ctx)
	if _, ok := backend.lastRequest().Watermarks[1]; ok {
		t.Fatal("reopened room must start without a watermark")
	}
	if len(s.Entries(1)) != 1 {
		t.Fatal("reopened room must replay the backlog")
	}
}

func TestSession_RestartReopensRememberedRooms(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "lobby")
	backend.addRoom(2, "den")

	s := newTestSession(backend)
	ctx := context.Background()
	s.OpenRoom(ctx, 1)
	s.OpenRoom(ctx, 2)
	s.Stop()

	// First list round after the restart re-enters both rooms, in open
	// order.
	if err := s.listRound(ctx); err != nil {
		t.Fatalf("list round: %v", err)
	}
	backend.mu.Lock()
	entered := append([]int64(nil), backend.entered...)
	backend.mu.Unlock()
	want := []int64{1, 2, 1, 2}
	if len(entered) != len(want) {
		t.Fatalf("entered = %v, want %v", entered, want)
	}
	for i := range want {
		if entered[i] != want[i] {
			t.Fatalf("entered = %v, want %v", entered, want)
		}
	}

	// The reopen happens exactly once.
	if err := s.listRound(ctx); err != nil {
		t.Fatalf("list round 2: %v", err)
	}
	backend.mu.Lock()
	n := len(backend.entered)
	backend.mu.Unlock()
	if n != len(want) {
		t.Fatalf("entered %d rooms after second round, want %d", n, len(want))
	}
}

func TestSession_RestartToleratesReopenFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "lobby")
	backend.addRoom(2, "gone")

	s := newTestSession(backend)
	ctx := context.Background()
	s.OpenRoom(ctx, 1)
	s.OpenRoom(ctx, 2)
	s.Stop()

	// Room 2 disappeared while the session was stopped.
	backend.mu.Lock()
	delete(backend.rooms, 2)
	backend.mu.Unlock()

	if err := s.listRound(ctx); err != nil {
		t.Fatalf("list round: %v", err)
	}
	backend.mu.Lock()
	entered := append([]int64(nil), backend.entered...)
	backend.mu.Unlock()
	if entered[len(entered)-2] != 1 || entered[len(entered)-1] != 2 {
		t.Fatalf("entered = %v, want both remembered rooms attempted", entered)
	}

	// The failed room does not poison a later round.
	if err := s.listRound(ctx); err != nil {
		t.Fatalf("list round 2: %v", err)
	}
}

func TestSession_EntriesAndPresenceSnapshotsAreStable(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "lobby")
	backend.addMessage(1, domain.Message{Type: domain.MsgSimple, SenderID: 2, Body: "one"})
	backend.presence[1] = map[int64]domain.UserInfo{2: {ID: 2, Login: "bob"}}

	s := newTestSession(backend)
	ctx := context.Background()
	s.OpenRoom(ctx, 1)
	s.deltaRound(ctx)

	entries := s.Entries(1)
	present := s.Presence(1)
	if len(entries) != 1 || len(entries[0].Segments) != 1 {
		t.Fatalf("entries = %+v, want one entry with one segment", entries)
	}

	// A later round appends to the same consolidator entry and replaces
	// the presence set; the snapshots already handed out must not move.
	backend.addMessage(1, domain.Message{Type: domain.MsgSimple, SenderID: 2, Body: "two"})
	backend.mu.Lock()
	backend.presence[1] = map[int64]domain.UserInfo{3: {ID: 3, Login: "carol"}}
	backend.mu.Unlock()
	s.deltaRound(ctx)

	if len(entries[0].Segments) != 1 {
		t.Fatalf("old snapshot grew to %d segments", len(entries[0].Segments))
	}
	if _, ok := present[3]; ok || present[2].Login != "bob" {
		t.Fatalf("old presence snapshot = %v, want bob only", present)
	}
	if got := s.Entries(1); len(got[0].Segments) != 2 {
		t.Fatalf("fresh snapshot = %+v, want two segments", got)
	}
	if s.Presence(1)[3].Login != "carol" {
		t.Fatalf("fresh presence = %v, want carol", s.Presence(1))
	}
}

func TestSession_SendValidation(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "lobby")
	s := newTestSession(backend)
	ctx := context.Background()
	s.OpenRoom(ctx, 1)

	cases := []struct {
		name string
		msg  *domain.Message
		want error
	}{
		{"bad type", &domain.Message{Type: domain.MsgRoomEnter, Body: "x"}, ErrBadMessageType},
		{"empty", &domain.Message{Type: domain.MsgSimple}, ErrEmptyMessage},
		{"private no recipients", &domain.Message{Type: domain.MsgPrivate, Body: "x"}, ErrNoRecipients},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Send(ctx, 1, tc.msg); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := s.Send(ctx, 2, &domain.Message{Type: domain.MsgSimple, Body: "x"}); !errors.Is(err, ErrRoomNotOpen) {
		t.Fatalf("unopened room: got %v, want ErrRoomNotOpen", err)
	}

	backend.mu.Lock()
	sentBefore := len(backend.sent)
	backend.mu.Unlock()
	if sentBefore != 0 {
		t.Fatal("validation failures must not reach the network")
	}

	if _, err := s.Send(ctx, 1, &domain.Message{Type: domain.MsgSimple, Body: "hello"}); err != nil {
		t.Fatalf("valid send: %v", err)
	}
}

// ---------- loop integration ----------

func TestSession_LoopsDeliverDirectoryAndDeltas(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "lobby")
	backend.presence[1] = map[int64]domain.UserInfo{10: {ID: 10, Login: "alice"}}
	backend.addMessage(1, domain.Message{Type: domain.MsgSimple, SenderID: 2, Body: "hello"})

	s := newTestSession(backend)
	ctx := context.Background()
	if _, err := s.OpenRoom(ctx, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(s.Directory()) == 1 && len(s.Entries(1)) == 1 && s.VisitorCount(1) == 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("loops never converged: directory=%d entries=%d visitors=%d",
		len(s.Directory()), len(s.Entries(1)), s.VisitorCount(1))
}

func TestSession_FatalErrorEndsSession(t *testing.T) {
	backend := newFakeBackend()
	backend.addRoom(1, "lobby")
	backend.mu.Lock()
	backend.fetchErr = fmt.Errorf("checking credentials: %w", ErrSessionExpired)
	backend.mu.Unlock()

	s := newTestSession(backend)
	s.Start(context.Background())

	select {
	case <-s.Ended():
	case <-time.After(time.Second):
		t.Fatal("session never ended on a fatal error")
	}
	if s.listLoop.State() != StateStopped || s.roomLoop.State() != StateStopped {
		t.Fatal("both loops must stop on a fatal session error")
	}
}
