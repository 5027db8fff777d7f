package services

import (
	"context"
	"testing"
	"time"

	"github.com/mvasilak/go-room-sync/internal/domain"
	"github.com/mvasilak/go-room-sync/internal/repo"
)

func sendN(t *testing.T, f *svcFixture, u domain.UserInfo, roomID int64, bodies ...string) []int64 {
	t.Helper()
	seqs := make([]int64, 0, len(bodies))
	for _, b := range bodies {
		m, err := f.msgs.Send(context.Background(), u, roomID, "", simple(b))
		if err != nil {
			t.Fatalf("send %q: %v", b, err)
		}
		seqs = append(seqs, m.Seq)
	}
	return seqs
}

func TestSyncService_Resolve_FullBacklogWithoutWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := enterRoom(t, f, alice())
	sendN(t, f, alice(), roomID, "one", "two")

	u, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{OpenRoomIDs: []int64{roomID}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Enter info + two user messages.
	msgs := u.Messages[roomID]
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want full backlog of 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Fatalf("messages not oldest-first: %+v", msgs)
		}
	}
	if got := u.NextWatermarks[roomID]; got != msgs[len(msgs)-1].Seq+1 {
		t.Fatalf("next watermark = %d, want %d", got, msgs[len(msgs)-1].Seq+1)
	}
	if _, ok := u.Errors[roomID]; ok {
		t.Fatalf("unexpected room error: %v", u.Errors[roomID])
	}
}

func TestSyncService_Resolve_WatermarkAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := enterRoom(t, f, alice())
	sendN(t, f, alice(), roomID, "one")

	u1, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{OpenRoomIDs: []int64{roomID}})
	if err != nil {
		t.Fatalf("round 1: %v", err)
	}
	wm := u1.NextWatermarks[roomID]

	sendN(t, f, alice(), roomID, "two", "three")
	u2, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{
		OpenRoomIDs: []int64{roomID},
		Watermarks:  map[int64]int64{roomID: wm},
	})
	if err != nil {
		t.Fatalf("round 2: %v", err)
	}
	msgs := u2.Messages[roomID]
	if len(msgs) != 2 || msgs[0].Body != "two" || msgs[1].Body != "three" {
		t.Fatalf("round 2 messages = %+v, want the two new ones only", msgs)
	}

	// No new messages: watermark stays put.
	u3, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{
		OpenRoomIDs: []int64{roomID},
		Watermarks:  map[int64]int64{roomID: u2.NextWatermarks[roomID]},
	})
	if err != nil {
		t.Fatalf("round 3: %v", err)
	}
	if len(u3.Messages[roomID]) != 0 {
		t.Fatalf("round 3 messages = %+v, want none", u3.Messages[roomID])
	}
	if u3.NextWatermarks[roomID] != u2.NextWatermarks[roomID] {
		t.Fatalf("idle round moved the watermark: %d -> %d", u2.NextWatermarks[roomID], u3.NextWatermarks[roomID])
	}
}

func TestSyncService_Resolve_RetentionCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := enterRoom(t, f, alice())
	f.sync.Retention = 3

	sendN(t, f, alice(), roomID, "a", "b", "c", "d", "e")

	u, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{OpenRoomIDs: []int64{roomID}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	msgs := u.Messages[roomID]
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want retention cap of 3", len(msgs))
	}
	// Oldest first: the enter info and the first two sends.
	if msgs[0].Seq != 1 {
		t.Fatalf("first message seq = %d, want 1 (catch-up starts at the oldest)", msgs[0].Seq)
	}
}

func TestSyncService_Resolve_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := enterRoom(t, f, alice())
	sendN(t, f, alice(), good, "hello")

	past := time.Now().Add(-time.Hour)
	expired := &domain.Room{Name: "old", OwnerID: 10, Type: domain.RoomTypePublic, ExpiresAt: &past}
	repo.CreateRoom(ctx, f.db, expired)

	private, _ := f.rooms.Create(ctx, 99, "den", domain.RoomTypePrivate, false, domain.DurationClean)
	notEntered, _ := f.rooms.Create(ctx, 10, "idle", domain.RoomTypePublic, false, domain.DurationClean)

	u, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{
		OpenRoomIDs: []int64{good, expired.ID, private.ID, notEntered.ID, 424242},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	wantCodes := map[int64]string{
		expired.ID:    domain.RoomErrExpired,
		private.ID:    domain.RoomErrAccessDenied,
		notEntered.ID: domain.RoomErrNotInRoom,
		424242:        domain.RoomErrClosed,
	}
	for roomID, code := range wantCodes {
		got, ok := u.Errors[roomID]
		if !ok || got.Code != code {
			t.Fatalf("room %d error = %v, want code %s", roomID, got, code)
		}
		if _, ok := u.Messages[roomID]; ok {
			t.Fatalf("erroring room %d must not deliver messages", roomID)
		}
	}
	if _, ok := u.Errors[good]; ok {
		t.Fatalf("good room failed: %v", u.Errors[good])
	}
	if len(u.Messages[good]) == 0 {
		t.Fatal("bad rooms must not block delivery for the good room")
	}
}

func TestSyncService_Resolve_PresenceSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := enterRoom(t, f, alice())
	f.rooms.Enter(ctx, bob(), roomID)

	u, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{OpenRoomIDs: []int64{roomID}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	presence := u.Presence[roomID]
	if len(presence) != 2 {
		t.Fatalf("presence = %v, want alice and bob", presence)
	}
	if presence[11].Login != "bob" {
		t.Fatalf("presence[11] = %+v, want bob", presence[11])
	}
}

func TestSyncService_Resolve_PrivateMessagesFiltered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := enterRoom(t, f, alice())
	f.rooms.Enter(ctx, bob(), roomID)

	// Alice whispers to user 99; bob is not a party to it.
	whisper := &domain.Message{Type: domain.MsgPrivate, Body: "psst", Recipients: []int64{99}}
	sent, err := f.msgs.Send(ctx, alice(), roomID, "", whisper)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	sendN(t, f, alice(), roomID, "public one")

	u, err := f.sync.Resolve(ctx, bob(), domain.DeltaRequest{OpenRoomIDs: []int64{roomID}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, m := range u.Messages[roomID] {
		if m.Seq == sent.Seq {
			t.Fatalf("private message leaked to bob: %+v", m)
		}
	}
	// The watermark still moves past the hidden message.
	if wm := u.NextWatermarks[roomID]; wm <= sent.Seq {
		t.Fatalf("next watermark = %d, must be beyond the hidden message %d", wm, sent.Seq)
	}

	// The sender and the recipient both see it.
	ua, _ := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{OpenRoomIDs: []int64{roomID}})
	found := false
	for _, m := range ua.Messages[roomID] {
		if m.Seq == sent.Seq {
			found = true
		}
	}
	if !found {
		t.Fatal("sender must see their own private message")
	}
}

func TestSyncService_Resolve_VisitorCountsCoverAllRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := enterRoom(t, f, alice())
	other, _ := f.rooms.Create(ctx, 99, "elsewhere", domain.RoomTypePublic, false, domain.DurationClean)
	f.rooms.Enter(ctx, bob(), other.ID)

	f.sync.VisitorsTTL = 0 // always fresh for this test
	u, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{OpenRoomIDs: []int64{open}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.VisitorCounts[open] != 1 || u.VisitorCounts[other.ID] != 1 {
		t.Fatalf("visitor counts = %v, want both rooms counted", u.VisitorCounts)
	}
}

func TestSyncService_VisitorCountsSnapshotIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := enterRoom(t, f, alice())
	f.sync.VisitorsTTL = time.Hour

	u1, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{OpenRoomIDs: []int64{roomID}})
	if err != nil {
		t.Fatalf("round 1: %v", err)
	}
	if u1.VisitorCounts[roomID] != 1 {
		t.Fatalf("count = %d, want 1", u1.VisitorCounts[roomID])
	}

	f.rooms.Enter(ctx, bob(), roomID)
	u2, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{OpenRoomIDs: []int64{roomID}})
	if err != nil {
		t.Fatalf("round 2: %v", err)
	}
	if u2.VisitorCounts[roomID] != 1 {
		t.Fatalf("count = %d, want the stale snapshot within the TTL", u2.VisitorCounts[roomID])
	}
}

func TestSyncService_Resolve_SweepsIdleUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := enterRoom(t, f, alice())
	f.rooms.Enter(ctx, bob(), roomID)
	f.sync.IdleTimeout = 50 * time.Millisecond

	// Bob stops polling; alice keeps going.
	time.Sleep(120 * time.Millisecond)
	u, err := f.sync.Resolve(ctx, alice(), domain.DeltaRequest{OpenRoomIDs: []int64{roomID}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	presence := u.Presence[roomID]
	if _, ok := presence[11]; ok {
		t.Fatal("idle bob must be swept from presence")
	}
	if _, ok := presence[10]; !ok {
		t.Fatal("polling alice must survive the sweep")
	}

	msgs, _ := repo.ListMessagesAfter(ctx, f.db, roomID, 0, 50)
	last := msgs[len(msgs)-1]
	if last.Type != domain.MsgRoomLeave || last.SubjectID != 11 {
		t.Fatalf("last message = %+v, want a leave info about bob", last)
	}
	room, _ := f.rooms.Get(ctx, roomID)
	if room.Visitors != 1 {
		t.Fatalf("visitors = %d, want 1 after the sweep", room.Visitors)
	}
}
