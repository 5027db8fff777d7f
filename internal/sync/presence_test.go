package sync

import (
	"testing"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

func TestWatermarkStore(t *testing.T) {
	s := NewWatermarkStore()

	if _, ok := s.Get(1); ok {
		t.Fatal("fresh store must have no entries")
	}
	s.Advance(1, 5)
	s.Advance(2, 9)
	if wm, ok := s.Get(1); !ok || wm != 5 {
		t.Fatalf("get(1) = %d,%v, want 5,true", wm, ok)
	}
	s.Advance(1, 12)
	if wm, _ := s.Get(1); wm != 12 {
		t.Fatalf("advance must replace: got %d", wm)
	}

	snap := s.Snapshot()
	s.Advance(1, 99)
	if snap[1] != 12 || snap[2] != 9 {
		t.Fatalf("snapshot = %v, want a stable copy", snap)
	}

	s.Forget(1)
	if _, ok := s.Get(1); ok {
		t.Fatal("forget must remove the entry")
	}
}

func TestPresenceTracker_WholesaleReplace(t *testing.T) {
	p := NewPresenceTracker()

	p.Replace(1, map[int64]domain.UserInfo{
		10: {ID: 10, Login: "alice"},
		11: {ID: 11, Login: "bob"},
	})
	p.Replace(1, map[int64]domain.UserInfo{
		11: {ID: 11, Login: "bob"},
	})

	set := p.Presence(1)
	if len(set) != 1 {
		t.Fatalf("presence = %v, want stale alice gone", set)
	}
	if _, ok := set[11]; !ok {
		t.Fatal("bob must remain")
	}
}

func TestPresenceTracker_ProblematicLifecycle(t *testing.T) {
	p := NewPresenceTracker()

	if p.Problematic(12) {
		t.Fatal("fresh room must not be problematic")
	}
	p.MarkProblematic(12)
	if !p.Problematic(12) {
		t.Fatal("marked room must be problematic")
	}
	p.Clear(12)
	if p.Problematic(12) {
		t.Fatal("clear must reset the flag")
	}
}

func TestPresenceTracker_SplitByFriends(t *testing.T) {
	p := NewPresenceTracker()
	p.Replace(1, map[int64]domain.UserInfo{
		10: {ID: 10, Login: "alice"},
		11: {ID: 11, Login: "bob"},
		12: {ID: 12, Login: "carol"},
	})

	friends, others := p.SplitByFriends(1, map[int64]bool{11: true})
	if len(friends) != 1 || friends[0].ID != 11 {
		t.Fatalf("friends = %v, want bob only", friends)
	}
	if len(others) != 2 {
		t.Fatalf("others = %v, want alice and carol", others)
	}
}
