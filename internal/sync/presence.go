package sync

import "github.com/mvasilak/go-room-sync/internal/domain"

// PresenceTracker keeps, per open room, the latest visible-user snapshot
// delivered by the resolver, plus the problematic-room set: rooms that
// returned a per-room error and are excluded from the next delta rounds
// until the user closes and reopens them.
//
// Like the watermark store, it is only touched from round completions.
type PresenceTracker struct {
	presence    map[int64]map[int64]domain.UserInfo
	problematic map[int64]struct{}
}

// NewPresenceTracker returns an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		presence:    make(map[int64]map[int64]domain.UserInfo),
		problematic: make(map[int64]struct{}),
	}
}

// Replace installs a room's presence set wholesale. Deltas never merge
// presence incrementally; stale entries must not linger.
func (t *PresenceTracker) Replace(roomID int64, set map[int64]domain.UserInfo) {
	t.presence[roomID] = set
}

// Presence returns the last delivered snapshot for a room, or nil if none
// has arrived yet.
func (t *PresenceTracker) Presence(roomID int64) map[int64]domain.UserInfo {
	return t.presence[roomID]
}

// MarkProblematic excludes the room from subsequent delta rounds.
func (t *PresenceTracker) MarkProblematic(roomID int64) {
	t.problematic[roomID] = struct{}{}
}

// Problematic reports whether the room is currently excluded.
func (t *PresenceTracker) Problematic(roomID int64) bool {
	_, ok := t.problematic[roomID]
	return ok
}

// Clear removes the room's problematic flag and its presence snapshot.
// Called when the room is closed; a fresh open polls it again.
func (t *PresenceTracker) Clear(roomID int64) {
	delete(t.problematic, roomID)
	delete(t.presence, roomID)
}

// SplitByFriends partitions the room's presence snapshot into friends and
// others, where friends is the logged-in user's friend set. The grouping is
// computed at read time; nothing is stored.
func (t *PresenceTracker) SplitByFriends(roomID int64, friends map[int64]bool) (inList, others []domain.UserInfo) {
	for _, u := range t.presence[roomID] {
		if friends[u.ID] {
			inList = append(inList, u)
		} else {
			others = append(others, u)
		}
	}
	return inList, others
}
