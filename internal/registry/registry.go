// Package registry maintains the in-memory state of active chat rooms on the
// server side: the visible-user set per room, per-user activity timestamps
// for the idle sweep, and the per-room lock that serializes message sequence
// assignment.
//
// The registry is deliberately free of persistence concerns. Services
// coordinate database effects (visitor counters, info messages) around the
// registry's transitions; the registry only answers "who is in which room"
// and hands out the per-room serialization point.
package registry

import (
	"sync"
	"time"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

// Registry tracks every active room for one server process. Safe for
// concurrent use; operations on different rooms do not block each other
// beyond the brief top-level map access.
type Registry struct {
	mu    sync.Mutex
	rooms map[int64]*activeRoom
}

// activeRoom holds the mutable in-room state. sendMu is the room's
// serialization point: message sequence assignment for the room must happen
// under it, nothing else may be done while holding it.
type activeRoom struct {
	mu        sync.Mutex
	sendMu    sync.Mutex
	visible   map[int64]domain.UserInfo
	lastSeen  map[int64]time.Time
	lastSweep time.Time
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{rooms: make(map[int64]*activeRoom)}
}

// room returns the active-room record for id, creating it on first use.
func (g *Registry) room(id int64) *activeRoom {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		r = &activeRoom{
			visible:   make(map[int64]domain.UserInfo),
			lastSeen:  make(map[int64]time.Time),
			lastSweep: time.Now(),
		}
		g.rooms[id] = r
	}
	return r
}

// Enter makes the user visible in the room. It reports whether the user was
// not visible before: entering a room the user is already in is a no-op,
// which is what makes the enter operation idempotent.
func (g *Registry) Enter(roomID int64, user domain.UserInfo) (first bool) {
	r := g.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.visible[user.ID]; ok {
		r.lastSeen[user.ID] = time.Now()
		return false
	}
	r.visible[user.ID] = user
	r.lastSeen[user.ID] = time.Now()
	return true
}

// Leave removes the user from the room's visible set. It reports whether
// the user was visible, and whether the room is empty afterwards (the
// caller uses that for cleanup eligibility of non-permanent rooms).
func (g *Registry) Leave(roomID, userID int64) (wasVisible, empty bool) {
	r := g.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.visible[userID]; !ok {
		return false, len(r.visible) == 0
	}
	delete(r.visible, userID)
	delete(r.lastSeen, userID)
	return true, len(r.visible) == 0
}

// Present reports whether the user is currently visible in the room.
func (g *Registry) Present(roomID, userID int64) bool {
	r := g.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.visible[userID]
	return ok
}

// Touch refreshes the user's activity timestamp in the room. Called on
// every delta round that includes the room, so only clients that stopped
// polling go idle.
func (g *Registry) Touch(roomID, userID int64) {
	r := g.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.visible[userID]; ok {
		r.lastSeen[userID] = time.Now()
	}
}

// Presence returns a copy of the room's visible-user set. The copy is what
// goes onto the wire: callers may hold it across round boundaries without
// observing later mutations.
func (g *Registry) Presence(roomID int64) map[int64]domain.UserInfo {
	r := g.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]domain.UserInfo, len(r.visible))
	for id, u := range r.visible {
		out[id] = u
	}
	return out
}

// SweepIdle removes users whose last activity is older than timeout and
// returns their descriptors so the caller can emit leave messages. The scan
// runs at most once per interval per room unless force is set.
func (g *Registry) SweepIdle(roomID int64, timeout, interval time.Duration, force bool) []domain.UserInfo {
	r := g.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if !force && now.Before(r.lastSweep.Add(interval)) {
		return nil
	}
	r.lastSweep = now

	var removed []domain.UserInfo
	for id, seen := range r.lastSeen {
		if now.Sub(seen) > timeout {
			removed = append(removed, r.visible[id])
			delete(r.visible, id)
			delete(r.lastSeen, id)
		}
	}
	return removed
}

// RoomsWithUser returns the ids of every room the user is currently visible
// in. Used to broadcast status-change messages and to vacate all rooms on
// logout.
func (g *Registry) RoomsWithUser(userID int64) []int64 {
	g.mu.Lock()
	rooms := make(map[int64]*activeRoom, len(g.rooms))
	for id, r := range g.rooms {
		rooms[id] = r
	}
	g.mu.Unlock()

	var out []int64
	for id, r := range rooms {
		r.mu.Lock()
		if _, ok := r.visible[userID]; ok {
			out = append(out, id)
		}
		r.mu.Unlock()
	}
	return out
}

// Drop forgets a room entirely. Called when the room is deleted or expires
// with nobody left inside.
func (g *Registry) Drop(roomID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rooms, roomID)
}

// SendLock returns the room's serialization mutex. Message sequence
// assignment (MaxSeq read + insert) must run entirely under this lock;
// out-of-order or duplicate sequence numbers would break the client's
// discard/append invariants.
func (g *Registry) SendLock(roomID int64) *sync.Mutex {
	return &g.room(roomID).sendMu
}
