// Package sync implements the client side of the room synchronization
// engine: per-room watermark bookkeeping, presence and problematic-room
// tracking, message consolidation into rendered entries, and the two
// adaptively cadenced polling loops that drive the delta-fetch protocol.
package sync

// WatermarkStore keeps, per open room, the oldest message sequence number
// the client has not yet received. An absent entry means no delta has been
// received for that room and the server should send the full backlog,
// bounded by its retention window.
//
// The store is only touched from round completions, which the session
// serializes; it needs no locking of its own.
type WatermarkStore struct {
	marks map[int64]int64
}

// NewWatermarkStore returns an empty store.
func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{marks: make(map[int64]int64)}
}

// Get returns the stored watermark for a room and whether one exists.
func (s *WatermarkStore) Get(roomID int64) (int64, bool) {
	wm, ok := s.marks[roomID]
	return wm, ok
}

// Advance replaces the stored watermark for a room. Called only after a
// round that included the room succeeded.
func (s *WatermarkStore) Advance(roomID, watermark int64) {
	s.marks[roomID] = watermark
}

// Forget removes a room's entry. Called when the room is closed; the next
// open starts from the full backlog again.
func (s *WatermarkStore) Forget(roomID int64) {
	delete(s.marks, roomID)
}

// Snapshot returns a copy of all stored watermarks, keyed by room id, in
// the shape the delta-fetch request wants.
func (s *WatermarkStore) Snapshot() map[int64]int64 {
	out := make(map[int64]int64, len(s.marks))
	for id, wm := range s.marks {
		out[id] = wm
	}
	return out
}
