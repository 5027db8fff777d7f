package domain

// UserInfo is the short user descriptor exchanged in presence sets.
type UserInfo struct {
	ID     int64  `json:"id"`
	Login  string `json:"login"`
	Status string `json:"status,omitempty"`
}

// Room error codes reported per room by the delta-fetch response. These are
// recoverable, room-scoped conditions: they never fail the whole batch.
const (
	RoomErrAccessDenied = "access_denied"
	RoomErrNotInRoom    = "not_in_room"
	RoomErrExpired      = "room_expired"
	RoomErrClosed       = "room_closed"
)

// RoomError describes a per-room failure inside an otherwise successful
// delta round.
type RoomError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RoomError) Error() string { return e.Code + ": " + e.Message }

// DeltaRequest is the client→resolver payload of one delta-fetch round:
// the set of rooms the caller claims to have open and, per room, the oldest
// message sequence number it still needs. A room absent from Watermarks
// means "send the full current backlog, bounded by retention".
type DeltaRequest struct {
	OpenRoomIDs []int64         `json:"open_room_ids"`
	Watermarks  map[int64]int64 `json:"watermarks,omitempty"`
}

// DeltaUpdate is the resolver→client payload of one delta-fetch round.
// VisitorCounts covers all active rooms, a superset of the open ones; every
// other map is keyed by the requested open room ids only.
type DeltaUpdate struct {
	Errors         map[int64]*RoomError         `json:"errors,omitempty"`
	Presence       map[int64]map[int64]UserInfo `json:"presence,omitempty"`
	Messages       map[int64][]Message          `json:"messages,omitempty"`
	NextWatermarks map[int64]int64              `json:"next_watermarks,omitempty"`
	VisitorCounts  map[int64]int                `json:"visitor_counts,omitempty"`
}

// NewDeltaUpdate returns a DeltaUpdate with all maps allocated.
func NewDeltaUpdate() *DeltaUpdate {
	return &DeltaUpdate{
		Errors:         make(map[int64]*RoomError),
		Presence:       make(map[int64]map[int64]UserInfo),
		Messages:       make(map[int64][]Message),
		NextWatermarks: make(map[int64]int64),
		VisitorCounts:  make(map[int64]int),
	}
}
