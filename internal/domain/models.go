// Package domain defines the persistence models for chat rooms and room
// messages, together with the wire types exchanged by the delta-fetch
// protocol. The persistence types are mapped with GORM and form the core
// data layer of the room synchronization backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Room visibility classes, enforced by a DB check constraint.
const (
	RoomTypePublic    = "public"
	RoomTypeProtected = "protected"
	RoomTypePrivate   = "private"
)

// Room duration directives (hours). These are client→server hints used when
// creating or updating a room: the server converts them into an absolute
// expiration timestamp. They are never persisted as-is.
const (
	DurationUnknown = -1 // no directive: leave the expiration untouched
	DurationClean   = -2 // clear the expiration (room never expires)
	DurationTwo     = 2
	DurationFour    = 4
	DurationEight   = 8
	DurationDay     = 24
)

// Room represents a chat room. Each room is owned by a user and carries a
// visibility class, a permanence flag, and an optional expiration timestamp.
// The "main" room is special: it never expires and is always public.
//
// Fields:
//   - ID: monotonically assigned room identifier.
//   - Name: human-readable room name (normalized by the service layer).
//   - OwnerID: identifier of the room owner.
//   - Type: visibility class ("public", "protected", "private").
//   - Permanent: the room never expires regardless of ExpiresAt.
//   - Main: the single always-public, never-expiring entry room.
//   - ExpiresAt: expiration timestamp; ignored for permanent/main rooms.
//   - Visitors: current visitor counter, maintained by the active-room registry.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type Room struct {
	ID        int64          `json:"id"         gorm:"primaryKey;autoIncrement"`
	Name      string         `json:"name"       gorm:"type:varchar(255);not null"`
	OwnerID   int64          `json:"owner_id"   gorm:"not null;index:idx_owner_rooms"`
	Type      string         `json:"type"       gorm:"type:varchar(16);not null;default:'public';check:type IN ('public','protected','private')"`
	Permanent bool           `json:"permanent"  gorm:"not null;default:false"`
	Main      bool           `json:"main"       gorm:"not null;default:false"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Visitors  int            `json:"visitors"   gorm:"not null;default:0"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`

	// DurationHours is the client-side duration directive carried on
	// create/update requests. It is resolved into ExpiresAt by the service
	// layer and never stored.
	DurationHours int `json:"duration_hours,omitempty" gorm:"-"`
}

// TableName returns the database table name for Room.
func (Room) TableName() string { return "rooms" }

// Expired reports whether the room is past its expiration timestamp.
// Permanent and main rooms never expire; a room with no expiration set
// never expires either.
func (r *Room) Expired() bool {
	if r.Permanent || r.Main || r.ExpiresAt == nil {
		return false
	}
	return r.ExpiresAt.Before(time.Now())
}

// Public reports whether the room is publicly visible. The main room is
// public by definition, whatever its stored type says.
func (r *Room) Public() bool { return r.Type == RoomTypePublic || r.Main }

// ValidDuration reports whether h is one of the accepted room duration
// directives.
func ValidDuration(h int) bool {
	switch h {
	case DurationUnknown, DurationClean, DurationTwo, DurationFour, DurationEight, DurationDay:
		return true
	}
	return false
}

// MessageType classifies room messages. User messages are "simple" and
// "private"; the remaining types are system-generated info entries.
type MessageType string

// Message types.
const (
	MsgUnknown      MessageType = "unknown"
	MsgSimple       MessageType = "simple"
	MsgPrivate      MessageType = "private"
	MsgRoomEnter    MessageType = "room_enter"
	MsgRoomLeave    MessageType = "room_leave"
	MsgRoomClosing  MessageType = "room_closing"
	MsgStatusChange MessageType = "status_change"
)

// Font families for message rendering.
const (
	FontSerif = iota
	FontSansSerif
	FontFantasy
	FontCursive
	FontMonospace

	DefaultFontFamily = FontSansSerif
)

// Font sizes for message rendering.
const (
	FontXSmall = iota
	FontSmall
	FontMedium
	FontLarge
	FontXLarge

	DefaultFontSize = FontMedium
)

// Protocol limits. These are the defaults the configuration layer exposes;
// the resolver and the client engine both enforce them.
const (
	MaxMessageLength = 1024
	MaxRecipients    = 10
	MaxOpenRooms     = 5
)

// Message represents a single entry in a room's message stream. Messages are
// immutable once they have been assigned a sequence number.
//
// Fields:
//   - ID: surrogate primary key.
//   - RoomID: the room the message belongs to (indexed with Seq).
//   - Seq: room-scoped, strictly increasing sequence number assigned
//     atomically at insertion time. This is the ordering guarantee the
//     whole delta protocol relies on.
//   - Type: message type (see MessageType constants).
//   - SenderID: identifier of the sending user.
//   - Recipients: ordered, duplicate-free recipient ids; the first entry is
//     the "primary" recipient and is significant for consolidation.
//   - Body: message text.
//   - FileRef: optional attached-file reference (content-addressed key).
//   - FontFamily / FontSize / FontColor: rendering attributes.
//   - SubjectID / SubjectName: the user an info message is about.
//   - SentAt: send timestamp.
type Message struct {
	ID          int64       `json:"-"            gorm:"primaryKey;autoIncrement"`
	RoomID      int64       `json:"room_id"      gorm:"not null;uniqueIndex:ux_room_seq,priority:1"`
	Seq         int64       `json:"seq"          gorm:"not null;uniqueIndex:ux_room_seq,priority:2"`
	Type        MessageType `json:"type"         gorm:"type:varchar(24);not null"`
	SenderID    int64       `json:"sender_id"    gorm:"not null"`
	Recipients  []int64     `json:"recipients,omitempty" gorm:"serializer:json"`
	Body        string      `json:"body"         gorm:"type:text;not null"`
	FileRef     string      `json:"file_ref,omitempty" gorm:"type:varchar(128)"`
	FontFamily  int         `json:"font_family"  gorm:"not null;default:1"`
	FontSize    int         `json:"font_size"    gorm:"not null;default:2"`
	FontColor   int         `json:"font_color"   gorm:"not null;default:0"`
	SubjectID   int64       `json:"subject_id,omitempty"`
	SubjectName string      `json:"subject_name,omitempty" gorm:"type:varchar(64)"`
	SentAt      time.Time   `json:"sent_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// UserMessage reports whether the message was authored by a user rather
// than generated by the system.
func (m *Message) UserMessage() bool {
	return m.Type == MsgSimple || m.Type == MsgPrivate
}

// PrimaryRecipient returns the first recipient id, or 0 if the message has
// no recipients. Recipient order beyond the first is not significant.
func (m *Message) PrimaryRecipient() int64 {
	if len(m.Recipients) == 0 {
		return 0
	}
	return m.Recipients[0]
}

// Appendable reports whether next can be merged into the rendered entry that
// currently ends with m. Merging requires the same room, and then:
//
//   - simple/private: same type, same sender, identical font triple, and
//     identical recipient sets including an identical primary (first)
//     recipient; recipient order beyond the first is irrelevant.
//   - status_change: appendable to any other status_change message.
//   - everything else (enter/leave/closing/unknown): never appendable.
func (m *Message) Appendable(next *Message) bool {
	if next == nil || m.RoomID != next.RoomID {
		return false
	}
	switch m.Type {
	case MsgSimple, MsgPrivate:
		return m.Type == next.Type &&
			m.SenderID == next.SenderID &&
			m.FontFamily == next.FontFamily &&
			m.FontSize == next.FontSize &&
			m.FontColor == next.FontColor &&
			equalRecipients(m.Recipients, next.Recipients)
	case MsgStatusChange:
		return next.Type == MsgStatusChange
	default:
		return false
	}
}

// equalRecipients compares two recipient lists as sets, additionally
// requiring the same first (primary) recipient when non-empty.
func equalRecipients(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	if a[0] != b[0] {
		return false
	}
	set := make(map[int64]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
