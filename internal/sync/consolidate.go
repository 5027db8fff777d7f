package sync

import (
	"time"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

// Side is the placement of a rendered entry. New (non-appended) entries
// alternate sides so consecutive speakers are visually distinguishable.
type Side int

// Entry placements.
const (
	SideLeft Side = iota
	SideRight
)

// Segment is one message inside a rendered entry. Divider marks a
// time-stamp divider rendered before the message because the gap since the
// entry's previous message exceeded the threshold.
type Segment struct {
	Divider bool
	Message domain.Message
}

// Entry is one rendered block in a room's message panel: either a run of
// consolidated messages or an inline error placeholder. Minimized entries
// and error placeholders never accept further appends.
type Entry struct {
	Side      Side
	Error     bool
	ErrorText string
	Minimized bool
	Segments  []Segment

	alert   bool
	alertAt time.Time
	last    time.Time
}

// Last returns the entry's most recent message, or nil for error entries.
func (e *Entry) Last() *domain.Message {
	if len(e.Segments) == 0 {
		return nil
	}
	return &e.Segments[len(e.Segments)-1].Message
}

// Consolidator turns a room's incoming message stream into a minimal list
// of rendered entries. Incoming sequence numbers at or below the last
// appended one are discarded, which makes ingestion idempotent across
// retried rounds.
//
// One consolidator serves one room for one user; the session owns it and
// serializes access.
type Consolidator struct {
	userID        int64
	gapThreshold  time.Duration
	alertTTL      time.Duration
	maxEntries    int
	constantAlert bool

	lastAppendedID int64
	entries        []*Entry
	nextSide       Side
}

// consolidator defaults; the session overrides them from configuration.
const (
	defaultGapThreshold = 60 * time.Second
	defaultAlertTTL     = 15 * time.Second
	defaultMaxEntries   = 200
)

// NewConsolidator returns an empty consolidator for one room, on behalf of
// the given user (alert flags are raised for messages whose primary
// recipient is that user).
func NewConsolidator(userID int64) *Consolidator {
	return &Consolidator{
		userID:       userID,
		gapThreshold: defaultGapThreshold,
		alertTTL:     defaultAlertTTL,
		maxEntries:   defaultMaxEntries,
	}
}

// SetGapThreshold overrides the time-stamp divider threshold.
func (c *Consolidator) SetGapThreshold(d time.Duration) { c.gapThreshold = d }

// SetConstantAlert switches the global constant-alert mode: while active,
// alert flags persist until explicitly cleared instead of expiring.
func (c *Consolidator) SetConstantAlert(on bool) { c.constantAlert = on }

// LastAppendedID returns the sequence number of the last message the
// consolidator accepted.
func (c *Consolidator) LastAppendedID() int64 { return c.lastAppendedID }

// Entries returns the rendered entry list, oldest first. Callers must not
// mutate it.
func (c *Consolidator) Entries() []*Entry { return c.entries }

// Ingest processes one incoming message and reports whether it was
// accepted. Duplicates and out-of-order leftovers from retried rounds are
// discarded without touching the entry list.
func (c *Consolidator) Ingest(m domain.Message) bool {
	if m.Seq <= c.lastAppendedID {
		return false
	}

	last := c.lastEntry()
	if last != nil && !last.Minimized && !last.Error && last.Last() != nil && last.Last().Appendable(&m) {
		divider := c.gapThreshold > 0 && m.SentAt.Sub(last.last) > c.gapThreshold
		last.Segments = append(last.Segments, Segment{Divider: divider, Message: m})
		last.last = m.SentAt
		c.flagAlert(last, &m)
	} else {
		e := &Entry{
			Side:     c.nextSide,
			Segments: []Segment{{Message: m}},
			last:     m.SentAt,
		}
		c.nextSide = 1 - c.nextSide
		c.flagAlert(e, &m)
		c.push(e)
	}

	c.lastAppendedID = m.Seq
	return true
}

// PushError appends an inline error placeholder (e.g. "access to this room
// was revoked"). The next accepted message always opens a fresh entry.
func (c *Consolidator) PushError(text string) {
	c.push(&Entry{Side: c.nextSide, Error: true, ErrorText: text})
	c.nextSide = 1 - c.nextSide
}

// SetMinimized collapses or expands the most recent entry. A minimized
// entry no longer accepts appends.
func (c *Consolidator) SetMinimized(minimized bool) {
	if e := c.lastEntry(); e != nil {
		e.Minimized = minimized
	}
}

// AlertActive reports whether the entry's alert flag should currently be
// shown. Alerts expire after a fixed duration unless constant-alert mode is
// on.
func (c *Consolidator) AlertActive(e *Entry) bool {
	if !e.alert {
		return false
	}
	if c.constantAlert {
		return true
	}
	return time.Since(e.alertAt) < c.alertTTL
}

// ClearAlerts drops every entry's alert flag. Used when leaving
// constant-alert mode or when the user acknowledges the room.
func (c *Consolidator) ClearAlerts() {
	for _, e := range c.entries {
		e.alert = false
	}
}

func (c *Consolidator) flagAlert(e *Entry, m *domain.Message) {
	if c.userID != 0 && m.PrimaryRecipient() == c.userID {
		e.alert = true
		e.alertAt = time.Now()
	}
}

func (c *Consolidator) lastEntry() *Entry {
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[len(c.entries)-1]
}

func (c *Consolidator) push(e *Entry) {
	c.entries = append(c.entries, e)
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.entries = c.entries[len(c.entries)-c.maxEntries:]
	}
}
