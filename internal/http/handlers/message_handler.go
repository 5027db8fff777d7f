// Message HTTP handlers.
//
// This file exposes the send-side message endpoints:
//   - POST /rooms/{id}/messages   (send a chat or private message)
//   - POST /status                (broadcast a status change)
//
// Handlers are transport-thin: they normalize input (line endings, rune
// caps), delegate to the MessageService, and translate sentinel errors into
// HTTP responses.
//
// Idempotency: when the client supplies an Idempotency-Key header and a
// previous successful send exists for (user, room, key), the service
// returns the recorded message and the handler sets the
// `Idempotency-Replayed: true` response header.
package handlers

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mvasilak/go-room-sync/internal/domain"
	"github.com/mvasilak/go-room-sync/internal/http/middleware"
	"github.com/mvasilak/go-room-sync/internal/services"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a message.
//
// Body is normalized by the handler (line endings, excessive blank lines)
// before reaching the service layer, which enforces the rune-count cap. A
// message may be body-only, file-only, or both.
type PostMessageRequest struct {
	// Type is "simple" (default) or "private".
	Type string `json:"type"`
	// Body is the message text.
	Body string `json:"body"`
	// FileRef optionally references an uploaded attachment.
	FileRef string `json:"file_ref"`
	// Recipients addresses the message; required for private messages.
	// The first entry is the primary recipient.
	Recipients []int64 `json:"recipients"`
	// Font styling; zero values select the defaults.
	FontFamily int `json:"font_family"`
	FontSize   int `json:"font_size"`
	FontColor  int `json:"font_color"`
}

// PostMessageResponse is the JSON envelope for a stored message.
type PostMessageResponse struct {
	// Message is the stored message with its room sequence number set.
	Message *domain.Message `json:"message"`
	// Replayed is true when the response was served from a prior send
	// with the same idempotency key.
	Replayed bool `json:"replayed,omitempty"`
}

// StatusChangeRequest is the JSON payload for broadcasting a status change.
type StatusChangeRequest struct {
	// Status is the user's new presence status (e.g. "away").
	Status string `json:"status" binding:"required,min=1,max=64"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeBody normalizes message text: CRLF/CR become LF, runs of three or
// more blank lines collapse to a paragraph break, and surrounding
// whitespace is trimmed.
func sanitizeBody(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// messageTypeOf maps the request type string to a MessageType. Only the
// user-sendable kinds are accepted; everything else maps to MsgUnknown and
// is rejected by the service.
func messageTypeOf(s string) domain.MessageType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "simple":
		return domain.MsgSimple
	case "private":
		return domain.MsgPrivate
	default:
		return domain.MsgUnknown
	}
}

// idempotencyKey returns the validated key stashed by the idempotency
// middleware, falling back to the raw header when the middleware is not
// installed (as in handler-level tests).
func idempotencyKey(c *gin.Context) string {
	if k, ok := middleware.GetIdempotencyKey(c); ok {
		return k
	}
	return strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey))
}

//
// Handlers
//

// PostMessage handles POST /rooms/:id/messages. The sender must have
// entered the room. Supports idempotent retries via the Idempotency-Key
// header (same key, same stored message).
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()

	user, okUser := currentUser(c)
	if !okUser {
		return
	}
	roomID, okID := roomIDParam(c)
	if !okID {
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	idemKey := idempotencyKey(c)

	m := &domain.Message{
		Type:       messageTypeOf(req.Type),
		Body:       sanitizeBody(req.Body),
		FileRef:    strings.TrimSpace(req.FileRef),
		Recipients: req.Recipients,
		FontFamily: req.FontFamily,
		FontSize:   req.FontSize,
		FontColor:  req.FontColor,
	}

	stored, err := h.msgSvc.Send(ctx, user, roomID, idemKey, m)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrBadMessageType):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "type must be simple or private")
		case errors.Is(err, services.ErrEmptyMessage):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message needs a body or a file")
		case errors.Is(err, services.ErrMessageTooLong):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message body too long")
		case errors.Is(err, services.ErrNoRecipients):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "private message needs recipients")
		case errors.Is(err, services.ErrTooManyRecipients):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "too many recipients")
		case errors.Is(err, services.ErrNotInRoom):
			fail(c, http.StatusForbidden, ErrCodeNotInRoom, "enter the room before sending")
		default:
			failRoomErr(c, err, ErrCodeSendFailed)
		}
		return
	}

	replayed := middleware.IsReplay(c)
	if replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	ok(c, http.StatusCreated, PostMessageResponse{Message: stored, Replayed: replayed})
}

// UpdateStatus handles POST /status. It broadcasts a status-change notice
// to every room the user is currently visible in; rooms the user has not
// entered are unaffected.
func (h *Handlers) UpdateStatus(c *gin.Context) {
	user, okUser := currentUser(c)
	if !okUser {
		return
	}

	var req StatusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status required (1-64 chars)")
		return
	}

	user.Status = strings.TrimSpace(req.Status)
	if err := h.msgSvc.NotifyStatusChange(c.Request.Context(), user); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSendFailed, err.Error())
		return
	}
	noContent(c)
}
