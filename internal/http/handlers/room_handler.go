// Room HTTP handlers.
//
// This file exposes REST endpoints for chat room resources:
//   - POST   /rooms                (create)
//   - GET    /rooms                (list, paginated)
//   - GET    /rooms/directory      (all currently active rooms)
//   - GET    /rooms/{id}           (fetch one)
//   - PUT    /rooms/{id}           (update name/type/duration, owner only)
//   - DELETE /rooms/{id}           (close, owner only)
//   - POST   /rooms/{id}/enter     (join)
//   - POST   /rooms/{id}/leave     (part)
//
// Handlers are transport-thin: they resolve the caller's identity, validate
// input, call application services, and translate results into HTTP
// responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mvasilak/go-room-sync/internal/domain"
	"github.com/mvasilak/go-room-sync/internal/http/middleware"
	"github.com/mvasilak/go-room-sync/internal/services"
	"github.com/mvasilak/go-room-sync/internal/utils"
)

//
// Service contracts (context-aware)
//

// RoomService defines room lifecycle and membership operations consumed by
// the HTTP handlers. Implementations must be safe for concurrent use and
// honor the provided context.
type RoomService interface {
	// Create registers a new room owned by ownerID.
	Create(ctx context.Context, ownerID int64, name, roomType string, permanent bool, durationHours int) (*domain.Room, error)
	// Get fetches a single room by id.
	Get(ctx context.Context, id int64) (*domain.Room, error)
	// Directory lists all rooms currently open to visitors.
	Directory(ctx context.Context) ([]domain.Room, error)
	// ListPage returns a page of rooms and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Room, int64, error)
	// Update changes a room's name, type, or expiration (owner only).
	Update(ctx context.Context, ownerID, roomID int64, name, roomType string, durationHours int) error
	// Delete closes and removes a room (owner only).
	Delete(ctx context.Context, ownerID, roomID int64) error
	// Enter joins the user to the room's visible presence set.
	Enter(ctx context.Context, user domain.UserInfo, roomID int64) (*domain.Room, error)
	// Leave removes the user from the room's presence set.
	Leave(ctx context.Context, user domain.UserInfo, roomID int64) error
}

// MessageService defines the send-side message operations.
type MessageService interface {
	// Send validates and persists one user message, assigning its room
	// sequence number. idemKey may be empty.
	Send(ctx context.Context, sender domain.UserInfo, roomID int64, idemKey string, m *domain.Message) (*domain.Message, error)
	// NotifyStatusChange posts a status-change notice to every room the
	// user is currently visible in.
	NotifyStatusChange(ctx context.Context, user domain.UserInfo) error
}

// SyncService defines the delta-fetch resolver consumed by POST /sync.
type SyncService interface {
	// Resolve computes one delta round for the caller's open rooms.
	Resolve(ctx context.Context, user domain.UserInfo, req domain.DeltaRequest) (*domain.DeltaUpdate, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for rooms, messages, and delta sync.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	roomSvc RoomService
	msgSvc  MessageService
	syncSvc SyncService
}

// New constructs a Handlers instance bound to the given services.
func New(roomSvc RoomService, msgSvc MessageService, syncSvc SyncService) *Handlers {
	return &Handlers{roomSvc: roomSvc, msgSvc: msgSvc, syncSvc: syncSvc}
}

// currentUser resolves the caller's identity from the forwarded headers.
// On failure it writes a 401 response and returns ok=false; the session
// client treats that status as a terminal session expiry.
func currentUser(c *gin.Context) (domain.UserInfo, bool) {
	user, ok := middleware.Identity(c)
	if !ok {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or invalid user identity")
		return domain.UserInfo{}, false
	}
	return user, true
}

// roomIDParam parses the :id path segment as a positive room id. On failure
// it writes a 400 response and returns ok=false.
func roomIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "room id must be a positive integer")
		return 0, false
	}
	return id, true
}

//
// DTOs
//

// CreateRoomRequest is the JSON payload for creating a room.
type CreateRoomRequest struct {
	// Name optionally sets the room name; a default is used when empty.
	Name string `json:"name"`
	// Type is the visibility class: public, protected, or private.
	// Defaults to public when empty.
	Type string `json:"type"`
	// Permanent marks the room as never expiring.
	Permanent bool `json:"permanent"`
	// DurationHours sets the room lifetime (2, 4, 8, or 24).
	DurationHours int `json:"duration_hours"`
}

// UpdateRoomRequest is the JSON payload for updating a room.
//
// DurationHours uses the duration directive values: a positive lifetime
// renews the expiration, -2 clears it, and -1 (or absence) leaves it alone.
type UpdateRoomRequest struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	DurationHours int    `json:"duration_hours"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListRoomsResponse wraps a page of rooms and pagination information.
type ListRoomsResponse struct {
	Rooms      []domain.Room `json:"rooms"`
	Pagination Pagination    `json:"pagination"`
}

// DirectoryResponse lists all currently active rooms.
type DirectoryResponse struct {
	Rooms []domain.Room `json:"rooms"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// durationOrDefault maps an absent (zero) duration_hours field to the
// "no directive" value: creation then yields a non-expiring room and
// updates leave the expiration untouched.
func durationOrDefault(h int) int {
	if h == 0 {
		return domain.DurationUnknown
	}
	return h
}

// roomTypeOrDefault applies the public default for an absent type field.
func roomTypeOrDefault(t string) string {
	if strings.TrimSpace(t) == "" {
		return domain.RoomTypePublic
	}
	return t
}

// failRoomErr translates the room-service sentinel errors into HTTP
// responses, falling back to a 500 with the given code.
func failRoomErr(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrRoomNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "room not found")
	case errors.Is(err, services.ErrRoomExpired):
		fail(c, http.StatusGone, ErrCodeRoomExpired, "room has expired")
	case errors.Is(err, services.ErrNotRoomOwner):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "only the room owner may do that")
	case errors.Is(err, services.ErrAccessDenied):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "room is not open to you")
	case errors.Is(err, services.ErrInvalidRoomType):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "type must be public, protected, or private")
	case errors.Is(err, services.ErrInvalidDuration):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "duration_hours must be 2, 4, 8, or 24")
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

//
// Handlers
//

// CreateRoom handles POST /rooms. It creates a room owned by the current
// user and returns the stored resource.
func (h *Handlers) CreateRoom(c *gin.Context) {
	user, okUser := currentUser(c)
	if !okUser {
		return
	}

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	room, err := h.roomSvc.Create(c.Request.Context(), user.ID,
		strings.TrimSpace(req.Name), roomTypeOrDefault(req.Type), req.Permanent,
		durationOrDefault(req.DurationHours))
	if err != nil {
		failRoomErr(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, room)
}

// GetRoom handles GET /rooms/:id.
func (h *Handlers) GetRoom(c *gin.Context) {
	roomID, okID := roomIDParam(c)
	if !okID {
		return
	}

	room, err := h.roomSvc.Get(c.Request.Context(), roomID)
	if err != nil {
		failRoomErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, room)
}

// Directory handles GET /rooms/directory: every room currently open to
// visitors, suitable for the client's room-list poll loop.
func (h *Handlers) Directory(c *gin.Context) {
	rooms, err := h.roomSvc.Directory(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, DirectoryResponse{Rooms: rooms})
}

// ListRooms handles GET /rooms (paginated, newest first).
func (h *Handlers) ListRooms(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.roomSvc.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListRoomsResponse{
		Rooms: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// UpdateRoom handles PUT /rooms/:id (owner only).
func (h *Handlers) UpdateRoom(c *gin.Context) {
	user, okUser := currentUser(c)
	if !okUser {
		return
	}
	roomID, okID := roomIDParam(c)
	if !okID {
		return
	}

	var req UpdateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	err := h.roomSvc.Update(c.Request.Context(), user.ID, roomID,
		strings.TrimSpace(req.Name), req.Type, durationOrDefault(req.DurationHours))
	if err != nil {
		failRoomErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// DeleteRoom handles DELETE /rooms/:id (owner only). Visitors still inside
// receive a closing notice through their next delta round.
func (h *Handlers) DeleteRoom(c *gin.Context) {
	user, okUser := currentUser(c)
	if !okUser {
		return
	}
	roomID, okID := roomIDParam(c)
	if !okID {
		return
	}

	if err := h.roomSvc.Delete(c.Request.Context(), user.ID, roomID); err != nil {
		failRoomErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// EnterRoom handles POST /rooms/:id/enter. Entering is idempotent: joining
// a room the user is already visible in succeeds without side effects.
func (h *Handlers) EnterRoom(c *gin.Context) {
	user, okUser := currentUser(c)
	if !okUser {
		return
	}
	roomID, okID := roomIDParam(c)
	if !okID {
		return
	}

	room, err := h.roomSvc.Enter(c.Request.Context(), user, roomID)
	if err != nil {
		failRoomErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, room)
}

// LeaveRoom handles POST /rooms/:id/leave. Leaving a room the user is not
// in is a no-op.
func (h *Handlers) LeaveRoom(c *gin.Context) {
	user, okUser := currentUser(c)
	if !okUser {
		return
	}
	roomID, okID := roomIDParam(c)
	if !okID {
		return
	}

	if err := h.roomSvc.Leave(c.Request.Context(), user, roomID); err != nil {
		failRoomErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
