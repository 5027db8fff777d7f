// Delta-sync HTTP handler.
//
// This file exposes the resolver endpoint the polling client loops against:
//   - POST /sync
//
// One request carries the caller's open room ids and per-room watermarks;
// the response carries per-room errors, presence snapshots, ordered
// messages, next watermarks, and visitor counts for all active rooms.
// Room-scoped failures (expired, closed, access revoked) are reported
// inside the payload, never as an HTTP error: only transport, identity, or
// resolver-wide failures surface as non-200 statuses.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

// SyncRequest is the JSON payload of one delta-fetch round. Watermarks is
// keyed by room id; a room listed in OpenRoomIDs but absent from Watermarks
// gets its full retained backlog.
type SyncRequest struct {
	OpenRoomIDs []int64         `json:"open_room_ids"`
	Watermarks  map[int64]int64 `json:"watermarks"`
}

// Sync handles POST /sync: one resolver round for the caller's open rooms.
func (h *Handlers) Sync(c *gin.Context) {
	user, okUser := currentUser(c)
	if !okUser {
		return
	}

	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	update, err := h.syncSvc.Resolve(c.Request.Context(), user, domain.DeltaRequest{
		OpenRoomIDs: req.OpenRoomIDs,
		Watermarks:  req.Watermarks,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSyncFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, update)
}
