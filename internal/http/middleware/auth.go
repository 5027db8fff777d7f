// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file defines the identity headers trusted by the API and a helper to
// resolve them into a user descriptor. The service sits behind the portal's
// session gateway, which authenticates users and forwards their numeric id
// and profile fields as plain headers; the API itself never sees credentials.
package middleware

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

// Identity headers forwarded by the session gateway.
const (
	// UserIDHeader carries the authenticated user's numeric id.
	UserIDHeader = "X-User-ID"
	// UserLoginHeader optionally carries the display login name.
	UserLoginHeader = "X-User-Login"
	// UserStatusHeader optionally carries the user's presence status.
	UserStatusHeader = "X-User-Status"
)

// Identity resolves the forwarded identity headers into a UserInfo.
//
// The second return value is false when the user id header is missing or not
// a positive integer, which callers should treat as an unauthenticated
// request. Login and status are best-effort and may be empty.
func Identity(c *gin.Context) (domain.UserInfo, bool) {
	raw := strings.TrimSpace(c.GetHeader(UserIDHeader))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return domain.UserInfo{}, false
	}
	return domain.UserInfo{
		ID:     id,
		Login:  strings.TrimSpace(c.GetHeader(UserLoginHeader)),
		Status: strings.TrimSpace(c.GetHeader(UserStatusHeader)),
	}, true
}
