// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns
// such as tracing, correlation IDs, logging, panic recovery, metrics, CORS,
// security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/mvasilak/go-room-sync/internal/config"
	"github.com/mvasilak/go-room-sync/internal/domain"
	"github.com/mvasilak/go-room-sync/internal/http/handlers"
	"github.com/mvasilak/go-room-sync/internal/http/middleware"
	"github.com/mvasilak/go-room-sync/internal/registry"
	"github.com/mvasilak/go-room-sync/internal/repo"
	"github.com/mvasilak/go-room-sync/internal/services"
)

// roomRepoShim adapts the repository free functions to the room repository
// interfaces expected by the services. This keeps services decoupled from
// the concrete repo package while reusing existing functions. The single
// shim satisfies both services.RoomRepo and services.ResolverRoomRepo.
type roomRepoShim struct{}

// CreateRoom proxies repo.CreateRoom.
func (roomRepoShim) CreateRoom(ctx context.Context, db *gorm.DB, r *domain.Room) (*domain.Room, error) {
	return repo.CreateRoom(ctx, db, r)
}

// GetRoom proxies repo.GetRoom.
func (roomRepoShim) GetRoom(ctx context.Context, db *gorm.DB, id int64) (*domain.Room, error) {
	return repo.GetRoom(ctx, db, id)
}

// ListActiveRooms proxies repo.ListActiveRooms.
func (roomRepoShim) ListActiveRooms(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.Room, error) {
	return repo.ListActiveRooms(ctx, db, now)
}

// CountRooms proxies repo.CountRooms (pagination support).
func (roomRepoShim) CountRooms(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountRooms(ctx, db)
}

// ListRoomsPage proxies repo.ListRoomsPage (pagination support).
func (roomRepoShim) ListRoomsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Room, error) {
	return repo.ListRoomsPage(ctx, db, offset, limit)
}

// UpdateRoom proxies repo.UpdateRoom.
func (roomRepoShim) UpdateRoom(ctx context.Context, db *gorm.DB, id, ownerID int64, fields map[string]any) error {
	return repo.UpdateRoom(ctx, db, id, ownerID, fields)
}

// DeleteRoom proxies repo.DeleteRoom.
func (roomRepoShim) DeleteRoom(ctx context.Context, db *gorm.DB, id int64) error {
	return repo.DeleteRoom(ctx, db, id)
}

// BumpVisitors proxies repo.BumpVisitors.
func (roomRepoShim) BumpVisitors(ctx context.Context, db *gorm.DB, id int64, delta int) error {
	return repo.BumpVisitors(ctx, db, id, delta)
}

// ResetVisitors proxies repo.ResetVisitors.
func (roomRepoShim) ResetVisitors(ctx context.Context, db *gorm.DB, id int64) error {
	return repo.ResetVisitors(ctx, db, id)
}

// VisitorCounts proxies repo.VisitorCounts (delta-round support).
func (roomRepoShim) VisitorCounts(ctx context.Context, db *gorm.DB, now time.Time) (map[int64]int, error) {
	return repo.VisitorCounts(ctx, db, now)
}

// messageRepoShim adapts the message repository free functions to
// services.MessageRepo.
type messageRepoShim struct{}

// MaxSeq proxies repo.MaxSeq.
func (messageRepoShim) MaxSeq(ctx context.Context, db *gorm.DB, roomID int64) (int64, error) {
	return repo.MaxSeq(ctx, db, roomID)
}

// InsertMessage proxies repo.InsertMessage.
func (messageRepoShim) InsertMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	return repo.InsertMessage(ctx, db, m)
}

// ListMessagesAfter proxies repo.ListMessagesAfter.
func (messageRepoShim) ListMessagesAfter(ctx context.Context, db *gorm.DB, roomID, afterSeq int64, limit int) ([]domain.Message, error) {
	return repo.ListMessagesAfter(ctx, db, roomID, afterSeq, limit)
}

// idemRepoShim adapts the idempotency repository free functions to
// services.IdempotencyRepo.
type idemRepoShim struct{}

// GetIdempotency proxies repo.GetIdempotency.
func (idemRepoShim) GetIdempotency(ctx context.Context, db *gorm.DB, userID, roomID int64, key string, now time.Time) (*domain.Idempotency, error) {
	return repo.GetIdempotency(ctx, db, userID, roomID, key, now)
}

// CreateIdempotency proxies repo.CreateIdempotency.
func (idemRepoShim) CreateIdempotency(ctx context.Context, db *gorm.DB, userID, roomID int64, key string, resultSeq int64, status int, ttl time.Duration) (*domain.Idempotency, error) {
	return repo.CreateIdempotency(ctx, db, userID, roomID, key, resultSeq, status, ttl)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given
// Gin engine. It configures observability (tracing, metrics), idempotency
// and rate limiting, CORS and security headers, health and metrics
// endpoints, and then mounts the versioned public API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, reg *registry.Registry, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured access logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB) and response compression; delta
	// payloads are highly repetitive JSON and compress well
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, userID, roomID int64, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, roomID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept",
				middleware.UserIDHeader, middleware.UserLoginHeader,
				middleware.UserStatusHeader, middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist.
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORS.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept",
				middleware.UserIDHeader, middleware.UserLoginHeader,
				middleware.UserStatusHeader, middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/registry
	msgSvc := services.NewMessageService(db, messageRepoShim{}, idemRepoShim{}, reg)
	msgSvc.MaxBodyLen = cfg.Sync.MaxBodyLen
	msgSvc.MaxRecipients = cfg.Sync.MaxRecipients
	msgSvc.IdempotencyTTL = cfg.IdempotencyTTL

	roomSvc := services.NewRoomService(db, roomRepoShim{}, reg, msgSvc)

	syncSvc := services.NewSyncService(db, roomRepoShim{}, messageRepoShim{}, reg, msgSvc)
	syncSvc.Retention = cfg.Sync.Retention
	syncSvc.IdleTimeout = cfg.Sync.IdleTimeout
	syncSvc.VisitorsTTL = cfg.Sync.VisitorsTTL

	h := handlers.New(roomSvc, msgSvc, syncSvc)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Rooms
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/directory", h.Directory)
		api.GET("/rooms/:id", h.GetRoom)
		api.PUT("/rooms/:id", h.UpdateRoom)
		api.DELETE("/rooms/:id", h.DeleteRoom)

		// Membership
		api.POST("/rooms/:id/enter", h.EnterRoom)
		api.POST("/rooms/:id/leave", h.LeaveRoom)

		// Messages and presence status
		api.POST("/rooms/:id/messages", h.PostMessage)
		api.POST("/status", h.UpdateStatus)

		// Delta sync
		api.POST("/sync", h.Sync)
	}
}

// limitBody returns a Gin middleware that caps the request body size for
// all endpoints to maxBytes using http.MaxBytesReader. Requests exceeding
// the cap cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
