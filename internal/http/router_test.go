package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mvasilak/go-room-sync/internal/config"
	"github.com/mvasilak/go-room-sync/internal/domain"
	"github.com/mvasilak/go-room-sync/internal/registry"
)

func newRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Room{}, &domain.Message{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	// Keep the limiter out of the way for request-heavy tests.
	cfg.RateRPS = 10000
	cfg.RateBurst = 10000

	r := gin.New()
	RegisterRoutes(r, db, registry.New(), cfg)
	return r, db
}

func do(r *gin.Engine, method, target string, userID int64, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if userID > 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
		req.Header.Set("X-User-Login", fmt.Sprintf("user%d", userID))
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_HealthMetricsAndFallbacks(t *testing.T) {
	r, _ := newRouter(t)

	if w := do(r, http.MethodGet, "/health", 0, "", nil); w.Code != http.StatusOK {
		t.Fatalf("health -> %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/metrics", 0, "", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics -> %d", w.Code)
	}

	w := do(r, http.MethodGet, "/nowhere", 0, "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("no route -> %d", w.Code)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("missing request id header")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing, got %q", got)
	}

	if w := do(r, http.MethodPatch, "/health", 0, "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("no method -> %d", w.Code)
	}
}

func TestRouter_IdentityRequiredOnMutations(t *testing.T) {
	r, _ := newRouter(t)

	if w := do(r, http.MethodPost, "/api/v1/rooms", 0, `{"name":"X"}`, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("create without identity -> %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/v1/sync", 0, `{"open_room_ids":[]}`, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("sync without identity -> %d", w.Code)
	}
}

func TestRouter_BadIdempotencyKeyRejected(t *testing.T) {
	r, _ := newRouter(t)

	w := do(r, http.MethodPost, "/api/v1/rooms/1/messages", 9, `{"body":"hi"}`,
		map[string]string{"Idempotency-Key": "bad key with spaces"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad key -> %d body=%s", w.Code, w.Body.String())
	}
}

func TestRouter_EndToEndRoomFlow(t *testing.T) {
	r, _ := newRouter(t)

	// Create and enter a room.
	w := do(r, http.MethodPost, "/api/v1/rooms", 7, `{"name":"Lobby","permanent":true}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create -> %d body=%s", w.Code, w.Body.String())
	}
	var room domain.Room
	if err := json.Unmarshal(w.Body.Bytes(), &room); err != nil {
		t.Fatalf("json: %v", err)
	}
	if w := do(r, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/enter", room.ID), 9, "", nil); w.Code != http.StatusOK {
		t.Fatalf("enter -> %d", w.Code)
	}

	// Send the same message twice with one idempotency key.
	target := fmt.Sprintf("/api/v1/rooms/%d/messages", room.ID)
	key := map[string]string{"Idempotency-Key": "send-1"}
	first := do(r, http.MethodPost, target, 9, `{"body":"hello"}`, key)
	if first.Code != http.StatusCreated {
		t.Fatalf("send -> %d body=%s", first.Code, first.Body.String())
	}
	second := do(r, http.MethodPost, target, 9, `{"body":"hello"}`, key)
	if second.Code != http.StatusCreated {
		t.Fatalf("retry -> %d body=%s", second.Code, second.Body.String())
	}
	if second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("retry not marked as replay")
	}
	if !bytes.Contains(second.Body.Bytes(), []byte(`"replayed":true`)) {
		t.Fatalf("replay flag missing: %s", second.Body.String())
	}

	// One delta round sees the enter info plus exactly one chat message.
	syncBody := fmt.Sprintf(`{"open_room_ids":[%d]}`, room.ID)
	ws := do(r, http.MethodPost, "/api/v1/sync", 9, syncBody, nil)
	if ws.Code != http.StatusOK {
		t.Fatalf("sync -> %d body=%s", ws.Code, ws.Body.String())
	}
	var update domain.DeltaUpdate
	if err := json.Unmarshal(ws.Body.Bytes(), &update); err != nil {
		t.Fatalf("json: %v", err)
	}
	msgs := update.Messages[room.ID]
	if len(msgs) != 2 {
		t.Fatalf("delta delivered %d messages", len(msgs))
	}
	if msgs[0].Type != domain.MsgRoomEnter || msgs[1].Body != "hello" {
		t.Fatalf("unexpected delta: %#v", msgs)
	}
	if update.NextWatermarks[room.ID] != 3 {
		t.Fatalf("next watermark = %d", update.NextWatermarks[room.ID])
	}

	// The directory lists the room for everyone.
	wd := do(r, http.MethodGet, "/api/v1/rooms/directory", 0, "", nil)
	if wd.Code != http.StatusOK || !strings.Contains(wd.Body.String(), "Lobby") {
		t.Fatalf("directory -> %d body=%s", wd.Code, wd.Body.String())
	}
}
