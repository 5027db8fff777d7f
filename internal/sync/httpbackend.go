package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

// HTTPBackend implements Backend over the service's REST API. One instance
// serves one authenticated user: the forwarded identity headers are
// attached to every request. A 401 from any endpoint is mapped to
// ErrSessionExpired so the schedulers treat it as fatal.
type HTTPBackend struct {
	baseURL string
	user    domain.UserInfo
	httpc   *http.Client
}

// NewHTTPBackend builds a backend rooted at baseURL (including the API
// prefix, e.g. "https://chat.example.com/api/v1") for the given user. A
// nil client gets a default with a 15s timeout, comfortably above the slow
// poll cadence.
func NewHTTPBackend(baseURL string, user domain.UserInfo, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		httpc:   client,
	}
}

// Wire shapes, mirroring the server DTOs.

type directoryPayload struct {
	Rooms []domain.Room `json:"rooms"`
}

type sendPayload struct {
	Type       string  `json:"type,omitempty"`
	Body       string  `json:"body,omitempty"`
	FileRef    string  `json:"file_ref,omitempty"`
	Recipients []int64 `json:"recipients,omitempty"`
	FontFamily int     `json:"font_family,omitempty"`
	FontSize   int     `json:"font_size,omitempty"`
	FontColor  int     `json:"font_color,omitempty"`
}

type sendResult struct {
	Message *domain.Message `json:"message"`
}

type apiError struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// FetchDirectory retrieves all currently active rooms.
func (b *HTTPBackend) FetchDirectory(ctx context.Context) ([]domain.Room, error) {
	var out directoryPayload
	if err := b.roundTrip(ctx, http.MethodGet, "/rooms/directory", nil, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

// FetchDeltas runs one delta round for the given open rooms.
func (b *HTTPBackend) FetchDeltas(ctx context.Context, req domain.DeltaRequest) (*domain.DeltaUpdate, error) {
	if req.OpenRoomIDs == nil {
		req.OpenRoomIDs = []int64{}
	}
	var out domain.DeltaUpdate
	if err := b.roundTrip(ctx, http.MethodPost, "/sync", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnterRoom joins the room and returns its descriptor.
func (b *HTTPBackend) EnterRoom(ctx context.Context, roomID int64) (*domain.Room, error) {
	var out domain.Room
	path := fmt.Sprintf("/rooms/%d/enter", roomID)
	if err := b.roundTrip(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LeaveRoom parts from the room.
func (b *HTTPBackend) LeaveRoom(ctx context.Context, roomID int64) error {
	path := fmt.Sprintf("/rooms/%d/leave", roomID)
	return b.roundTrip(ctx, http.MethodPost, path, nil, nil)
}

// SendMessage posts one message into the room and returns the stored copy
// with its sequence number assigned.
func (b *HTTPBackend) SendMessage(ctx context.Context, roomID int64, m *domain.Message) (*domain.Message, error) {
	payload := sendPayload{
		Type:       string(m.Type),
		Body:       m.Body,
		FileRef:    m.FileRef,
		Recipients: m.Recipients,
		FontFamily: m.FontFamily,
		FontSize:   m.FontSize,
		FontColor:  m.FontColor,
	}
	var out sendResult
	path := fmt.Sprintf("/rooms/%d/messages", roomID)
	if err := b.roundTrip(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

// roundTrip performs one JSON request/response exchange. Non-2xx statuses
// become errors: 401 maps to ErrSessionExpired, everything else carries
// the server's error code and message.
func (b *HTTPBackend) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-User-ID", fmt.Sprintf("%d", b.user.ID))
	if b.user.Login != "" {
		req.Header.Set("X-User-Login", b.user.Login)
	}
	if b.user.Status != "" {
		req.Header.Set("X-User-Status", b.user.Status)
	}

	resp, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("backend: %w", ErrSessionExpired)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Code != "" {
			return fmt.Errorf("backend: %s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("backend: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
