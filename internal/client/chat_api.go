package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Meyliana22/influent-app-sub001/internal/credential"
	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/pkg/response"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

var (
	ErrUnauthorized = errors.New("chat api rejected credential")
	ErrRoomNotFound = errors.New("room not found")
)

// ChatAPI wraps the chat REST endpoints used for initial population.
type ChatAPI struct {
	baseURL    string
	httpClient *http.Client
	creds      credential.Provider
}

// roomDTO tolerates both the current and the older lastMessage field name.
type roomDTO struct {
	ID              domain.ID         `json:"id"`
	Name            string            `json:"name"`
	LastMessageText *string           `json:"lastMessageText"`
	LastMessage     *string           `json:"lastMessage"`
	LastMessageTime *domain.Timestamp `json:"lastMessageTime"`
	UnreadCount     int               `json:"unreadCount"`
}

func (d roomDTO) toRoom() domain.ChatRoom {
	room := domain.ChatRoom{
		ID:              d.ID,
		Name:            d.Name,
		LastMessageText: d.LastMessageText,
		UnreadCount:     d.UnreadCount,
	}
	if room.LastMessageText == nil {
		room.LastMessageText = d.LastMessage
	}
	if d.LastMessageTime != nil && !d.LastMessageTime.IsZero() {
		ts := d.LastMessageTime.Time
		room.LastMessageTime = &ts
	}
	if room.UnreadCount < 0 {
		room.UnreadCount = 0
	}
	if room.Name == "" {
		room.Name = room.ID.String()
	}
	return room
}

// NewChatAPI creates a client for the API at baseURL.
func NewChatAPI(baseURL string, timeout time.Duration, creds credential.Provider) *ChatAPI {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChatAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		creds: creds,
	}
}

// ListRooms returns the caller's rooms with last-message summary and
// unread count.
func (c *ChatAPI) ListRooms(ctx context.Context) ([]domain.ChatRoom, error) {
	var dtos []roomDTO
	if err := c.get(ctx, "/api/v1/chat/rooms", nil, &dtos); err != nil {
		return nil, err
	}

	rooms := make([]domain.ChatRoom, 0, len(dtos))
	for _, d := range dtos {
		if d.ID.Empty() {
			continue
		}
		rooms = append(rooms, d.toRoom())
	}
	return rooms, nil
}

// ListMessages returns one page of a room's history in ascending order.
// page starts at 1; limit is clamped to MaxPageSize.
func (c *ChatAPI) ListMessages(ctx context.Context, roomID domain.ID, page, limit int) ([]domain.Message, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var events []domain.ChatMessageEvent
	path := fmt.Sprintf("/api/v1/chat/rooms/%s/messages", url.PathEscape(roomID.String()))
	if err := c.get(ctx, path, q, &events); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(events))
	for _, e := range events {
		m := e.ToMessage()
		if m.RoomID.Empty() {
			m.RoomID = roomID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (c *ChatAPI) get(ctx context.Context, path string, query url.Values, out any) error {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrRoomNotFound
	default:
		return fmt.Errorf("chat api returned status: %d", resp.StatusCode)
	}

	var env response.Envelope[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("chat api error: %w", env.Error)
		}
		return errors.New("chat api error")
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
