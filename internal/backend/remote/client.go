// Package remote is the network client of the chat server. Client
// implements chatsync.Backend over the REST API and the /ws realtime
// endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/chatsync"
	"github.com/wasta-market/wasta-chat/internal/proto"
	"github.com/wasta-market/wasta-chat/internal/store"
)

// APIError is a non-2xx response of the chat server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api error %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to one chat server as one user. The server derives the
// acting user from the token; the user ids of the chatsync.Backend methods
// are not sent.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zerolog.Logger

	wsMu sync.Mutex
	conn *websocket.Conn
	subs map[string]*subscription
	acks map[string]chan *proto.Error
}

var _ chatsync.Backend = (*Client)(nil)

// New creates a client for the server at baseURL authenticated with token.
func New(baseURL, token string, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger,
		subs:       make(map[string]*subscription),
		acks:       make(map[string]chan *proto.Error),
	}
}

// Login exchanges credentials for a token.
func Login(ctx context.Context, baseURL, username, password string) (*proto.AuthResponse, error) {
	c := New(baseURL, "", nil)
	var resp proto.AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/login", proto.LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Token returns the bearer token of the client.
func (c *Client) Token() string {
	return c.token
}

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (*proto.User, error) {
	var u proto.User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// StartConversation opens a room with a freelancer. The token must belong to a client.
func (c *Client) StartConversation(ctx context.Context, freelancerID int64, serviceID *int64) (*proto.Room, error) {
	var room proto.Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms", proto.CreateRoomRequest{FreelancerID: freelancerID, ServiceID: serviceID}, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) ListRooms(ctx context.Context, _ int64) ([]store.RoomDetail, error) {
	var rooms []proto.Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	out := make([]store.RoomDetail, len(rooms))
	for i, r := range rooms {
		out[i] = r.Detail()
	}
	return out, nil
}

func (c *Client) LatestMessage(ctx context.Context, roomID int64) (*store.Message, error) {
	var msg *proto.Message
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "/messages/latest"), nil, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	m := msg.Store()
	return &m, nil
}

func (c *Client) CountUnread(ctx context.Context, roomID, _ int64) (int, error) {
	var resp proto.UnreadResponse
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "/unread"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Unread, nil
}

func (c *Client) ListMessages(ctx context.Context, roomID int64, limit int, beforeID *int64) ([]*store.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID != nil {
		q.Set("before", strconv.FormatInt(*beforeID, 10))
	}
	path := roomPath(roomID, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var msgs []proto.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	out := make([]*store.Message, len(msgs))
	for i := range msgs {
		m := msgs[i].Store()
		out[i] = &m
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, roomID, _ int64) (int64, error) {
	var resp proto.MarkReadResponse
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "/read"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

func (c *Client) InsertMessage(ctx context.Context, roomID, _ int64, text string) (*store.Message, error) {
	var msg proto.Message
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "/messages"), proto.SendMessageRequest{Text: text}, &msg); err != nil {
		return nil, err
	}
	m := msg.Store()
	return &m, nil
}

func roomPath(roomID int64, suffix string) string {
	return "/api/rooms/" + strconv.FormatInt(roomID, 10) + suffix
}

// do performs a JSON request. A 204 response leaves out untouched.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
