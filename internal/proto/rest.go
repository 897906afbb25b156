package proto

import (
	"time"

	"github.com/wasta-market/wasta-chat/internal/store"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Username    string `json:"username" binding:"required,min=3,max=32"`
	Password    string `json:"password" binding:"required,min=6"`
	DisplayName string `json:"display_name" binding:"max=64"`
	AvatarURL   string `json:"avatar_url" binding:"omitempty,url"`
	Role        string `json:"role" binding:"required,oneof=client freelancer"`
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents the authentication response body.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// User is the public view of an account.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role"`
}

// Service is a listing in API responses.
type Service struct {
	ID           int64     `json:"id"`
	FreelancerID int64     `json:"freelancer_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateServiceRequest is the body of POST /api/services.
type CreateServiceRequest struct {
	Title string `json:"title" binding:"required,max=200"`
}

// CreateRoomRequest is the body of POST /api/rooms.
type CreateRoomRequest struct {
	FreelancerID int64  `json:"freelancer_id" binding:"required"`
	ServiceID    *int64 `json:"service_id"`
}

// Room is a room with participant profiles in API responses.
type Room struct {
	ID           int64         `json:"id"`
	ClientID     int64         `json:"client_id"`
	FreelancerID int64         `json:"freelancer_id"`
	ServiceID    *int64        `json:"service_id,omitempty"`
	ServiceTitle string        `json:"service_title,omitempty"`
	Client       store.Profile `json:"client"`
	Freelancer   store.Profile `json:"freelancer"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SendMessageRequest is the body of POST /api/rooms/:id/messages.
type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// Message is a chat message in API responses and realtime events.
type Message struct {
	ID       int64     `json:"id"`
	RoomID   int64     `json:"room_id"`
	SenderID int64     `json:"sender_id"`
	Text     string    `json:"message_text"`
	IsRead   bool      `json:"is_read"`
	SentAt   time.Time `json:"sent_at"`
}

// UnreadResponse is the body of GET /api/rooms/:id/unread.
type UnreadResponse struct {
	Unread int `json:"unread"`
}

// MarkReadResponse is the body of POST /api/rooms/:id/read.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

func UserFromStore(u *store.User) User {
	return User{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL, Role: string(u.Role)}
}

func ServiceFromStore(s *store.Service) Service {
	return Service{ID: s.ID, FreelancerID: s.FreelancerID, Title: s.Title, CreatedAt: s.CreatedAt}
}

func RoomFromStore(r *store.Room) Room {
	return Room{ID: r.ID, ClientID: r.ClientID, FreelancerID: r.FreelancerID, ServiceID: r.ServiceID, CreatedAt: r.CreatedAt}
}

func RoomFromDetail(d *store.RoomDetail) Room {
	room := RoomFromStore(&d.Room)
	room.ServiceTitle = d.ServiceTitle
	room.Client = d.Client
	room.Freelancer = d.Freelancer
	return room
}

// Detail converts r back to the store form.
func (r Room) Detail() store.RoomDetail {
	return store.RoomDetail{
		Room: store.Room{
			ID:           r.ID,
			ClientID:     r.ClientID,
			FreelancerID: r.FreelancerID,
			ServiceID:    r.ServiceID,
			CreatedAt:    r.CreatedAt,
		},
		Client:       r.Client,
		Freelancer:   r.Freelancer,
		ServiceTitle: r.ServiceTitle,
	}
}

func MessageFromStore(m *store.Message) Message {
	return Message{ID: m.ID, RoomID: m.RoomID, SenderID: m.SenderID, Text: m.Text, IsRead: m.IsRead, SentAt: m.SentAt}
}

// Store converts m back to the store form.
func (m Message) Store() store.Message {
	return store.Message{ID: m.ID, RoomID: m.RoomID, SenderID: m.SenderID, Text: m.Text, IsRead: m.IsRead, SentAt: m.SentAt}
}
