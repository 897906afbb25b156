package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned (wrapped) when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Role is the marketplace role of a user.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleFreelancer, RoleAdmin:
		return true
	}
	return false
}

// User represents a marketplace account.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	AvatarURL    string
	Role         Role
	PasswordHash string
	CreatedAt    time.Time
}

// Profile is the public part of a user joined into room listings.
type Profile struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Service is a freelancer's service listing.
type Service struct {
	ID           int64
	FreelancerID int64
	Title        string
	CreatedAt    time.Time
}

// Room is a conversation between one client and one freelancer.
type Room struct {
	ID           int64
	ClientID     int64
	FreelancerID int64
	ServiceID    *int64 // nil when the room is not tied to a listing
	CreatedAt    time.Time
}

// HasParticipant reports whether userID is one of the room's two participants.
func (r *Room) HasParticipant(userID int64) bool {
	return r.ClientID == userID || r.FreelancerID == userID
}

// Counterpart returns the other participant's id.
func (r *Room) Counterpart(userID int64) int64 {
	if r.ClientID == userID {
		return r.FreelancerID
	}
	return r.ClientID
}

// RoomDetail is a room joined with participant profiles and the service title.
type RoomDetail struct {
	Room
	Client       Profile
	Freelancer   Profile
	ServiceTitle string
}

// Message represents a persisted chat message.
type Message struct {
	ID       int64
	RoomID   int64
	SenderID int64
	Text     string
	IsRead   bool
	SentAt   time.Time
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, u *User) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// ServiceStore handles service listing persistence.
type ServiceStore interface {
	CreateService(ctx context.Context, freelancerID int64, title string) (*Service, error)
	GetServiceByID(ctx context.Context, id int64) (*Service, error)
}

// RoomStore handles room persistence.
type RoomStore interface {
	// CreateRoom creates a room, or returns the existing one for the same
	// client, freelancer and service.
	CreateRoom(ctx context.Context, clientID, freelancerID int64, serviceID *int64) (*Room, error)

	// GetRoomByID retrieves a room by ID.
	GetRoomByID(ctx context.Context, id int64) (*Room, error)

	// ListRoomsForUser lists rooms where the user is the client or the
	// freelancer, joined with profiles and service title.
	ListRoomsForUser(ctx context.Context, userID int64) ([]*RoomDetail, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// SaveMessage persists a message and fills in its ID.
	SaveMessage(ctx context.Context, msg *Message) error

	// ListMessages returns messages of a room in ascending sent order.
	// limit <= 0 returns the whole history. When beforeID is set only
	// messages older than it are considered, and the newest limit of those
	// are returned.
	ListMessages(ctx context.Context, roomID int64, limit int, beforeID *int64) ([]*Message, error)

	// LatestMessage returns the most recent message of a room, or nil.
	LatestMessage(ctx context.Context, roomID int64) (*Message, error)

	// CountUnread counts unread messages in a room not sent by userID.
	CountUnread(ctx context.Context, roomID, userID int64) (int, error)

	// MarkRead flags every unread message in the room not sent by readerID
	// as read and returns how many rows changed.
	MarkRead(ctx context.Context, roomID, readerID int64) (int64, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ServiceStore
	RoomStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
