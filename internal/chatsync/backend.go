// Package chatsync keeps a user's room directory and the open room's message
// stream in sync with the chat backend.
//
// A Sync loads the rooms the session user participates in, enriched with the
// latest message and the unread count, loads the history of the selected
// room and marks it read, and reconciles realtime inserts from a room-scoped
// and a user-scoped subscription into those lists.
package chatsync

import (
	"context"
	"errors"

	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/store"
)

var (
	// ErrNoRoomSelected is returned by SendMessage when no room is open.
	ErrNoRoomSelected = errors.New("no room selected")
	// ErrEmptyMessage is returned by SendMessage for blank text.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrClosed is returned by operations on a closed Sync.
	ErrClosed = errors.New("chatsync closed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("chatsync already started")
)

// Subscription is a live feed of realtime events. Events is closed once the
// subscription ends, whether through Close or a lost transport.
type Subscription interface {
	Events() <-chan realtime.Event
	Close()
}

// Backend is the data and realtime surface a Sync runs against.
//
// ctx passed to the Subscribe methods bounds the subscribe call only; the
// returned subscription lives until it is closed.
type Backend interface {
	ListRooms(ctx context.Context, userID int64) ([]store.RoomDetail, error)
	// LatestMessage returns nil when the room has no messages.
	LatestMessage(ctx context.Context, roomID int64) (*store.Message, error)
	CountUnread(ctx context.Context, roomID, userID int64) (int, error)
	// ListMessages returns messages in ascending sent order. limit <= 0 means
	// the whole history; beforeID restricts the page to older messages.
	ListMessages(ctx context.Context, roomID int64, limit int, beforeID *int64) ([]*store.Message, error)
	MarkRead(ctx context.Context, roomID, readerID int64) (int64, error)
	InsertMessage(ctx context.Context, roomID, senderID int64, text string) (*store.Message, error)
	SubscribeRoom(ctx context.Context, roomID int64) (Subscription, error)
	SubscribeUser(ctx context.Context, userID int64) (Subscription, error)
}

// Session identifies the authenticated user a Sync works for.
type Session struct {
	UserID   int64
	Username string
	Token    string
}

// RoomSummary is a room enriched with its latest message and the number of
// unread messages sent by the other participant.
type RoomSummary struct {
	store.RoomDetail
	LastMessage *store.Message
	Unread      int
}

// Counterpart returns the profile of the participant that is not userID.
func (r RoomSummary) Counterpart(userID int64) store.Profile {
	if r.ClientID == userID {
		return r.Freelancer
	}
	return r.Client
}
