package realtime

import (
	"context"
	"errors"

	"github.com/wasta-market/wasta-chat/internal/store"
)

// ErrBrokerClosed is returned when subscribing to or publishing on a stopped broker.
var ErrBrokerClosed = errors.New("realtime broker closed")

// EventKind names a change in the message collection.
type EventKind string

const (
	// EventMessageInserted is emitted after a message row is persisted.
	EventMessageInserted EventKind = "message_inserted"
)

// Scope is the filter a subscription was opened with.
type Scope string

const (
	// ScopeRoom delivers events of a single room.
	ScopeRoom Scope = "room"
	// ScopeUser delivers events of every room the user participates in.
	ScopeUser Scope = "user"
)

// Event describes an inserted message and who may observe it.
type Event struct {
	Kind    EventKind
	Message store.Message
	// Audience lists the user ids allowed to see the event on user-scoped
	// subscriptions (the room's two participants).
	Audience []int64
}

// NewMessageEvent builds an insert event for msg posted in room.
func NewMessageEvent(room *store.Room, msg store.Message) Event {
	return Event{
		Kind:     EventMessageInserted,
		Message:  msg,
		Audience: []int64{room.ClientID, room.FreelancerID},
	}
}

func (e Event) visibleTo(userID int64) bool {
	for _, id := range e.Audience {
		if id == userID {
			return true
		}
	}
	return false
}

// Broker fans out insert events to room- and user-scoped subscribers.
type Broker interface {
	Publish(ctx context.Context, ev Event) error
	SubscribeRoom(ctx context.Context, roomID int64) (*Subscription, error)
	SubscribeUser(ctx context.Context, userID int64) (*Subscription, error)
}
