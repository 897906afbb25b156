package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/metrics"
)

const defaultBuffer = 32

// Subscription is a live feed of events matching one filter.
type Subscription struct {
	ID     string
	Scope  Scope
	RoomID int64
	UserID int64

	events chan Event
	hub    *Hub
	once   sync.Once
}

// Events returns the delivery channel. It is closed when the subscription
// or the hub shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
	})
}

// Hub is the in-process broker. All index mutations happen on the Run goroutine.
type Hub struct {
	register   chan *Subscription
	unregister chan *Subscription
	publish    chan Event
	done       chan struct{}
	buffer     int
	log        *zerolog.Logger

	rooms map[int64]map[*Subscription]struct{}
	users map[int64]map[*Subscription]struct{}
}

var _ Broker = (*Hub)(nil)

// NewHub creates a hub. buffer is the per-subscription channel capacity.
func NewHub(buffer int, logger *zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		publish:    make(chan Event, 64),
		done:       make(chan struct{}),
		buffer:     buffer,
		log:        logger,
		rooms:      make(map[int64]map[*Subscription]struct{}),
		users:      make(map[int64]map[*Subscription]struct{}),
	}
}

// Run processes subscriptions and events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-h.register:
			h.add(sub)
		case sub := <-h.unregister:
			h.remove(sub)
		case ev := <-h.publish:
			h.dispatch(ev)
		}
	}
}

// Publish queues ev for delivery.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	select {
	case h.publish <- ev:
		return nil
	case <-h.done:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeRoom opens a feed of inserts in roomID.
func (h *Hub) SubscribeRoom(ctx context.Context, roomID int64) (*Subscription, error) {
	return h.subscribe(ctx, &Subscription{Scope: ScopeRoom, RoomID: roomID})
}

// SubscribeUser opens a feed of inserts in every room visible to userID.
func (h *Hub) SubscribeUser(ctx context.Context, userID int64) (*Subscription, error) {
	return h.subscribe(ctx, &Subscription{Scope: ScopeUser, UserID: userID})
}

func (h *Hub) subscribe(ctx context.Context, sub *Subscription) (*Subscription, error) {
	sub.ID = uuid.NewString()
	sub.events = make(chan Event, h.buffer)
	sub.hub = h

	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, ErrBrokerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) add(sub *Subscription) {
	index, key := h.indexFor(sub)
	set, ok := index[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		index[key] = set
	}
	set[sub] = struct{}{}
	metrics.ActiveSubscriptions.WithLabelValues(string(sub.Scope)).Inc()
	h.log.Debug().Str("sub_id", sub.ID).Str("scope", string(sub.Scope)).Int64("key", key).Msg("subscription opened")
}

func (h *Hub) remove(sub *Subscription) {
	index, key := h.indexFor(sub)
	set, ok := index[key]
	if !ok {
		return
	}
	if _, exists := set[sub]; !exists {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(index, key)
	}
	close(sub.events)
	metrics.ActiveSubscriptions.WithLabelValues(string(sub.Scope)).Dec()
	h.log.Debug().Str("sub_id", sub.ID).Str("scope", string(sub.Scope)).Msg("subscription closed")
}

func (h *Hub) indexFor(sub *Subscription) (map[int64]map[*Subscription]struct{}, int64) {
	if sub.Scope == ScopeRoom {
		return h.rooms, sub.RoomID
	}
	return h.users, sub.UserID
}

func (h *Hub) dispatch(ev Event) {
	for sub := range h.rooms[ev.Message.RoomID] {
		deliver(sub, ev)
	}
	for userID, set := range h.users {
		if !ev.visibleTo(userID) {
			continue
		}
		for sub := range set {
			deliver(sub, ev)
		}
	}
}

func deliver(sub *Subscription, ev Event) {
	select {
	case sub.events <- ev:
		metrics.EventsDelivered.WithLabelValues(string(sub.Scope)).Inc()
	default:
		// Drop if slow consumer.
		metrics.EventsDropped.WithLabelValues(string(sub.Scope)).Inc()
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for _, index := range []map[int64]map[*Subscription]struct{}{h.rooms, h.users} {
		for key, set := range index {
			for sub := range set {
				close(sub.events)
				metrics.ActiveSubscriptions.WithLabelValues(string(sub.Scope)).Dec()
			}
			delete(index, key)
		}
	}
}
