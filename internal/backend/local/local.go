// Package local runs chatsync in-process against the chat service and a
// realtime broker.
package local

import (
	"context"

	"github.com/wasta-market/wasta-chat/internal/chatsync"
	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/service/chat"
	"github.com/wasta-market/wasta-chat/internal/store"
)

// Backend adapts chat.Service and a realtime.Broker to chatsync.Backend.
// Reads are authorized as viewerID, the session user.
type Backend struct {
	chat     *chat.Service
	broker   realtime.Broker
	viewerID int64
}

var _ chatsync.Backend = (*Backend)(nil)

// New creates a Backend acting on behalf of viewerID.
func New(chatService *chat.Service, broker realtime.Broker, viewerID int64) *Backend {
	return &Backend{chat: chatService, broker: broker, viewerID: viewerID}
}

func (b *Backend) ListRooms(ctx context.Context, userID int64) ([]store.RoomDetail, error) {
	rooms, err := b.chat.ListRooms(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]store.RoomDetail, len(rooms))
	for i, r := range rooms {
		out[i] = *r
	}
	return out, nil
}

func (b *Backend) LatestMessage(ctx context.Context, roomID int64) (*store.Message, error) {
	return b.chat.LatestMessage(ctx, roomID, b.viewerID)
}

func (b *Backend) CountUnread(ctx context.Context, roomID, userID int64) (int, error) {
	return b.chat.CountUnread(ctx, roomID, userID)
}

func (b *Backend) ListMessages(ctx context.Context, roomID int64, limit int, beforeID *int64) ([]*store.Message, error) {
	return b.chat.ListMessages(ctx, roomID, b.viewerID, limit, beforeID)
}

func (b *Backend) MarkRead(ctx context.Context, roomID, readerID int64) (int64, error) {
	return b.chat.MarkRead(ctx, roomID, readerID)
}

func (b *Backend) InsertMessage(ctx context.Context, roomID, senderID int64, text string) (*store.Message, error) {
	return b.chat.SendMessage(ctx, roomID, senderID, text)
}

func (b *Backend) SubscribeRoom(ctx context.Context, roomID int64) (chatsync.Subscription, error) {
	if _, err := b.chat.Room(ctx, roomID, b.viewerID); err != nil {
		return nil, err
	}
	sub, err := b.broker.SubscribeRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *Backend) SubscribeUser(ctx context.Context, userID int64) (chatsync.Subscription, error) {
	sub, err := b.broker.SubscribeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
