package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/metrics"
	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/store"
)

// MaxMessageLength is the longest accepted message body, in characters.
const MaxMessageLength = 4000

// Common errors for chat operations.
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotParticipant   = errors.New("not a participant of this room")
	ErrInvalidRole      = errors.New("invalid role for this operation")
	ErrEmptyMessage     = errors.New("message text is empty")
	ErrMessageTooLong   = errors.New("message text is too long")
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	ErrServiceNotFound  = errors.New("service not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrEmptyTitle       = errors.New("service title is empty")
)

// Service provides room and message business logic.
type Service struct {
	store  store.Store
	broker realtime.Broker
	log    *zerolog.Logger
	now    func() time.Time
}

// New creates a chat Service. broker may be nil, in which case inserts are
// persisted but not fanned out.
func New(st store.Store, broker realtime.Broker, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		store:  st,
		broker: broker,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// StartConversation opens (or returns the existing) room between a client and
// a freelancer, optionally tied to one of the freelancer's services.
func (s *Service) StartConversation(ctx context.Context, clientID, freelancerID int64, serviceID *int64) (*store.Room, error) {
	if clientID == freelancerID {
		return nil, ErrSelfConversation
	}

	client, err := s.store.GetUserByID(ctx, clientID)
	if err != nil {
		return nil, lookupErr(err, ErrUserNotFound)
	}
	if client.Role != store.RoleClient {
		return nil, ErrInvalidRole
	}

	freelancer, err := s.store.GetUserByID(ctx, freelancerID)
	if err != nil {
		return nil, lookupErr(err, ErrUserNotFound)
	}
	if freelancer.Role != store.RoleFreelancer {
		return nil, ErrInvalidRole
	}

	if serviceID != nil {
		svc, err := s.store.GetServiceByID(ctx, *serviceID)
		if err != nil {
			return nil, lookupErr(err, ErrServiceNotFound)
		}
		// A room tied to a listing must be with the listing's owner.
		if svc.FreelancerID != freelancerID {
			return nil, ErrServiceNotFound
		}
	}

	room, err := s.store.CreateRoom(ctx, clientID, freelancerID, serviceID)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	metrics.RoomsStarted.Inc()
	s.log.Debug().Int64("room_id", room.ID).Int64("client_id", clientID).Int64("freelancer_id", freelancerID).Msg("conversation started")

	return room, nil
}

// CreateService publishes a service listing owned by freelancerID.
func (s *Service) CreateService(ctx context.Context, freelancerID int64, title string) (*store.Service, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	owner, err := s.store.GetUserByID(ctx, freelancerID)
	if err != nil {
		return nil, lookupErr(err, ErrUserNotFound)
	}
	if owner.Role != store.RoleFreelancer {
		return nil, ErrInvalidRole
	}
	svc, err := s.store.CreateService(ctx, freelancerID, title)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return svc, nil
}

// GetService returns a service listing by id.
func (s *Service) GetService(ctx context.Context, id int64) (*store.Service, error) {
	svc, err := s.store.GetServiceByID(ctx, id)
	if err != nil {
		return nil, lookupErr(err, ErrServiceNotFound)
	}
	return svc, nil
}

// ListRooms returns the rooms where userID is the client or the freelancer.
func (s *Service) ListRooms(ctx context.Context, userID int64) ([]*store.RoomDetail, error) {
	rooms, err := s.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// Room returns a room after checking that userID participates in it.
func (s *Service) Room(ctx context.Context, roomID, userID int64) (*store.Room, error) {
	room, err := s.store.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, lookupErr(err, ErrRoomNotFound)
	}
	if !room.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return room, nil
}

// LatestMessage returns the most recent message of a room, or nil.
func (s *Service) LatestMessage(ctx context.Context, roomID, userID int64) (*store.Message, error) {
	if _, err := s.Room(ctx, roomID, userID); err != nil {
		return nil, err
	}
	msg, err := s.store.LatestMessage(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return msg, nil
}

// CountUnread counts messages in the room sent by the other participant and
// not yet read by userID.
func (s *Service) CountUnread(ctx context.Context, roomID, userID int64) (int, error) {
	if _, err := s.Room(ctx, roomID, userID); err != nil {
		return 0, err
	}
	n, err := s.store.CountUnread(ctx, roomID, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// ListMessages returns messages of a room in ascending sent order.
func (s *Service) ListMessages(ctx context.Context, roomID, userID int64, limit int, beforeID *int64) ([]*store.Message, error) {
	if _, err := s.Room(ctx, roomID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, roomID, limit, beforeID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// MarkRead flags the other participant's messages in the room as read.
func (s *Service) MarkRead(ctx context.Context, roomID, readerID int64) (int64, error) {
	if _, err := s.Room(ctx, roomID, readerID); err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, roomID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return n, nil
}

// SendMessage persists a message from senderID and publishes the insert.
func (s *Service) SendMessage(ctx context.Context, roomID, senderID int64, text string) (*store.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return nil, ErrMessageTooLong
	}

	room, err := s.Room(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		RoomID:   roomID,
		SenderID: senderID,
		Text:     text,
		SentAt:   s.now(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	metrics.MessagesSent.Inc()

	if s.broker != nil {
		// The row is committed; a failed fan-out only costs live delivery.
		if err := s.broker.Publish(ctx, realtime.NewMessageEvent(room, *msg)); err != nil {
			s.log.Warn().Err(err).Int64("room_id", roomID).Int64("message_id", msg.ID).Msg("publish message event")
		}
	}

	return msg, nil
}

func lookupErr(err, notFound error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return err
}
