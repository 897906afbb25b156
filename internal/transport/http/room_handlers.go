package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/proto"
	"github.com/wasta-market/wasta-chat/internal/service/chat"
	"github.com/wasta-market/wasta-chat/internal/store"
)

const maxPageSize = 200

// RoomHandlers provides HTTP handlers for rooms and their messages.
type RoomHandlers struct {
	chat *chat.Service
	log  *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(chatService *chat.Service, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		chat: chatService,
		log:  logger,
	}
}

// roomRequest resolves the authenticated user and the :id room parameter.
func roomRequest(c *gin.Context) (uid, roomID int64, ok bool) {
	uid, _, ok = currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return 0, 0, false
	}
	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid room id"})
		return 0, 0, false
	}
	return uid, roomID, true
}

// CreateRoom starts a conversation between the authenticated client and a
// freelancer.
// POST /api/rooms
func (h *RoomHandlers) CreateRoom(c *gin.Context) {
	uid, role, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}
	if role != store.RoleClient {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "only clients can start conversations"})
		return
	}

	var req proto.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create room request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	room, err := h.chat.StartConversation(c.Request.Context(), uid, req.FreelancerID, req.ServiceID)
	if err != nil {
		writeChatError(c, h.log, err, "failed to start conversation")
		return
	}

	h.log.Info().Int64("room_id", room.ID).Int64("client_id", uid).Int64("freelancer_id", req.FreelancerID).Msg("conversation started")
	c.JSON(http.StatusCreated, proto.RoomFromStore(room))
}

// ListRooms lists the rooms of the authenticated user.
// GET /api/rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	uid, _, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	rooms, err := h.chat.ListRooms(c.Request.Context(), uid)
	if err != nil {
		writeChatError(c, h.log, err, "failed to list rooms")
		return
	}

	response := make([]proto.Room, 0, len(rooms))
	for _, room := range rooms {
		response = append(response, proto.RoomFromDetail(room))
	}

	h.log.Debug().Int64("user_id", uid).Int("room_count", len(rooms)).Msg("rooms listed successfully")
	c.JSON(http.StatusOK, response)
}

// ListMessages returns messages of a room in ascending order.
// GET /api/rooms/:id/messages?limit=&before=
func (h *RoomHandlers) ListMessages(c *gin.Context) {
	uid, roomID, ok := roomRequest(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	var before *int64
	if raw := c.Query("before"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid before cursor"})
			return
		}
		before = &id
	}

	msgs, err := h.chat.ListMessages(c.Request.Context(), roomID, uid, limit, before)
	if err != nil {
		writeChatError(c, h.log, err, "failed to list messages")
		return
	}

	response := make([]proto.Message, 0, len(msgs))
	for _, m := range msgs {
		response = append(response, proto.MessageFromStore(m))
	}
	c.JSON(http.StatusOK, response)
}

// LatestMessage returns the newest message of a room, or 204 when empty.
// GET /api/rooms/:id/messages/latest
func (h *RoomHandlers) LatestMessage(c *gin.Context) {
	uid, roomID, ok := roomRequest(c)
	if !ok {
		return
	}

	msg, err := h.chat.LatestMessage(c.Request.Context(), roomID, uid)
	if err != nil {
		writeChatError(c, h.log, err, "failed to get latest message")
		return
	}
	if msg == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, proto.MessageFromStore(msg))
}

// CountUnread returns the number of unread messages from the other participant.
// GET /api/rooms/:id/unread
func (h *RoomHandlers) CountUnread(c *gin.Context) {
	uid, roomID, ok := roomRequest(c)
	if !ok {
		return
	}

	n, err := h.chat.CountUnread(c.Request.Context(), roomID, uid)
	if err != nil {
		writeChatError(c, h.log, err, "failed to count unread")
		return
	}
	c.JSON(http.StatusOK, proto.UnreadResponse{Unread: n})
}

// MarkRead marks the other participant's messages as read.
// POST /api/rooms/:id/read
func (h *RoomHandlers) MarkRead(c *gin.Context) {
	uid, roomID, ok := roomRequest(c)
	if !ok {
		return
	}

	n, err := h.chat.MarkRead(c.Request.Context(), roomID, uid)
	if err != nil {
		writeChatError(c, h.log, err, "failed to mark read")
		return
	}
	c.JSON(http.StatusOK, proto.MarkReadResponse{Updated: n})
}

// SendMessage posts a message as the authenticated user.
// POST /api/rooms/:id/messages
func (h *RoomHandlers) SendMessage(c *gin.Context) {
	uid, roomID, ok := roomRequest(c)
	if !ok {
		return
	}

	var req proto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	msg, err := h.chat.SendMessage(c.Request.Context(), roomID, uid, req.Text)
	if err != nil {
		writeChatError(c, h.log, err, "failed to send message")
		return
	}

	h.log.Debug().Int64("room_id", roomID).Int64("message_id", msg.ID).Msg("message sent")
	c.JSON(http.StatusCreated, proto.MessageFromStore(msg))
}
