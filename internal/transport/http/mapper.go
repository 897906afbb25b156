package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/proto"
	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/service/chat"
)

// chatStatus maps chat service errors to HTTP status codes. Unknown errors
// map to 500.
func chatStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrRoomNotFound),
		errors.Is(err, chat.ErrServiceNotFound),
		errors.Is(err, chat.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotParticipant),
		errors.Is(err, chat.ErrInvalidRole):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrEmptyTitle),
		errors.Is(err, chat.ErrSelfConversation):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrMessageTooLong):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeChatError(c *gin.Context, log *zerolog.Logger, err error, msg string) {
	status := chatStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
		c.JSON(status, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

// wsError maps chat service errors to protocol error frames.
func wsError(err error) *proto.Error {
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		return &proto.Error{Code: proto.ErrCodeNotFound, Msg: err.Error()}
	case errors.Is(err, chat.ErrNotParticipant):
		return &proto.Error{Code: proto.ErrCodeForbidden, Msg: err.Error()}
	case errors.Is(err, proto.ErrInvalidTopic):
		return &proto.Error{Code: proto.ErrCodeInvalidTopic, Msg: err.Error()}
	default:
		return &proto.Error{Code: proto.ErrCodeInternal, Msg: "internal error"}
	}
}

func outboundFromEvent(topic string, ev realtime.Event) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Topic: topic,
		Event: string(ev.Kind),
		Data:  proto.MessageFromStore(&ev.Message),
	}
}
