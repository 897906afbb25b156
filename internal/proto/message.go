package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Inbound is the envelope for frames coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	InboundTypeSubscribe   = "subscribe"
	InboundTypeUnsubscribe = "unsubscribe"

	OutboundTypeSubscribed   = "subscribed"
	OutboundTypeUnsubscribed = "unsubscribed"
	OutboundTypeEvent        = "event"
	OutboundTypeError        = "error"

	EventMessageInserted = "message_inserted"
)

// Error codes sent in error frames.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeInvalidTopic = "invalid_topic"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "room_not_found"
	ErrCodeInternal     = "internal"
	ErrCodeUnknownType  = "invalid_message"
)

// SubscribeData names the topic of a subscribe or unsubscribe frame.
type SubscribeData struct {
	Topic string `json:"topic"`
}

// Outbound is the envelope for frames sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Frame is the decoding side of Outbound.
type Frame struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Msg
}

// TopicUser subscribes to inserts in every room of the connected user.
const TopicUser = "user"

const roomTopicPrefix = "room:"

// ErrInvalidTopic is returned by ParseTopic for malformed topics.
var ErrInvalidTopic = errors.New("invalid topic")

// RoomTopic returns the topic of roomID.
func RoomTopic(roomID int64) string {
	return roomTopicPrefix + strconv.FormatInt(roomID, 10)
}

// ParseTopic returns the room id of a room topic, or 0 for TopicUser.
func ParseTopic(topic string) (int64, error) {
	if topic == TopicUser {
		return 0, nil
	}
	raw, ok := strings.CutPrefix(topic, roomTopicPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return id, nil
}
