package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/auth"
	"github.com/wasta-market/wasta-chat/internal/proto"
	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/service/chat"
)

const (
	wsOutboundBuffer  = 64
	wsFramesPerMinute = 120
)

// WSHandler upgrades HTTP connections and bridges topic subscriptions to the
// realtime broker.
type WSHandler struct {
	auth     *auth.Service
	chat     *chat.Service
	broker   realtime.Broker
	maxBytes int64
	log      *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(authService *auth.Service, chatService *chat.Service, broker realtime.Broker, maxBytes int64, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{auth: authService, chat: chatService, broker: broker, maxBytes: maxBytes, log: logger}
}

// wsConn is the state of one connection.
type wsConn struct {
	id     string
	userID int64
	out    chan proto.Outbound
	limit  *rateLimiter

	mu   sync.Mutex
	subs map[string]*realtime.Subscription
	wg   sync.WaitGroup
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r.Header.Get("Authorization"))
	}
	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws auth failed")
		stdhttp.Error(w, "unauthorized", stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.maxBytes > 0 {
		conn.SetReadLimit(h.maxBytes)
	}

	client := &wsConn{
		id:     uuid.NewString(),
		userID: claims.UserID,
		out:    make(chan proto.Outbound, wsOutboundBuffer),
		limit:  newRateLimiter(wsFramesPerMinute),
		subs:   make(map[string]*realtime.Subscription),
	}
	log := h.log.With().Str("client_id", client.id).Int64("user_id", client.userID).Logger()
	log.Debug().Msg("ws connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer client.closeAll()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client, &log)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client, &log)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *wsConn, log *zerolog.Logger) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if !client.limit.allow() {
			client.send(ctx, proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "rate limit exceeded"}})
			continue
		}

		switch inbound.Type {
		case proto.InboundTypeSubscribe, proto.InboundTypeUnsubscribe:
			var data proto.SubscribeData
			if err := json.Unmarshal(inbound.Data, &data); err != nil || data.Topic == "" {
				client.send(ctx, proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "topic is required"}})
				continue
			}
			var reply proto.Outbound
			if inbound.Type == proto.InboundTypeSubscribe {
				reply = h.subscribe(ctx, client, data.Topic, log)
			} else {
				reply = client.unsubscribe(data.Topic)
			}
			client.send(ctx, reply)
		default:
			client.send(ctx, proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: proto.ErrCodeUnknownType, Msg: "unknown message type"}})
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *wsConn, log *zerolog.Logger) error {
	for {
		select {
		case frame := <-client.out:
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				log.Error().Err(err).Msg("write ws frame")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) subscribe(ctx context.Context, client *wsConn, topic string, log *zerolog.Logger) proto.Outbound {
	roomID, err := proto.ParseTopic(topic)
	if err != nil {
		return proto.Outbound{Type: proto.OutboundTypeError, Topic: topic, Error: wsError(err)}
	}

	client.mu.Lock()
	_, exists := client.subs[topic]
	client.mu.Unlock()
	if exists {
		return proto.Outbound{Type: proto.OutboundTypeSubscribed, Topic: topic}
	}

	var sub *realtime.Subscription
	if roomID == 0 {
		sub, err = h.broker.SubscribeUser(ctx, client.userID)
	} else {
		if _, err = h.chat.Room(ctx, roomID, client.userID); err != nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Topic: topic, Error: wsError(err)}
		}
		sub, err = h.broker.SubscribeRoom(ctx, roomID)
	}
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("ws subscribe")
		return proto.Outbound{Type: proto.OutboundTypeError, Topic: topic, Error: wsError(err)}
	}

	client.mu.Lock()
	client.subs[topic] = sub
	client.mu.Unlock()

	client.wg.Add(1)
	go client.forward(ctx, topic, sub)

	log.Debug().Str("topic", topic).Msg("ws subscribed")
	return proto.Outbound{Type: proto.OutboundTypeSubscribed, Topic: topic}
}

// forward copies subscription events to the outbound queue until the
// subscription is closed.
func (c *wsConn) forward(ctx context.Context, topic string, sub *realtime.Subscription) {
	defer c.wg.Done()
	for ev := range sub.Events() {
		c.send(ctx, outboundFromEvent(topic, ev))
	}
}

func (c *wsConn) send(ctx context.Context, frame proto.Outbound) {
	select {
	case c.out <- frame:
	case <-ctx.Done():
	}
}

func (c *wsConn) unsubscribe(topic string) proto.Outbound {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()

	if ok {
		sub.Close()
	}
	return proto.Outbound{Type: proto.OutboundTypeUnsubscribed, Topic: topic}
}

func (c *wsConn) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*realtime.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	c.wg.Wait()
}
