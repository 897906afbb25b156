package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/wasta-market/wasta-chat/internal/chatsync"
	"github.com/wasta-market/wasta-chat/internal/proto"
	"github.com/wasta-market/wasta-chat/internal/realtime"
)

const (
	subscriptionBuffer = 64
	dialTimeout        = 10 * time.Second
	unsubscribeTimeout = 2 * time.Second
)

// ErrConnectionLost is returned to subscribe calls pending when the
// WebSocket connection drops.
var ErrConnectionLost = errors.New("realtime connection lost")

type subscription struct {
	topic  string
	client *Client
	events chan realtime.Event
	closed bool // guarded by client.wsMu
	once   sync.Once
}

func (s *subscription) Events() <-chan realtime.Event {
	return s.events
}

func (s *subscription) Close() {
	s.once.Do(func() { s.client.drop(s) })
}

func (c *Client) SubscribeRoom(ctx context.Context, roomID int64) (chatsync.Subscription, error) {
	return c.subscribe(ctx, proto.RoomTopic(roomID))
}

func (c *Client) SubscribeUser(ctx context.Context, _ int64) (chatsync.Subscription, error) {
	return c.subscribe(ctx, proto.TopicUser)
}

// Close drops the realtime connection and ends every subscription.
func (c *Client) Close() error {
	c.wsMu.Lock()
	conn := c.conn
	c.conn = nil
	c.resetLocked()
	c.wsMu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Client) subscribe(ctx context.Context, topic string) (chatsync.Subscription, error) {
	c.wsMu.Lock()
	conn, err := c.connectLocked(ctx)
	if err != nil {
		c.wsMu.Unlock()
		return nil, err
	}
	if _, pending := c.acks[topic]; pending {
		c.wsMu.Unlock()
		return nil, fmt.Errorf("subscribe %s: already pending", topic)
	}
	ack := make(chan *proto.Error, 1)
	c.acks[topic] = ack
	sub := &subscription{topic: topic, client: c, events: make(chan realtime.Event, subscriptionBuffer)}
	// Registered before the ack so events racing it are routed.
	c.subs[topic] = sub
	c.wsMu.Unlock()

	frame, err := subscribeFrame(proto.InboundTypeSubscribe, topic)
	if err == nil {
		err = wsjson.Write(ctx, conn, frame)
	}
	if err == nil {
		select {
		case perr := <-ack:
			if perr != nil {
				err = perr
			}
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		c.wsMu.Lock()
		if c.acks[topic] == ack {
			delete(c.acks, topic)
		}
		c.wsMu.Unlock()
		sub.once.Do(func() { c.discard(sub) })
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.log.Debug().Str("topic", topic).Msg("subscribed")
	return sub, nil
}

// connectLocked dials the realtime endpoint once. Callers hold wsMu.
func (c *Client) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	wsURL, err := c.wsURL()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame proto.Frame
		if err := wsjson.Read(context.Background(), conn, &frame); err != nil {
			c.connLost(conn, err)
			return
		}

		switch frame.Type {
		case proto.OutboundTypeSubscribed:
			c.ack(frame.Topic, nil)
		case proto.OutboundTypeError:
			if frame.Error == nil {
				frame.Error = &proto.Error{Code: proto.ErrCodeInternal, Msg: "unknown error"}
			}
			if frame.Topic == "" || !c.ack(frame.Topic, frame.Error) {
				c.log.Warn().Str("code", frame.Error.Code).Str("msg", frame.Error.Msg).Msg("realtime error frame")
			}
		case proto.OutboundTypeEvent:
			var msg proto.Message
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				c.log.Warn().Err(err).Msg("decode realtime event")
				continue
			}
			c.dispatch(frame.Topic, realtime.Event{Kind: realtime.EventKind(frame.Event), Message: msg.Store()})
		}
	}
}

func (c *Client) ack(topic string, perr *proto.Error) bool {
	c.wsMu.Lock()
	ch, ok := c.acks[topic]
	delete(c.acks, topic)
	c.wsMu.Unlock()

	if ok {
		ch <- perr
	}
	return ok
}

func (c *Client) dispatch(topic string, ev realtime.Event) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	sub, ok := c.subs[topic]
	if !ok || sub.closed {
		return
	}
	select {
	case sub.events <- ev:
	default:
		c.log.Warn().Str("topic", topic).Int64("message_id", ev.Message.ID).Msg("realtime event dropped, slow consumer")
	}
}

func (c *Client) connLost(conn *websocket.Conn, err error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.conn != conn {
		return // closed on purpose
	}
	c.conn = nil
	c.resetLocked()
	c.log.Warn().Err(err).Msg("realtime connection lost")
}

// resetLocked ends every subscription and fails pending subscribe calls.
func (c *Client) resetLocked() {
	for topic, sub := range c.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.events)
		}
		delete(c.subs, topic)
	}
	for topic, ch := range c.acks {
		ch <- &proto.Error{Code: proto.ErrCodeInternal, Msg: ErrConnectionLost.Error()}
		delete(c.acks, topic)
	}
}

// drop ends sub and tells the server unless another subscription took over
// the topic.
func (c *Client) drop(sub *subscription) {
	if conn, owned := c.release(sub); owned && conn != nil {
		frame, err := subscribeFrame(proto.InboundTypeUnsubscribe, sub.topic)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			c.log.Debug().Err(err).Str("topic", sub.topic).Msg("send unsubscribe")
		}
	}
}

func (c *Client) discard(sub *subscription) {
	c.release(sub)
}

func (c *Client) release(sub *subscription) (*websocket.Conn, bool) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	owned := c.subs[sub.topic] == sub
	if owned {
		delete(c.subs, sub.topic)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
	return c.conn, owned
}

func subscribeFrame(kind, topic string) (proto.Inbound, error) {
	data, err := json.Marshal(proto.SubscribeData{Topic: topic})
	if err != nil {
		return proto.Inbound{}, err
	}
	return proto.Inbound{Type: kind, Data: data}, nil
}
