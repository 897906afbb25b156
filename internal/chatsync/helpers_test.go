package chatsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wasta-market/wasta-chat/internal/backend/local"
	"github.com/wasta-market/wasta-chat/internal/chatsync"
	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/service/chat"
	"github.com/wasta-market/wasta-chat/internal/store"
	"github.com/wasta-market/wasta-chat/internal/store/sqlite"
)

type env struct {
	st   *sqlite.SQLiteStore
	hub  *realtime.Hub
	chat *chat.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.ApplySchema)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := realtime.NewHub(64, nil)
	go hub.Run(ctx)

	return &env{st: st, hub: hub, chat: chat.New(st, hub, nil)}
}

func (e *env) user(t *testing.T, name string, role store.Role) *store.User {
	t.Helper()
	u, err := e.st.CreateUser(context.Background(), &store.User{Username: name, DisplayName: name, Role: role, PasswordHash: "x"})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func (e *env) room(t *testing.T, client, freelancer *store.User) *store.Room {
	t.Helper()
	r, err := e.chat.StartConversation(context.Background(), client.ID, freelancer.ID, nil)
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	return r
}

// seed stores a message with an explicit send time, bypassing realtime.
func (e *env) seed(t *testing.T, room *store.Room, sender *store.User, text string, at time.Time) *store.Message {
	t.Helper()
	msg := &store.Message{RoomID: room.ID, SenderID: sender.ID, Text: text, SentAt: at.UTC()}
	if err := e.st.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("save message: %v", err)
	}
	return msg
}

func (e *env) send(t *testing.T, room *store.Room, sender *store.User, text string) *store.Message {
	t.Helper()
	msg, err := e.chat.SendMessage(context.Background(), room.ID, sender.ID, text)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	return msg
}

func (e *env) startSync(t *testing.T, u *store.User, opts chatsync.Options) *chatsync.Sync {
	t.Helper()
	s := chatsync.New(local.New(e.chat, e.hub, u.ID), chatsync.Session{UserID: u.ID, Username: u.Username}, opts)
	t.Cleanup(s.Close)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start sync: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func summary(t *testing.T, s *chatsync.Sync, roomID int64) chatsync.RoomSummary {
	t.Helper()
	for _, r := range s.Rooms() {
		if r.ID == roomID {
			return r
		}
	}
	t.Fatalf("room %d not in directory", roomID)
	return chatsync.RoomSummary{}
}

func countText(msgs []store.Message, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Text == text {
			n++
		}
	}
	return n
}

// fakeBackend serves canned data and hands out subscriptions whose events
// the test pushes by hand.
type fakeBackend struct {
	mu sync.Mutex

	rooms       []store.RoomDetail
	latest      map[int64]*store.Message
	unread      map[int64]int
	history     map[int64][]*store.Message
	inserted    []store.Message
	listRoomErr error
	unreadErr   error
	listMsgErr  error
	markReadErr error
	markRead    []int64
	// listGate, when set, holds the next ListRooms after it has taken its
	// snapshot; listEntered is closed once it is waiting.
	listGate    chan struct{}
	listEntered chan struct{}

	userSub  *fakeSub
	roomSubs map[int64]*fakeSub
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		latest:   make(map[int64]*store.Message),
		unread:   make(map[int64]int),
		history:  make(map[int64][]*store.Message),
		roomSubs: make(map[int64]*fakeSub),
	}
}

func (f *fakeBackend) ListRooms(context.Context, int64) ([]store.RoomDetail, error) {
	f.mu.Lock()
	if f.listRoomErr != nil {
		f.mu.Unlock()
		return nil, f.listRoomErr
	}
	rooms := append([]store.RoomDetail(nil), f.rooms...)
	gate, entered := f.listGate, f.listEntered
	f.listGate, f.listEntered = nil, nil
	f.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	return rooms, nil
}

// holdListRooms makes the next ListRooms wait for release.
func (f *fakeBackend) holdListRooms() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listGate = make(chan struct{})
	f.listEntered = make(chan struct{})
	gate := f.listGate
	return f.listEntered, func() { close(gate) }
}

func (f *fakeBackend) LatestMessage(_ context.Context, roomID int64) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[roomID], nil
}

func (f *fakeBackend) CountUnread(_ context.Context, roomID, _ int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreadErr != nil {
		return 0, f.unreadErr
	}
	return f.unread[roomID], nil
}

func (f *fakeBackend) ListMessages(_ context.Context, roomID int64, _ int, _ *int64) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listMsgErr != nil {
		return nil, f.listMsgErr
	}
	return f.history[roomID], nil
}

func (f *fakeBackend) MarkRead(_ context.Context, roomID, _ int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markReadErr != nil {
		return 0, f.markReadErr
	}
	f.markRead = append(f.markRead, roomID)
	return 1, nil
}

func (f *fakeBackend) InsertMessage(_ context.Context, roomID, senderID int64, text string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := store.Message{ID: int64(1000 + len(f.inserted)), RoomID: roomID, SenderID: senderID, Text: text}
	f.inserted = append(f.inserted, msg)
	return &msg, nil
}

func (f *fakeBackend) SubscribeRoom(_ context.Context, roomID int64) (chatsync.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := newFakeSub()
	f.roomSubs[roomID] = sub
	return sub, nil
}

func (f *fakeBackend) SubscribeUser(context.Context, int64) (chatsync.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userSub = newFakeSub()
	return f.userSub, nil
}

func (f *fakeBackend) roomSub(roomID int64) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomSubs[roomID]
}

type fakeSub struct {
	mu     sync.Mutex
	ch     chan realtime.Event
	closed bool
	// gate, when set, makes Close wait for it, like a remote unsubscribe
	// stuck on the network.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{ch: make(chan realtime.Event, 16)}
}

func (s *fakeSub) Events() <-chan realtime.Event { return s.ch }

func (s *fakeSub) Close() {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.gate, s.entered = nil, nil
	s.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *fakeSub) push(msg store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- realtime.Event{Kind: realtime.EventMessageInserted, Message: msg}
	}
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// holdClose makes the next Close wait for release.
func (s *fakeSub) holdClose() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	s.entered = make(chan struct{})
	gate := s.gate
	return s.entered, func() { close(gate) }
}
