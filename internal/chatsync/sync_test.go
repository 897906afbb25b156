package chatsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wasta-market/wasta-chat/internal/chatsync"
	"github.com/wasta-market/wasta-chat/internal/store"
)

func TestLoadRoomsMembershipAndOrdering(t *testing.T) {
	e := newEnv(t)
	rana := e.user(t, "rana", store.RoleClient)
	sami := e.user(t, "sami", store.RoleClient)
	karim := e.user(t, "karim", store.RoleFreelancer)
	nour := e.user(t, "nour", store.RoleFreelancer)
	maya := e.user(t, "maya", store.RoleFreelancer)

	older := e.room(t, rana, karim)
	newer := e.room(t, rana, nour)
	foreign := e.room(t, sami, karim)
	empty := e.room(t, rana, maya)

	now := time.Now()
	e.seed(t, older, karim, "first offer", now.Add(-2*time.Hour))
	e.seed(t, older, rana, "too expensive", now.Add(-110*time.Minute))
	e.seed(t, older, karim, "final offer", now.Add(-100*time.Minute))
	e.seed(t, newer, nour, "done!", now.Add(-time.Hour))
	e.seed(t, foreign, karim, "not for rana", now.Add(-time.Minute))

	s := e.startSync(t, rana, chatsync.Options{})

	rooms := s.Rooms()
	if len(rooms) != 3 {
		t.Fatalf("expected 3 rooms, got %d", len(rooms))
	}
	// The empty room was created after every seeded message, so it sorts first.
	want := []int64{empty.ID, newer.ID, older.ID}
	for i, r := range rooms {
		if r.ID != want[i] {
			t.Fatalf("position %d: expected room %d, got %d", i, want[i], r.ID)
		}
		if r.ID == foreign.ID {
			t.Fatalf("directory contains a room rana is not part of")
		}
	}

	if rooms[0].LastMessage != nil || rooms[0].Unread != 0 {
		t.Errorf("empty room should have no preview and no unread: %+v", rooms[0])
	}
	if rooms[2].LastMessage == nil || rooms[2].LastMessage.Text != "final offer" {
		t.Errorf("unexpected preview: %+v", rooms[2].LastMessage)
	}
	if rooms[2].Unread != 2 {
		t.Errorf("expected 2 unread from karim, got %d", rooms[2].Unread)
	}
	if got := rooms[2].Counterpart(rana.ID).DisplayName; got != "karim" {
		t.Errorf("expected counterpart karim, got %q", got)
	}
	if s.RoomsLoading() {
		t.Errorf("rooms loading flag should be cleared")
	}
}

func TestSelectRoomMarksRead(t *testing.T) {
	e := newEnv(t)
	rana := e.user(t, "rana", store.RoleClient)
	karim := e.user(t, "karim", store.RoleFreelancer)
	room := e.room(t, rana, karim)

	now := time.Now()
	e.seed(t, room, karim, "one", now.Add(-3*time.Minute))
	e.seed(t, room, rana, "two", now.Add(-2*time.Minute))
	e.seed(t, room, karim, "three", now.Add(-time.Minute))

	s := e.startSync(t, rana, chatsync.Options{})
	if got := summary(t, s, room.ID).Unread; got != 2 {
		t.Fatalf("expected 2 unread before opening, got %d", got)
	}

	if err := s.SelectRoom(context.Background(), room.ID); err != nil {
		t.Fatalf("select room: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 3 || msgs[0].Text != "one" || msgs[2].Text != "three" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	for _, m := range msgs {
		if m.SenderID == karim.ID && !m.IsRead {
			t.Errorf("message %q from karim should be read in memory", m.Text)
		}
		if m.SenderID == rana.ID && m.IsRead {
			t.Errorf("rana's own message must stay unread")
		}
	}
	if got := summary(t, s, room.ID).Unread; got != 0 {
		t.Fatalf("expected unread 0 after opening, got %d", got)
	}
	n, err := e.st.CountUnread(context.Background(), room.ID, rana.ID)
	if err != nil || n != 0 {
		t.Fatalf("expected no unread rows for rana, got %d (%v)", n, err)
	}
	if s.Selected() != room.ID || s.MessagesLoading() {
		t.Fatalf("unexpected selection state")
	}
}

func TestSendMessageWritesOneRow(t *testing.T) {
	e := newEnv(t)
	rana := e.user(t, "rana", store.RoleClient)
	karim := e.user(t, "karim", store.RoleFreelancer)
	room := e.room(t, rana, karim)

	s := e.startSync(t, rana, chatsync.Options{})
	ctx := context.Background()

	if _, err := s.SendMessage(ctx, "hello"); !errors.Is(err, chatsync.ErrNoRoomSelected) {
		t.Fatalf("expected ErrNoRoomSelected, got %v", err)
	}
	if err := s.SelectRoom(ctx, room.ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := s.SendMessage(ctx, "   "); !errors.Is(err, chatsync.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := s.SendMessage(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	rows, err := e.st.ListMessages(ctx, room.ID, 0, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
	row := rows[0]
	if row.RoomID != room.ID || row.SenderID != rana.ID || row.Text != "hello" || row.IsRead {
		t.Fatalf("unexpected row: %+v", row)
	}

	waitFor(t, "own message in stream", func() bool { return countText(s.Messages(), "hello") == 1 })
	if got := summary(t, s, room.ID); got.Unread != 0 || got.LastMessage == nil || got.LastMessage.Text != "hello" {
		t.Fatalf("unexpected summary after send: %+v", got)
	}
}

func TestInsertIntoClosedRoomIncrementsUnreadOnce(t *testing.T) {
	e := newEnv(t)
	rana := e.user(t, "rana", store.RoleClient)
	karim := e.user(t, "karim", store.RoleFreelancer)
	room := e.room(t, rana, karim)

	b := e.startSync(t, karim, chatsync.Options{})
	before := summary(t, b, room.ID).Unread

	e.send(t, room, rana, "hi")

	waitFor(t, "unread increment", func() bool { return summary(t, b, room.ID).Unread == before+1 })
	time.Sleep(50 * time.Millisecond)

	got := summary(t, b, room.ID)
	if got.Unread != before+1 {
		t.Fatalf("expected unread %d, got %d", before+1, got.Unread)
	}
	if got.LastMessage == nil || got.LastMessage.Text != "hi" {
		t.Fatalf("expected preview to be updated, got %+v", got.LastMessage)
	}
	if len(b.Messages()) != 0 {
		t.Fatalf("closed room inserts must not reach the message list")
	}
}

func TestInsertIntoOpenRoomAppendsWithoutDoubleCount(t *testing.T) {
	e := newEnv(t)
	rana := e.user(t, "rana", store.RoleClient)
	karim := e.user(t, "karim", store.RoleFreelancer)
	room := e.room(t, rana, karim)

	b := e.startSync(t, karim, chatsync.Options{})
	if err := b.SelectRoom(context.Background(), room.ID); err != nil {
		t.Fatalf("select: %v", err)
	}

	e.send(t, room, rana, "hi")

	waitFor(t, "appended message", func() bool { return countText(b.Messages(), "hi") == 1 })
	time.Sleep(50 * time.Millisecond)

	if n := countText(b.Messages(), "hi"); n != 1 {
		t.Fatalf("expected the message once, got %d", n)
	}
	got := summary(t, b, room.ID)
	if got.Unread != 0 {
		t.Fatalf("open room unread must stay 0, got %d", got.Unread)
	}
	if got.LastMessage == nil || got.LastMessage.Text != "hi" {
		t.Fatalf("expected preview to be updated, got %+v", got.LastMessage)
	}
}

func TestSwitchingRoomsStopsOldDelivery(t *testing.T) {
	e := newEnv(t)
	rana := e.user(t, "rana", store.RoleClient)
	karim := e.user(t, "karim", store.RoleFreelancer)
	nour := e.user(t, "nour", store.RoleFreelancer)
	first := e.room(t, rana, karim)
	second := e.room(t, rana, nour)

	s := e.startSync(t, rana, chatsync.Options{})
	ctx := context.Background()
	if err := s.SelectRoom(ctx, first.ID); err != nil {
		t.Fatalf("select first: %v", err)
	}
	if err := s.SelectRoom(ctx, second.ID); err != nil {
		t.Fatalf("select second: %v", err)
	}

	e.send(t, first, karim, "are you there?")

	waitFor(t, "unread on the closed room", func() bool { return summary(t, s, first.ID).Unread == 1 })
	if n := countText(s.Messages(), "are you there?"); n != 0 {
		t.Fatalf("old room message leaked into the open room's stream")
	}

	e.send(t, second, nour, "ready")
	waitFor(t, "message in open room", func() bool { return countText(s.Messages(), "ready") == 1 })
	if got := summary(t, s, second.ID).Unread; got != 0 {
		t.Fatalf("open room unread must stay 0, got %d", got)
	}

	// The room with the newest activity moves to the top.
	if top := s.Rooms()[0].ID; top != second.ID {
		t.Fatalf("expected room %d first, got %d", second.ID, top)
	}
}

func TestLoadOlderPages(t *testing.T) {
	e := newEnv(t)
	rana := e.user(t, "rana", store.RoleClient)
	karim := e.user(t, "karim", store.RoleFreelancer)
	room := e.room(t, rana, karim)

	base := time.Now().Add(-time.Hour)
	for i, text := range []string{"a", "b", "c", "d", "e"} {
		e.seed(t, room, karim, text, base.Add(time.Duration(i)*time.Minute))
	}

	s := e.startSync(t, rana, chatsync.Options{PageSize: 2})
	ctx := context.Background()
	if err := s.SelectRoom(ctx, room.ID); err != nil {
		t.Fatalf("select: %v", err)
	}

	texts := func() string {
		out := ""
		for _, m := range s.Messages() {
			out += m.Text
		}
		return out
	}

	if got := texts(); got != "de" || !s.HasOlder() {
		t.Fatalf("expected latest page de with more available, got %q", got)
	}
	if err := s.LoadOlder(ctx); err != nil {
		t.Fatalf("load older: %v", err)
	}
	if got := texts(); got != "bcde" {
		t.Fatalf("expected bcde, got %q", got)
	}
	if err := s.LoadOlder(ctx); err != nil {
		t.Fatalf("load older: %v", err)
	}
	if got := texts(); got != "abcde" || s.HasOlder() {
		t.Fatalf("expected full history without more pages, got %q (older=%v)", got, s.HasOlder())
	}
	// Exhausted history is a no-op.
	if err := s.LoadOlder(ctx); err != nil || texts() != "abcde" {
		t.Fatalf("expected no-op, got %q (%v)", texts(), err)
	}
}

func TestCloseStopsUpdates(t *testing.T) {
	e := newEnv(t)
	rana := e.user(t, "rana", store.RoleClient)
	karim := e.user(t, "karim", store.RoleFreelancer)
	e.room(t, rana, karim)

	s := e.startSync(t, rana, chatsync.Options{})
	s.Close()
	s.Close()

	for range s.Updates() {
		// drain the coalesced signal left before Close
	}
	if err := s.LoadRooms(context.Background()); !errors.Is(err, chatsync.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, chatsync.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
