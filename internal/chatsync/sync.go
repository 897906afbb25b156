package chatsync

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/store"
)

const defaultFetchConcurrency = 8

// Options tunes a Sync.
type Options struct {
	// PageSize > 0 loads only the newest PageSize messages when a room is
	// selected; LoadOlder extends the list backward. Zero loads the whole
	// history.
	PageSize int
	// FetchConcurrency bounds the per-room fetches of LoadRooms.
	FetchConcurrency int
	Logger           *zerolog.Logger
}

// Sync holds the in-memory room directory and message stream of one session.
type Sync struct {
	backend Backend
	session Session
	opts    Options
	log     *zerolog.Logger

	mu              sync.Mutex
	rooms           []RoomSummary
	messages        []store.Message
	messageIDs      map[int64]struct{}
	pending         []store.Message
	historyLoaded   bool
	selected        int64
	roomGen         uint64
	roomsLoading    bool
	messagesLoading bool
	hasOlder        bool
	// watermark is the highest message id already applied to each room's
	// summary. Both subscriptions see inserts into the open room; the
	// watermark makes the second delivery a no-op.
	watermark map[int64]int64
	// unlisted holds inserts for rooms missing from the directory while a
	// directory load is in flight; they are replayed once it lands.
	unlisted []store.Message
	roomSub  Subscription
	userSub  Subscription
	started  bool
	closed   bool
	updates  chan struct{}
	wg       sync.WaitGroup

	// selectMu serializes SelectRoom: overlapping selections of one room
	// would otherwise race each other's room subscription.
	selectMu sync.Mutex
}

// New creates a Sync for session over backend.
func New(backend Backend, session Session, opts Options) *Sync {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = defaultFetchConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Int64("user_id", session.UserID).Logger()

	return &Sync{
		backend:    backend,
		session:    session,
		opts:       opts,
		log:        &l,
		messageIDs: make(map[int64]struct{}),
		watermark:  make(map[int64]int64),
		updates:    make(chan struct{}, 1),
	}
}

// Start opens the user-scoped subscription and loads the room directory.
// The subscription stays open until Close.
func (s *Sync) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	sub, err := s.backend.SubscribeUser(ctx, s.session.UserID)
	if err != nil {
		s.log.Error().Err(err).Msg("subscribe user inserts")
		return fmt.Errorf("subscribe user: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return ErrClosed
	}
	s.userSub = sub
	s.wg.Add(1)
	go s.drain(sub, realtime.ScopeUser, 0)
	s.mu.Unlock()

	return s.LoadRooms(ctx)
}

// LoadRooms fetches the session user's rooms with their latest message and
// unread count and replaces the directory, newest activity first. On failure
// the previous directory is kept.
func (s *Sync) LoadRooms(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.roomsLoading = true
	s.notifyLocked()
	s.mu.Unlock()

	rooms, err := s.fetchRooms(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomsLoading = false
	unlisted := s.unlisted
	s.unlisted = nil
	if err != nil {
		s.notifyLocked()
		s.log.Error().Err(err).Msg("load rooms")
		return err
	}
	for i, r := range rooms {
		// An insert applied while the fetch was in flight is newer than
		// what the fetch saw.
		if j := s.roomIndexLocked(r.ID); j >= 0 {
			if prev := s.rooms[j].LastMessage; prev != nil && (r.LastMessage == nil || prev.ID > r.LastMessage.ID) {
				rooms[i].LastMessage = prev
				rooms[i].Unread = max(r.Unread, s.rooms[j].Unread)
			}
		}
		if last := rooms[i].LastMessage; last != nil && last.ID > s.watermark[r.ID] {
			s.watermark[r.ID] = last.ID
		}
	}
	sortRooms(rooms)
	s.rooms = rooms
	for _, m := range unlisted {
		s.applySummaryLocked(m)
	}
	s.notifyLocked()
	s.log.Debug().Int("rooms", len(rooms)).Msg("rooms loaded")
	return nil
}

func (s *Sync) fetchRooms(ctx context.Context) ([]RoomSummary, error) {
	details, err := s.backend.ListRooms(ctx, s.session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	summaries := make([]RoomSummary, len(details))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchConcurrency)
	for i, d := range details {
		summaries[i].RoomDetail = d
		g.Go(func() error {
			last, err := s.backend.LatestMessage(gctx, d.ID)
			if err != nil {
				return fmt.Errorf("latest message of room %d: %w", d.ID, err)
			}
			summaries[i].LastMessage = last
			return nil
		})
		g.Go(func() error {
			n, err := s.backend.CountUnread(gctx, d.ID, s.session.UserID)
			if err != nil {
				return fmt.Errorf("count unread of room %d: %w", d.ID, err)
			}
			summaries[i].Unread = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortRooms(summaries)
	return summaries, nil
}

// SelectRoom opens roomID: the previous room subscription is closed, the
// history is fetched, the other participant's messages are marked read and
// a room subscription is opened. roomID 0 clears the selection.
func (s *Sync) SelectRoom(ctx context.Context, roomID int64) error {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.roomSub
	s.roomSub = nil
	s.roomGen++
	gen := s.roomGen
	s.selected = roomID
	s.pending = nil
	s.historyLoaded = false
	if roomID == 0 {
		s.resetMessagesLocked(nil)
		s.hasOlder = false
		s.messagesLoading = false
		s.notifyLocked()
		s.mu.Unlock()
		closeSub(prev)
		return nil
	}
	s.messagesLoading = true
	s.notifyLocked()
	s.mu.Unlock()

	// Closed before the new subscription opens so a remote unsubscribe for
	// the same topic cannot overtake the subscribe.
	closeSub(prev)

	log := s.log.With().Int64("room_id", roomID).Logger()

	// Subscribe before fetching so inserts racing the fetch are not lost;
	// they are parked in pending and merged once the history arrives.
	sub, err := s.backend.SubscribeRoom(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Msg("subscribe room inserts")
	}
	s.mu.Lock()
	if sub != nil {
		if gen != s.roomGen || s.closed {
			s.mu.Unlock()
			sub.Close()
			return nil
		}
		s.roomSub = sub
		s.wg.Add(1)
		go s.drain(sub, realtime.ScopeRoom, gen)
	}
	s.mu.Unlock()

	msgs, err := s.backend.ListMessages(ctx, roomID, s.opts.PageSize, nil)

	s.mu.Lock()
	if gen != s.roomGen {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		// The previous list stays visible; nothing feeds it from roomID.
		failed := s.roomSub
		s.roomSub = nil
		s.roomGen++
		s.pending = nil
		s.hasOlder = false
		s.messagesLoading = false
		s.notifyLocked()
		s.mu.Unlock()
		closeSub(failed)
		log.Error().Err(err).Msg("load messages")
		return fmt.Errorf("list messages: %w", err)
	}
	s.resetMessagesLocked(msgs)
	for _, m := range s.pending {
		s.appendMessageLocked(m)
	}
	s.pending = nil
	s.historyLoaded = true
	s.hasOlder = s.opts.PageSize > 0 && len(msgs) == s.opts.PageSize
	s.messagesLoading = false
	s.notifyLocked()
	s.mu.Unlock()

	updated, err := s.backend.MarkRead(ctx, roomID, s.session.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("mark room read")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.roomGen {
		return nil
	}
	if err == nil {
		for i := range s.messages {
			if s.messages[i].SenderID != s.session.UserID {
				s.messages[i].IsRead = true
			}
		}
	}
	if i := s.roomIndexLocked(roomID); i >= 0 {
		s.rooms[i].Unread = 0
	}
	s.notifyLocked()
	log.Debug().Int("messages", len(s.messages)).Int64("marked_read", updated).Msg("room opened")
	return nil
}

// LoadOlder prepends the page of messages preceding the oldest loaded one.
// It is a no-op unless Options.PageSize is set and older messages remain.
func (s *Sync) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.selected == 0 || !s.hasOlder || s.messagesLoading || len(s.messages) == 0 {
		s.mu.Unlock()
		return nil
	}
	roomID, gen := s.selected, s.roomGen
	before := s.messages[0].ID
	s.messagesLoading = true
	s.notifyLocked()
	s.mu.Unlock()

	msgs, err := s.backend.ListMessages(ctx, roomID, s.opts.PageSize, &before)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.roomGen {
		return nil
	}
	s.messagesLoading = false
	if err != nil {
		s.notifyLocked()
		s.log.Error().Err(err).Int64("room_id", roomID).Msg("load older messages")
		return fmt.Errorf("list older messages: %w", err)
	}

	older := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := s.messageIDs[m.ID]; ok {
			continue
		}
		s.messageIDs[m.ID] = struct{}{}
		older = append(older, *m)
	}
	s.messages = append(older, s.messages...)
	s.hasOlder = len(msgs) == s.opts.PageSize
	s.notifyLocked()
	return nil
}

// SendMessage inserts text into the selected room as the session user. The
// message reaches the lists through the realtime bridge.
func (s *Sync) SendMessage(ctx context.Context, text string) (*store.Message, error) {
	s.mu.Lock()
	closed, roomID := s.closed, s.selected
	s.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if roomID == 0 {
		return nil, ErrNoRoomSelected
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	msg, err := s.backend.InsertMessage(ctx, roomID, s.session.UserID, text)
	if err != nil {
		s.log.Error().Err(err).Int64("room_id", roomID).Msg("send message")
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Close ends both subscriptions and waits for their goroutines. The Updates
// channel is closed.
func (s *Sync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	roomSub, userSub := s.roomSub, s.userSub
	s.roomSub, s.userSub = nil, nil
	close(s.updates)
	s.mu.Unlock()

	// A remote Close may block on the network; never under s.mu.
	closeSub(roomSub)
	closeSub(userSub)
	s.wg.Wait()
}

// Updates signals that rooms, messages or loading flags changed. Signals
// are coalesced; read the state through the accessors.
func (s *Sync) Updates() <-chan struct{} {
	return s.updates
}

// UserID returns the session user id.
func (s *Sync) UserID() int64 {
	return s.session.UserID
}

// Rooms returns a copy of the room directory.
func (s *Sync) Rooms() []RoomSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RoomSummary, len(s.rooms))
	for i, r := range s.rooms {
		if r.LastMessage != nil {
			last := *r.LastMessage
			r.LastMessage = &last
		}
		out[i] = r
	}
	return out
}

// Messages returns a copy of the selected room's messages.
func (s *Sync) Messages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Selected returns the open room id, or 0.
func (s *Sync) Selected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// RoomsLoading reports whether a directory load is in flight.
func (s *Sync) RoomsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomsLoading
}

// MessagesLoading reports whether a message fetch is in flight.
func (s *Sync) MessagesLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLoading
}

// HasOlder reports whether LoadOlder may return more messages.
func (s *Sync) HasOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOlder
}

func (s *Sync) drain(sub Subscription, scope realtime.Scope, gen uint64) {
	defer s.wg.Done()

	for ev := range sub.Events() {
		if ev.Kind != realtime.EventMessageInserted {
			continue
		}
		s.apply(ev.Message, scope, gen)
	}

	s.mu.Lock()
	intended := s.closed || (scope == realtime.ScopeRoom && gen != s.roomGen)
	s.mu.Unlock()
	if !intended {
		s.log.Warn().Str("scope", string(scope)).Msg("realtime subscription lost")
	}
}

func (s *Sync) apply(msg store.Message, scope realtime.Scope, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	changed := false
	if scope == realtime.ScopeRoom {
		// Stale events of a room that was switched away from.
		if gen != s.roomGen || msg.RoomID != s.selected {
			return
		}
		if !s.historyLoaded {
			s.pending = append(s.pending, msg)
		} else {
			changed = s.appendMessageLocked(msg)
		}
	}
	if s.applySummaryLocked(msg) {
		changed = true
	}
	if changed {
		s.notifyLocked()
	}
}

func (s *Sync) appendMessageLocked(msg store.Message) bool {
	if _, ok := s.messageIDs[msg.ID]; ok {
		return false
	}
	s.messageIDs[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	return true
}

func (s *Sync) applySummaryLocked(msg store.Message) bool {
	i := s.roomIndexLocked(msg.RoomID)
	if i < 0 {
		if s.roomsLoading {
			s.unlisted = append(s.unlisted, msg)
		}
		return false
	}
	if msg.ID <= s.watermark[msg.RoomID] {
		return false
	}
	s.watermark[msg.RoomID] = msg.ID
	last := msg
	s.rooms[i].LastMessage = &last
	if msg.RoomID != s.selected && msg.SenderID != s.session.UserID {
		s.rooms[i].Unread++
	}
	sortRooms(s.rooms)
	return true
}

func closeSub(sub Subscription) {
	if sub != nil {
		sub.Close()
	}
}

func (s *Sync) resetMessagesLocked(msgs []*store.Message) {
	s.messages = make([]store.Message, 0, len(msgs))
	s.messageIDs = make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		s.appendMessageLocked(*m)
	}
}

func (s *Sync) roomIndexLocked(roomID int64) int {
	return slices.IndexFunc(s.rooms, func(r RoomSummary) bool { return r.ID == roomID })
}

func (s *Sync) notifyLocked() {
	if s.closed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// sortRooms orders rooms by latest activity, newest first. Activity is the
// last message time, or the creation time of a room without messages.
func sortRooms(rooms []RoomSummary) {
	slices.SortStableFunc(rooms, func(a, b RoomSummary) int {
		return activity(b).Compare(activity(a))
	})
}

func activity(r RoomSummary) time.Time {
	if r.LastMessage != nil {
		return r.LastMessage.SentAt
	}
	return r.CreatedAt
}
