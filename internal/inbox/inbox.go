// ABOUTME: Conversation store holding conversations, message lists and unread counters
// ABOUTME: Wraps the reducer with repository round-trips, load tracking and change listeners

package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/store"
)

var (
	// ErrStale wraps a repository failure. The accompanying result is the
	// last known state.
	ErrStale = errors.New("stale data")

	// ErrSuperseded is returned by a load that a newer load replaced.
	ErrSuperseded = errors.New("load superseded")

	// ErrNoUser is returned when a Store is created without a user ID.
	ErrNoUser = errors.New("user id required")
)

// Options configures a Store.
type Options struct {
	UserID   string
	PageSize int // messages per fetch, store.DefaultPageSize when zero
}

// Snapshot is a consistent copy of the store's summary state.
type Snapshot struct {
	Conversations        []chat.Conversation
	UnreadCount          int
	LoadingConversations bool
}

// Store is the client-side source of truth for one user's conversations.
// Every mutation goes through reduce under one lock, so the global unread
// count always equals the sum of the per-conversation counts.
type Store struct {
	repo     store.Repository
	userID   string
	pageSize int
	logger   *slog.Logger

	mu           sync.Mutex
	st           *state
	convGen      uint64
	convLoading  int
	msgGen       map[string]uint64
	msgLoading   map[string]int
	msgCancel    map[string]context.CancelFunc
	listeners    map[int]func(Snapshot)
	nextListener int
	outbox       []Snapshot // delivered in order by whichever caller is draining
	draining     bool
}

// New creates a Store for opts.UserID over repo. Pass nil logger for default.
func New(repo store.Repository, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.UserID == "" {
		return nil, ErrNoUser
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = store.DefaultPageSize
	}
	return &Store{
		repo:       repo,
		userID:     opts.UserID,
		pageSize:   opts.PageSize,
		logger:     logger.With("component", "inbox", "user_id", opts.UserID),
		st:         newState(opts.UserID),
		msgGen:     make(map[string]uint64),
		msgLoading: make(map[string]int),
		msgCancel:  make(map[string]context.CancelFunc),
		listeners:  make(map[int]func(Snapshot)),
	}, nil
}

// UserID returns the user the store belongs to.
func (s *Store) UserID() string {
	return s.userID
}

// LoadConversations fetches the conversation list and replaces the local
// one. On failure the previous list is kept and returned with an error
// wrapping ErrStale.
func (s *Store) LoadConversations(ctx context.Context) ([]chat.Conversation, error) {
	s.mu.Lock()
	s.convGen++
	gen := s.convGen
	s.convLoading++
	s.commitLocked()

	convs, err := s.repo.FetchConversations(ctx, s.userID)

	s.mu.Lock()
	s.convLoading--
	switch {
	case err != nil:
		stale := slices.Clone(s.st.conversations)
		s.commitLocked()
		s.logger.Warn("failed to load conversations", "error", err)
		return stale, fmt.Errorf("%w: %w", ErrStale, err)
	case gen != s.convGen:
		current := slices.Clone(s.st.conversations)
		s.commitLocked()
		return current, ErrSuperseded
	}

	s.applyLocked(ConversationsLoaded{Conversations: convs})
	result := slices.Clone(s.st.conversations)
	s.commitLocked()
	return result, nil
}

// LoadMessages fetches the newest page of a conversation and replaces its
// local list. It does not change unread counters. A newer call for the same
// conversation cancels an older one still in flight, which then returns
// ErrSuperseded. On failure the previous list is returned with ErrStale.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if prev, ok := s.msgCancel[conversationID]; ok {
		prev()
	}
	s.msgGen[conversationID]++
	gen := s.msgGen[conversationID]
	s.msgCancel[conversationID] = cancel
	s.msgLoading[conversationID]++
	s.commitLocked()

	page, err := s.repo.FetchMessages(ctx, conversationID, store.Page{Limit: s.pageSize})

	s.mu.Lock()
	s.msgLoading[conversationID]--
	if s.msgLoading[conversationID] == 0 {
		delete(s.msgLoading, conversationID)
	}
	if gen != s.msgGen[conversationID] {
		current := slices.Clone(s.st.messages[conversationID])
		s.commitLocked()
		return current, ErrSuperseded
	}
	delete(s.msgCancel, conversationID)

	if err != nil {
		stale := slices.Clone(s.st.messages[conversationID])
		s.commitLocked()
		s.logger.Warn("failed to load messages", "conversation_id", conversationID, "error", err)
		return stale, fmt.Errorf("%w: %w", ErrStale, err)
	}

	s.applyLocked(MessagesLoaded{
		ConversationID: conversationID,
		Messages:       page.Messages,
		Cursor:         page.NextCursor,
		HasMore:        page.HasMore,
	})
	result := slices.Clone(s.st.messages[conversationID])
	s.commitLocked()
	return result, nil
}

// LoadEarlierMessages fetches the page before the oldest loaded message and
// prepends it. It returns the full list and whether older pages remain.
func (s *Store) LoadEarlierMessages(ctx context.Context, conversationID string) ([]chat.Message, bool, error) {
	s.mu.Lock()
	cursor := s.st.cursors[conversationID]
	more := s.st.hasMore[conversationID]
	gen := s.msgGen[conversationID]
	if !more || cursor == "" {
		current := slices.Clone(s.st.messages[conversationID])
		s.mu.Unlock()
		return current, false, nil
	}
	s.mu.Unlock()

	page, err := s.repo.FetchMessages(ctx, conversationID, store.Page{Limit: s.pageSize, Cursor: cursor})

	s.mu.Lock()
	if err != nil {
		stale := slices.Clone(s.st.messages[conversationID])
		s.mu.Unlock()
		return stale, more, fmt.Errorf("%w: %w", ErrStale, err)
	}
	if gen != s.msgGen[conversationID] || cursor != s.st.cursors[conversationID] {
		current := slices.Clone(s.st.messages[conversationID])
		more = s.st.hasMore[conversationID]
		s.mu.Unlock()
		return current, more, ErrSuperseded
	}

	s.applyLocked(EarlierMessagesLoaded{
		ConversationID: conversationID,
		Messages:       page.Messages,
		Cursor:         page.NextCursor,
		HasMore:        page.HasMore,
	})
	result := slices.Clone(s.st.messages[conversationID])
	s.commitLocked()
	return result, page.HasMore, nil
}

// AddMessage merges a message from either participant into its
// conversation, keyed by message ID, and updates the preview. Unread
// messages from the other participant also raise the unread counters; the
// user's own messages never do. It reports false when the ID was already
// known.
func (s *Store) AddMessage(msg chat.Message) bool {
	var ev Event = MessageReceived{Message: msg}
	if msg.SenderID == s.userID {
		ev = MessageSent{Message: msg}
	}

	s.mu.Lock()
	o := s.applyLocked(ev)
	s.commitLocked()
	return !o.ignored
}

// MarkAsRead flags the other participant's messages in the conversation as
// read, zeroes its counter and lowers the global counter, then tells the
// repository. A repository failure is logged and returned; local state
// stays read.
func (s *Store) MarkAsRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.applyLocked(ConversationRead{ConversationID: conversationID})
	s.commitLocked()

	if _, err := s.repo.MarkMessagesAsRead(ctx, conversationID, s.userID); err != nil {
		s.logger.Warn("failed to mark messages read",
			"conversation_id", conversationID,
			"error", err)
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// RefreshUnreadCount recomputes the global counter from the conversations
// and returns it.
func (s *Store) RefreshUnreadCount() int {
	s.mu.Lock()
	total := s.st.sum()
	if total != s.st.unread {
		s.logger.Warn("unread count drifted", "had", s.st.unread, "sum", total)
		s.st.unread = total
	}
	s.commitLocked()
	return total
}

// Send persists a draft and merges the stored message locally.
func (s *Store) Send(ctx context.Context, conversationID string, draft chat.Draft) (chat.Message, error) {
	if err := draft.Validate(); err != nil {
		return chat.Message{}, err
	}

	msg, err := s.repo.SendMessage(ctx, conversationID, s.userID, draft)
	if err != nil {
		return chat.Message{}, fmt.Errorf("send message: %w", err)
	}

	s.mu.Lock()
	s.applyLocked(MessageSent{Message: msg})
	s.commitLocked()
	return msg, nil
}

// HandleIncoming reconciles a message delivered by the transport. The
// user's own messages are ignored. When autoRead is set the message is
// stored read and the conversation is marked read in the repository.
func (s *Store) HandleIncoming(ctx context.Context, msg chat.Message, autoRead bool) {
	s.mu.Lock()
	o := s.applyLocked(MessageReceived{Message: msg, AutoRead: autoRead})
	s.commitLocked()

	if o.ignored {
		s.logger.Debug("ignored incoming message",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID)
		return
	}
	if autoRead {
		_ = s.MarkAsRead(ctx, msg.ConversationID)
	}
}

// HandleReadReceipt flags messages read. Receipts for messages not yet
// known are kept and applied when the message arrives or its list loads.
func (s *Store) HandleReadReceipt(conversationID string, messageIDs []string) {
	s.mu.Lock()
	s.applyLocked(ReadReceipt{ConversationID: conversationID, MessageIDs: messageIDs})
	s.commitLocked()
}

// SetOnline updates the other participant's online flag on every
// conversation.
func (s *Store) SetOnline(online map[string]bool) {
	s.mu.Lock()
	s.applyLocked(PresenceChanged{Online: online})
	s.commitLocked()
}

// Snapshot returns a copy of the conversation list and global counter.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// UnreadCount returns the global unread counter.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.unread
}

// Conversations returns a copy of the conversation list.
func (s *Store) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.conversations)
}

// Conversation returns one conversation by ID.
func (s *Store) Conversation(id string) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.st.conversationIndex(id); i >= 0 {
		return s.st.conversations[i], true
	}
	return chat.Conversation{}, false
}

// Messages returns a copy of a conversation's message list, oldest first.
func (s *Store) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.messages[conversationID])
}

// IsLoadingConversations reports whether a conversation fetch is in flight.
func (s *Store) IsLoadingConversations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convLoading > 0
}

// IsLoadingMessages reports whether a message fetch for the conversation is
// in flight.
func (s *Store) IsLoadingMessages(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgLoading[conversationID] > 0
}

// OnChange registers fn to receive a snapshot after every change. Calls are
// serialized in mutation order. The returned function removes the listener.
func (s *Store) OnChange(fn func(Snapshot)) (remove func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// applyLocked runs the reducer. Must be called with mu held.
func (s *Store) applyLocked(ev Event) outcome {
	o := reduce(s.st, ev)
	if o.clamped {
		s.logger.Warn("unread counter clamped at zero", "event", fmt.Sprintf("%T", ev))
	}
	return o
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Conversations:        slices.Clone(s.st.conversations),
		UnreadCount:          s.st.unread,
		LoadingConversations: s.convLoading > 0,
	}
}

// commitLocked queues a snapshot for the listeners, releases mu and, unless
// another caller is already delivering, delivers the queue in order. Must
// be called with mu held; returns with mu released.
func (s *Store) commitLocked() {
	if len(s.listeners) > 0 {
		s.outbox = append(s.outbox, s.snapshotLocked())
	}
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.outbox) > 0 {
		snap := s.outbox[0]
		s.outbox = s.outbox[1:]
		fns := make([]func(Snapshot), 0, len(s.listeners))
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(snap)
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}
