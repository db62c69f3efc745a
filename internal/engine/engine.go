// ABOUTME: Client session tying together the channel handle, inbox store and presence tracker
// ABOUTME: Keeps one live subscription per conversation and routes it to the open view

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/inbox"
	"github.com/2389/parley/internal/presence"
	"github.com/2389/parley/internal/store"
	"github.com/2389/parley/internal/transport"
	"github.com/2389/parley/internal/typing"
)

var (
	// ErrSessionClosed is returned when a closed Session is used.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotStarted is returned by Open before Start.
	ErrNotStarted = errors.New("session not started")
)

// Options configures a Session. Zero durations select package defaults.
type Options struct {
	UserID      string
	DisplayName string

	PageSize        int
	StopTypingAfter time.Duration
	TypingSafety    time.Duration
	PollInterval    time.Duration
	Backoff         transport.Backoff

	// Clock drives typing timers; nil uses the wall clock.
	Clock typing.Clock
}

// Session is one signed-in user's view of the engine. It owns the channel
// handle and closes it on Close.
type Session struct {
	ch      transport.Channel
	inbox   *inbox.Store
	tracker *presence.Tracker
	opts    Options
	base    *slog.Logger
	logger  *slog.Logger

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	subs         map[string]transport.Subscription // conversation ID -> live subscription
	views        map[string]*View                  // conversation ID -> open view
	stopPresence func()
	closed       bool
}

// NewSession creates a session for opts.UserID. Pass nil logger for default.
func NewSession(ch transport.Channel, repo store.Repository, opts Options, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	box, err := inbox.New(repo, inbox.Options{UserID: opts.UserID, PageSize: opts.PageSize}, logger)
	if err != nil {
		return nil, err
	}
	tracker := presence.New(ch, presence.Options{
		Backoff:      opts.Backoff,
		PollInterval: opts.PollInterval,
	}, logger)

	return &Session{
		ch:      ch,
		inbox:   box,
		tracker: tracker,
		opts:    opts,
		base:    logger,
		logger:  logger.With("component", "session", "user_id", opts.UserID),
		subs:    make(map[string]transport.Subscription),
		views:   make(map[string]*View),
	}, nil
}

// Start marks the user online, loads the conversation list and subscribes
// to every conversation in it. Subscriptions live until Close. A failed
// load leaves the session usable; the error wraps inbox.ErrStale.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.ctx != nil {
		s.mu.Unlock()
		return s.Refresh(ctx)
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	sessionCtx := s.ctx
	s.mu.Unlock()

	stop, err := s.tracker.Track(sessionCtx, s.opts.UserID, func(map[string]chat.PresenceState) {
		s.syncPresence()
	})
	if err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	s.mu.Lock()
	s.stopPresence = stop
	s.mu.Unlock()

	return s.Refresh(ctx)
}

// Refresh reloads the conversation list and subscribes to conversations
// that are new since the last load.
func (s *Session) Refresh(ctx context.Context) error {
	convs, err := s.inbox.LoadConversations(ctx)
	for _, c := range convs {
		s.ensureSubscribed(c.ID)
	}
	s.syncPresence()
	if errors.Is(err, inbox.ErrSuperseded) {
		return nil
	}
	return err
}

// ensureSubscribed opens the conversation's live subscription once.
func (s *Session) ensureSubscribed(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ctx == nil {
		return
	}
	if _, ok := s.subs[conversationID]; ok {
		return
	}

	handlers := s.inbox.Handlers(s.ctx, conversationID,
		func() bool { return s.view(conversationID) != nil },
		func(sig chat.TypingSignal) {
			if v := s.view(conversationID); v != nil {
				v.remoteTyping(sig)
			}
		})

	s.subs[conversationID] = transport.Keep(s.ctx, s.logger, "conversation:"+conversationID, s.opts.Backoff,
		func(ctx context.Context) (transport.Subscription, error) {
			return s.ch.SubscribeToConversation(ctx, conversationID, handlers)
		})
}

func (s *Session) view(conversationID string) *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[conversationID]
}

// syncPresence copies the tracker's online set onto the conversations.
func (s *Session) syncPresence() {
	online := make(map[string]bool)
	for _, id := range s.tracker.OnlineUsers() {
		online[id] = true
	}
	s.inbox.SetOnline(online)
}

// Inbox returns the session's conversation store.
func (s *Session) Inbox() *inbox.Store {
	return s.inbox
}

// UserID returns the signed-in user.
func (s *Session) UserID() string {
	return s.opts.UserID
}

// OnlineUsers returns the sorted IDs of users known to be online.
func (s *Session) OnlineUsers() []string {
	return s.tracker.OnlineUsers()
}

// IsUserOnline reports whether userID is known to be online. Unknown users
// are offline.
func (s *Session) IsUserOnline(userID string) bool {
	return s.tracker.IsOnline(userID)
}

// Close closes every open view, ends every subscription, stops presence
// tracking and closes the channel handle. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	views := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	subs := make([]transport.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	clear(s.subs)
	stop := s.stopPresence
	cancel := s.cancel
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	for _, sub := range subs {
		sub.Close()
	}
	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Debug("session closed")
	return s.ch.Close()
}
