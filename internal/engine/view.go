// ABOUTME: Open conversation view with typing state, auto-read and presence polling
// ABOUTME: Closing the view stops typing, its timers and its poll of the other participant

package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/inbox"
	"github.com/2389/parley/internal/transport"
	"github.com/2389/parley/internal/typing"
)

// View is one open conversation. While it is open, incoming messages are
// read on arrival and remote typing signals reach its indicator.
type View struct {
	session        *Session
	conversationID string
	typing         *typing.Coordinator
	stopPoll       func()
	closeOnce      sync.Once
	logger         *slog.Logger
}

// Open loads a conversation, marks it read and routes its live events to
// the returned view. Opening a conversation that already has a view closes
// the old one. onTyping, if set, receives every change of the remote typing
// indicator. A failed message load is logged and the view opens on the
// cached list.
func (s *Session) Open(ctx context.Context, conversationID string, onTyping func(typing.State)) (*View, error) {
	if conversationID == "" {
		return nil, transport.ErrNoConversation
	}
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.ctx == nil:
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	sessionCtx := s.ctx
	s.mu.Unlock()

	v := &View{
		session:        s,
		conversationID: conversationID,
		logger:         s.logger.With("conversation_id", conversationID),
	}
	v.typing = typing.New(sessionCtx, s.ch, typing.Options{
		ConversationID: conversationID,
		UserID:         s.opts.UserID,
		DisplayName:    s.opts.DisplayName,
		StopAfter:      s.opts.StopTypingAfter,
		SafetyTimeout:  s.opts.TypingSafety,
		Clock:          s.opts.Clock,
		OnChange:       onTyping,
	}, s.base)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	prev := s.views[conversationID]
	s.views[conversationID] = v
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	s.ensureSubscribed(conversationID)

	if _, err := s.inbox.LoadMessages(ctx, conversationID); err != nil && !errors.Is(err, inbox.ErrSuperseded) {
		v.logger.Warn("opening view on cached messages", "error", err)
	}
	// A repository failure is logged by the store; the local read state stands.
	_ = s.inbox.MarkAsRead(ctx, conversationID)

	if conv, ok := s.inbox.Conversation(conversationID); ok && conv.OtherUser.ID != "" {
		v.stopPoll = s.tracker.Poll(sessionCtx, conv.OtherUser.ID, func(chat.PresenceState) {
			s.syncPresence()
		})
	}

	v.logger.Debug("view opened")
	return v, nil
}

// remoteTyping drops the user's own signals echoed back by the transport.
func (v *View) remoteTyping(sig chat.TypingSignal) {
	if sig.UserID == v.session.opts.UserID {
		return
	}
	v.typing.HandleRemoteTyping(sig.IsTyping, sig.DisplayName)
}

// ConversationID returns the conversation the view shows.
func (v *View) ConversationID() string {
	return v.conversationID
}

// TypingState returns the remote typing indicator.
func (v *View) TypingState() typing.State {
	return v.typing.State()
}

// HandleLocalTyping records a keystroke by the user.
func (v *View) HandleLocalTyping() {
	v.typing.HandleLocalTyping()
}

// HandleRemoteTyping feeds a remote typing signal into the indicator.
func (v *View) HandleRemoteTyping(isTyping bool, userName string) {
	v.typing.HandleRemoteTyping(isTyping, userName)
}

// StopTyping ends the local typing state, announcing it if needed.
func (v *View) StopTyping() {
	v.typing.StopTyping()
}

// Messages returns the conversation's messages, oldest first.
func (v *View) Messages() []chat.Message {
	return v.session.inbox.Messages(v.conversationID)
}

// LoadEarlier fetches the previous page of history and reports whether
// older pages remain.
func (v *View) LoadEarlier(ctx context.Context) (bool, error) {
	_, more, err := v.session.inbox.LoadEarlierMessages(ctx, v.conversationID)
	return more, err
}

// Send stops typing and sends a draft.
func (v *View) Send(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	v.typing.StopTyping()
	return v.session.inbox.Send(ctx, v.conversationID, draft)
}

// Close announces the end of local typing, stops every timer and stops
// polling. Safe to call more than once.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		s := v.session
		s.mu.Lock()
		if s.views[v.conversationID] == v {
			delete(s.views, v.conversationID)
		}
		s.mu.Unlock()

		v.typing.StopTyping()
		v.typing.Close()
		if v.stopPoll != nil {
			v.stopPoll()
		}
		v.logger.Debug("view closed")
	})
}
