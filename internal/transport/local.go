// ABOUTME: In-process Channel implementation backed by a shared Hub
// ABOUTME: Runs one dispatch goroutine per subscription to preserve event order

package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/parley/internal/chat"
)

// Local is a Channel over an in-process Hub. The Hub is shared and is not
// closed by Local.Close.
type Local struct {
	hub    *Hub
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*Handle]struct{}
	closed bool
}

var _ Channel = (*Local)(nil)

// NewLocal creates a channel handle on hub. Pass nil logger for default.
func NewLocal(hub *Hub, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		hub:    hub,
		logger: logger.With("component", "local_transport"),
		subs:   make(map[*Handle]struct{}),
	}
}

// SubscribeToConversation implements Channel.
func (l *Local) SubscribeToConversation(ctx context.Context, conversationID string, h Handlers) (Subscription, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.hub.Closed() {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, subID := l.hub.Subscribe(subCtx, conversationID, 0)
	handle := NewHandle(func() {
		cancel()
		l.hub.Unsubscribe(conversationID, subID)
	})
	l.subs[handle] = struct{}{}

	go func() {
		defer handle.Finish()
		defer l.forget(handle)
		for ev := range events {
			h.Dispatch(ev)
		}
	}()

	return handle, nil
}

// BroadcastTyping implements Channel.
func (l *Local) BroadcastTyping(ctx context.Context, conversationID string, sig chat.TypingSignal) error {
	sig.ConversationID = conversationID
	return l.Publish(ctx, NewTypingEvent(sig))
}

// Publish implements Channel.
func (l *Local) Publish(_ context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if l.isClosed() {
		return ErrClosed
	}
	l.hub.Publish(ev, "")
	return nil
}

// TrackPresence implements Channel.
func (l *Local) TrackPresence(ctx context.Context, userID string, onChange func(map[string]chat.PresenceState)) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.hub.Closed() {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	l.hub.Join(userID)
	snaps, watchID := l.hub.WatchPresence(subCtx)

	var leaveOnce sync.Once
	leave := func() { leaveOnce.Do(func() { l.hub.Leave(userID) }) }

	handle := NewHandle(func() {
		cancel()
		l.hub.UnwatchPresence(watchID)
		leave()
	})
	l.subs[handle] = struct{}{}

	go func() {
		defer handle.Finish()
		defer l.forget(handle)
		defer leave()
		for snap := range snaps {
			if onChange != nil {
				onChange(snap)
			}
		}
	}()

	return handle, nil
}

// QueryPresence implements Channel.
func (l *Local) QueryPresence(_ context.Context, userID string) (chat.PresenceState, error) {
	if l.isClosed() {
		return chat.PresenceState{UserID: userID}, ErrClosed
	}
	return l.hub.Presence(userID), nil
}

// Close ends every subscription opened through l.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	handles := make([]*Handle, 0, len(l.subs))
	for h := range l.subs {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	return nil
}

func (l *Local) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Local) forget(h *Handle) {
	l.mu.Lock()
	delete(l.subs, h)
	l.mu.Unlock()
}
