// ABOUTME: Channel handle contract shared by the in-process and gRPC transports
// ABOUTME: Defines Subscription plus the Handle helper used to implement it

package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/parley/internal/chat"
)

// ErrClosed is returned when a Channel is used after Close.
var ErrClosed = errors.New("transport closed")

// ErrNoConversation is returned when a conversation ID is empty.
var ErrNoConversation = errors.New("conversation id required")

// Subscription is a live subscription. Close is idempotent; Done is closed
// once the subscription has ended for any reason.
type Subscription interface {
	Close()
	Done() <-chan struct{}
}

// Channel is the connection-scoped realtime handle a client session holds.
type Channel interface {
	// SubscribeToConversation delivers the conversation's events to h in the
	// order the transport received them.
	SubscribeToConversation(ctx context.Context, conversationID string, h Handlers) (Subscription, error)

	// BroadcastTyping sends a typing signal to the conversation.
	BroadcastTyping(ctx context.Context, conversationID string, sig chat.TypingSignal) error

	// Publish sends a message or read event to the conversation.
	Publish(ctx context.Context, ev Event) error

	// TrackPresence marks userID online for the life of the subscription and
	// calls onChange with the full online map on every join or leave.
	TrackPresence(ctx context.Context, userID string, onChange func(map[string]chat.PresenceState)) (Subscription, error)

	// QueryPresence returns the current presence of a single user.
	QueryPresence(ctx context.Context, userID string) (chat.PresenceState, error)

	// Close ends every subscription opened through the channel.
	Close() error
}

// Handle implements Subscription around a stop function.
type Handle struct {
	stopOnce   sync.Once
	finishOnce sync.Once
	stop       func()
	done       chan struct{}
}

// NewHandle returns a Handle that runs stop on the first Close.
func NewHandle(stop func()) *Handle {
	return &Handle{
		stop: stop,
		done: make(chan struct{}),
	}
}

// Close runs the stop function once.
func (h *Handle) Close() {
	h.stopOnce.Do(func() {
		if h.stop != nil {
			h.stop()
		}
	})
}

// Done is closed after Finish.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Finish marks the subscription as ended. Safe to call more than once.
func (h *Handle) Finish() {
	h.finishOnce.Do(func() { close(h.done) })
}
