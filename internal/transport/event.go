// ABOUTME: Tagged realtime event union and per-subscription handler routing
// ABOUTME: Events carry new messages, read receipts or typing signals for one conversation

package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/parley/internal/chat"
)

// Kind tags the payload an Event carries.
type Kind string

const (
	KindMessage Kind = "message"
	KindRead    Kind = "read"
	KindTyping  Kind = "typing"
)

// ErrInvalidEvent is returned when an event's payload does not match its kind.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a single realtime payload for one conversation. ID and Seq are
// assigned by the Hub on publish.
type Event struct {
	ID             string             `json:"id"`
	Seq            uint64             `json:"seq,omitempty"`
	Kind           Kind               `json:"kind"`
	ConversationID string             `json:"conversation_id"`
	Message        *chat.Message      `json:"message,omitempty"`
	MessageIDs     []string           `json:"message_ids,omitempty"`
	ReaderID       string             `json:"reader_id,omitempty"`
	Typing         *chat.TypingSignal `json:"typing,omitempty"`
	At             time.Time          `json:"at"`
}

// NewMessageEvent wraps a persisted message.
func NewMessageEvent(msg chat.Message) Event {
	return Event{
		Kind:           KindMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	}
}

// NewReadEvent announces that readerID has read the given messages.
func NewReadEvent(conversationID, readerID string, messageIDs []string) Event {
	ids := make([]string, len(messageIDs))
	copy(ids, messageIDs)
	return Event{
		Kind:           KindRead,
		ConversationID: conversationID,
		MessageIDs:     ids,
		ReaderID:       readerID,
	}
}

// NewTypingEvent wraps a typing signal.
func NewTypingEvent(sig chat.TypingSignal) Event {
	return Event{
		Kind:           KindTyping,
		ConversationID: sig.ConversationID,
		Typing:         &sig,
	}
}

// Replayable reports whether the event belongs in the replay ring. Typing
// signals are ephemeral and are never redelivered.
func (e *Event) Replayable() bool {
	return e.Kind == KindMessage || e.Kind == KindRead
}

// Validate checks that the payload matches the kind.
func (e *Event) Validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id required", ErrInvalidEvent)
	}
	switch e.Kind {
	case KindMessage:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("%w: message event without message", ErrInvalidEvent)
		}
		if e.Message.ConversationID != e.ConversationID {
			return fmt.Errorf("%w: message belongs to %q", ErrInvalidEvent, e.Message.ConversationID)
		}
	case KindRead:
		if len(e.MessageIDs) == 0 {
			return fmt.Errorf("%w: read event without message ids", ErrInvalidEvent)
		}
	case KindTyping:
		if e.Typing == nil || e.Typing.UserID == "" {
			return fmt.Errorf("%w: typing event without signal", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Handlers receive the events of one conversation subscription. Nil
// handlers are skipped.
type Handlers struct {
	OnNewMessage  func(msg chat.Message)
	OnMessageRead func(messageIDs []string)
	OnTyping      func(sig chat.TypingSignal)
}

// Dispatch routes ev to the handler for its kind.
func (h Handlers) Dispatch(ev Event) {
	switch ev.Kind {
	case KindMessage:
		if h.OnNewMessage != nil && ev.Message != nil {
			h.OnNewMessage(*ev.Message)
		}
	case KindRead:
		if h.OnMessageRead != nil && len(ev.MessageIDs) > 0 {
			h.OnMessageRead(ev.MessageIDs)
		}
	case KindTyping:
		if h.OnTyping != nil && ev.Typing != nil {
			h.OnTyping(*ev.Typing)
		}
	}
}
