// ABOUTME: Tests for event constructors, validation and handler dispatch
// ABOUTME: Ensures each kind reaches exactly its own handler

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/parley/internal/chat"
)

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"message", makeMessageEvent("m1", "c1"), false},
		{"read", NewReadEvent("c1", "bob", []string{"m1"}), false},
		{"typing", NewTypingEvent(chat.TypingSignal{ConversationID: "c1", UserID: "bob"}), false},
		{"missing conversation", Event{Kind: KindRead, MessageIDs: []string{"m1"}}, true},
		{"read without ids", NewReadEvent("c1", "bob", nil), true},
		{"typing without user", NewTypingEvent(chat.TypingSignal{ConversationID: "c1"}), true},
		{"message without id", NewMessageEvent(chat.Message{ConversationID: "c1"}), true},
		{"unknown kind", Event{Kind: "wave", ConversationID: "c1"}, true},
		{
			name: "message for other conversation",
			ev: Event{
				Kind:           KindMessage,
				ConversationID: "c1",
				Message:        &chat.Message{ID: "m1", ConversationID: "c2"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewReadEvent_CopiesIDs(t *testing.T) {
	ids := []string{"m1", "m2"}
	ev := NewReadEvent("c1", "bob", ids)
	ids[0] = "changed"
	assert.Equal(t, []string{"m1", "m2"}, ev.MessageIDs)
}

func TestHandlers_Dispatch(t *testing.T) {
	var got []string
	h := Handlers{
		OnNewMessage:  func(msg chat.Message) { got = append(got, "msg:"+msg.ID) },
		OnMessageRead: func(ids []string) { got = append(got, "read:"+ids[0]) },
		OnTyping:      func(sig chat.TypingSignal) { got = append(got, "typing:"+sig.UserID) },
	}

	h.Dispatch(makeMessageEvent("m1", "c1"))
	h.Dispatch(NewReadEvent("c1", "bob", []string{"m1"}))
	h.Dispatch(NewTypingEvent(chat.TypingSignal{ConversationID: "c1", UserID: "bob", IsTyping: true}))

	assert.Equal(t, []string{"msg:m1", "read:m1", "typing:bob"}, got)

	// Nil handlers are skipped.
	Handlers{}.Dispatch(makeMessageEvent("m2", "c1"))
}
