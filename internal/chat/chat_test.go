// ABOUTME: Tests for chat model validation helpers
// ABOUTME: Covers empty content rejection and sender attribution

package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"text only", Message{Text: "hi"}, false},
		{"image only", Message{ImageRef: "img/1.jpg"}, false},
		{"both", Message{Text: "look", ImageRef: "img/1.jpg"}, false},
		{"whitespace", Message{Text: "   "}, true},
		{"empty", Message{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEmptyMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDraft_Validate(t *testing.T) {
	assert.ErrorIs(t, Draft{}.Validate(), ErrEmptyMessage)
	assert.NoError(t, Draft{ImageRef: "x.png"}.Validate())
}

func TestConversation_IsFromOther(t *testing.T) {
	conv := Conversation{
		CurrentUser: Participant{ID: "u1"},
		OtherUser:   Participant{ID: "u2"},
	}

	assert.True(t, conv.IsFromOther(&Message{SenderID: "u2"}))
	assert.False(t, conv.IsFromOther(&Message{SenderID: "u1"}))
}
