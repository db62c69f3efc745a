// ABOUTME: Delivery reconciler binding a conversation subscription to the store
// ABOUTME: Routes transport messages and read receipts through HandleIncoming and HandleReadReceipt

package inbox

import (
	"context"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/transport"
)

// Handlers returns transport handlers that feed one conversation's events
// into the store. autoRead is consulted per message; when it reports true
// the message arrives read. onTyping may be nil.
func (s *Store) Handlers(ctx context.Context, conversationID string, autoRead func() bool, onTyping func(chat.TypingSignal)) transport.Handlers {
	return transport.Handlers{
		OnNewMessage: func(msg chat.Message) {
			if msg.ConversationID != conversationID {
				s.logger.Debug("message for another conversation",
					"subscribed", conversationID,
					"conversation_id", msg.ConversationID)
				return
			}
			s.HandleIncoming(ctx, msg, autoRead != nil && autoRead())
		},
		OnMessageRead: func(ids []string) {
			s.HandleReadReceipt(conversationID, ids)
		},
		OnTyping: onTyping,
	}
}
