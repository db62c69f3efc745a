// ABOUTME: Repository decorator that announces persisted writes on the realtime transport
// ABOUTME: Records first, then publishes; publish failures are logged, never returned

package store

import (
	"context"
	"log/slog"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/transport"
)

// Publisher is the slice of transport.Channel the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, ev transport.Event) error
}

// Notifier wraps a Repository and publishes a message event after every
// successful send and a read event after every read that changed rows.
type Notifier struct {
	Repository
	pub    Publisher
	logger *slog.Logger
}

var _ Repository = (*Notifier)(nil)

// NewNotifier creates a Notifier. Pass nil logger for default.
func NewNotifier(repo Repository, pub Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		Repository: repo,
		pub:        pub,
		logger:     logger.With("component", "notifier"),
	}
}

// SendMessage persists the message, then publishes it.
func (n *Notifier) SendMessage(ctx context.Context, conversationID, senderID string, draft chat.Draft) (chat.Message, error) {
	msg, err := n.Repository.SendMessage(ctx, conversationID, senderID, draft)
	if err != nil {
		return msg, err
	}

	if err := n.pub.Publish(ctx, transport.NewMessageEvent(msg)); err != nil {
		n.logger.Warn("failed to publish message",
			"conversation_id", conversationID,
			"message_id", msg.ID,
			"error", err)
	}
	return msg, nil
}

// MarkMessagesAsRead persists the read, then publishes the receipt.
func (n *Notifier) MarkMessagesAsRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	ids, err := n.Repository.MarkMessagesAsRead(ctx, conversationID, readerID)
	if err != nil || len(ids) == 0 {
		return ids, err
	}

	if err := n.pub.Publish(ctx, transport.NewReadEvent(conversationID, readerID, ids)); err != nil {
		n.logger.Warn("failed to publish read receipt",
			"conversation_id", conversationID,
			"reader_id", readerID,
			"error", err)
	}
	return ids, nil
}
