// ABOUTME: Core data types for two-party conversations, messages, typing and presence
// ABOUTME: Shared by the store, transport, reconciler and engine packages

package chat

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyMessage is returned when a message or draft carries neither text nor an image.
var ErrEmptyMessage = errors.New("message has no text or image")

// Message is a single chat message. ID is assigned by the repository.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text,omitempty"`
	ImageRef       string    `json:"image_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// Validate checks that the message carries content.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.Text) == "" && m.ImageRef == "" {
		return ErrEmptyMessage
	}
	return nil
}

// HasImage reports whether the message carries an image reference.
func (m *Message) HasImage() bool {
	return m.ImageRef != ""
}

// Draft is the content of a message the local user is about to send.
type Draft struct {
	Text     string `json:"text,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
}

// Validate checks that the draft carries content.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Text) == "" && d.ImageRef == "" {
		return ErrEmptyMessage
	}
	return nil
}

// Participant is one side of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	IsOnline    bool   `json:"is_online"`
}

// ItemRef is the listing a conversation is about. Display only.
type ItemRef struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ImageURL string `json:"image_url,omitempty"`
}

// Conversation is a two-party thread as seen by CurrentUser.
type Conversation struct {
	ID            string      `json:"id"`
	CurrentUser   Participant `json:"current_user"`
	OtherUser     Participant `json:"other_user"`
	Item          ItemRef     `json:"item"`
	LastMessage   string      `json:"last_message,omitempty"`
	LastMessageAt time.Time   `json:"last_message_at"`
	UnreadCount   int         `json:"unread_count"`
}

// IsFromOther reports whether msg was sent by the other participant.
func (c *Conversation) IsFromOther(msg *Message) bool {
	return msg.SenderID != c.CurrentUser.ID
}

// TypingSignal announces that a participant started or stopped composing.
type TypingSignal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	IsTyping       bool   `json:"is_typing"`
}

// PresenceState is the best-effort online status of one user.
type PresenceState struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
