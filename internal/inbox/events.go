// ABOUTME: Tagged events that drive the inbox reducer
// ABOUTME: Each event is one state transition: loads, arrivals, sends and reads

package inbox

import "github.com/2389/parley/internal/chat"

// Event is one input to the inbox reducer.
type Event interface {
	isEvent()
}

// ConversationsLoaded replaces the conversation list with a fresh fetch.
type ConversationsLoaded struct {
	Conversations []chat.Conversation
}

// MessagesLoaded replaces one conversation's message list with its newest
// page. Cursor and HasMore describe the next older page.
type MessagesLoaded struct {
	ConversationID string
	Messages       []chat.Message
	Cursor         string
	HasMore        bool
}

// EarlierMessagesLoaded prepends an older page to a loaded list.
type EarlierMessagesLoaded struct {
	ConversationID string
	Messages       []chat.Message
	Cursor         string
	HasMore        bool
}

// MessageReceived is a message delivered by the transport. AutoRead marks it
// read on arrival because the user is looking at the conversation.
type MessageReceived struct {
	Message  chat.Message
	AutoRead bool
}

// MessageSent is the user's own message as persisted by the repository.
type MessageSent struct {
	Message chat.Message
}

// ReadReceipt flags messages read by ID.
type ReadReceipt struct {
	ConversationID string
	MessageIDs     []string
}

// ConversationRead marks every message from the other participant read and
// zeroes the conversation's unread counter.
type ConversationRead struct {
	ConversationID string
}

// PresenceChanged carries the IDs of users currently online.
type PresenceChanged struct {
	Online map[string]bool
}

func (ConversationsLoaded) isEvent()   {}
func (MessagesLoaded) isEvent()        {}
func (EarlierMessagesLoaded) isEvent() {}
func (MessageReceived) isEvent()       {}
func (MessageSent) isEvent()           {}
func (ReadReceipt) isEvent()           {}
func (ConversationRead) isEvent()      {}
func (PresenceChanged) isEvent()       {}
