// Package chat defines the data model shared by every part of the
// conversation engine: messages, conversations, participants, typing
// signals and presence state.
//
// The model is strictly two-party. A Conversation is always seen from the
// point of view of the current user, so it carries a CurrentUser and an
// OtherUser rather than a participant list.
//
// Messages are immutable once created except for IsRead, which only ever
// moves from false to true. Typing signals and presence states are
// ephemeral and never persisted.
package chat
