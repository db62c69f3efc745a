// Package inbox is the client-side conversation store and delivery
// reconciler.
//
// All state lives in one value that changes only through reduce, a pure
// function over tagged events (ConversationsLoaded, MessagesLoaded,
// MessageReceived, MessageSent, ReadReceipt, ConversationRead). Store wraps
// the reducer with repository round-trips and change listeners and holds a
// single lock across each transition, so the global unread count always
// equals the sum of the per-conversation counts.
//
// Reconciliation rules for transport deliveries:
//
//   - the user's own messages are ignored; sends are merged from the
//     repository response instead
//   - a message ID already in the list is a duplicate and changes nothing
//   - an unread message from the other participant raises both counters,
//     unless it is no newer than the conversation's last activity when the
//     list was loaded; the loaded count already includes it
//   - with auto-read the message arrives read and the conversation is
//     marked read in the repository
//
// AddMessage takes messages from either participant; the user's own are
// merged like sends.
//
// Read receipts for messages the store has not seen yet are buffered and
// applied when the message arrives or its list loads, lowering the counters
// as they would for a loaded message. A mark-as-read issued before the load
// records the newest message time it covered, and the load treats older
// messages from the other participant as read.
package inbox
