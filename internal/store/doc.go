// Package store provides the message repository behind conversations.
//
// # Interfaces
//
//   - Repository: the four operations clients depend on (list conversations,
//     page through messages, send, mark read)
//   - Directory: user and conversation provisioning
//
// SQLiteStore implements both. MockStore is an in-memory implementation with
// per-operation failure injection for tests. Notifier decorates a Repository
// and publishes each persisted message and read receipt to a realtime
// Publisher after the write succeeds.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC strings so that lexical order
// matches chronological order.
//
// # Pagination
//
// FetchMessages returns the newest page first. Each page is in chronological
// order; NextCursor points at the oldest message of the page and fetches the
// page before it.
//
// # Error Handling
//
//   - ErrNotFound: conversation or user does not exist
//   - ErrNotParticipant: caller is not one of the two participants
//   - ErrDuplicateConversation: the pair already has a conversation about the item
//   - ErrInvalidCursor: the cursor was not produced by this store
package store
