// ABOUTME: Repository interfaces and data types for conversation persistence
// ABOUTME: Defines paging, user records and the sentinel errors shared by implementations

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2389/parley/internal/chat"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrNotParticipant is returned when a user acts on a conversation they are not part of
var ErrNotParticipant = errors.New("not a participant")

// ErrDuplicateConversation is returned when the pair already has a conversation for the item
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrInvalidCursor is returned for malformed pagination cursors
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	// DefaultPageSize is used when Page.Limit is zero.
	DefaultPageSize = 50

	// MaxPageSize caps Page.Limit.
	MaxPageSize = 500
)

// User is a participant record.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
}

// Page selects one page of messages. An empty Cursor selects the newest page.
type Page struct {
	Limit  int
	Cursor string
}

// MessagePage is one page of a conversation, oldest message first.
type MessagePage struct {
	Messages   []chat.Message
	NextCursor string // fetches the page of older messages, empty if none
	HasMore    bool
}

// Repository is the message/conversation backend the client engine talks to.
type Repository interface {
	// FetchConversations lists every conversation userID takes part in,
	// most recently active first, with unread counts from userID's side.
	FetchConversations(ctx context.Context, userID string) ([]chat.Conversation, error)

	// FetchMessages returns one page of a conversation.
	FetchMessages(ctx context.Context, conversationID string, page Page) (*MessagePage, error)

	// SendMessage persists a new message and returns it with its server ID.
	SendMessage(ctx context.Context, conversationID, senderID string, draft chat.Draft) (chat.Message, error)

	// MarkMessagesAsRead flags every unread message the other participant
	// sent as read and returns the IDs that changed.
	MarkMessagesAsRead(ctx context.Context, conversationID, readerID string) ([]string, error)
}

// Directory provisions users and conversations.
type Directory interface {
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	CreateConversation(ctx context.Context, item chat.ItemRef, userA, userB string) (string, error)

	// Participants returns the two user IDs of a conversation, or
	// ErrNotFound.
	Participants(ctx context.Context, conversationID string) ([2]string, error)
}

// normalizeLimit applies the default and cap to a page size.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// orderedPair returns the two participant IDs in a stable order so that
// (a, b) and (b, a) name the same conversation.
func orderedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// validatePair rejects missing or identical participants.
func validatePair(userA, userB string) error {
	if userA == "" || userB == "" {
		return errors.New("both participants required")
	}
	if userA == userB {
		return errors.New("participants must differ")
	}
	return nil
}

// encodeCursor creates an opaque cursor from a message timestamp and ID.
// Format is base64(timestamp|message_id)
func encodeCursor(ts time.Time, id string) string {
	data := fmt.Sprintf("%s|%s", formatTime(ts), id)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// decodeCursor parses a cursor produced by encodeCursor.
func decodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("%w: expected timestamp|message_id", ErrInvalidCursor)
	}

	ts, err := parseTime(parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}

	return ts, parts[1], nil
}

// timeLayout is fixed width so stored strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// sortConversations orders by last activity, newest first, then by ID.
func sortConversations(convs []chat.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].ID < convs[j].ID
	})
}
