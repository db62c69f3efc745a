// ABOUTME: In-memory Repository and Directory implementation for testing
// ABOUTME: Supports per-operation error injection and a fetch hook for ordering tests

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/preview"
)

// Op names a MockStore operation for error injection and call counting.
type Op string

const (
	OpFetchConversations Op = "fetch_conversations"
	OpFetchMessages      Op = "fetch_messages"
	OpSendMessage        Op = "send_message"
	OpMarkRead           Op = "mark_read"
)

type mockConversation struct {
	id        string
	item      chat.ItemRef
	userA     string
	userB     string
	createdAt time.Time
}

// MockStore is an in-memory Repository for tests.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	conversations map[string]*mockConversation
	pairIndex     map[string]string         // item|a|b -> conversation ID
	messages      map[string][]chat.Message // conversation ID -> chronological
	errs          map[Op]error
	calls         map[Op]int
	now           func() time.Time

	// FetchMessagesHook, when set, runs before FetchMessages reads state.
	// Tests use it to hold a load in flight.
	FetchMessagesHook func(ctx context.Context, conversationID string)
}

var (
	_ Repository = (*MockStore)(nil)
	_ Directory  = (*MockStore)(nil)
)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*mockConversation),
		pairIndex:     make(map[string]string),
		messages:      make(map[string][]chat.Message),
		errs:          make(map[Op]error),
		calls:         make(map[Op]int),
		now:           time.Now,
	}
}

// SetError makes every call of op fail with err until cleared with nil.
func (m *MockStore) SetError(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// Calls returns how many times op was invoked.
func (m *MockStore) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// record counts the call and returns the injected error, if any.
// Must be called with mu held for writing.
func (m *MockStore) record(op Op) error {
	m.calls[op]++
	return m.errs[op]
}

// UpsertUser creates or updates a user.
func (m *MockStore) UpsertUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		return errors.New("user id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u := *user
	if existing, ok := m.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// CreateConversation opens a conversation between two existing users.
func (m *MockStore) CreateConversation(ctx context.Context, item chat.ItemRef, userA, userB string) (string, error) {
	if err := validatePair(userA, userB); err != nil {
		return "", err
	}
	a, b := orderedPair(userA, userB)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[a]; !ok {
		return "", fmt.Errorf("participant: %w", ErrNotFound)
	}
	if _, ok := m.users[b]; !ok {
		return "", fmt.Errorf("participant: %w", ErrNotFound)
	}

	key := item.ID + "|" + a + "|" + b
	if _, ok := m.pairIndex[key]; ok {
		return "", ErrDuplicateConversation
	}

	id := uuid.New().String()
	m.conversations[id] = &mockConversation{
		id:        id,
		item:      item,
		userA:     a,
		userB:     b,
		createdAt: m.now(),
	}
	m.pairIndex[key] = id
	return id, nil
}

// Participants implements Directory.
func (m *MockStore) Participants(ctx context.Context, conversationID string) ([2]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return [2]string{}, ErrNotFound
	}
	return [2]string{c.userA, c.userB}, nil
}

// AddMessage inserts a message as-is, bypassing validation. Tests use it to
// seed history with fixed IDs and timestamps.
func (m *MockStore) AddMessage(msg chat.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.messages[msg.ConversationID], msg)
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	m.messages[msg.ConversationID] = list
}

// FetchConversations implements Repository.
func (m *MockStore) FetchConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpFetchConversations); err != nil {
		return nil, err
	}

	me, ok := m.users[userID]
	if !ok {
		return nil, nil
	}

	var convs []chat.Conversation
	for _, c := range m.conversations {
		var otherID string
		switch userID {
		case c.userA:
			otherID = c.userB
		case c.userB:
			otherID = c.userA
		default:
			continue
		}
		other := m.users[otherID]

		conv := chat.Conversation{
			ID:            c.id,
			CurrentUser:   chat.Participant{ID: me.ID, DisplayName: me.DisplayName, AvatarURL: me.AvatarURL},
			OtherUser:     chat.Participant{ID: other.ID, DisplayName: other.DisplayName, AvatarURL: other.AvatarURL},
			Item:          c.item,
			LastMessageAt: c.createdAt,
		}
		msgs := m.messages[c.id]
		for i := range msgs {
			if msgs[i].SenderID != userID && !msgs[i].IsRead {
				conv.UnreadCount++
			}
		}
		if n := len(msgs); n > 0 {
			conv.LastMessage = preview.ForMessage(&msgs[n-1])
			conv.LastMessageAt = msgs[n-1].CreatedAt
		}
		convs = append(convs, conv)
	}

	sortConversations(convs)
	return convs, nil
}

// FetchMessages implements Repository.
func (m *MockStore) FetchMessages(ctx context.Context, conversationID string, page Page) (*MessagePage, error) {
	m.mu.Lock()
	hook := m.FetchMessagesHook
	err := m.record(OpFetchMessages)
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, conversationID)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}

	limit := normalizeLimit(page.Limit)
	all := m.messages[conversationID]

	end := len(all)
	if page.Cursor != "" {
		ts, id, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		end = sort.Search(len(all), func(i int) bool {
			if all[i].CreatedAt.Equal(ts) {
				return all[i].ID >= id
			}
			return all[i].CreatedAt.After(ts)
		})
	}

	start := max(end-limit, 0)
	msgs := make([]chat.Message, end-start)
	copy(msgs, all[start:end])

	result := &MessagePage{
		Messages: msgs,
		HasMore:  start > 0,
	}
	if result.HasMore && len(msgs) > 0 {
		result.NextCursor = encodeCursor(msgs[0].CreatedAt, msgs[0].ID)
	}
	return result, nil
}

// SendMessage implements Repository.
func (m *MockStore) SendMessage(ctx context.Context, conversationID, senderID string, draft chat.Draft) (chat.Message, error) {
	if err := draft.Validate(); err != nil {
		return chat.Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpSendMessage); err != nil {
		return chat.Message{}, err
	}

	c, ok := m.conversations[conversationID]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	if senderID != c.userA && senderID != c.userB {
		return chat.Message{}, ErrNotParticipant
	}

	createdAt := m.now().UTC()
	if list := m.messages[conversationID]; len(list) > 0 {
		if last := list[len(list)-1].CreatedAt; !createdAt.After(last) {
			createdAt = last.Add(time.Nanosecond)
		}
	}

	msg := chat.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           draft.Text,
		ImageRef:       draft.ImageRef,
		CreatedAt:      createdAt,
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return msg, nil
}

// MarkMessagesAsRead implements Repository.
func (m *MockStore) MarkMessagesAsRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(OpMarkRead); err != nil {
		return nil, err
	}

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if readerID != c.userA && readerID != c.userB {
		return nil, ErrNotParticipant
	}

	var ids []string
	list := m.messages[conversationID]
	for i := range list {
		if list[i].SenderID != readerID && !list[i].IsRead {
			list[i].IsRead = true
			ids = append(ids, list[i].ID)
		}
	}
	return ids, nil
}
