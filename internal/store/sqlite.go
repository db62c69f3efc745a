// ABOUTME: SQLite implementation of Repository and Directory using modernc.org/sqlite
// ABOUTME: Persists users, conversations and messages with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/preview"
)

// SQLiteStore implements Repository and Directory using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ Repository = (*SQLiteStore)(nil)
	_ Directory  = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would be a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			avatar_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			item_title TEXT NOT NULL DEFAULT '',
			item_image_url TEXT NOT NULL DEFAULT '',
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_message_at TEXT NOT NULL,
			FOREIGN KEY (user_a) REFERENCES users(id),
			FOREIGN KEY (user_b) REFERENCES users(id),
			CHECK (user_a < user_b)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_item_pair
			ON conversations(item_id, user_a, user_b);

		CREATE INDEX IF NOT EXISTS idx_conversations_user_a ON conversations(user_a);
		CREATE INDEX IF NOT EXISTS idx_conversations_user_b ON conversations(user_b);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			image_ref TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			read_at TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, id);

		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, sender_id) WHERE read_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		return errors.New("user id required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}

	query := `
		INSERT INTO users (id, display_name, avatar_url, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url
	`
	_, err := s.db.ExecContext(ctx, query, user.ID, user.DisplayName, user.AvatarURL, formatTime(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	s.logger.Debug("upserted user", "user_id", user.ID)
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, display_name, avatar_url, created_at FROM users WHERE id = ?`

	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// CreateConversation opens a conversation about item between two users and
// returns its ID. Both users must exist.
func (s *SQLiteStore) CreateConversation(ctx context.Context, item chat.ItemRef, userA, userB string) (string, error) {
	if err := validatePair(userA, userB); err != nil {
		return "", err
	}
	a, b := orderedPair(userA, userB)
	id := uuid.New().String()
	now := formatTime(s.now())

	query := `
		INSERT INTO conversations (id, item_id, item_title, item_image_url, user_a, user_b, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, id, item.ID, item.Title, item.ImageURL, a, b, now, now)
	if err != nil {
		if isConstraintViolation(err) {
			return "", ErrDuplicateConversation
		}
		if isForeignKeyViolation(err) {
			return "", fmt.Errorf("participant: %w", ErrNotFound)
		}
		return "", fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", id, "item_id", item.ID)
	return id, nil
}

// FetchConversations implements Repository.
func (s *SQLiteStore) FetchConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	query := `
		SELECT c.id, c.item_id, c.item_title, c.item_image_url, c.last_message_at,
		       me.id, me.display_name, me.avatar_url,
		       other.id, other.display_name, other.avatar_url,
		       (SELECT COUNT(*) FROM messages m
		         WHERE m.conversation_id = c.id AND m.sender_id != ? AND m.read_at IS NULL)
		FROM conversations c
		JOIN users me ON me.id = ?
		JOIN users other ON other.id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
		WHERE c.user_a = ? OR c.user_b = ?
		ORDER BY c.last_message_at DESC, c.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []chat.Conversation
	for rows.Next() {
		var c chat.Conversation
		var lastAt string
		if err := rows.Scan(
			&c.ID, &c.Item.ID, &c.Item.Title, &c.Item.ImageURL, &lastAt,
			&c.CurrentUser.ID, &c.CurrentUser.DisplayName, &c.CurrentUser.AvatarURL,
			&c.OtherUser.ID, &c.OtherUser.DisplayName, &c.OtherUser.AvatarURL,
			&c.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		c.LastMessageAt, err = parseTime(lastAt)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	for i := range convs {
		last, err := s.lastMessage(ctx, convs[i].ID)
		if err != nil {
			return nil, err
		}
		if last != nil {
			convs[i].LastMessage = preview.ForMessage(last)
		}
	}

	return convs, nil
}

func (s *SQLiteStore) lastMessage(ctx context.Context, conversationID string) (*chat.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, text, image_ref, created_at, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	msgs, err := s.queryMessages(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// FetchMessages implements Repository. Pages walk backwards in time; each
// page is returned oldest first.
func (s *SQLiteStore) FetchMessages(ctx context.Context, conversationID string, page Page) (*MessagePage, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id required")
	}
	limit := normalizeLimit(page.Limit)

	if _, err := s.participants(ctx, s.db, conversationID); err != nil {
		return nil, err
	}

	args := []any{conversationID}
	query := `
		SELECT id, conversation_id, sender_id, text, image_ref, created_at, read_at
		FROM messages
		WHERE conversation_id = ?
	`

	if page.Cursor != "" {
		cursorTS, cursorID, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		ts := formatTime(cursorTS)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, ts, ts, cursorID)
	}

	// Fetch limit+1 to detect if there are more results
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	result := &MessagePage{
		Messages: msgs,
		HasMore:  hasMore,
	}
	if hasMore && len(msgs) > 0 {
		oldest := msgs[0]
		result.NextCursor = encodeCursor(oldest.CreatedAt, oldest.ID)
	}
	return result, nil
}

// SendMessage implements Repository. created_at is kept strictly increasing
// within a conversation so that send order is the display order.
func (s *SQLiteStore) SendMessage(ctx context.Context, conversationID, senderID string, draft chat.Draft) (chat.Message, error) {
	if err := draft.Validate(); err != nil {
		return chat.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	pair, err := s.participants(ctx, tx, conversationID)
	if err != nil {
		return chat.Message{}, err
	}
	if senderID != pair[0] && senderID != pair[1] {
		return chat.Message{}, ErrNotParticipant
	}

	createdAt := s.now().UTC()
	var lastStr sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&lastStr)
	if err != nil {
		return chat.Message{}, fmt.Errorf("querying last message time: %w", err)
	}
	if lastStr.Valid {
		last, err := parseTime(lastStr.String)
		if err != nil {
			return chat.Message{}, fmt.Errorf("parsing created_at: %w", err)
		}
		if !createdAt.After(last) {
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, image_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.ImageRef, formatTime(msg.CreatedAt))
	if err != nil {
		return chat.Message{}, fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), conversationID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message", "message_id", msg.ID, "conversation_id", conversationID)
	return msg, nil
}

// MarkMessagesAsRead implements Repository.
func (s *SQLiteStore) MarkMessagesAsRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	pair, err := s.participants(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	if readerID != pair[0] && readerID != pair[1] {
		return nil, ErrNotParticipant
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL
		ORDER BY created_at ASC, id ASC
	`, conversationID, readerID)
	if err != nil {
		return nil, fmt.Errorf("querying unread messages: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning message id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating unread messages: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET read_at = ?
		WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL
	`, formatTime(s.now()), conversationID, readerID)
	if err != nil {
		return nil, fmt.Errorf("marking messages read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing read: %w", err)
	}

	s.logger.Debug("marked messages read",
		"conversation_id", conversationID,
		"reader_id", readerID,
		"count", len(ids))
	return ids, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Participants implements Directory.
func (s *SQLiteStore) Participants(ctx context.Context, conversationID string) ([2]string, error) {
	return s.participants(ctx, s.db, conversationID)
}

// participants returns the two user IDs of a conversation.
func (s *SQLiteStore) participants(ctx context.Context, q querier, conversationID string) ([2]string, error) {
	var pair [2]string
	err := q.QueryRowContext(ctx,
		`SELECT user_a, user_b FROM conversations WHERE id = ?`, conversationID,
	).Scan(&pair[0], &pair[1])
	if errors.Is(err, sql.ErrNoRows) {
		return pair, ErrNotFound
	}
	if err != nil {
		return pair, fmt.Errorf("querying conversation: %w", err)
	}
	return pair, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var createdAt string
		var readAt sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.ImageRef, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.IsRead = readAt.Valid
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// isConstraintViolation checks if an error is a SQLite unique constraint violation
func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if an error is a SQLite foreign key violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
