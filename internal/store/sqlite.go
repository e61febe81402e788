// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Durable swap-in for MemoryStore with automatic schema creation

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

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite. It carries the
// same contract as MemoryStore so deployments can opt into durability
// without touching callers.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

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

	// An in-memory database exists per connection; keep the pool at one
	// so every query sees the same database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
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
			phone_number TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			is_verified INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_login_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_phone ON users(phone_number);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			last_message_at DATETIME NOT NULL,

			CHECK (status IN ('active', 'closed')),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user_status
			ON conversations(user_id, status);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			sender TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'text',
			audio_url TEXT,
			audio_duration TEXT,
			timestamp DATETIME NOT NULL,
			seq INTEGER NOT NULL,
			is_from_webhook INTEGER NOT NULL DEFAULT 0,

			CHECK (sender IN ('user', 'agent')),
			CHECK (message_type IN ('text', 'audio')),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, timestamp, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_timestamp
			ON messages(timestamp, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateUser inserts a user. The phone number must be unique.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone_number, name, is_verified, created_at, last_login_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.PhoneNumber, user.Name, user.IsVerified,
		user.CreatedAt.UTC(), user.LastLoginAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicatePhone
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, name, is_verified, created_at, last_login_at
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByPhone looks up a user by phone number.
func (s *SQLiteStore) GetUserByPhone(ctx context.Context, phoneNumber string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, name, is_verified, created_at, last_login_at
		 FROM users WHERE phone_number = ?`, phoneNumber)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.PhoneNumber, &u.Name, &u.IsVerified, &u.CreatedAt, &u.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// UpdateUserLogin bumps the user's last-login time.
func (s *SQLiteStore) UpdateUserLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating user login: %w", err)
	}
	return requireRow(res)
}

// CreateConversation inserts a conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, status, created_at, last_message_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Status,
		conv.CreatedAt.UTC(), conv.LastMessageAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation with the given id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, created_at, last_message_at
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetActiveConversationByUser returns the user's active conversation.
func (s *SQLiteStore) GetActiveConversationByUser(ctx context.Context, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, created_at, last_message_at
		 FROM conversations WHERE user_id = ? AND status = 'active'
		 ORDER BY created_at LIMIT 1`, userID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Status, &c.CreatedAt, &c.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &c, nil
}

// LatestActiveConversation returns the active conversation with the most
// recent last-message time.
func (s *SQLiteStore) LatestActiveConversation(ctx context.Context) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, created_at, last_message_at
		 FROM conversations WHERE status = 'active'
		 ORDER BY last_message_at DESC LIMIT 1`)
	return scanConversation(row)
}

// UpdateConversationLastMessage bumps the conversation's last-message time.
func (s *SQLiteStore) UpdateConversationLastMessage(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return requireRow(res)
}

// CloseConversation transitions a conversation to status=closed.
func (s *SQLiteStore) CloseConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'closed' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("closing conversation: %w", err)
	}
	return requireRow(res)
}

// CreateMessage inserts a message with the next insertion sequence number.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, content, sender, message_type,
			audio_url, audio_duration, timestamp, seq, is_from_webhook)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages), ?)`,
		msg.ID, msg.ConversationID, msg.Content, msg.Sender, msg.MessageType,
		msg.AudioURL, msg.AudioDuration, msg.Timestamp.UTC(), msg.IsFromWebhook)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage returns the message with the given id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, content, sender, message_type,
			audio_url, audio_duration, timestamp, is_from_webhook
		 FROM messages WHERE id = ?`, id)

	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Sender, &m.MessageType,
		&m.AudioURL, &m.AudioDuration, &m.Timestamp, &m.IsFromWebhook)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return &m, nil
}

// ListMessages returns up to limit of the most recent messages across all
// conversations, oldest-first. A limit <= 0 returns everything.
func (s *SQLiteStore) ListMessages(ctx context.Context, limit int) ([]*Message, error) {
	query := `SELECT id, conversation_id, content, sender, message_type,
			audio_url, audio_duration, timestamp, is_from_webhook
		 FROM messages ORDER BY timestamp, seq`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		// Most recent window, then flip back to oldest-first
		query = `SELECT * FROM (
				SELECT id, conversation_id, content, sender, message_type,
					audio_url, audio_duration, timestamp, is_from_webhook,
					seq
				FROM messages ORDER BY timestamp DESC, seq DESC LIMIT ?
			) ORDER BY timestamp, seq`
		rows, err = s.db.QueryContext(ctx, query, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows, limit > 0)
}

// ListMessagesByConversation returns all messages for a conversation,
// oldest-first.
func (s *SQLiteStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, content, sender, message_type,
			audio_url, audio_duration, timestamp, is_from_webhook
		 FROM messages WHERE conversation_id = ? ORDER BY timestamp, seq`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing conversation messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows, false)
}

func scanMessages(rows *sql.Rows, withSeq bool) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		var m Message
		var err error
		if withSeq {
			var seq int64
			err = rows.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Sender, &m.MessageType,
				&m.AudioURL, &m.AudioDuration, &m.Timestamp, &m.IsFromWebhook, &seq)
		} else {
			err = rows.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Sender, &m.MessageType,
				&m.AudioURL, &m.AudioDuration, &m.Timestamp, &m.IsFromWebhook)
		}
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
