package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/confchat/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity) WHERE is_pinned = 0;

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		text TEXT NOT NULL,
		is_from_user INTEGER NOT NULL,
		kind TEXT NOT NULL,
		aux_json TEXT,
		thoughts_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, last_seen_at, created_at FROM users WHERE user_id = ?`, userID)

	var user domain.User
	var lastSeen, createdAt int64
	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.LastSeenAt = time.UnixMilli(lastSeen)
	user.CreatedAt = time.UnixMilli(createdAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at`

	return withBusyRetry(ctx, "upsert_user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.UnixMilli(), user.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// ListConversations returns the user's directory.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, is_pinned, last_activity FROM conversations
		WHERE user_id = ?
		ORDER BY is_pinned DESC, last_activity DESC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	list := []domain.Conversation{}
	for rows.Next() {
		var c domain.Conversation
		var lastActivity int64
		if err := rows.Scan(&c.ID, &c.Title, &c.IsPinned, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.LastActivity = time.UnixMilli(lastActivity).UTC()
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return list, nil
}

// GetConversation returns one conversation owned by userID.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, title, is_pinned, last_activity FROM conversations WHERE id = ?`, id)

	var owner string
	var lastActivity int64
	c := domain.Conversation{ID: id}
	err := row.Scan(&owner, &c.Title, &c.IsPinned, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	if owner != userID {
		return nil, ErrForbidden
	}
	c.LastActivity = time.UnixMilli(lastActivity).UTC()
	return &c, nil
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, userID string, conv domain.Conversation) error {
	if conv.Title == "" {
		conv.Title = domain.DefaultConversationTitle
	}
	return withBusyRetry(ctx, "create_conversation", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, user_id, title, is_pinned, last_activity, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			conv.ID, userID, conv.Title, conv.IsPinned,
			conv.LastActivity.UnixMilli(), conv.LastActivity.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
}

// RenameConversation changes the title.
func (s *SQLiteStore) RenameConversation(ctx context.Context, userID, id, title string) error {
	return s.updateOwned(ctx, "rename_conversation", userID, id,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`, title)
}

// SetPinned pins or unpins a conversation.
func (s *SQLiteStore) SetPinned(ctx context.Context, userID, id string, pinned bool) error {
	return s.updateOwned(ctx, "set_pinned", userID, id,
		`UPDATE conversations SET is_pinned = ? WHERE id = ? AND user_id = ?`, pinned)
}

func (s *SQLiteStore) updateOwned(ctx context.Context, op, userID, id, query string, value any) error {
	if _, err := s.GetConversation(ctx, userID, id); err != nil {
		return err
	}
	return withBusyRetry(ctx, op, func() error {
		if _, err := s.db.ExecContext(ctx, query, value, id, userID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})
}

// DeleteConversation removes a conversation and its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, id string) error {
	if _, err := s.GetConversation(ctx, userID, id); err != nil {
		return err
	}
	return withBusyRetry(ctx, "delete_conversation", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
				return fmt.Errorf("delete messages: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID); err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			return nil
		})
	})
}

// ClearMessages removes every message of a conversation.
func (s *SQLiteStore) ClearMessages(ctx context.Context, userID, id string) error {
	if _, err := s.GetConversation(ctx, userID, id); err != nil {
		return err
	}
	return withBusyRetry(ctx, "clear_messages", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		return nil
	})
}

// AppendMessage stores msg and bumps the conversation's last activity.
func (s *SQLiteStore) AppendMessage(ctx context.Context, userID, conversationID string, msg domain.Message) error {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return err
	}

	var auxJSON, thoughtsJSON any
	if msg.Aux != nil {
		raw, err := json.Marshal(msg.Aux)
		if err != nil {
			return fmt.Errorf("encode aux payload: %w", err)
		}
		auxJSON = string(raw)
	}
	if len(msg.Thoughts) > 0 {
		raw, err := json.Marshal(msg.Thoughts)
		if err != nil {
			return fmt.Errorf("encode thoughts: %w", err)
		}
		thoughtsJSON = string(raw)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Kind == "" {
		msg.Kind = domain.KindText
	}

	return withBusyRetry(ctx, "append_message", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, conversation_id, text, is_from_user, kind, aux_json, thoughts_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				msg.ID, conversationID, msg.Text, msg.IsFromUser, string(msg.Kind),
				auxJSON, thoughtsJSON, msg.CreatedAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE conversations SET last_activity = MAX(last_activity, ?) WHERE id = ?`,
				msg.CreatedAt.UnixMilli(), conversationID)
			if err != nil {
				return fmt.Errorf("touch conversation: %w", err)
			}
			return nil
		})
	})
}

// Messages returns the stored messages in insertion order. Aux payloads are
// returned as json.RawMessage.
func (s *SQLiteStore) Messages(ctx context.Context, userID, conversationID string) ([]domain.Message, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, is_from_user, kind, aux_json, thoughts_json, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var kind string
		var auxJSON, thoughtsJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Text, &m.IsFromUser, &kind, &auxJSON, &thoughtsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Kind = domain.MessageKind(kind)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		if auxJSON.Valid {
			m.Aux = json.RawMessage(auxJSON.String)
		}
		if thoughtsJSON.Valid {
			if err := json.Unmarshal([]byte(thoughtsJSON.String), &m.Thoughts); err != nil {
				slog.Warn("[STORE] Dropping unreadable thoughts", "message_id", m.ID, "error", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// DeleteIdleConversations removes unpinned conversations idle longer than ttl.
func (s *SQLiteStore) DeleteIdleConversations(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	var deleted int64
	err := withBusyRetry(ctx, "delete_idle_conversations", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM messages WHERE conversation_id IN (
					SELECT id FROM conversations WHERE is_pinned = 0 AND last_activity < ?
				)`, threshold)
			if err != nil {
				return fmt.Errorf("delete idle messages: %w", err)
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM conversations WHERE is_pinned = 0 AND last_activity < ?`, threshold)
			if err != nil {
				return fmt.Errorf("delete idle conversations: %w", err)
			}
			deleted, err = res.RowsAffected()
			return err
		})
	})
	return deleted, err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
