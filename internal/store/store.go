// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/confchat/internal/domain"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrForbidden is returned when a conversation belongs to another user.
	ErrForbidden = errors.New("conversation belongs to another user")
)

// Repository defines the interface for persisting users, conversations and
// their messages. Every conversation operation is scoped to the owning user.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// ListConversations returns the user's directory, pinned first then most recent.
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// GetConversation returns one conversation.
	GetConversation(ctx context.Context, userID, id string) (*domain.Conversation, error)

	// CreateConversation inserts a new conversation.
	CreateConversation(ctx context.Context, userID string, conv domain.Conversation) error

	// RenameConversation changes the title.
	RenameConversation(ctx context.Context, userID, id, title string) error

	// SetPinned pins or unpins a conversation.
	SetPinned(ctx context.Context, userID, id string, pinned bool) error

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, userID, id string) error

	// ClearMessages removes every message of a conversation but keeps the entry.
	ClearMessages(ctx context.Context, userID, id string) error

	// AppendMessage stores msg and bumps the conversation's last activity.
	AppendMessage(ctx context.Context, userID, conversationID string, msg domain.Message) error

	// Messages returns the stored messages in insertion order.
	Messages(ctx context.Context, userID, conversationID string) ([]domain.Message, error)

	// DeleteIdleConversations removes conversations idle longer than ttl.
	// Pinned conversations are kept.
	DeleteIdleConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
