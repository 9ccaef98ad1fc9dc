package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailpilot/internal/model"
)

// Sentinel errors for the failure taxonomy of the persistence layer.
var (
	// ErrNotFound is returned by single-entity reads when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateMessageID is returned when an email with the same
	// RFC Message-ID already exists in the target conversation. It is
	// the storage-level backstop for webhook redelivery.
	ErrDuplicateMessageID = errors.New("duplicate message id")

	// ErrIntegrityViolation is returned when a write cannot satisfy a
	// referential or aggregate invariant. It is fatal to the current
	// unit of work and never retried.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrStorageUnavailable is returned after bounded retries of a
	// transient storage failure are exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ConversationFilter controls filtering and pagination for
// conversation queries.
type ConversationFilter struct {
	UserID       *string
	Status       *model.ConversationStatus
	UpdatedSince *time.Time
	Limit        int
}

// Store defines the persistence interface for users, conversations,
// messages, and emails. All mutations go through this interface; no
// component writes to the database directly.
type Store interface {
	// === Users ===

	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByAddress(ctx context.Context, address string) (*model.User, error)

	// GetOrCreateUser looks up the user owning the normalized address,
	// creating one if none exists. The bool result reports whether a
	// new user was created.
	GetOrCreateUser(ctx context.Context, address string) (*model.User, bool, error)

	AddUserAddress(ctx context.Context, userID, address string) error
	UpdateUserSettings(ctx context.Context, userID string, settings model.UserSettings) error

	// === Conversations ===

	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error)
	CloseConversation(ctx context.Context, id string) error

	// === Emails (append-only) ===

	// AppendEmail inserts an immutable email row. Fails with
	// ErrDuplicateMessageID if an email with the same Message-ID is
	// already stored for that conversation.
	AppendEmail(ctx context.Context, email *model.Email) error

	// FindEmailByMessageID returns the stored email carrying the given
	// RFC Message-ID, or ErrNotFound.
	FindEmailByMessageID(ctx context.Context, messageID string) (*model.Email, error)

	// FindEmailReferencing returns the oldest stored email whose
	// In-Reply-To or References chain names the given Message-ID, or
	// ErrNotFound.
	FindEmailReferencing(ctx context.Context, messageID string) (*model.Email, error)

	ListEmails(ctx context.Context, conversationID string) ([]model.Email, error)

	// === Messages ===

	// AppendMessage inserts a message and atomically bumps the parent
	// conversation's message_count, updated_at, and (if the message
	// carries metrics) total_cost.
	AppendMessage(ctx context.Context, msg *model.Message) error

	// CompleteMessage fills in the assistant side of a pending message
	// and atomically adds its cost to the conversation aggregate.
	CompleteMessage(ctx context.Context, messageID, assistantContent string, metrics model.MessageMetrics) error

	// GetConversationHistory returns the conversation's messages
	// ordered by (created_at, id) ascending.
	GetConversationHistory(ctx context.Context, conversationID string) ([]model.Message, error)

	GetMessage(ctx context.Context, id string) (*model.Message, error)
}
