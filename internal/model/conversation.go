package model

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// ConversationMetadata holds auxiliary conversation attributes with a
// fixed schema, persisted as JSON.
type ConversationMetadata struct {
	// Origin records how the conversation started: "webhook" or "imap".
	Origin string `json:"origin,omitempty"`

	// SubjectHint is the subject line of the first inbound email,
	// before any title truncation.
	SubjectHint string `json:"subject_hint,omitempty"`
}

// Conversation is a logical email thread owned by a single user.
// MessageCount and TotalCost are maintained by the store and must
// always equal the aggregate of the conversation's messages.
type Conversation struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Title        string               `json:"title"`
	Status       ConversationStatus   `json:"status"`
	TotalCost    float64              `json:"total_cost"`
	MessageCount int                  `json:"message_count"`
	Metadata     ConversationMetadata `json:"metadata"`
}

// titleMaxLength bounds conversation titles derived from subjects.
const titleMaxLength = 50

// NewConversation creates an active conversation for the given user,
// deriving a title from the subject line.
func NewConversation(userID, subject string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		Title:     TitleFromSubject(subject),
		Status:    ConversationActive,
		Metadata:  ConversationMetadata{SubjectHint: subject},
	}
}

// TitleFromSubject derives a bounded conversation title from an email
// subject line, trimming on a rune boundary.
func TitleFromSubject(subject string) string {
	if len(subject) <= titleMaxLength {
		return subject
	}
	cut := titleMaxLength - 3
	for cut > 0 && !utf8.RuneStart(subject[cut]) {
		cut--
	}
	return subject[:cut] + "..."
}
