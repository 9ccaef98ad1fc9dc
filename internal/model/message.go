package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageMetrics records the telemetry of a single generation call.
// A zero Model means no metrics were recorded yet.
type MessageMetrics struct {
	Model          string  `json:"model"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	CachedTokens   int     `json:"cached_tokens,omitempty"`
	TotalTokens    int     `json:"total_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	ResponseTimeMS int     `json:"response_time_ms"`
}

// Message is one logical turn of a conversation: the user's utterance
// and, once generated, the assistant's reply. A message with an empty
// AssistantContent is pending; that is the only valid partial state.
type Message struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversation_id"`
	UserID           string          `json:"user_id"`
	CreatedAt        time.Time       `json:"created_at"`
	LastUpdatedAt    time.Time       `json:"last_updated_at"`
	SystemPrompt     string          `json:"system_prompt,omitempty"`
	UserContent      string          `json:"user_content"`
	AssistantContent string          `json:"assistant_content"`
	Metrics          *MessageMetrics `json:"metrics,omitempty"`
}

// NewMessage creates a pending message holding only the user side of
// a turn.
func NewMessage(conversationID, userID, systemPrompt, userContent string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		CreatedAt:      now,
		LastUpdatedAt:  now,
		SystemPrompt:   systemPrompt,
		UserContent:    userContent,
	}
}

// Pending reports whether the assistant side of the turn has not been
// generated yet.
func (m *Message) Pending() bool {
	return m.AssistantContent == ""
}
