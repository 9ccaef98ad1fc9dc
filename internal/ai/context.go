package ai

import (
	"context"
	"fmt"

	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/store"
)

// Role identifies the speaker of a context turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged unit of context handed to the generation
// provider.
type Turn struct {
	Role    Role
	Content string
}

// ContextBuilder linearizes a conversation's stored messages into the
// ordered turn sequence a generation call continues from. Building is
// a pure function over stored state: the same conversation and budget
// always yield an identical sequence.
type ContextBuilder struct {
	store        store.Store
	systemPrompt string
	maxTurns     int
	maxTokens    int
}

// NewContextBuilder creates a builder with the given budget. maxTurns
// bounds the number of history turns (zero means unlimited);
// maxTokens is an optional approximate token ceiling (zero disables).
// The system prompt is always included and never counts against
// either budget.
func NewContextBuilder(s store.Store, systemPrompt string, maxTurns, maxTokens int) *ContextBuilder {
	return &ContextBuilder{
		store:        s,
		systemPrompt: systemPrompt,
		maxTurns:     maxTurns,
		maxTokens:    maxTokens,
	}
}

// Build assembles the context for a conversation. The system prompt
// is the first turn even when no history fits. When the history
// exceeds the budget, the oldest complete exchanges are dropped
// first; a user turn is never separated from its assistant reply. A
// pending message contributes a trailing user turn with no assistant
// turn, signalling that a reply is owed.
func (b *ContextBuilder) Build(ctx context.Context, conversationID string) ([]Turn, error) {
	history, err := b.store.GetConversationHistory(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", conversationID, err)
	}

	exchanges := make([][]Turn, 0, len(history))
	for _, msg := range history {
		exchanges = append(exchanges, messageTurns(msg))
	}
	exchanges = truncate(exchanges, b.maxTurns, b.maxTokens)

	turns := make([]Turn, 0, 1+2*len(exchanges))
	turns = append(turns, Turn{Role: RoleSystem, Content: b.systemPrompt})
	for _, ex := range exchanges {
		turns = append(turns, ex...)
	}
	return turns, nil
}

// messageTurns converts one stored message into its context turns.
func messageTurns(msg model.Message) []Turn {
	turns := []Turn{{Role: RoleUser, Content: msg.UserContent}}
	if !msg.Pending() {
		turns = append(turns, Turn{Role: RoleAssistant, Content: msg.AssistantContent})
	}
	return turns
}

// truncate drops whole oldest exchanges until both budgets hold. The
// newest exchange is kept even when it alone busts the budget: it
// carries the turn awaiting a reply.
func truncate(exchanges [][]Turn, maxTurns, maxTokens int) [][]Turn {
	for len(exchanges) > 1 && overBudget(exchanges, maxTurns, maxTokens) {
		exchanges = exchanges[1:]
	}
	return exchanges
}

func overBudget(exchanges [][]Turn, maxTurns, maxTokens int) bool {
	turns := 0
	tokens := 0
	for _, ex := range exchanges {
		turns += len(ex)
		for _, t := range ex {
			tokens += estimateTokens(t.Content)
		}
	}
	if maxTurns > 0 && turns > maxTurns {
		return true
	}
	if maxTokens > 0 && tokens > maxTokens {
		return true
	}
	return false
}

// estimateTokens approximates token counts at four characters per
// token, which is close enough for a truncation budget.
func estimateTokens(s string) int {
	return len(s) / 4
}
