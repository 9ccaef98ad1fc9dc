package ai

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/store"
	"github.com/nhle/mailpilot/tests/testutil"
)

// seedConversation creates a user, a conversation, and n completed
// exchanges plus optionally one trailing pending message.
func seedConversation(t *testing.T, s store.Store, n int, pending bool) string {
	t.Helper()
	ctx := context.Background()

	user, _, err := s.GetOrCreateUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	conv := model.NewConversation(user.ID, "Test thread")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		msg := model.NewMessage(conv.ID, user.ID, "", "question "+strings.Repeat("x", i))
		msg.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		msg.AssistantContent = "answer " + strings.Repeat("y", i)
		msg.Metrics = &model.MessageMetrics{Model: "m", CostUSD: 0.001}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	if pending {
		msg := model.NewMessage(conv.ID, user.ID, "", "latest question")
		msg.CreatedAt = base.Add(time.Duration(n) * time.Minute)
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage pending: %v", err)
		}
	}

	return conv.ID
}

func TestBuildSystemTurnAlwaysFirst(t *testing.T) {
	s := testutil.NewTestStore(t)
	convID := seedConversation(t, s, 0, false)

	b := NewContextBuilder(s, "be helpful", 0, 0)
	turns, err := b.Build(context.Background(), convID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(turns) != 1 {
		t.Fatalf("expected only the system turn, got %d turns", len(turns))
	}
	if turns[0].Role != RoleSystem || turns[0].Content != "be helpful" {
		t.Fatalf("unexpected first turn: %+v", turns[0])
	}
}

func TestBuildOrdersAndAlternates(t *testing.T) {
	s := testutil.NewTestStore(t)
	convID := seedConversation(t, s, 3, false)

	b := NewContextBuilder(s, "sys", 0, 0)
	turns, err := b.Build(context.Background(), convID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// system + 3 user/assistant pairs
	if len(turns) != 7 {
		t.Fatalf("expected 7 turns, got %d", len(turns))
	}
	for i := 1; i < len(turns); i++ {
		want := RoleUser
		if i%2 == 0 {
			want = RoleAssistant
		}
		if turns[i].Role != want {
			t.Fatalf("turn %d: expected role %s, got %s", i, want, turns[i].Role)
		}
	}
	if turns[1].Content != "question " {
		t.Fatalf("oldest user turn should come first, got %q", turns[1].Content)
	}
}

func TestBuildPendingMessageEndsOnUserTurn(t *testing.T) {
	s := testutil.NewTestStore(t)
	convID := seedConversation(t, s, 2, true)

	b := NewContextBuilder(s, "sys", 0, 0)
	turns, err := b.Build(context.Background(), convID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	last := turns[len(turns)-1]
	if last.Role != RoleUser || last.Content != "latest question" {
		t.Fatalf("expected trailing pending user turn, got %+v", last)
	}
}

func TestBuildTruncatesOldestWholeExchanges(t *testing.T) {
	s := testutil.NewTestStore(t)
	convID := seedConversation(t, s, 5, false)

	// Budget of 4 history turns keeps only the 2 newest exchanges.
	b := NewContextBuilder(s, "sys", 4, 0)
	turns, err := b.Build(context.Background(), convID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(turns) != 5 {
		t.Fatalf("expected 5 turns (system + 2 exchanges), got %d", len(turns))
	}
	// Turns must still alternate user/assistant: truncation never
	// splits an exchange.
	if turns[1].Role != RoleUser || turns[2].Role != RoleAssistant {
		t.Fatalf("truncation split an exchange: %+v", turns[1:3])
	}
	if turns[1].Content != "question "+strings.Repeat("x", 3) {
		t.Fatalf("expected oldest surviving exchange to be #3, got %q", turns[1].Content)
	}
}

func TestBuildTokenCeiling(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	user, _, err := s.GetOrCreateUser(ctx, "bob@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	conv := model.NewConversation(user.ID, "big thread")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	big := strings.Repeat("a", 4000) // ~1000 tokens
	for i := 0; i < 3; i++ {
		msg := model.NewMessage(conv.ID, user.ID, "", big)
		msg.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		msg.AssistantContent = big
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	// ~2000-token ceiling fits exactly one exchange.
	b := NewContextBuilder(s, "sys", 0, 2000)
	turns, err := b.Build(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected system + 1 exchange, got %d turns", len(turns))
	}
}

func TestBuildKeepsOversizedPendingExchange(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	user, _, err := s.GetOrCreateUser(ctx, "bob@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	conv := model.NewConversation(user.ID, "oversized")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	// The sole pending message alone busts the token ceiling; it must
	// still be included, otherwise the owed reply would be generated
	// from the system prompt alone.
	msg := model.NewMessage(conv.ID, user.ID, "", strings.Repeat("a", 4000))
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	b := NewContextBuilder(s, "sys", 0, 100)
	turns, err := b.Build(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected system + pending user turn, got %d turns", len(turns))
	}
	if turns[1].Role != RoleUser {
		t.Fatalf("expected trailing user turn, got %s", turns[1].Role)
	}
}

func TestBuildSameInputSameOutput(t *testing.T) {
	s := testutil.NewTestStore(t)
	convID := seedConversation(t, s, 4, true)

	b := NewContextBuilder(s, "sys", 6, 0)
	first, err := b.Build(context.Background(), convID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := b.Build(context.Background(), convID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("rebuild changed length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("rebuild changed turn %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}
