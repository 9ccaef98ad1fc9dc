package thread_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/store"
	"github.com/nhle/mailpilot/internal/thread"
	"github.com/nhle/mailpilot/tests/testutil"
)

func defaultResolverConfig() model.ResolverConfig {
	return model.ResolverConfig{
		RecencyWindowHours: 72,
		FallbackPolicy:     "single",
		RejectEmpty:        true,
	}
}

func inboundEmail(from, messageID, subject, text string) *model.Email {
	return &model.Email{
		ID:        model.NewEmailID(),
		CreatedAt: time.Now().UTC(),
		Direction: model.DirectionInbound,
		MessageID: messageID,
		From:      from,
		To:        []string{"agent@mailpilot.dev"},
		Subject:   subject,
		Text:      text,
	}
}

func storeEmail(t *testing.T, s store.Store, email *model.Email, conversationID string) {
	t.Helper()
	email.ConversationID = conversationID
	if err := s.AppendEmail(context.Background(), email); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
}

// seedConversation creates a conversation directly through the store
// so the recency fallback cannot interfere with test setup.
func seedConversation(t *testing.T, s store.Store, address, subject string) *model.Conversation {
	t.Helper()
	user, _, err := s.GetOrCreateUser(context.Background(), address)
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	conv := model.NewConversation(user.ID, subject)
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

func TestResolveCreatesUserAndConversation(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := thread.NewResolver(s, defaultResolverConfig(), nil)

	res, err := r.Resolve(context.Background(), inboundEmail("alice@example.com", "<m1@example.com>", "Hi", "hello"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Created || !res.NewUser {
		t.Fatalf("expected new user and conversation, got %+v", res)
	}

	conv, err := s.GetConversation(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Title != "Hi" {
		t.Fatalf("expected title from subject, got %q", conv.Title)
	}
	if conv.UserID != res.UserID {
		t.Fatalf("conversation owner mismatch: %s vs %s", conv.UserID, res.UserID)
	}
}

func TestResolveByInReplyTo(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := thread.NewResolver(s, defaultResolverConfig(), nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, inboundEmail("alice@example.com", "<m1@example.com>", "Hi", "hello"))
	if err != nil {
		t.Fatalf("Resolve first: %v", err)
	}
	storeEmail(t, s, inboundEmail("alice@example.com", "<m1@example.com>", "Hi", "hello"), first.ConversationID)

	reply := inboundEmail("alice@example.com", "<m2@example.com>", "Re: Hi", "more")
	reply.InReplyTo = "<m1@example.com>"

	res, err := r.Resolve(ctx, reply)
	if err != nil {
		t.Fatalf("Resolve reply: %v", err)
	}
	if res.Created {
		t.Fatal("reply should join the existing conversation")
	}
	if res.ConversationID != first.ConversationID {
		t.Fatalf("expected conversation %s, got %s", first.ConversationID, res.ConversationID)
	}
}

func TestResolveByReferencesNewestFirst(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := thread.NewResolver(s, defaultResolverConfig(), nil)
	ctx := context.Background()

	convA := seedConversation(t, s, "alice@example.com", "A")
	storeEmail(t, s, inboundEmail("alice@example.com", "<a1@x>", "A", "a"), convA.ID)

	convB := seedConversation(t, s, "alice@example.com", "B")
	storeEmail(t, s, inboundEmail("alice@example.com", "<b1@x>", "B", "b"), convB.ID)

	// References list both threads; the newest ancestor (last element)
	// must win.
	reply := inboundEmail("alice@example.com", "<r1@x>", "Re: B", "reply")
	reply.References = []string{"<a1@x>", "<b1@x>"}

	res, err := r.Resolve(ctx, reply)
	if err != nil {
		t.Fatalf("Resolve reply: %v", err)
	}
	if res.ConversationID != convB.ID {
		t.Fatalf("expected newest referenced conversation %s, got %s", convB.ID, res.ConversationID)
	}
}

func TestResolveHeadersBeatRecency(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := thread.NewResolver(s, defaultResolverConfig(), nil)
	ctx := context.Background()

	old := seedConversation(t, s, "alice@example.com", "Old")
	storeEmail(t, s, inboundEmail("alice@example.com", "<old@x>", "Old", "old"), old.ID)

	recent := seedConversation(t, s, "alice@example.com", "Recent")
	storeEmail(t, s, inboundEmail("alice@example.com", "<recent@x>", "Recent", "recent"), recent.ID)

	// A reply threading to the older conversation must follow its
	// headers even though the other conversation is fresher.
	reply := inboundEmail("alice@example.com", "<r@x>", "Re: Old", "reply")
	reply.InReplyTo = "<old@x>"

	res, err := r.Resolve(ctx, reply)
	if err != nil {
		t.Fatalf("Resolve reply: %v", err)
	}
	if res.ConversationID != old.ID {
		t.Fatalf("headers must beat recency: expected %s, got %s", old.ID, res.ConversationID)
	}
}

func TestResolveReorderedDelivery(t *testing.T) {
	s := testutil.NewTestStore(t)
	cfg := defaultResolverConfig()
	cfg.RecencyWindowHours = 0
	r := thread.NewResolver(s, cfg, nil)
	ctx := context.Background()

	// The reply arrives before the message it answers.
	reply := inboundEmail("alice@example.com", "<b@x>", "Re: Hi", "reply")
	reply.InReplyTo = "<a@x>"
	first, err := r.Resolve(ctx, reply)
	if err != nil {
		t.Fatalf("Resolve reply: %v", err)
	}
	if !first.Created {
		t.Fatal("orphan reply should start a conversation")
	}
	storeEmail(t, s, reply, first.ConversationID)

	parent := inboundEmail("alice@example.com", "<a@x>", "Hi", "hello")
	res, err := r.Resolve(ctx, parent)
	if err != nil {
		t.Fatalf("Resolve parent: %v", err)
	}
	if res.Created {
		t.Fatal("late parent must join the reply's conversation, not split the thread")
	}
	if res.ConversationID != first.ConversationID {
		t.Fatalf("expected conversation %s, got %s", first.ConversationID, res.ConversationID)
	}
	storeEmail(t, s, parent, res.ConversationID)

	// Same in the References list: an ancestor named only there must
	// also be matched when it finally arrives.
	deep := inboundEmail("alice@example.com", "<d@x>", "Re: Hi", "deep")
	deep.References = []string{"<c@x>", "<a@x>"}
	mid, err := r.Resolve(ctx, deep)
	if err != nil {
		t.Fatalf("Resolve deep: %v", err)
	}
	storeEmail(t, s, deep, mid.ConversationID)

	ancestor := inboundEmail("alice@example.com", "<c@x>", "Hi", "ancestor")
	res, err = r.Resolve(ctx, ancestor)
	if err != nil {
		t.Fatalf("Resolve ancestor: %v", err)
	}
	if res.ConversationID != first.ConversationID {
		t.Fatalf("referenced ancestor split the thread: expected %s, got %s", first.ConversationID, res.ConversationID)
	}
}

func TestResolveRecencyFallbackSingle(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := thread.NewResolver(s, defaultResolverConfig(), nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, inboundEmail("alice@example.com", "<m1@x>", "Hi", "hello"))
	if err != nil {
		t.Fatalf("Resolve first: %v", err)
	}

	// Same sender, no threading headers, one active conversation in
	// the window: fallback joins it.
	res, err := r.Resolve(ctx, inboundEmail("alice@example.com", "<m2@x>", "Hi again", "more"))
	if err != nil {
		t.Fatalf("Resolve second: %v", err)
	}
	if res.Created {
		t.Fatal("expected recency fallback, got new conversation")
	}
	if res.ConversationID != first.ConversationID {
		t.Fatalf("expected conversation %s, got %s", first.ConversationID, res.ConversationID)
	}
}

func TestResolveRecencyFallbackAmbiguous(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	user, _, err := s.GetOrCreateUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	for _, subject := range []string{"One", "Two"} {
		if err := s.CreateConversation(ctx, model.NewConversation(user.ID, subject)); err != nil {
			t.Fatalf("CreateConversation: %v", err)
		}
	}

	// Two qualifying conversations: "single" refuses to guess,
	// "latest" joins the fresher one.
	r := thread.NewResolver(s, defaultResolverConfig(), nil)
	res, err := r.Resolve(ctx, inboundEmail("alice@example.com", "<m3@x>", "Three", "3"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Created {
		t.Fatal("single policy must start a new conversation when ambiguous")
	}

	cfg := defaultResolverConfig()
	cfg.FallbackPolicy = "latest"
	r = thread.NewResolver(s, cfg, nil)
	res, err = r.Resolve(ctx, inboundEmail("alice@example.com", "<m4@x>", "Four", "4"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Created {
		t.Fatal("latest policy must join a qualifying conversation")
	}
}

func TestResolveRejectsInvalidSender(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := thread.NewResolver(s, defaultResolverConfig(), nil)

	_, err := r.Resolve(context.Background(), inboundEmail("not an address", "<m1@x>", "Hi", "hello"))
	if !errors.Is(err, thread.ErrInvalidSender) {
		t.Fatalf("expected ErrInvalidSender, got %v", err)
	}

	// Nothing persisted.
	convs, err := s.ListConversations(context.Background(), store.ConversationFilter{})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("rejected email persisted %d conversations", len(convs))
	}
}

func TestResolveRejectsEmptyMessage(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := thread.NewResolver(s, defaultResolverConfig(), nil)

	_, err := r.Resolve(context.Background(), inboundEmail("alice@example.com", "<m1@x>", "", "   "))
	if !errors.Is(err, thread.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	// Subject-only is enough content.
	if _, err := r.Resolve(context.Background(), inboundEmail("alice@example.com", "<m2@x>", "Subject only", "")); err != nil {
		t.Fatalf("subject-only email rejected: %v", err)
	}
}

func TestResolveAcceptsEmptyWhenPolicyOff(t *testing.T) {
	s := testutil.NewTestStore(t)
	cfg := defaultResolverConfig()
	cfg.RejectEmpty = false
	r := thread.NewResolver(s, cfg, nil)

	if _, err := r.Resolve(context.Background(), inboundEmail("alice@example.com", "<m1@x>", "", "")); err != nil {
		t.Fatalf("Resolve with RejectEmpty off: %v", err)
	}
}

func TestResolveDetectsDuplicate(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := thread.NewResolver(s, defaultResolverConfig(), nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, inboundEmail("alice@example.com", "<dup@x>", "Hi", "hello"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	storeEmail(t, s, inboundEmail("alice@example.com", "<dup@x>", "Hi", "hello"), first.ConversationID)

	res, err := r.Resolve(ctx, inboundEmail("alice@example.com", "<dup@x>", "Hi", "hello"))
	if err != nil {
		t.Fatalf("Resolve duplicate: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate resolution")
	}
	if res.ConversationID != first.ConversationID {
		t.Fatalf("duplicate must point at original conversation, got %s", res.ConversationID)
	}
}

func TestSelectFallback(t *testing.T) {
	now := time.Now().UTC()
	one := model.Conversation{ID: "one", UpdatedAt: now.Add(-time.Hour)}
	two := model.Conversation{ID: "two", UpdatedAt: now}

	if got := thread.SelectFallback(nil, thread.FallbackSingle); got != nil {
		t.Fatalf("empty candidates: expected nil, got %+v", got)
	}

	if got := thread.SelectFallback([]model.Conversation{one}, thread.FallbackSingle); got == nil || got.ID != "one" {
		t.Fatalf("single candidate: expected one, got %+v", got)
	}

	if got := thread.SelectFallback([]model.Conversation{one, two}, thread.FallbackSingle); got != nil {
		t.Fatalf("ambiguous single policy: expected nil, got %+v", got)
	}

	// Order of candidates must not matter for latest.
	if got := thread.SelectFallback([]model.Conversation{one, two}, thread.FallbackLatest); got == nil || got.ID != "two" {
		t.Fatalf("latest policy: expected two, got %+v", got)
	}
	if got := thread.SelectFallback([]model.Conversation{two, one}, thread.FallbackLatest); got == nil || got.ID != "two" {
		t.Fatalf("latest policy reordered: expected two, got %+v", got)
	}
}
