// Package thread maps inbound emails onto conversations. Resolution
// prefers RFC 5322 threading headers and falls back to a recency
// heuristic for clients that strip them.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/store"
)

var (
	// ErrInvalidSender rejects an email whose From address cannot be
	// parsed. Nothing is persisted.
	ErrInvalidSender = errors.New("invalid sender address")

	// ErrEmptyMessage rejects an email with neither body nor subject.
	// Policy-controlled via ResolverConfig.RejectEmpty.
	ErrEmptyMessage = errors.New("empty message")
)

// FallbackPolicy names the strategy used when threading headers are
// absent and the sender has active conversations in the recency window.
type FallbackPolicy string

const (
	// FallbackSingle matches only when exactly one conversation
	// qualifies; any ambiguity starts a new conversation.
	FallbackSingle FallbackPolicy = "single"

	// FallbackLatest picks the most-recently-updated qualifying
	// conversation.
	FallbackLatest FallbackPolicy = "latest"
)

// Resolution is the outcome of resolving one inbound email.
type Resolution struct {
	ConversationID string
	UserID         string

	// Created reports that a new conversation was started.
	Created bool

	// NewUser reports that the sender was unknown and a user was created.
	NewUser bool

	// Duplicate reports that an email with this Message-ID is already
	// stored; the caller must not append anything.
	Duplicate bool
}

// Resolver selects or creates the conversation an inbound email
// belongs to. It never mutates existing conversation content.
type Resolver struct {
	store  store.Store
	cfg    model.ResolverConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver over the given store and policy.
func NewResolver(s store.Store, cfg model.ResolverConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve determines the conversation for an inbound email, in
// priority order: redelivery detection, threading headers, recency
// fallback, then a fresh conversation (creating the user if the
// sender is unknown).
func (r *Resolver) Resolve(ctx context.Context, email *model.Email) (*Resolution, error) {
	sender, err := r.validate(email)
	if err != nil {
		return nil, err
	}

	// Webhook retries redeliver the same Message-ID; detect before
	// any lookup so the whole unit of work no-ops.
	if email.MessageID != "" {
		stored, err := r.store.FindEmailByMessageID(ctx, email.MessageID)
		if err == nil {
			r.logger.Info("duplicate delivery",
				"message_id", email.MessageID,
				"conversation_id", stored.ConversationID)
			return &Resolution{
				ConversationID: stored.ConversationID,
				Duplicate:      true,
			}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("checking redelivery: %w", err)
		}
	}

	// Priority 1: follow threading headers to a stored email.
	if conv, err := r.resolveByHeaders(ctx, email); err != nil {
		return nil, err
	} else if conv != nil {
		return r.finishForConversation(ctx, conv, sender)
	}

	// Priority 2: recency-window fallback for clients that strip
	// threading headers.
	user, err := r.store.GetUserByAddress(ctx, sender)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up sender: %w", err)
	}
	if user != nil {
		conv, err := r.resolveByRecency(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			r.logger.Info("resolved by recency fallback",
				"conversation_id", conv.ID, "sender", sender)
			return &Resolution{ConversationID: conv.ID, UserID: user.ID}, nil
		}
	}

	// Priority 3: start a new conversation, creating the user first
	// if the sender is unknown.
	newUser := false
	if user == nil {
		created, wasNew, err := r.store.GetOrCreateUser(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("creating user for %s: %w", sender, err)
		}
		user = created
		newUser = wasNew
	}

	conv := model.NewConversation(user.ID, email.Subject)
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	r.logger.Info("started conversation",
		"conversation_id", conv.ID, "user_id", user.ID, "new_user", newUser)
	return &Resolution{
		ConversationID: conv.ID,
		UserID:         user.ID,
		Created:        true,
		NewUser:        newUser,
	}, nil
}

// validate checks the envelope before any persistence and returns the
// normalized sender address.
func (r *Resolver) validate(email *model.Email) (string, error) {
	addr, err := mail.ParseAddress(email.From)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidSender, email.From)
	}
	sender := model.NormalizeAddress(addr.Address)

	if r.cfg.RejectEmpty &&
		strings.TrimSpace(email.Text) == "" &&
		strings.TrimSpace(email.HTML) == "" &&
		strings.TrimSpace(email.Subject) == "" {
		return "", ErrEmptyMessage
	}

	return sender, nil
}

// resolveByHeaders follows In-Reply-To first, then the References
// chain newest-ancestor-first, to a previously stored email.
func (r *Resolver) resolveByHeaders(ctx context.Context, email *model.Email) (*model.Conversation, error) {
	candidates := make([]string, 0, len(email.References)+1)
	if email.InReplyTo != "" {
		candidates = append(candidates, email.InReplyTo)
	}
	for i := len(email.References) - 1; i >= 0; i-- {
		if ref := email.References[i]; ref != "" && ref != email.InReplyTo {
			candidates = append(candidates, ref)
		}
	}

	for _, id := range candidates {
		stored, err := r.store.FindEmailByMessageID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("following header chain: %w", err)
		}

		conv, err := r.store.GetConversation(ctx, stored.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("loading conversation %s: %w", stored.ConversationID, err)
		}
		r.logger.Info("resolved by threading headers",
			"conversation_id", conv.ID, "via", id)
		return conv, nil
	}

	// Reverse direction: an out-of-order delivery may have stored a
	// reply to this email before the email itself arrived. Matching
	// the incoming Message-ID against stored In-Reply-To/References
	// keeps the thread together regardless of delivery order.
	if email.MessageID != "" {
		stored, err := r.store.FindEmailReferencing(ctx, email.MessageID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("following header chain backwards: %w", err)
		}
		if err == nil {
			conv, err := r.store.GetConversation(ctx, stored.ConversationID)
			if err != nil {
				return nil, fmt.Errorf("loading conversation %s: %w", stored.ConversationID, err)
			}
			r.logger.Info("resolved by threading headers",
				"conversation_id", conv.ID, "via", stored.MessageID, "reversed", true)
			return conv, nil
		}
	}

	return nil, nil
}

// resolveByRecency lists the sender's active conversations inside the
// recency window and applies the configured selection policy.
func (r *Resolver) resolveByRecency(ctx context.Context, userID string) (*model.Conversation, error) {
	window := r.cfg.RecencyWindow()
	if window <= 0 {
		return nil, nil
	}

	since := r.now().Add(-window)
	active := model.ConversationActive
	candidates, err := r.store.ListConversations(ctx, store.ConversationFilter{
		UserID:       &userID,
		Status:       &active,
		UpdatedSince: &since,
	})
	if err != nil {
		return nil, fmt.Errorf("listing fallback candidates: %w", err)
	}

	return SelectFallback(candidates, FallbackPolicy(r.cfg.FallbackPolicy)), nil
}

// finishForConversation fills in the user side of a header-resolved
// match. The sender may be new to the system even when the thread is
// known (e.g. a new participant replying into an existing thread); in
// that case the conversation keeps its original owner.
func (r *Resolver) finishForConversation(ctx context.Context, conv *model.Conversation, sender string) (*Resolution, error) {
	res := &Resolution{ConversationID: conv.ID, UserID: conv.UserID}

	owner, err := r.store.GetUserByID(ctx, conv.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation owner: %w", err)
	}
	if !owner.HasAddress(sender) {
		if _, isNew, err := r.store.GetOrCreateUser(ctx, sender); err != nil {
			return nil, fmt.Errorf("registering participant %s: %w", sender, err)
		} else if isNew {
			res.NewUser = true
		}
	}

	return res, nil
}

// SelectFallback applies the fallback policy to ranked candidates.
// It is a pure function so tie-break behavior is explicit and
// substitutable. Candidates may arrive in any order.
func SelectFallback(candidates []model.Conversation, policy FallbackPolicy) *model.Conversation {
	if len(candidates) == 0 {
		return nil
	}

	switch policy {
	case FallbackLatest:
		best := &candidates[0]
		for i := range candidates {
			if candidates[i].UpdatedAt.After(best.UpdatedAt) {
				best = &candidates[i]
			}
		}
		return best
	case FallbackSingle:
		fallthrough
	default:
		if len(candidates) == 1 {
			return &candidates[0]
		}
		return nil
	}
}
