// Package agent orchestrates the unit of work behind one inbound
// email: thread resolution, persistence, context assembly, the
// generation call, and the persisted reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailpilot/internal/ai"
	"github.com/nhle/mailpilot/internal/mail"
	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/store"
	"github.com/nhle/mailpilot/internal/thread"
)

// ErrGenerationFailed is returned when the generation provider keeps
// failing past the retry ceiling. The triggering message stays
// persisted in its pending state; no assistant content is fabricated.
var ErrGenerationFailed = errors.New("generation failed")

// ReplySender delivers a formatted outbound email. Delivery retries
// are the transport's concern, not the processor's.
type ReplySender interface {
	Send(email *model.Email) error
}

// Outcome summarizes one processed inbound email.
type Outcome struct {
	ConversationID string
	MessageID      string
	ReplyEmailID   string
	ReplyText      string

	// Duplicate reports that the email was a redelivery and nothing
	// was persisted.
	Duplicate bool

	// Created reports that a new conversation was started.
	Created bool
}

// ProcessorOptions wires a Processor's collaborators.
type ProcessorOptions struct {
	Store     store.Store
	Resolver  *thread.Resolver
	Builder   *ai.ContextBuilder
	Generator ai.Generator
	Recorder  *ai.Recorder

	// Sender is optional; when nil, replies are persisted but not
	// transmitted (useful for local testing).
	Sender ReplySender

	// Cache is optional; when set, identical contexts are answered
	// from memory without a provider call.
	Cache *ai.ResponseCache

	AI        model.AIConfig
	ReplyFrom string
	Logger    *slog.Logger
}

// Processor runs inbound emails through the full pipeline. Units of
// work for different conversations run concurrently; units for the
// same conversation are serialized.
type Processor struct {
	store     store.Store
	resolver  *thread.Resolver
	builder   *ai.ContextBuilder
	generator ai.Generator
	recorder  *ai.Recorder
	sender    ReplySender
	cache     *ai.ResponseCache
	cfg       model.AIConfig
	replyFrom string
	locks     *conversationLocks
	logger    *slog.Logger
}

// NewProcessor creates a processor from its options.
func NewProcessor(opts ProcessorOptions) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     opts.Store,
		resolver:  opts.Resolver,
		builder:   opts.Builder,
		generator: opts.Generator,
		recorder:  opts.Recorder,
		sender:    opts.Sender,
		cache:     opts.Cache,
		cfg:       opts.AI,
		replyFrom: opts.ReplyFrom,
		locks:     newConversationLocks(),
		logger:    logger,
	}
}

// ProcessInbound handles one inbound email end to end: resolve the
// conversation, persist the email and its pending message, build the
// context, call the generation provider, record usage, complete the
// message, and persist (and optionally send) the reply.
func (p *Processor) ProcessInbound(ctx context.Context, email *model.Email) (*Outcome, error) {
	res, err := p.resolver.Resolve(ctx, email)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return p.resumePending(ctx, res.ConversationID, email)
	}

	release := p.locks.acquire(res.ConversationID)
	defer release()

	// Some senders omit the Message-ID header entirely; mint one so
	// the per-conversation uniqueness backstop stays meaningful.
	if email.MessageID == "" {
		email.MessageID = fmt.Sprintf("<%s@mailpilot>", uuid.New().String())
	}

	email.ConversationID = res.ConversationID
	if err := p.store.AppendEmail(ctx, email); err != nil {
		if errors.Is(err, store.ErrDuplicateMessageID) {
			// A concurrent delivery of the same email won the race
			// while we waited on the conversation lock.
			return &Outcome{ConversationID: res.ConversationID, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("storing inbound email: %w", err)
	}

	msg := model.NewMessage(
		res.ConversationID, res.UserID,
		p.cfg.SystemPrompt, mail.PlainText(email),
	)
	if err := p.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("storing pending message: %w", err)
	}

	outcome, err := p.respond(ctx, msg, email)
	if err != nil {
		return nil, err
	}
	outcome.Created = res.Created
	return outcome, nil
}

// resumePending handles a redelivered email. When the earlier attempt
// completed its turn this is a pure no-op; when it died after
// persisting the pending message (generation exhausted its retries),
// the redelivery resumes generation so the turn is eventually
// answered instead of stranded.
func (p *Processor) resumePending(ctx context.Context, conversationID string, email *model.Email) (*Outcome, error) {
	release := p.locks.acquire(conversationID)
	defer release()

	history, err := p.store.GetConversationHistory(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	var pending *model.Message
	if n := len(history); n > 0 && history[n-1].Pending() {
		pending = &history[n-1]
	}
	if pending == nil {
		return &Outcome{ConversationID: conversationID, Duplicate: true}, nil
	}

	p.logger.Info("resuming pending message on redelivery",
		"conversation_id", conversationID, "message_id", pending.ID)
	outcome, err := p.respond(ctx, pending, email)
	if err != nil {
		return nil, err
	}
	outcome.Duplicate = true
	return outcome, nil
}

// respond runs the generation half of a unit of work for an already
// persisted pending message: build context, generate with retries,
// record usage, complete the message, persist and send the reply. The
// caller must hold the conversation lock.
func (p *Processor) respond(ctx context.Context, msg *model.Message, email *model.Email) (*Outcome, error) {
	turns, err := p.builder.Build(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	var result *ai.GenerateResult
	cacheKey := ai.PromptHash(p.cfg.Model, turns)
	if p.cache != nil {
		if hit, ok := p.cache.Get(cacheKey); ok {
			// A replayed reply consumes no provider tokens, so its
			// metrics record zero usage and zero cost.
			result = &ai.GenerateResult{Text: hit.Text, Model: hit.Model}
			p.logger.Info("served reply from response cache",
				"conversation_id", msg.ConversationID, "message_id", msg.ID)
		}
	}
	if result == nil {
		result, err = p.generate(ctx, turns)
		if err != nil {
			// The pending message stays persisted; a redelivery of
			// the same email resumes generation for it.
			p.logger.Error("generation exhausted retries",
				"conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
		if p.cache != nil {
			p.cache.Put(cacheKey, result)
		}
	}

	metrics, err := p.recorder.Record(p.cfg.Model, result.Usage)
	if err != nil {
		return nil, fmt.Errorf("recording usage: %w", err)
	}

	if err := p.store.CompleteMessage(ctx, msg.ID, result.Text, metrics); err != nil {
		return nil, fmt.Errorf("completing message: %w", err)
	}

	reply := mail.BuildReply(email, p.replyFrom, result.Text, "")
	reply.ConversationID = msg.ConversationID
	if err := p.store.AppendEmail(ctx, reply); err != nil {
		return nil, fmt.Errorf("storing outbound email: %w", err)
	}

	if p.sender != nil {
		if err := p.sender.Send(reply); err != nil {
			// The reply is persisted; delivery is the transport's
			// problem from here.
			p.logger.Error("reply delivery failed",
				"conversation_id", msg.ConversationID, "email_id", reply.ID, "error", err)
		}
	}

	p.logger.Info("processed inbound email",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"cost_usd", metrics.CostUSD,
		"tokens", metrics.TotalTokens)

	return &Outcome{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ReplyEmailID:   reply.ID,
		ReplyText:      result.Text,
	}, nil
}

// generate calls the provider with a per-attempt deadline, retrying
// failures with bounded exponential backoff.
func (p *Processor) generate(ctx context.Context, turns []ai.Turn) (*ai.GenerateResult, error) {
	base := time.Duration(p.cfg.BackoffBaseSec * float64(time.Second))
	if base <= 0 {
		base = 2 * time.Second
	}

	return retryWithBackoff(ctx, p.logger, p.cfg.MaxRetries, base,
		func(ctx context.Context) (*ai.GenerateResult, error) {
			attemptCtx := ctx
			if timeout := p.cfg.Timeout(); timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return p.generator.Generate(attemptCtx, ai.GenerateRequest{
				Model: p.cfg.Model,
				Turns: turns,
			})
		})
}
