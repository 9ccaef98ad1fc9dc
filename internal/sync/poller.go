// Package sync polls the configured mailbox for unseen messages and
// feeds them to the processor.
package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailpilot/internal/agent"
	"github.com/nhle/mailpilot/internal/mail"
	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/thread"
)

// fetchTimeout is the maximum time allowed for a single mailbox fetch.
const fetchTimeout = 30 * time.Second

// PollState represents the current state of the mailbox poller.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
	PollError
)

// PollStatus holds the outcome of the most recent poll cycle.
type PollStatus struct {
	State     PollState
	LastPoll  time.Time
	Processed int
	Error     error
}

// fetchBatchLimit caps how many messages one poll cycle pulls.
const fetchBatchLimit = 25

// Mailbox fetches unseen messages and marks them processed. It is
// implemented by mail.IMAPClient.
type Mailbox interface {
	FetchUnseen(ctx context.Context, limit int) ([]mail.FetchedEmail, error)
	MarkProcessed(ctx context.Context, uids []imap.UID) error
}

// Poller drives a background loop that drains the mailbox through the
// processor at a fixed interval.
type Poller struct {
	mailbox   Mailbox
	processor *agent.Processor
	cfg       model.IMAPConfig
	logger    *slog.Logger

	triggerCh chan struct{}
	stopCh    chan struct{}
	mu        gosync.Mutex
	status    PollStatus
	running   bool
}

// New creates a poller over the given mailbox and processor.
func New(mailbox Mailbox, processor *agent.Processor, cfg model.IMAPConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		mailbox:   mailbox,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the polling goroutine. It is a no-op if the poller is
// already running.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop()
}

// Stop halts the polling goroutine.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	close(p.stopCh)
	p.running = false
}

// RunOnce performs a single synchronous poll cycle and returns its
// outcome. It does not require Start.
func (p *Poller) RunOnce() PollStatus {
	p.pollOnce()
	return p.Status()
}

// Refresh triggers an immediate poll outside the regular interval.
func (p *Poller) Refresh() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns the outcome of the most recent poll cycle.
func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// loop runs the polling loop until Stop is called.
func (p *Poller) loop() {
	interval := time.Duration(p.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Do an initial poll immediately
	p.pollOnce()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollOnce()
		case <-p.triggerCh:
			p.pollOnce()
		}
	}
}

// pollOnce fetches unseen messages and runs each through the
// processor. Messages that fail generation are left unseen so the next
// cycle retries them; permanently rejected messages are marked
// processed to avoid a poison loop.
func (p *Poller) pollOnce() {
	p.setStatus(PollRunning, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	fetched, err := p.mailbox.FetchUnseen(ctx, fetchBatchLimit)
	cancel()
	if err != nil {
		p.logger.Error("fetching unseen messages", "error", err)
		p.setStatus(PollError, 0, err)
		return
	}

	var done []imap.UID
	for _, f := range fetched {
		outcome, err := p.processor.ProcessInbound(context.Background(), f.Email)
		switch {
		case err == nil:
			if outcome.Duplicate {
				p.logger.Info("skipped duplicate message", "message_id", f.Email.MessageID)
			}
			done = append(done, f.UID)
		case errors.Is(err, thread.ErrInvalidSender), errors.Is(err, thread.ErrEmptyMessage):
			p.logger.Warn("rejected inbound message", "uid", f.UID, "error", err)
			done = append(done, f.UID)
		default:
			p.logger.Error("processing inbound message", "uid", f.UID, "error", err)
		}
	}

	if len(done) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		if err := p.mailbox.MarkProcessed(ctx, done); err != nil {
			p.logger.Error("marking messages processed", "error", err)
		}
		cancel()
	}

	p.setStatus(PollIdle, len(done), nil)
}

func (p *Poller) setStatus(state PollState, processed int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = PollStatus{
		State:     state,
		LastPoll:  time.Now(),
		Processed: processed,
		Error:     err,
	}
}
