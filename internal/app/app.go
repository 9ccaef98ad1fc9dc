// Package app wires configuration, storage, mail transports and the
// processor into a runnable service.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nhle/mailpilot/internal/agent"
	"github.com/nhle/mailpilot/internal/ai"
	"github.com/nhle/mailpilot/internal/credential"
	"github.com/nhle/mailpilot/internal/mail"
	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/store"
	appsync "github.com/nhle/mailpilot/internal/sync"
	"github.com/nhle/mailpilot/internal/thread"
	"github.com/nhle/mailpilot/internal/web"
)

// App holds the assembled service components.
type App struct {
	Config    *model.AppConfig
	Store     *store.SQLiteStore
	Processor *agent.Processor
	Poller    *appsync.Poller

	server *http.Server
	logger *slog.Logger
}

// New assembles an App from the given configuration. The Anthropic API
// key is read from the environment or the system keyring; mail
// passwords come from the keyring only.
func New(cfg *model.AppConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	apiKey := loadAPIKey()
	if apiKey == "" {
		s.Close()
		return nil, fmt.Errorf("no API key: set ANTHROPIC_API_KEY or run 'mailpilot credentials set %s'", credential.KeyAnthropicAPIKey)
	}

	table, err := ai.NewPricingTable(cfg.Pricing)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("loading pricing table: %w", err)
	}

	if cfg.AI.SystemPromptDir != "" {
		prompts := ai.NewPromptStore(cfg.AI.SystemPromptDir, cfg.AI.SystemPrompt)
		prompt, err := prompts.Load(cfg.AI.SystemPromptVersion)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("loading system prompt: %w", err)
		}
		cfg.AI.SystemPrompt = prompt
	}

	var cache *ai.ResponseCache
	if cfg.AI.CacheResponses {
		cache = ai.NewResponseCache()
	}

	var sender agent.ReplySender
	if cfg.SMTP.Host != "" {
		password, err := credential.Get(credential.KeySMTPPassword)
		if err != nil {
			logger.Warn("no SMTP password in keyring, replies will not be sent", "error", err)
		} else {
			sender = mail.NewSMTPSender(cfg.SMTP, password)
		}
	}

	processor := agent.NewProcessor(agent.ProcessorOptions{
		Store:     s,
		Resolver:  thread.NewResolver(s, cfg.Resolver, logger),
		Builder:   ai.NewContextBuilder(s, cfg.AI.SystemPrompt, cfg.AI.ContextMaxTurns, cfg.AI.ContextMaxTokens),
		Generator: ai.NewAssistant(apiKey, cfg.AI.Model, cfg.AI.MaxTokens),
		Recorder:  ai.NewRecorder(table),
		Sender:    sender,
		Cache:     cache,
		AI:        cfg.AI,
		ReplyFrom: cfg.SMTP.From,
		Logger:    logger,
	})

	app := &App{
		Config:    cfg,
		Store:     s,
		Processor: processor,
		logger:    logger,
	}

	if cfg.IMAP.Host != "" {
		password, err := credential.Get(credential.KeyIMAPPassword)
		if err != nil {
			logger.Warn("no IMAP password in keyring, mailbox polling disabled", "error", err)
		} else {
			mailbox := mail.NewIMAPClient(cfg.IMAP, password)
			app.Poller = appsync.New(mailbox, processor, cfg.IMAP, logger)
		}
	}

	return app, nil
}

// loadAPIKey reads the Anthropic API key from the environment variable
// or, failing that, the system keyring.
func loadAPIKey() string {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key
	}
	key, err := credential.Get(credential.KeyAnthropicAPIKey)
	if err != nil {
		return ""
	}
	return key
}

// Serve runs the webhook HTTP server and the mailbox poller (when
// configured) until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	router := web.NewServer(a.Store, a.Processor, a.logger).Router()
	a.server = &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.Poller != nil {
		a.Poller.Start()
		defer a.Poller.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.Config.Server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
