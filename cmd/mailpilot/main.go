package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mailpilot/internal/app"
	"github.com/nhle/mailpilot/internal/credential"
	"github.com/nhle/mailpilot/internal/model"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:           "mailpilot",
		Short:         "Email-driven AI assistant",
		Long:          "mailpilot answers email. It threads inbound messages into conversations,\ngenerates replies with an AI model, and tracks token usage and cost.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", model.DefaultConfigPath(), "path to config file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		serveCmd(&configPath, &verbose),
		pollCmd(&configPath, &verbose),
		askCmd(&configPath, &verbose),
		credentialsCmd(),
	)

	return cmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadApp(configPath string, verbose bool) (*app.App, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, newLogger(verbose))
}

func serveCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and mailbox poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.Serve(ctx)
		},
	}
}

func pollCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Drain the mailbox once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Poller == nil {
				return fmt.Errorf("no IMAP mailbox configured")
			}

			status := a.Poller.RunOnce()
			if status.Error != nil {
				return status.Error
			}
			fmt.Printf("Processed %d message(s)\n", status.Processed)
			return nil
		},
	}
}

func askCmd(configPath *string, verbose *bool) *cobra.Command {
	var from string
	var subject string

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Run one message through the pipeline without any mail transport",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			to := a.Config.SMTP.From
			if to == "" {
				to = "mailpilot@localhost"
			}
			email := &model.Email{
				ID:        model.NewEmailID(),
				Direction: model.DirectionInbound,
				From:      from,
				To:        []string{to},
				Subject:   subject,
				Text:      strings.Join(args, " "),
			}

			outcome, err := a.Processor.ProcessInbound(cmd.Context(), email)
			if err != nil {
				return err
			}

			fmt.Println(outcome.ReplyText)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "me@localhost", "sender address for the synthetic message")
	cmd.Flags().StringVar(&subject, "subject", "Quick question", "subject for the synthetic message")
	return cmd
}

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage secrets in the system keyring",
	}

	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret (prompted, not echoed)",
		Long: fmt.Sprintf("Store a secret in the system keyring. Known keys:\n  %s\n  %s\n  %s",
			credential.KeyAnthropicAPIKey, credential.KeySMTPPassword, credential.KeyIMAPPassword),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(os.Stderr, "Value for %s: ", args[0])
			value, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			return credential.Set(args[0], string(value))
		},
	}

	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return credential.Delete(args[0])
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}
