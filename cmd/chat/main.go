// Confchat - terminal client for the conference assistant
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/confchat/internal/config"
	"github.com/ashureev/confchat/internal/fallback"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	token      string
	serverURL  string
	verbose    bool
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "confchat",
		Short:         "Chat with the conference assistant",
		SilenceUsage:  true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(flags.verbose)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadClientConfig(flags)
			if err != nil {
				return err
			}
			return runInteractive(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML client config")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "bearer token (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.serverURL, "server", "", "websocket URL (overrides config)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log protocol activity to stderr")

	cmd.AddCommand(newAskCmd(flags))
	return cmd
}

func newAskCmd(flags *rootFlags) *cobra.Command {
	var (
		stream         bool
		conversationID string
	)
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Ask one question over the HTTP fallback endpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig(flags)
			if err != nil {
				return err
			}
			client := fallback.New(cfg.HTTPURL, cfg.Token)
			req := fallback.Request{
				Message:        strings.Join(args, " "),
				ConversationID: conversationID,
				Language:       cfg.Language,
			}
			return runAsk(cmd.Context(), client, req, stream, cfg.SiteURL, cfg.Locale, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", true, "print the answer as it is generated")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "store the exchange in this conversation")
	return cmd
}

func loadClientConfig(flags *rootFlags) (*config.ClientConfig, error) {
	cfg, err := config.LoadClient(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.token != "" {
		cfg.Token = flags.token
	}
	if flags.serverURL != "" {
		cfg.ServerURL = flags.serverURL
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	return cfg, nil
}

func setupLogging(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
