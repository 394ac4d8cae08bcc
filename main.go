// Package main implements a service that watches Trello boards and relays
// card changes to Slack according to configured hooks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"trello-slack-hooks/config"
	"trello-slack-hooks/hook"
	"trello-slack-hooks/identity"
	"trello-slack-hooks/message"
	"trello-slack-hooks/poll"
	"trello-slack-hooks/pool"
	"trello-slack-hooks/server"
	"trello-slack-hooks/storage"
	"trello-slack-hooks/trello"
)

type options struct {
	configPath string
	listUsers  bool
	dryRun     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "trello-slack-hooks",
		Short:        "Relay Trello card changes to Slack",
		Long:         `Polls Trello boards for new and moved cards and notifies Slack users or channels according to configured hooks.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	defaultConfig := os.Getenv("CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfig, "config file path or gs://bucket/object")
	cmd.Flags().BoolVarP(&opts.listUsers, "list-users", "l", false, "print Trello and Slack users and exit")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "log Slack messages instead of sending them")
	return cmd
}

func run(ctx context.Context, opts options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, opts.configPath, logger)
	if err != nil {
		logger.Error("Failed to load config", "path", opts.configPath, "error", err)
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	trelloClient := trello.New(httpClient, cfg.Trello.BaseURL, cfg.Trello.APIKey, cfg.Trello.Token, logger)

	var slackProvider *message.SlackProvider
	if cfg.Slack.Token != "" {
		slackProvider = message.NewSlackProvider(cfg.Slack.Token, cfg.Slack.BaseURL, logger)
	}

	if opts.listUsers {
		if err := cfg.ValidateCredentials(); err != nil {
			logger.Error("Invalid config", "error", err)
			return err
		}
		var users userLister
		if slackProvider != nil {
			users = slackProvider
		}
		return printUsers(ctx, os.Stdout, trelloClient, users)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config", "error", err)
		return err
	}

	var provider message.Provider = slackProvider
	if opts.dryRun || slackProvider == nil {
		logger.Info("Mock Slack mode enabled", "dry_run", opts.dryRun)
		provider = message.NewMockProvider(logger)
	}

	resolver := identity.New(cfg.Users, logger)
	sender := message.New(provider, resolver, logger)
	workers := pool.New(cfg.Workers)

	start := time.Now()
	hooks := make([]poll.Hook, 0, len(cfg.Hooks))
	statuses := make([]server.HookStatus, 0, len(cfg.Hooks))
	for _, hc := range cfg.Hooks {
		h := hook.New(hc, trelloClient, sender, workers, start, logger)
		hooks = append(hooks, h)
		statuses = append(statuses, h)
	}
	scheduler := poll.New(trelloClient, hooks, cfg.CheckInterval, logger)

	if cfg.ListenAddr != "" {
		srv := server.New(scheduler, statuses, logger)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
				logger.Error("Server failed", "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	// An interrupt exits without waiting for the in-flight cycle.
	select {
	case <-ctx.Done():
		logger.Info("Interrupt received, exiting")
		return nil
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func loadConfig(ctx context.Context, location string, logger *slog.Logger) (*config.Config, error) {
	var client *gcs.Client
	if storage.IsGCS(location) {
		var opts []option.ClientOption
		if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(credsJSON)))
		}
		var err error
		client, err = gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	data, err := storage.New(client, logger).Read(ctx, location)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}
