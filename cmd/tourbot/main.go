package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tourbot/internal/agent"
	"tourbot/internal/channel"
	"tourbot/internal/config"
	"tourbot/internal/dedup"
	"tourbot/internal/memory"
	"tourbot/internal/metrics"
	"tourbot/internal/provider"
	"tourbot/internal/task"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// Local development keeps credentials in .env; absence is fine.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "tourbot",
		Short:   "WhatsApp relay for the tourism Q&A assistant",
		Long:    "tourbot receives WhatsApp messages, forwards questions to the Q&A backend and replies with answers, citations and site images.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.tourbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(historyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.DefaultConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := os.MkdirAll(config.DefaultConfigDir(), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := config.RequireCredentials(cfg); err != nil {
		return err
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.General.LogLevel),
	}))

	replies, err := channel.LoadReplies(cfg.General.RepliesPath)
	if err != nil {
		return err
	}

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, cfg.Memory.RetentionDays, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	backend := provider.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey,
		time.Duration(cfg.Backend.TimeoutSeconds)*time.Second, logger)
	waClient := channel.NewWhatsAppClient(cfg.WhatsApp.GraphAPIBase,
		cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.AccessToken, logger)

	tracker := channel.NewDeliveryTracker(time.Duration(cfg.Tasks.DeliveryTTLSeconds) * time.Second)
	tasks := task.NewManager(time.Duration(cfg.Tasks.TimeoutSeconds)*time.Second,
		cfg.Tasks.MaxConcurrent, logger)

	handler := &agent.Handler{
		Loader:   agent.NewConversationLoader(store, cfg.General.DefaultArea, cfg.General.DefaultSite, logger),
		Store:    store,
		QueryLog: store,
		Backend:  backend,
		Client:   waClient,
		Tracker:  tracker,
		Replies:  replies,
		Metrics:  collector,
		Logger:   logger,
	}

	hook := &channel.Webhook{
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AppSecret:   cfg.WhatsApp.AppSecret,
		Production:  config.IsProduction(),
		Path:        cfg.WhatsApp.WebhookPath,
		Dedup:       dedup.New(time.Duration(cfg.Tasks.DedupTTLSeconds) * time.Second),
		Tasks:       tasks,
		Tracker:     tracker,
		Replies:     replies,
		Client:      waClient,
		Metrics:     collector,
		Process:     handler.Process,
		Logger:      logger,
	}

	addr := net.JoinHostPort(cfg.General.Host, strconv.Itoa(cfg.General.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           hook.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", "addr", addr, "path", cfg.WhatsApp.WebhookPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	// Let in-flight replies finish before the process exits.
	wait := time.Duration(cfg.Tasks.ShutdownWaitSeconds) * time.Second
	if remaining := tasks.WaitIdle(wait); remaining > 0 {
		logger.Warn("exiting with unfinished tasks", "count", remaining)
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "error", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			if err := config.RequireCredentials(cfg); err != nil {
				logger.Warn("credentials incomplete", "error", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			backend := provider.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey,
				10*time.Second, logger)
			if err := backend.Healthy(ctx); err != nil {
				logger.Warn("backend", "healthy", false, "error", err)
			} else {
				logger.Info("backend", "healthy", true, "url", cfg.Backend.BaseURL)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. backend.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. tasks.maxConcurrent 16)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("config updated", "path", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func sendCmd() *cobra.Command {
	var to, text string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a text message to a phone number (operator tool)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if err := config.RequireCredentials(cfg); err != nil {
				return err
			}

			client := channel.NewWhatsAppClient(cfg.WhatsApp.GraphAPIBase,
				cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.AccessToken, logger)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			id, err := client.SendText(ctx, to, text)
			if err != nil {
				return err
			}
			logger.Info("message sent", "message_id", id, "to", channel.NormalizePhone(to))
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient phone number")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("text")
	return cmd
}

func historyCmd() *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the recent conversation history for a phone number",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, cfg.Memory.RetentionDays, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			convID := "whatsapp_" + channel.NormalizePhone(phone)
			msgs, err := store.GetMessages(ctx, convID, cfg.Memory.MaxHistoryPerConversation)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.Role, m.Content)
			}
			if len(msgs) == 0 {
				fmt.Println("no messages")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number in wa_id form")
	cmd.MarkFlagRequired("phone")
	return cmd
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
