package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iudanet/fieldsync/internal/config"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server"
	"github.com/iudanet/fieldsync/internal/server/storage"
	"github.com/iudanet/fieldsync/internal/server/storage/sqlite"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

type options struct {
	configPath string
	addr       string
	dbPath     string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "fieldsync-server",
		Short:         "Fieldsync synchronization server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "listen address (default :8080)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "path to SQLite database (default fieldsync.db)")

	cmd.AddCommand(
		newServeCommand(opts),
		newGrantCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// load читает конфигурацию: файл, окружение, затем флаги
func (o *options) load() (*config.Server, error) {
	cfg, err := config.LoadServer(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.addr != "" {
		cfg.Addr = o.addr
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	return cfg, nil
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: config.ParseLevel(cfg.LogLevel),
			}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := sqlite.New(ctx, cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Error("Failed to close database", "error", err)
				}
			}()

			srv := server.New(cfg, store, logger, Version)
			defer srv.Close()

			logger.Info("Starting server", "addr", cfg.Addr, "version", Version, "db", cfg.DBPath)
			if err := srv.ListenAndServe(ctx); err != nil {
				return err
			}
			logger.Info("Server stopped")
			return nil
		},
	}
}

func newGrantCommand(opts *options) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "grant <survey-id> <username>",
		Short: "Grant a user a role in a survey",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != models.RoleCollector && role != models.RoleViewer {
				return fmt.Errorf("unknown role %q (want %s or %s)", role, models.RoleCollector, models.RoleViewer)
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := sqlite.New(ctx, cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = store.Close() }()

			surveyID, username := args[0], args[1]
			user, err := store.GetUserByUsername(ctx, username)
			if errors.Is(err, storage.ErrUserNotFound) {
				return fmt.Errorf("user %q is not registered", username)
			}
			if err != nil {
				return err
			}

			member := &models.SurveyMember{SurveyID: surveyID, UserID: user.ID, Role: role}
			if err := store.SaveMember(ctx, member); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is now %s in survey %s\n", username, role, surveyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", models.RoleCollector, "role: collector or viewer")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Fieldsync Server\n")
			fmt.Fprintf(out, "Version:    %s\n", Version)
			fmt.Fprintf(out, "Build Date: %s\n", BuildDate)
			fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
		},
	}
}
