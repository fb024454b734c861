// Package cli implements the fieldsync client commands.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iudanet/fieldsync/internal/client/iocli"
	"github.com/iudanet/fieldsync/internal/config"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	ServerURL  string
	DBPath     string
	SurveyID   string
	Verbose    bool

	cfg *config.Client
	io  iocli.IO
}

// BuildInfo версия сборки для команды version
type BuildInfo struct {
	Version   string
	BuildDate string
	GitCommit string
}

// NewRootCommand creates the root command of the client
func NewRootCommand(io iocli.IO, build BuildInfo) *cobra.Command {
	opts := &RootOptions{io: io}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first field data collection client",
		Long: `Record locations of interest and submissions without a network connection.
Edits are queued locally and synchronized with the server when it is reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	cmd.SetOut(io)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "server URL (default http://localhost:8080)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to local database (default fieldsync-client.db)")
	cmd.PersistentFlags().StringVar(&opts.SurveyID, "survey", "", "survey id")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(
		newRegisterCommand(opts),
		newLoginCommand(opts),
		newLogoutCommand(opts),
		newEntityCommand(opts, loiKind),
		newEntityCommand(opts, submissionKind),
		newListCommand(opts),
		newShowCommand(opts),
		newStatusCommand(opts),
		newSyncCommand(opts),
		newRunCommand(opts),
		newVersionCommand(opts, build),
	)
	return cmd
}

// load собирает конфигурацию: файл, окружение, затем явные флаги
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.LoadClient(o.ConfigPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = o.ServerURL
	}
	if flags.Changed("db") {
		cfg.DBPath = o.DBPath
	}
	if flags.Changed("survey") {
		cfg.SurveyID = o.SurveyID
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

func (o *RootOptions) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLevel(o.cfg.LogLevel),
	}))
}

// withApp открывает базу на время команды
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := Open(ctx, o.cfg, o.io, o.logger())
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}()
	return fn(ctx, app)
}

func newVersionCommand(opts *RootOptions, build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(*cobra.Command, []string) {
			opts.io.Printf("fieldsync client\n")
			opts.io.Printf("Version:    %s\n", build.Version)
			opts.io.Printf("Build Date: %s\n", build.BuildDate)
			opts.io.Printf("Git Commit: %s\n", build.GitCommit)
		},
	}
}
