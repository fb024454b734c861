package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/fieldsync/internal/client/auth"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	var showDead bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, queue and sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				return runStatus(ctx, app, showDead)
			})
		},
	}
	cmd.Flags().BoolVar(&showDead, "dead-letters", false, "list mutations that will not be retried")
	return cmd
}

func runStatus(ctx context.Context, app *App, showDead bool) error {
	app.io.Println("=== Session ===")
	session, err := app.auth.Current(ctx)
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		app.io.Println("Status: Not authenticated")
		app.io.Println("Run 'fieldsync login' to authenticate. Offline edits stay queued.")
	case err != nil:
		return fmt.Errorf("failed to check authentication: %w", err)
	default:
		expiresAt := time.Unix(session.ExpiresAt, 0)
		app.io.Println("Status: Authenticated")
		app.io.Printf("Username: %s\n", session.Username)
		app.io.Printf("Token expires: %s (in %s)\n", expiresAt.Format(time.RFC3339), time.Until(expiresAt).Round(time.Second))
	}
	app.io.Printf("Server: %s\n", app.cfg.ServerURL)

	app.io.Println()
	app.io.Println("=== Queue ===")
	stats, err := app.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	app.io.Printf("Pending:     %d\n", stats.Pending)
	app.io.Printf("In progress: %d\n", stats.InProgress)
	app.io.Printf("Retrying:    %d\n", stats.Failed)
	app.io.Printf("Failed:      %d\n", stats.DeadLetter)

	last, err := app.store.GetLastSyncTime(ctx)
	if err != nil {
		return fmt.Errorf("failed to read last sync time: %w", err)
	}
	if last.IsZero() {
		app.io.Println("Last sync:   never")
	} else {
		app.io.Printf("Last sync:   %s\n", last.Local().Format(time.DateTime))
	}

	if stats.Total() == stats.DeadLetter {
		app.io.Println()
		app.io.Println("✓ All edits synchronized with server")
	}

	if !showDead || stats.DeadLetter == 0 {
		return nil
	}
	dead, err := app.queue.DeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("failed to read dead letters: %w", err)
	}
	app.io.Println()
	app.io.Println("=== Not synchronized ===")
	for _, m := range dead {
		app.io.Printf("#%d %s %s %s: %s\n", m.ID, m.Type, m.Collection, m.EntityID, m.LastError)
	}
	return nil
}
