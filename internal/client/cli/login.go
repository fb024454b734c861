package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRegisterCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register a new user on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				return runRegister(ctx, app)
			})
		},
	}
}

func runRegister(ctx context.Context, app *App) error {
	app.io.Println("=== Registration ===")
	app.io.Println()

	username, err := app.io.ReadInput("Username: ")
	if err != nil {
		return fmt.Errorf("failed to read username: %w", err)
	}
	password, err := app.io.ReadPassword("Password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	confirm, err := app.io.ReadPassword("Confirm password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	userID, err := app.auth.Register(ctx, username, password)
	if err != nil {
		return err
	}

	app.io.Println()
	app.io.Println("✓ Registration successful!")
	app.io.Printf("User ID: %s\n", userID)
	app.io.Println("Ask a survey owner to grant you access, then run 'fieldsync login'.")
	return nil
}

func newLoginCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to the server and store the session on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				return runLogin(ctx, app)
			})
		},
	}
}

func runLogin(ctx context.Context, app *App) error {
	app.io.Println("=== Login ===")
	app.io.Println()

	username, err := app.io.ReadInput("Username: ")
	if err != nil {
		return fmt.Errorf("failed to read username: %w", err)
	}
	password, err := app.io.ReadPassword("Password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	app.io.Println("Authenticating...")
	session, err := app.auth.Login(ctx, username, password)
	if err != nil {
		return err
	}

	app.io.Println()
	app.io.Println("✓ Login successful!")
	app.io.Printf("Username: %s\n", session.Username)
	app.io.Printf("Token expires: %s\n", time.Unix(session.ExpiresAt, 0).Format(time.RFC3339))

	stats, err := app.queue.Stats(ctx)
	if err == nil && stats.Total() > stats.DeadLetter {
		app.io.Printf("%d queued edit(s) waiting; run 'fieldsync sync' to upload them.\n", stats.Total()-stats.DeadLetter)
	}
	return nil
}

func newLogoutCommand(opts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Logout and remove local data",
		Long: `Logout removes the stored session, the mutation queue and the local cache.
Unsynchronized edits are lost, so logout refuses to run while the queue is not empty
unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				return runLogout(ctx, app, force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard unsynchronized edits")
	return cmd
}

func runLogout(ctx context.Context, app *App, force bool) error {
	stats, err := app.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	if pending := stats.Pending + stats.InProgress + stats.Failed; pending > 0 && !force {
		return fmt.Errorf("%d edit(s) are not synchronized yet; run 'fieldsync sync' or use --force", pending)
	}

	if err := app.auth.Logout(ctx); err != nil {
		return err
	}
	app.io.Println("✓ Logged out, local data removed")
	return nil
}
