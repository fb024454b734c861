package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/iudanet/fieldsync/internal/client/errclass"
	"github.com/iudanet/fieldsync/internal/client/remote"
	"github.com/iudanet/fieldsync/internal/client/sync"
)

// messages тексты уведомлений по ключу
var messages = map[string]string{
	errclass.KeyPermissionDenied:  "You are not allowed to edit this survey; the changes were not uploaded.",
	errclass.KeyMalformedDocument: "Some changes were rejected as invalid and were not uploaded.",
	errclass.KeyRetryExhausted:    "Some changes could not be uploaded after several attempts.",
	errclass.KeyBatchTooLarge:     "Too many edits to one entry to upload at once; the changes were not uploaded.",
	errclass.KeyUnavailable:       "The server is unreachable; changes stay queued and will be uploaded later.",
}

func noticeText(n sync.Notice) string {
	if msg, ok := messages[n.MessageKey]; ok {
		return msg
	}
	return n.Err.Error()
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload queued edits once",
		Long: `Sync uploads every queued edit in queue order and exits when the queue is drained.
Transient failures are retried with backoff until --timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				return runSync(ctx, app, timeout)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	return cmd
}

func runSync(ctx context.Context, app *App, timeout time.Duration) error {
	if _, err := app.auth.Current(ctx); err != nil {
		return fmt.Errorf("%w. Please run 'fieldsync login' first", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	app.io.Println("Synchronizing...")
	flushErr := app.engine.Flush(ctx)
	printNotices(app)

	stats, err := app.queue.Stats(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("sync interrupted with %d edit(s) still queued: %w", stats.Total()-stats.DeadLetter, flushErr)
	}

	app.io.Println("✓ Synchronization completed")
	if stats.DeadLetter > 0 {
		app.io.Printf("%d edit(s) failed permanently; see 'fieldsync status --dead-letters'.\n", stats.DeadLetter)
	}
	return nil
}

func printNotices(app *App) {
	for {
		select {
		case n := <-app.engine.Notices():
			app.io.Printf("⚠️  %s (%d change(s))\n", noticeText(n), len(n.MutationIDs))
		default:
			return
		}
	}
}

func newRunCommand(opts *RootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep synchronizing a survey in the foreground",
		Long: `Run uploads queued edits in the background and follows changes made by
other collectors of the survey until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				return runSession(ctx, app, opts.SurveyID, metricsAddr)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runSession(ctx context.Context, app *App, explicitSurvey, metricsAddr string) error {
	surveyID, err := app.survey(explicitSurvey)
	if err != nil {
		return err
	}
	if _, err := app.auth.Current(ctx); err != nil {
		return fmt.Errorf("%w. Please run 'fieldsync login' first", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	session := sync.NewSession(app.engine, app.api, app.reconciler, remote.Scope{SurveyID: surveyID}, app.logger)
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = session.Stop() }()

	app.io.Printf("Following survey %s, press Ctrl+C to stop.\n", surveyID)
	updates := app.projections.BySurvey(ctx, surveyID)
	for {
		select {
		case <-ctx.Done():
			app.io.Println()
			app.io.Println("Stopping...")
			return session.Stop()
		case <-session.Done():
			return session.Wait(context.Background())
		case n := <-app.engine.Notices():
			app.io.Printf("⚠️  %s (%d change(s))\n", noticeText(n), len(n.MutationIDs))
		case records, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			pending := 0
			for _, r := range records {
				if r.HasPending() {
					pending++
				}
			}
			app.io.Printf("[%s] %d entries, %d with unsynchronized edits\n", time.Now().Format(time.TimeOnly), len(records), pending)
		}
	}
}
