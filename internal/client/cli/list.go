package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/fieldsync/internal/models"
)

func newListCommand(opts *RootOptions) *cobra.Command {
	var (
		collection string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached locations of interest and submissions of a survey",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := models.Collection(collection)
			if c != "" && !c.Valid() {
				return fmt.Errorf("unknown collection %q, expected lois or submissions", collection)
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				surveyID, err := app.survey(opts.SurveyID)
				if err != nil {
					return err
				}
				records, err := app.data.List(ctx, surveyID, c)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(app, records)
				}
				printRecords(app, records)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "lois or submissions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one cached entity with its sync state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				rec, err := app.data.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printRecord(app, rec)
				return nil
			})
		},
	}
}

func printRecords(app *App, records []*models.EntityRecord) {
	if len(records) == 0 {
		app.io.Println("No entries found.")
		return
	}

	w := tabwriter.NewWriter(app.io, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOLLECTION\tSTATE\tFIELDS")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Collection, syncState(r), summarize(r.Fields))
	}
	_ = w.Flush()
	app.io.Printf("\nTotal: %d\n", len(records))
}

func printRecord(app *App, r *models.EntityRecord) {
	app.io.Printf("ID:          %s\n", r.ID)
	app.io.Printf("Collection:  %s\n", r.Collection)
	app.io.Printf("Survey:      %s\n", r.SurveyID)
	if r.JobID != "" {
		app.io.Printf("Job:         %s\n", r.JobID)
	}
	if r.LOIID != "" {
		app.io.Printf("LOI:         %s\n", r.LOIID)
	}
	app.io.Printf("State:       %s\n", syncState(r))
	app.io.Printf("Created:     %s\n", formatAudit(r.Created))
	app.io.Printf("Modified:    %s\n", formatAudit(r.LastModified))
	if len(r.PendingMutationIDs) > 0 {
		app.io.Printf("Pending:     %v\n", r.PendingMutationIDs)
	}
	if r.Deferred != nil {
		app.io.Println("Note:        newer server state is waiting for local edits to upload")
	}
	app.io.Println("Fields:")
	for _, k := range slices.Sorted(maps.Keys(r.Fields)) {
		v, _ := json.Marshal(r.Fields[k])
		app.io.Printf("  %s: %s\n", k, v)
	}
}

func syncState(r *models.EntityRecord) string {
	switch {
	case r.Deleted:
		return "deleting"
	case r.PendingRemoval:
		return "removed on server"
	case r.HasPending():
		return fmt.Sprintf("pending (%d)", len(r.PendingMutationIDs))
	case r.LastModified.Confirmed():
		return "synced"
	}
	return "local"
}

func formatAudit(a models.AuditInfo) string {
	if a.ClientTimestamp.IsZero() {
		return "-"
	}
	out := fmt.Sprintf("%s by %s", a.ClientTimestamp.Local().Format(time.DateTime), a.UserID)
	if a.Confirmed() {
		out += fmt.Sprintf(" (server %s)", a.ServerTimestamp.Local().Format(time.DateTime))
	}
	return out
}

func summarize(fields map[string]any) string {
	const limit = 60
	parts := make([]string, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		v, _ := json.Marshal(fields[k])
		parts = append(parts, k+"="+string(v))
	}
	s := strings.Join(parts, " ")
	if len(s) > limit {
		s = s[:limit-3] + "..."
	}
	return s
}

func printJSON(app *App, v any) error {
	enc := json.NewEncoder(app.io)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
