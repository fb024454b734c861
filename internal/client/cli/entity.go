package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/fieldsync/internal/models"
)

type entityKind struct {
	use        string
	title      string
	collection models.Collection
}

var (
	loiKind        = entityKind{use: "loi", title: "location of interest", collection: models.CollectionLOI}
	submissionKind = entityKind{use: "submission", title: "submission", collection: models.CollectionSubmission}
)

type fieldFlags struct {
	set   []string
	unset []string
}

func (f *fieldFlags) register(cmd *cobra.Command, withUnset bool) {
	cmd.Flags().StringArrayVarP(&f.set, "field", "f", nil, "field value as key=value, repeatable")
	if withUnset {
		cmd.Flags().StringArrayVar(&f.unset, "unset", nil, "field to remove, repeatable")
	}
}

func newEntityCommand(opts *RootOptions, kind entityKind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind.use,
		Short: fmt.Sprintf("Add, update or delete a %s", kind.title),
	}
	cmd.AddCommand(
		newAddCommand(opts, kind),
		newUpdateCommand(opts, kind),
		newDeleteCommand(opts, kind),
	)
	return cmd
}

func newAddCommand(opts *RootOptions, kind entityKind) *cobra.Command {
	var (
		fields fieldFlags
		jobID  string
	)

	cmd := &cobra.Command{
		Short: fmt.Sprintf("Add a %s", kind.title),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseFields(fields.set, nil)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				user, err := app.user(ctx)
				if err != nil {
					return err
				}

				var id string
				if kind.collection == models.CollectionSubmission {
					id, err = app.data.AddSubmission(ctx, user, args[0], values)
				} else {
					surveyID, serr := app.survey(opts.SurveyID)
					if serr != nil {
						return serr
					}
					id, err = app.data.AddLOI(ctx, user, surveyID, jobID, values)
				}
				if err != nil {
					return err
				}
				app.io.Printf("✓ %s added: %s\n", kind.title, id)
				return nil
			})
		},
	}

	if kind.collection == models.CollectionSubmission {
		cmd.Use = "add <loi-id>"
		cmd.Args = cobra.ExactArgs(1)
	} else {
		cmd.Use = "add"
		cmd.Args = cobra.NoArgs
		cmd.Flags().StringVar(&jobID, "job", "", "job id within the survey")
	}
	fields.register(cmd, false)
	return cmd
}

func newUpdateCommand(opts *RootOptions, kind entityKind) *cobra.Command {
	var fields fieldFlags

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: fmt.Sprintf("Change fields of a %s", kind.title),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseFields(fields.set, fields.unset)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				user, err := app.user(ctx)
				if err != nil {
					return err
				}
				if kind.collection == models.CollectionSubmission {
					err = app.data.UpdateSubmission(ctx, user, args[0], values)
				} else {
					err = app.data.UpdateLOI(ctx, user, args[0], values)
				}
				if err != nil {
					return err
				}
				app.io.Printf("✓ %s updated: %s\n", kind.title, args[0])
				return nil
			})
		},
	}
	fields.register(cmd, true)
	return cmd
}

func newDeleteCommand(opts *RootOptions, kind entityKind) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: fmt.Sprintf("Delete a %s", kind.title),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				user, err := app.user(ctx)
				if err != nil {
					return err
				}
				if kind.collection == models.CollectionSubmission {
					err = app.data.DeleteSubmission(ctx, user, args[0])
				} else {
					err = app.data.DeleteLOI(ctx, user, args[0])
				}
				if err != nil {
					return err
				}
				app.io.Printf("✓ %s deleted: %s\n", kind.title, args[0])
				return nil
			})
		},
	}
}
