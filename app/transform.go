package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cantart/racemerge/dataset"
)

func newTransformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Rebuild presentation tables",
	}
	standings := &cobra.Command{
		Use:   "constructor-standings",
		Short: "Recompute the constructor standings of the seasons touched by a file date",
		Long: `Recompute the constructor standings of the seasons touched by a file date.

The command reads f1_presentation.race_results, which no racemerge command
writes. Load that table with the job that joins results to races, drivers
and constructors before running this one; otherwise the command fails with
"table does not exist".`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fileDate, err := cmd.Flags().GetString("file-date")
			if err != nil {
				return err
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				out, err := e.pipeline.ConstructorStandings(ctx, fileDate)
				if err != nil {
					return err
				}
				printOutcome(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	standings.Flags().String("file-date", "", "File date whose seasons are recomputed, YYYY-MM-DD (required)")
	if err := standings.MarkFlagRequired("file-date"); err != nil {
		panic(err)
	}
	cmd.AddCommand(standings)
	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <namespace.table>",
		Short: "Report whether a table exists in the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdent(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				state, err := e.coord.State(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.cfg.MergeConfig().Qualified(id), state)
				return nil
			})
		},
	}
}

func parseIdent(s string) (dataset.Ident, error) {
	ns, name, ok := strings.Cut(s, ".")
	if !ok || ns == "" || name == "" || strings.Contains(name, ".") {
		return dataset.Ident{}, fmt.Errorf("table %q: want namespace.table", s)
	}
	return dataset.Ident{Namespace: ns, Name: name}, nil
}
