package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cantart/racemerge/merge"
	"github.com/cantart/racemerge/pipeline"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load one file date's raw files into the processed layer",
	}
	cmd.PersistentFlags().String("file-date", "", "File date of the raw folder, YYYY-MM-DD (required)")
	cmd.PersistentFlags().String("data-source", "", "Value stored in the data_source column")
	if err := cmd.MarkPersistentFlagRequired("file-date"); err != nil {
		panic(err)
	}

	cmd.AddCommand(ingestJob("drivers", "Replace f1_processed.drivers with drivers.json", (*pipeline.Pipeline).IngestDrivers))
	cmd.AddCommand(ingestJob("results", "Merge results.json into f1_processed.results", (*pipeline.Pipeline).IngestResults))
	cmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run the drivers and results ingestion concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				params, err := ingestParams(cmd)
				if err != nil {
					return err
				}
				outcomes, err := e.pipeline.IngestAll(ctx, params)
				for _, out := range outcomes {
					if out.Action != "" {
						printOutcome(cmd.OutOrStdout(), out)
					}
				}
				return err
			})
		},
	})
	return cmd
}

type ingestFunc func(*pipeline.Pipeline, context.Context, pipeline.Params) (merge.Outcome, error)

func ingestJob(use, short string, run ingestFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				params, err := ingestParams(cmd)
				if err != nil {
					return err
				}
				out, err := run(e.pipeline, ctx, params)
				if err != nil {
					return err
				}
				printOutcome(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func ingestParams(cmd *cobra.Command) (pipeline.Params, error) {
	fileDate, err := cmd.Flags().GetString("file-date")
	if err != nil {
		return pipeline.Params{}, err
	}
	dataSource, err := cmd.Flags().GetString("data-source")
	if err != nil {
		return pipeline.Params{}, err
	}
	return pipeline.Params{FileDate: fileDate, DataSource: dataSource}, nil
}

// withEnv runs fn with a freshly wired env and closes it afterwards.
func withEnv(cmd *cobra.Command, fn func(context.Context, *env) error) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("close backend")
		}
	}()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, e)
}

func printOutcome(w io.Writer, out merge.Outcome) {
	fmt.Fprintf(w, "%s\t%s\t%s -> %s\tinserted=%d updated=%d upserted=%d deleted=%d partitions=%d\n",
		out.Table, out.Action, out.Before, out.After,
		out.Inserted, out.Updated, out.Upserted, out.Deleted, len(out.Partitions))
}
