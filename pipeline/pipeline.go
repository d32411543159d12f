// Package pipeline holds the Formula 1 ingestion and transformation jobs.
// Ingestion jobs read one file date's raw files and write the processed
// layer; transformation jobs rebuild presentation tables from it. Every job
// writes through a merge.Coordinator, so reruns of a file date converge to
// the same tables.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/merge"
	"github.com/cantart/racemerge/rawsource"
)

const (
	ProcessedNamespace    = "f1_processed"
	PresentationNamespace = "f1_presentation"
)

// Params are the run parameters shared by every job.
type Params struct {
	// FileDate selects the raw folder and is stored in file_date.
	FileDate string
	// DataSource is stored in data_source.
	DataSource string
}

func (p Params) validate() error {
	_, err := rawsource.ParseFileDate(p.FileDate)
	return err
}

// Pipeline runs jobs against one coordinator and raw source.
type Pipeline struct {
	coord  *merge.Coordinator
	raw    rawsource.Source
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Pipeline)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithClock sets the clock used for ingestion_date.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

func New(coord *merge.Coordinator, raw rawsource.Source, opts ...Option) *Pipeline {
	p := &Pipeline{
		coord:  coord,
		raw:    raw,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// runLogger tags a job's log lines with a fresh run id.
func (p *Pipeline) runLogger(job string, params Params) zerolog.Logger {
	return p.logger.With().
		Str("job", job).
		Str("run_id", uuid.NewString()).
		Str("file_date", params.FileDate).
		Logger()
}

func (p *Pipeline) target(layer merge.Layer, namespace, name string) (merge.Target, error) {
	return p.coord.Config().Target(layer, namespace, name)
}

func (p *Pipeline) openRaw(ctx context.Context, params Params, name string) (io.ReadCloser, error) {
	rc, err := p.raw.Open(ctx, params.FileDate, name)
	if err != nil {
		return nil, fmt.Errorf("raw %s for %s: %w", name, params.FileDate, err)
	}
	return rc, nil
}

// IngestAll runs the drivers and results ingestion for one file date
// concurrently. They write different tables.
func (p *Pipeline) IngestAll(ctx context.Context, params Params) ([]merge.Outcome, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	outcomes := make([]merge.Outcome, 2)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := p.IngestDrivers(ctx, params)
		outcomes[0] = out
		return err
	})
	g.Go(func() error {
		out, err := p.IngestResults(ctx, params)
		outcomes[1] = out
		return err
	})
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func logOutcome(logger zerolog.Logger, out merge.Outcome, rows int) {
	logger.Info().
		Str("table", out.Table.String()).
		Str("action", string(out.Action)).
		Int("rows", rows).
		Int("inserted", out.Inserted).
		Int("updated", out.Updated).
		Int("upserted", out.Upserted).
		Int("deleted", out.Deleted).
		Msg("job finished")
}

func newResultSet(columns []dataset.Column, rows [][]any) (*dataset.ResultSet, error) {
	rs, err := dataset.New(columns, rows)
	if err != nil {
		return nil, fmt.Errorf("build result set: %w", err)
	}
	return rs, nil
}
