package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cantart/racemerge/config"
	"github.com/cantart/racemerge/memstore"
	"github.com/cantart/racemerge/merge"
	"github.com/cantart/racemerge/pipeline"
	"github.com/cantart/racemerge/rawsource"
	"github.com/cantart/racemerge/sqlstore"
)

// env is everything a command needs, built from the configuration.
type env struct {
	cfg      *config.Config
	logger   zerolog.Logger
	coord    *merge.Coordinator
	pipeline *pipeline.Pipeline
	closer   io.Closer
}

func (e *env) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setup loads the configuration named by --config and wires the backend,
// the raw source, the coordinator and the pipeline.
func setup(cmd *cobra.Command) (*env, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	catalog, store, closer, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	raw, err := openRaw(cfg)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	coord := merge.New(catalog, store, cfg.MergeConfig(), merge.WithLogger(logger))
	logger.Debug().
		Str("backend", cfg.Backend.Type).
		Str("catalog", cfg.Catalog).
		Msg("runtime ready")
	return &env{
		cfg:      cfg,
		logger:   logger,
		coord:    coord,
		pipeline: pipeline.New(coord, raw, pipeline.WithLogger(logger)),
		closer:   closer,
	}, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if cfg.Log.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(cfg.LogLevel()).With().Timestamp().Logger()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (merge.Catalog, merge.Store, io.Closer, error) {
	switch cfg.Backend.Type {
	case config.BackendMemory:
		logger.Warn().Msg("memory backend: tables are discarded when the command exits")
		s := memstore.New()
		return s, s, nopCloser{}, nil
	case config.BackendSQLite, config.BackendPostgres:
		var dialect sqlstore.Dialect = sqlstore.Postgres{}
		if cfg.Backend.Type == config.BackendSQLite {
			dialect = sqlstore.SQLite{}
		}
		strategy, err := sqlstore.ParseStrategy(cfg.Backend.Strategy)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := sqlstore.Open(ctx, dialect, cfg.Backend.DSN,
			sqlstore.WithStrategy(strategy),
			sqlstore.WithBatchSize(cfg.Backend.BatchSize),
			sqlstore.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend.Type)
}

func openRaw(cfg *config.Config) (rawsource.Source, error) {
	if dir := cfg.RawDir(); dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("raw dir: %w", err)
		}
		return rawsource.Dir{Root: dir}, nil
	}
	s3 := cfg.Raw.S3
	return rawsource.NewS3(rawsource.S3Config{
		Endpoint:        s3.Endpoint,
		AccessKeyID:     s3.AccessKeyID,
		SecretAccessKey: s3.SecretAccessKey,
		UseSSL:          s3.UseSSL,
		Region:          s3.Region,
		Bucket:          s3.Bucket,
		Prefix:          s3.Prefix,
	})
}
