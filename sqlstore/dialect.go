package sqlstore

import (
	"context"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/upsert"
)

// Dialect holds what differs between the SQL engines a Store runs on.
type Dialect interface {
	// DriverName is the database/sql driver the dialect expects.
	DriverName() string
	Placeholder() upsert.Placeholder
	ColumnType(t dataset.Type) (string, error)
	// Physical maps a logical table to the schema and table it lives in.
	// An empty schema means the default one.
	Physical(id dataset.Ident) (schema, table string)
	// CreateTable creates the physical table, and its namespace if needed.
	CreateTable(ctx context.Context, ex upsert.Execer, id dataset.Ident, columns []dataset.Column, partitionColumn string) error
	// EnsurePartitions makes sure rows with the given values of the
	// partition column can be stored.
	EnsurePartitions(ctx context.Context, ex upsert.Execer, id dataset.Ident, partition dataset.Column, values []any) error
	// Bind converts a normalized value into what the driver stores.
	Bind(v any) any
	// ConflictSafe reports whether a unique index on match can be built
	// for a table partitioned on partitionColumn.
	ConflictSafe(match dataset.Match, partitionColumn string) bool
	// Unreachable reports whether err means the database could not be
	// reached at all.
	Unreachable(err error) bool
}

func bindRow(d Dialect, row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = d.Bind(v)
	}
	return out
}

func bindRows(d Dialect, rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = bindRow(d, row)
	}
	return out
}
