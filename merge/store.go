package merge

import (
	"context"

	"github.com/cantart/racemerge/dataset"
)

// Target identifies the logical table an operation writes to and the
// storage location backing it.
type Target struct {
	Ident    dataset.Ident
	Location string
}

// Catalog answers whether a logical table has been registered.
type Catalog interface {
	TableExists(ctx context.Context, id dataset.Ident) (bool, error)
}

// Store creates and opens tables. Create also registers the table with the
// catalog the store is paired with.
type Store interface {
	Create(ctx context.Context, target Target, rs *dataset.ResultSet, partitionColumn string) (WriteStats, error)
	Open(ctx context.Context, location string) (Table, error)
}

// Table is an open handle on an existing table. Every write is atomic: on
// error the table is left as it was before the call.
type Table interface {
	Ident() dataset.Ident
	Schema() []dataset.Column
	PartitionColumn() string
	// Merge updates every existing row matched by an incoming row with all of
	// its values and inserts incoming rows that match nothing.
	Merge(ctx context.Context, rs *dataset.ResultSet, spec MergeSpec) (WriteStats, error)
	// ReplacePartitions swaps the partitions present in rs for rs's rows. With
	// an empty partition column the whole table is replaced.
	ReplacePartitions(ctx context.Context, rs *dataset.ResultSet, partitionColumn string) (WriteStats, error)
	Read(ctx context.Context, filter dataset.Filter) (*dataset.ResultSet, error)
}

// MergeSpec configures a Table.Merge call.
type MergeSpec struct {
	Match dataset.Match
	// PartitionColumn and Partitions restrict the rows the merge looks at.
	// A nil Partitions scans the whole table.
	PartitionColumn string
	Partitions      []any
}

// WriteStats counts the rows a write changed. Upserted counts rows written
// by backends that cannot tell an insert from an update.
type WriteStats struct {
	Inserted int
	Updated  int
	Upserted int
	Deleted  int
}
