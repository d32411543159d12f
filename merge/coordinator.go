// Package merge keeps partitioned tables consistent across repeated,
// possibly overlapping ingestion runs.
//
// A Coordinator checks the catalog for the target table and either creates
// it from the incoming result set or merges the result set into it:
// matched rows are updated with every incoming value and unmatched rows are
// inserted. The storage layer provides atomicity; the coordinator neither
// locks nor retries.
package merge

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/cantart/racemerge/dataset"
)

// Outcome describes what a write did.
type Outcome struct {
	Table      dataset.Ident
	Before     State
	After      State
	Action     Action
	Inserted   int
	Updated    int
	Upserted   int
	Deleted    int
	Partitions []any
}

// Coordinator is the upsert coordinator.
type Coordinator struct {
	catalog Catalog
	store   Store
	cfg     Config
	logger  zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a Coordinator over the given catalog and store.
func New(catalog Catalog, store Store, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		catalog: catalog,
		store:   store,
		cfg:     cfg,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the configuration the coordinator was built with.
func (c *Coordinator) Config() Config { return c.cfg }

// State reports whether the table is registered.
func (c *Coordinator) State(ctx context.Context, id dataset.Ident) (State, error) {
	exists, err := c.catalog.TableExists(ctx, id)
	if err != nil {
		return StateAbsent, Unavailable("check "+c.cfg.Qualified(id), err)
	}
	if exists {
		return StateExists, nil
	}
	return StateAbsent, nil
}

// Apply creates the target table from rs when it is absent, and merges rs
// into it otherwise. Existing rows matched by match are overwritten with all
// incoming values; unmatched incoming rows are inserted.
func (c *Coordinator) Apply(ctx context.Context, rs *dataset.ResultSet, target Target, match dataset.Match, partitionColumn string) (Outcome, error) {
	if err := match.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("match: %w", err)
	}
	required := append(match.IncomingColumns(), partitionColumn)
	if err := c.checkColumns(rs, target, required); err != nil {
		return Outcome{}, err
	}
	if err := checkNullKeys(rs, match); err != nil {
		return Outcome{}, err
	}
	if err := checkDuplicates(rs, match); err != nil {
		return Outcome{}, err
	}
	return c.run(ctx, rs, target, opApply, partitionColumn, func(t Table, rs *dataset.ResultSet) (WriteStats, []any, error) {
		spec, err := c.mergeSpec(rs, t, match, partitionColumn)
		if err != nil {
			return WriteStats{}, nil, err
		}
		stats, err := t.Merge(ctx, rs, spec)
		return stats, spec.Partitions, err
	})
}

// Overwrite creates the target table from rs when it is absent; otherwise it
// replaces every partition that rs holds rows for and leaves the others
// alone. An empty partitionColumn replaces the whole table.
func (c *Coordinator) Overwrite(ctx context.Context, rs *dataset.ResultSet, target Target, partitionColumn string) (Outcome, error) {
	var required []string
	if partitionColumn != "" {
		required = append(required, partitionColumn)
	}
	if err := c.checkColumns(rs, target, required); err != nil {
		return Outcome{}, err
	}
	return c.run(ctx, rs, target, opOverwrite, partitionColumn, func(t Table, rs *dataset.ResultSet) (WriteStats, []any, error) {
		if partitionColumn != t.PartitionColumn() {
			return WriteStats{}, nil, &SchemaError{
				Table:     c.cfg.Qualified(target.Ident),
				Conflicts: []string{fmt.Sprintf("partition column %q, table is partitioned by %q", partitionColumn, t.PartitionColumn())},
			}
		}
		var parts []any
		if partitionColumn != "" {
			parts, _ = rs.Distinct(partitionColumn)
		}
		stats, err := t.ReplacePartitions(ctx, rs, partitionColumn)
		return stats, parts, err
	})
}

// Read returns the rows of an existing table selected by filter.
func (c *Coordinator) Read(ctx context.Context, target Target, filter dataset.Filter) (*dataset.ResultSet, error) {
	state, err := c.State(ctx, target.Ident)
	if err != nil {
		return nil, err
	}
	if state == StateAbsent {
		return nil, fmt.Errorf("read %s: table does not exist", c.cfg.Qualified(target.Ident))
	}
	t, err := c.open(ctx, target)
	if err != nil {
		return nil, err
	}
	return t.Read(ctx, filter)
}

// writeFunc runs the EXISTS branch of an operation against the open table
// with rs reordered to the table's column order.
type writeFunc func(t Table, rs *dataset.ResultSet) (WriteStats, []any, error)

func (c *Coordinator) run(ctx context.Context, rs *dataset.ResultSet, target Target, op operation, partitionColumn string, write writeFunc) (Outcome, error) {
	name := c.cfg.Qualified(target.Ident)
	logger := c.logger.With().Str("table", name).Str("location", target.Location).Logger()

	before, err := c.State(ctx, target.Ident)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Table: target.Ident, Before: before, After: before, Action: ActionNone}
	if rs.Len() == 0 {
		logger.Info().Str("state", before.String()).Msg("empty result set, nothing to write")
		return out, nil
	}

	action := plan(before, op)
	var stats WriteStats
	switch action {
	case ActionCreate:
		stats, err = c.store.Create(ctx, target, rs, partitionColumn)
		if err != nil {
			return out, err
		}
		if partitionColumn != "" {
			out.Partitions, _ = rs.Distinct(partitionColumn)
		}
	default:
		t, openErr := c.open(ctx, target)
		if openErr != nil {
			return out, openErr
		}
		if err := c.checkTableSchema(rs, t, name); err != nil {
			return out, err
		}
		aligned, err := rs.Select(columnNames(t.Schema())...)
		if err != nil {
			return out, err
		}
		stats, out.Partitions, err = write(t, aligned)
		if err != nil {
			return out, err
		}
	}

	after, err := Transition(before, action)
	if err != nil {
		return out, err
	}
	out.After = after
	out.Action = action
	out.Inserted = stats.Inserted
	out.Updated = stats.Updated
	out.Upserted = stats.Upserted
	out.Deleted = stats.Deleted

	logger.Info().
		Str("action", string(action)).
		Str("before", before.String()).
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Int("upserted", stats.Upserted).
		Int("deleted", stats.Deleted).
		Int("partitions", len(out.Partitions)).
		Msg("write committed")
	return out, nil
}

func (c *Coordinator) open(ctx context.Context, target Target) (Table, error) {
	t, err := c.store.Open(ctx, target.Location)
	if err != nil {
		if errors.Is(err, ErrTableUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("open %s: %w", target.Location, err)
	}
	if t.Ident() != target.Ident {
		return nil, fmt.Errorf("location %s holds %s, not %s", target.Location, t.Ident(), target.Ident)
	}
	return t, nil
}

// mergeSpec scopes the merge to the partitions present in rs when the match
// pins the partition column; otherwise an incoming row may match an existing
// row in any partition and the whole table is scanned.
func (c *Coordinator) mergeSpec(rs *dataset.ResultSet, t Table, match dataset.Match, partitionColumn string) (MergeSpec, error) {
	spec := MergeSpec{Match: match, PartitionColumn: t.PartitionColumn()}
	se := &SchemaError{Table: c.cfg.Qualified(t.Ident())}
	schema := columnNames(t.Schema())
	for _, col := range match.ExistingColumns() {
		if !slices.Contains(schema, col) {
			se.Missing = append(se.Missing, col)
		}
	}
	if !se.empty() {
		return spec, se
	}
	if partitionColumn != spec.PartitionColumn {
		c.logger.Warn().
			Str("requested", partitionColumn).
			Str("table", spec.PartitionColumn).
			Msg("table is partitioned by a different column, using the table's")
	}
	if spec.PartitionColumn == "" || !match.Covers(spec.PartitionColumn) {
		return spec, nil
	}
	parts, err := rs.Distinct(spec.PartitionColumn)
	if err != nil {
		return spec, err
	}
	for i := 0; i < rs.Len(); i++ {
		if rs.Value(i, spec.PartitionColumn) == nil {
			parts = append(parts, nil)
			break
		}
	}
	spec.Partitions = parts
	return spec, nil
}

func (c *Coordinator) checkColumns(rs *dataset.ResultSet, target Target, required []string) error {
	if rs == nil {
		return errors.New("result set is required")
	}
	se := &SchemaError{Table: c.cfg.Qualified(target.Ident)}
	for _, col := range required {
		if col == "" {
			return fmt.Errorf("%w: partition column is required", ErrSchemaMismatch)
		}
		if !rs.Has(col) && !slices.Contains(se.Missing, col) {
			se.Missing = append(se.Missing, col)
		}
	}
	if !se.empty() {
		return se
	}
	return nil
}

// checkTableSchema requires rs to carry exactly the table's columns with the
// same types, since matched rows are updated with all of them.
func (c *Coordinator) checkTableSchema(rs *dataset.ResultSet, t Table, name string) error {
	se := &SchemaError{Table: name}
	schema := t.Schema()
	have := make(map[string]dataset.Type, len(schema))
	for _, col := range schema {
		have[col.Name] = col.Type
	}
	for _, col := range rs.Columns() {
		typ, ok := have[col.Name]
		switch {
		case !ok:
			se.Extra = append(se.Extra, col.Name)
		case typ != col.Type:
			se.Conflicts = append(se.Conflicts, fmt.Sprintf("%s (%s, table has %s)", col.Name, col.Type, typ))
		}
	}
	for _, col := range schema {
		if !rs.Has(col.Name) {
			se.Missing = append(se.Missing, col.Name)
		}
	}
	if !se.empty() {
		return se
	}
	return nil
}

func checkNullKeys(rs *dataset.ResultSet, match dataset.Match) error {
	for _, col := range match.IncomingColumns() {
		for i := 0; i < rs.Len(); i++ {
			if rs.Value(i, col) == nil {
				return fmt.Errorf("%w: %w: row %d has no value for %q", ErrSchemaMismatch, ErrNullKey, i, col)
			}
		}
	}
	return nil
}

func checkDuplicates(rs *dataset.ResultSet, match dataset.Match) error {
	positions := make([]int, len(match))
	for i, col := range match.IncomingColumns() {
		positions[i], _ = rs.Index(col)
	}
	seen := make(map[string]int, rs.Len())
	for i := 0; i < rs.Len(); i++ {
		key := dataset.CompositeKey(rs.Row(i), positions)
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("%w: rows %d and %d share values for %v", ErrDuplicateKey, prev, i, match.IncomingColumns())
		}
		seen[key] = i
	}
	return nil
}

func columnNames(cols []dataset.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
