package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/merge"
	"github.com/cantart/racemerge/upsert"
)

// Table is an open registered table.
type Table struct {
	store           *Store
	ident           dataset.Ident
	location        string
	partitionColumn string
	columns         []dataset.Column
}

func (t *Table) Ident() dataset.Ident { return t.ident }

func (t *Table) Schema() []dataset.Column {
	return append([]dataset.Column(nil), t.columns...)
}

func (t *Table) PartitionColumn() string { return t.partitionColumn }

func (t *Table) Location() string { return t.location }

func (t *Table) physical() (string, error) {
	schema, name := t.store.dialect.Physical(t.ident)
	return upsert.Qualify(schema, name)
}

func (t *Table) column(name string) (dataset.Column, bool) {
	for _, c := range t.columns {
		if c.Name == name {
			return c, true
		}
	}
	return dataset.Column{}, false
}

// Merge runs the configured upsert strategy over rs in one transaction.
// Partitions for new partition values are created first.
func (t *Table) Merge(ctx context.Context, rs *dataset.ResultSet, spec merge.MergeSpec) (merge.WriteStats, error) {
	if rs.Len() == 0 {
		return merge.WriteStats{}, nil
	}
	d := t.store.dialect
	schema, name := d.Physical(t.ident)
	req := upsert.Request{
		Schema:       schema,
		Table:        name,
		Columns:      rs.ColumnNames(),
		Rows:         bindRows(d, rs.Rows()),
		ExistingKeys: spec.Match.ExistingColumns(),
		IncomingKeys: spec.Match.IncomingColumns(),
	}
	if spec.Partitions != nil {
		req.Scope = &upsert.Scope{Column: spec.PartitionColumn, Values: bindRow(d, spec.Partitions)}
	}
	upserter := t.store.upserter(spec.Match, t.partitionColumn)

	var stats upsert.Stats
	err := t.store.inTx(ctx, "merge "+t.location, func(tx *sqlx.Tx) error {
		if err := t.ensurePartitions(ctx, tx, rs); err != nil {
			return err
		}
		var err error
		stats, err = upserter.Upsert(ctx, tx, req)
		return err
	})
	if err != nil {
		return merge.WriteStats{}, err
	}
	return merge.WriteStats{Inserted: stats.Inserted, Updated: stats.Updated, Upserted: stats.Upserted}, nil
}

// ReplacePartitions deletes the partitions present in rs and inserts rs in
// one transaction. With an empty partitionColumn every row is deleted.
func (t *Table) ReplacePartitions(ctx context.Context, rs *dataset.ResultSet, partitionColumn string) (merge.WriteStats, error) {
	table, err := t.physical()
	if err != nil {
		return merge.WriteStats{}, err
	}
	d := t.store.dialect
	stmt := "DELETE FROM " + table
	var args []any
	if partitionColumn != "" {
		scope := &upsert.Scope{Column: partitionColumn, Values: bindRow(d, partitionValues(rs, partitionColumn))}
		clause, scopeArgs, err := upsert.ScopeClause(scope, d.Placeholder(), 1)
		if err != nil {
			return merge.WriteStats{}, err
		}
		stmt += " WHERE " + clause
		args = scopeArgs
	}

	var stats merge.WriteStats
	err = t.store.inTx(ctx, "replace "+t.location, func(tx *sqlx.Tx) error {
		if err := t.ensurePartitions(ctx, tx, rs); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("delete partitions: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete partitions: rows affected: %w", err)
		}
		stats.Deleted = int(deleted)
		stats.Inserted, err = t.store.insertRows(ctx, tx, t.ident, rs)
		return err
	})
	if err != nil {
		return merge.WriteStats{}, err
	}
	return stats, nil
}

// Read returns the rows accepted by filter in the table's column order.
func (t *Table) Read(ctx context.Context, filter dataset.Filter) (*dataset.ResultSet, error) {
	table, err := t.physical()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		if names[i], err = upsert.QuoteIdentifier(c.Name); err != nil {
			return nil, err
		}
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), table)

	d := t.store.dialect
	var args []any
	if !filter.IsZero() {
		col, ok := t.column(filter.Column)
		if !ok {
			return nil, fmt.Errorf("%w: filter column %q not in %s", merge.ErrSchemaMismatch, filter.Column, t.ident)
		}
		values := make([]any, len(filter.Values))
		for i, v := range filter.Values {
			n, err := col.Type.Normalize(v)
			if err != nil {
				return nil, fmt.Errorf("filter %s: %w", col.Name, err)
			}
			values[i] = d.Bind(n)
		}
		clause, scopeArgs, err := upsert.ScopeClause(&upsert.Scope{Column: col.Name, Values: values}, d.Placeholder(), 1)
		if err != nil {
			return nil, err
		}
		query += " WHERE " + clause
		args = scopeArgs
	}

	rows, err := t.store.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, t.store.classify("read "+t.location, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.ident, err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, t.store.classify("read "+t.location, err)
	}
	return dataset.New(t.columns, out)
}

func (t *Table) ensurePartitions(ctx context.Context, ex upsert.Execer, rs *dataset.ResultSet) error {
	if t.partitionColumn == "" {
		return nil
	}
	col, ok := t.column(t.partitionColumn)
	if !ok {
		return fmt.Errorf("partition column %q not in schema of %s", t.partitionColumn, t.ident)
	}
	return t.store.dialect.EnsurePartitions(ctx, ex, t.ident, col, partitionValues(rs, t.partitionColumn))
}
