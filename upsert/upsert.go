// Package upsert writes merge batches through database/sql. Each strategy
// runs on an Execer, normally the *sql.Tx of the merge, so the caller owns
// commit and rollback.
package upsert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Execer is the subset of *sql.Tx and *sql.DB the strategies use.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

var (
	// Dollar is the PostgreSQL style: $1, $2, ...
	Dollar Placeholder = func(n int) string { return fmt.Sprintf("$%d", n) }
	// Numbered is the SQLite style: ?1, ?2, ...
	Numbered Placeholder = func(n int) string { return fmt.Sprintf("?%d", n) }
)

// Request is one batch of rows to merge into Table.
type Request struct {
	// Schema is optional; Table is qualified with it when set.
	Schema string
	Table  string
	// Columns lists the table columns; every row holds one value per column.
	Columns []string
	Rows    [][]any
	// ExistingKeys[i] on the table must equal the row value of IncomingKeys[i].
	ExistingKeys []string
	IncomingKeys []string
	// Scope restricts matching to rows whose Scope.Column is in Scope.Values.
	Scope *Scope
}

// Scope limits the existing rows a strategy considers.
type Scope struct {
	Column string
	Values []any
}

// Stats counts what a strategy wrote.
type Stats struct {
	Inserted int
	Updated  int
	Upserted int
}

func (s *Stats) add(o Stats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Upserted += o.Upserted
}

// Upserter merges a batch: rows matching existing keys update every column,
// the rest are inserted.
type Upserter interface {
	Upsert(ctx context.Context, db Execer, req Request) (Stats, error)
}

// prepared holds the quoted identifiers shared by every strategy.
type prepared struct {
	table         string
	columns       []string
	columnIndex   map[string]int
	existingKeys  []string
	incomingIndex []int
}

func prepare(req Request) (*prepared, error) {
	if len(req.Columns) == 0 {
		return nil, errors.New("at least one column is required")
	}
	if len(req.ExistingKeys) == 0 {
		return nil, errors.New("at least one unique key is required")
	}
	if len(req.ExistingKeys) != len(req.IncomingKeys) {
		return nil, fmt.Errorf("existing keys (%d) and incoming keys (%d) length mismatch", len(req.ExistingKeys), len(req.IncomingKeys))
	}

	table, err := qualify(req.Schema, req.Table)
	if err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}

	p := &prepared{
		table:       table,
		columns:     make([]string, len(req.Columns)),
		columnIndex: make(map[string]int, len(req.Columns)),
	}
	for i, col := range req.Columns {
		quoted, err := quoteIdentifier(col)
		if err != nil {
			return nil, fmt.Errorf("column[%d]: %w", i, err)
		}
		p.columns[i] = quoted
		p.columnIndex[col] = i
	}

	p.existingKeys = make([]string, len(req.ExistingKeys))
	p.incomingIndex = make([]int, len(req.IncomingKeys))
	for i, key := range req.ExistingKeys {
		quoted, err := quoteIdentifier(key)
		if err != nil {
			return nil, fmt.Errorf("unique key %q: %w", key, err)
		}
		p.existingKeys[i] = quoted
		idx, ok := p.columnIndex[req.IncomingKeys[i]]
		if !ok {
			return nil, fmt.Errorf("unique key %q not found in columns", req.IncomingKeys[i])
		}
		p.incomingIndex[i] = idx
	}

	for idx, row := range req.Rows {
		if len(row) != len(req.Columns) {
			return nil, fmt.Errorf("row %d: columns (%d) and values (%d) length mismatch", idx, len(req.Columns), len(row))
		}
	}
	return p, nil
}

func (p *prepared) keyArgs(row []any) []any {
	args := make([]any, len(p.incomingIndex))
	for i, idx := range p.incomingIndex {
		args[i] = row[idx]
	}
	return args
}
