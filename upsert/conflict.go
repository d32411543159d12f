package upsert

import (
	"context"
	"fmt"
	"strings"
)

// ConflictUpserter writes the batch with
// INSERT ... ON CONFLICT (keys) DO UPDATE statements, backed by a unique
// index it creates on first use. Existing and incoming key columns must be
// the same columns, and the index must be legal for the table: on a
// partitioned PostgreSQL table the keys have to include the partition column.
// The Scope of a request is not applied; the unique index already pins every
// key to one row. A statement binds at most maxParams values; larger
// batches are split across several statements.
type ConflictUpserter struct {
	ph        Placeholder
	maxParams int
}

// DefaultMaxParams is SQLite's bind parameter limit, the lower of the two
// supported engines.
const DefaultMaxParams = 32766

func NewConflictUpserter(ph Placeholder) *ConflictUpserter {
	return &ConflictUpserter{ph: ph, maxParams: DefaultMaxParams}
}

// WithMaxParams returns a copy that binds at most n values per statement.
func (c *ConflictUpserter) WithMaxParams(n int) *ConflictUpserter {
	clone := *c
	clone.maxParams = n
	return &clone
}

func (c *ConflictUpserter) Upsert(ctx context.Context, db Execer, req Request) (Stats, error) {
	p, err := prepare(req)
	if err != nil {
		return Stats{}, err
	}
	for i, key := range req.ExistingKeys {
		if req.IncomingKeys[i] != key {
			return Stats{}, fmt.Errorf("conflict upsert needs same-name keys, got %q = %q", key, req.IncomingKeys[i])
		}
	}
	if len(req.Rows) == 0 {
		return Stats{}, nil
	}

	rawTable := req.Table
	if req.Schema != "" {
		rawTable = req.Schema + "." + req.Table
	}
	if err := ensureUniqueIndex(ctx, db, p.table, rawTable, p.existingKeys, req.ExistingKeys); err != nil {
		return Stats{}, err
	}

	seenKeys := make(map[string]int, len(req.Rows))
	for idx, row := range req.Rows {
		key := fmt.Sprintf("%#v", p.keyArgs(row))
		if prev, ok := seenKeys[key]; ok {
			return Stats{}, fmt.Errorf("rows %d and %d share duplicate unique key values", prev, idx)
		}
		seenKeys[key] = idx
	}

	setClauses := make([]string, 0, len(p.columns))
	uniqueSet := make(map[string]struct{}, len(req.ExistingKeys))
	for _, key := range req.ExistingKeys {
		uniqueSet[key] = struct{}{}
	}
	for i, col := range req.Columns {
		if _, isUnique := uniqueSet[col]; isUnique {
			// Key columns already hold the incoming values.
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", p.columns[i], p.columns[i]))
	}
	conflict := "DO NOTHING"
	if len(setClauses) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	if c.maxParams < len(p.columns) {
		return Stats{}, fmt.Errorf("max params %d cannot hold one row of %d columns", c.maxParams, len(p.columns))
	}
	per := c.maxParams / len(p.columns)
	var stats Stats
	for start := 0; start < len(req.Rows); start += per {
		chunk := req.Rows[start:min(start+per, len(req.Rows))]
		n, err := c.exec(ctx, db, p, chunk, conflict)
		if err != nil {
			return stats, fmt.Errorf("rows %d..%d: %w", start, start+len(chunk)-1, err)
		}
		stats.Upserted += n
	}
	return stats, nil
}

func (c *ConflictUpserter) exec(ctx context.Context, db Execer, p *prepared, rows [][]any, conflict string) (int, error) {
	placeholders := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(p.columns))
	argIdx := 1
	for i, row := range rows {
		rowPlaceholders := make([]string, len(p.columns))
		for j := range p.columns {
			rowPlaceholders[j] = c.ph(argIdx)
			args = append(args, row[j])
			argIdx++
		}
		placeholders[i] = fmt.Sprintf("(%s)", strings.Join(rowPlaceholders, ", "))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) %s",
		p.table,
		strings.Join(p.columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(p.existingKeys, ", "),
		conflict,
	)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("exec upsert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("exec upsert: rows affected: %w", err)
	}
	return int(n), nil
}

func ensureUniqueIndex(ctx context.Context, db Execer, tableIdent string, rawTable string, quotedUniqueKeys []string, uniqueKeys []string) error {
	indexName := deriveIndexName(rawTable, uniqueKeys, "hash_idx")
	indexIdent, err := quoteIdentifier(indexName)
	if err != nil {
		return fmt.Errorf("index name: %w", err)
	}

	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		indexIdent,
		tableIdent,
		strings.Join(quotedUniqueKeys, ", "),
	)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create unique index: %w", err)
	}
	return nil
}
