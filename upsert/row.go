package upsert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RowUpserter looks each incoming row up by key and then updates every
// matching row or inserts it. It needs no unique index, so it works for
// any key and any partitioning.
type RowUpserter struct {
	ph Placeholder
}

func NewRowUpserter(ph Placeholder) *RowUpserter {
	return &RowUpserter{ph: ph}
}

func (r *RowUpserter) Upsert(ctx context.Context, db Execer, req Request) (Stats, error) {
	p, err := prepare(req)
	if err != nil {
		return Stats{}, err
	}
	if len(req.Rows) == 0 {
		return Stats{}, nil
	}

	whereClauses := make([]string, len(p.existingKeys))
	for i, key := range p.existingKeys {
		whereClauses[i] = fmt.Sprintf("%s = %s", key, r.ph(i+1))
	}
	scopeSQL, scopeArgs, err := ScopeClause(req.Scope, r.ph, len(whereClauses)+1)
	if err != nil {
		return Stats{}, err
	}
	if scopeSQL != "" {
		whereClauses = append(whereClauses, scopeSQL)
	}

	var stats Stats
	checkQuery := fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", p.table, strings.Join(whereClauses, " AND "))
	for rowIdx, row := range req.Rows {
		whereArgs := append(p.keyArgs(row), scopeArgs...)

		var one int
		exists := false
		switch err := db.QueryRowContext(ctx, checkQuery, whereArgs...).Scan(&one); {
		case errors.Is(err, sql.ErrNoRows):
			exists = false
		case err != nil:
			return stats, fmt.Errorf("row %d: check existing row: %w", rowIdx, err)
		default:
			exists = true
		}

		if exists {
			n, err := r.executeUpdate(ctx, db, p, row, req.Scope)
			if err != nil {
				return stats, fmt.Errorf("row %d: %w", rowIdx, err)
			}
			stats.Updated += n
		} else {
			if err := r.executeInsert(ctx, db, p, row); err != nil {
				return stats, fmt.Errorf("row %d: %w", rowIdx, err)
			}
			stats.Inserted++
		}
	}
	return stats, nil
}

func (r *RowUpserter) executeInsert(ctx context.Context, db Execer, p *prepared, row []any) error {
	placeholders := make([]string, len(row))
	for i := range placeholders {
		placeholders[i] = r.ph(i + 1)
	}

	insertQuery := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", p.table, strings.Join(p.columns, ", "), strings.Join(placeholders, ", "))
	if _, err := db.ExecContext(ctx, insertQuery, row...); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	return nil
}

// executeUpdate overwrites every column of each row matching the key and
// reports how many rows it touched.
func (r *RowUpserter) executeUpdate(ctx context.Context, db Execer, p *prepared, row []any, scope *Scope) (int, error) {
	setClauses := make([]string, len(p.columns))
	args := make([]any, 0, len(p.columns)+len(p.existingKeys))
	idx := 1
	for i, col := range p.columns {
		setClauses[i] = fmt.Sprintf("%s = %s", col, r.ph(idx))
		args = append(args, row[i])
		idx++
	}

	whereClauses := make([]string, len(p.existingKeys))
	for i, key := range p.existingKeys {
		whereClauses[i] = fmt.Sprintf("%s = %s", key, r.ph(idx))
		args = append(args, row[p.incomingIndex[i]])
		idx++
	}
	scopeSQL, scopeArgs, err := ScopeClause(scope, r.ph, idx)
	if err != nil {
		return 0, err
	}
	if scopeSQL != "" {
		whereClauses = append(whereClauses, scopeSQL)
		args = append(args, scopeArgs...)
	}

	updateQuery := fmt.Sprintf("UPDATE %s SET %s WHERE %s", p.table, strings.Join(setClauses, ", "), strings.Join(whereClauses, " AND "))
	res, err := db.ExecContext(ctx, updateQuery, args...)
	if err != nil {
		return 0, fmt.Errorf("update row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update row: rows affected: %w", err)
	}
	return int(n), nil
}

// ScopeClause renders "col IN (...)" for scope, numbering parameters from
// start. A nil value in the scope also admits NULL.
func ScopeClause(scope *Scope, ph Placeholder, start int) (string, []any, error) {
	if scope == nil {
		return "", nil, nil
	}
	col, err := quoteIdentifier(scope.Column)
	if err != nil {
		return "", nil, fmt.Errorf("scope column: %w", err)
	}
	var (
		placeholders []string
		args         []any
		withNull     bool
	)
	for _, v := range scope.Values {
		if v == nil {
			withNull = true
			continue
		}
		placeholders = append(placeholders, ph(start+len(args)))
		args = append(args, v)
	}
	switch {
	case len(placeholders) == 0 && withNull:
		return fmt.Sprintf("%s IS NULL", col), nil, nil
	case len(placeholders) == 0:
		return "1 = 0", nil, nil
	case withNull:
		return fmt.Sprintf("(%s IN (%s) OR %s IS NULL)", col, strings.Join(placeholders, ", "), col), args, nil
	}
	return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), args, nil
}
