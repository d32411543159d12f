package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/upsert"
)

// Postgres stores each namespace as a schema. Partitioned tables use native
// LIST partitioning with one child table per partition value.
type Postgres struct{}

func (Postgres) DriverName() string { return "postgres" }

func (Postgres) Placeholder() upsert.Placeholder { return upsert.Dollar }

func (Postgres) ColumnType(t dataset.Type) (string, error) {
	switch t {
	case dataset.Int:
		return "BIGINT", nil
	case dataset.Float:
		return "DOUBLE PRECISION", nil
	case dataset.String:
		return "TEXT", nil
	case dataset.Bool:
		return "BOOLEAN", nil
	case dataset.Date:
		return "DATE", nil
	case dataset.Timestamp:
		return "TIMESTAMPTZ", nil
	}
	return "", fmt.Errorf("no postgres type for %s", t)
}

func (Postgres) Physical(id dataset.Ident) (string, string) {
	return id.Namespace, id.Name
}

func (p Postgres) CreateTable(ctx context.Context, ex upsert.Execer, id dataset.Ident, columns []dataset.Column, partitionColumn string) error {
	if id.Namespace != "" {
		schema, err := upsert.QuoteIdentifier(id.Namespace)
		if err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	stmt, err := createTableStmt(p, id, columns)
	if err != nil {
		return err
	}
	if partitionColumn != "" {
		col, err := upsert.QuoteIdentifier(partitionColumn)
		if err != nil {
			return err
		}
		stmt += fmt.Sprintf(" PARTITION BY LIST (%s)", col)
	}
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func (Postgres) EnsurePartitions(ctx context.Context, ex upsert.Execer, id dataset.Ident, partition dataset.Column, values []any) error {
	if partition.Name == "" {
		return nil
	}
	parent, err := upsert.Qualify(id.Namespace, id.Name)
	if err != nil {
		return err
	}
	for _, v := range values {
		lit, err := pgLiteral(partition.Type, v)
		if err != nil {
			return fmt.Errorf("partition %s: %w", partition.Name, err)
		}
		child, err := upsert.Qualify(id.Namespace, partitionTableName(id.Name, partition.Name, v))
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%s)", child, parent, lit)
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create partition %s=%v: %w", partition.Name, v, err)
		}
	}
	return nil
}

func (Postgres) Bind(v any) any { return v }

// ConflictSafe: a unique index on a partitioned table must contain the
// partition column.
func (Postgres) ConflictSafe(match dataset.Match, partitionColumn string) bool {
	return partitionColumn == "" || match.Covers(partitionColumn)
}

func (Postgres) Unreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection exception, 57P03: cannot connect now.
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P03"
	}
	return false
}

// partitionTableName names the child table holding one partition value.
func partitionTableName(table, column string, value any) string {
	prefix := table
	if len(prefix) > 40 {
		prefix = prefix[:40]
	}
	return prefix + "_" + upsert.DeriveName("p", table, []string{dataset.KeyOf(value)}, column)
}

func pgLiteral(t dataset.Type, v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		return pq.QuoteLiteral(x), nil
	case time.Time:
		if t == dataset.Date {
			return pq.QuoteLiteral(x.Format("2006-01-02")), nil
		}
		return pq.QuoteLiteral(x.UTC().Format(time.RFC3339Nano)), nil
	}
	return "", fmt.Errorf("unsupported partition value %T", v)
}

func createTableStmt(d Dialect, id dataset.Ident, columns []dataset.Column) (string, error) {
	schema, name := d.Physical(id)
	table, err := upsert.Qualify(schema, name)
	if err != nil {
		return "", err
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		col, err := upsert.QuoteIdentifier(c.Name)
		if err != nil {
			return "", fmt.Errorf("column[%d]: %w", i, err)
		}
		typ, err := d.ColumnType(c.Type)
		if err != nil {
			return "", err
		}
		defs[i] = col + " " + typ
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", ")), nil
}
