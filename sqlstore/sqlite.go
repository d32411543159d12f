package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/upsert"
)

// Primary result codes for a database file that cannot be used.
const (
	sqliteCantOpen = 14
	sqliteNotADB   = 26
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLite keeps every table in the main database. The namespace is folded
// into the table name and the partition column gets a plain index.
type SQLite struct{}

func (SQLite) DriverName() string { return "sqlite" }

func (SQLite) Placeholder() upsert.Placeholder { return upsert.Numbered }

func (SQLite) ColumnType(t dataset.Type) (string, error) {
	switch t {
	case dataset.Int:
		return "INTEGER", nil
	case dataset.Float:
		return "REAL", nil
	case dataset.String:
		return "TEXT", nil
	case dataset.Bool:
		return "BOOLEAN", nil
	case dataset.Date:
		return "DATE", nil
	case dataset.Timestamp:
		return "TIMESTAMP", nil
	}
	return "", fmt.Errorf("no sqlite type for %s", t)
}

func (SQLite) Physical(id dataset.Ident) (string, string) {
	if id.Namespace == "" {
		return "", id.Name
	}
	return "", id.Namespace + "__" + id.Name
}

func (s SQLite) CreateTable(ctx context.Context, ex upsert.Execer, id dataset.Ident, columns []dataset.Column, partitionColumn string) error {
	stmt, err := createTableStmt(s, id, columns)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if partitionColumn == "" {
		return nil
	}

	_, name := s.Physical(id)
	table, err := upsert.QuoteIdentifier(name)
	if err != nil {
		return err
	}
	col, err := upsert.QuoteIdentifier(partitionColumn)
	if err != nil {
		return err
	}
	index, err := upsert.QuoteIdentifier(upsert.DeriveName("part", name, []string{partitionColumn}, "idx"))
	if err != nil {
		return err
	}
	stmt = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", index, table, col)
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create partition index: %w", err)
	}
	return nil
}

func (SQLite) EnsurePartitions(context.Context, upsert.Execer, dataset.Ident, dataset.Column, []any) error {
	return nil
}

// Bind stores times as RFC 3339 text so equal values compare equal.
func (SQLite) Bind(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func (SQLite) ConflictSafe(dataset.Match, string) bool { return true }

func (SQLite) Unreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqliteCantOpen, sqliteNotADB:
			return true
		}
	}
	return false
}
