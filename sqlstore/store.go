// Package sqlstore keeps merge tables in a SQL database.
//
// A registry table maps each logical table to its storage location, its
// partition column and its column types, and serves as the catalog. Every
// write runs in a single transaction, so a failed write leaves the table and
// the registry as they were.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/merge"
	"github.com/cantart/racemerge/upsert"
)

const registryTable = "racemerge_tables"

// maxParams bounds the bind parameters of one INSERT statement.
const maxParams = 900

// ErrNoTable is returned by Open when nothing is registered at a location.
var ErrNoTable = errors.New("no table at location")

// Strategy selects how Merge writes rows.
type Strategy string

const (
	StrategyRow      Strategy = "row"
	StrategyConflict Strategy = "conflict"
	StrategyBatched  Strategy = "batched"
)

// ParseStrategy accepts "row", "conflict" or "batched". The empty string
// selects StrategyRow.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case "", StrategyRow:
		return StrategyRow, nil
	case StrategyConflict:
		return StrategyConflict, nil
	case StrategyBatched:
		return StrategyBatched, nil
	}
	return "", fmt.Errorf("unknown merge strategy %q", s)
}

// Store implements merge.Catalog and merge.Store.
type Store struct {
	db        *sqlx.DB
	dialect   Dialect
	strategy  Strategy
	batchSize int
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithStrategy(s Strategy) Option {
	return func(st *Store) {
		st.strategy = s
	}
}

// WithBatchSize sets the chunk size of StrategyBatched.
func WithBatchSize(n int) Option {
	return func(st *Store) {
		st.batchSize = n
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(st *Store) {
		st.logger = l
	}
}

// Open connects to dsn with the dialect's driver and prepares the registry.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.DriverName(), err)
	}
	if _, ok := dialect.(SQLite); ok {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. It pings it and creates the registry table if
// needed.
func New(ctx context.Context, db *sqlx.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:        db,
		dialect:   dialect,
		strategy:  StrategyRow,
		batchSize: upsert.DefaultBatchSize,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, merge.Unavailable("ping", err)
	}
	if err := s.ensureRegistry(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureRegistry(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + registryTable + ` (
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	location TEXT NOT NULL UNIQUE,
	partition_column TEXT NOT NULL,
	columns TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (namespace, name)
)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return s.classify("create registry", err)
	}
	return nil
}

// TableExists reports whether id is registered.
func (s *Store) TableExists(ctx context.Context, id dataset.Ident) (bool, error) {
	var n int
	query := s.db.Rebind("SELECT COUNT(*) FROM " + registryTable + " WHERE namespace = ? AND name = ?")
	if err := s.db.GetContext(ctx, &n, query, id.Namespace, id.Name); err != nil {
		return false, s.classify("lookup "+id.String(), err)
	}
	return n > 0, nil
}

// Create creates the table for target from rs, registers it and loads rs,
// all in one transaction.
func (s *Store) Create(ctx context.Context, target merge.Target, rs *dataset.ResultSet, partitionColumn string) (merge.WriteStats, error) {
	columns := rs.Columns()
	var partition dataset.Column
	if partitionColumn != "" {
		idx, ok := rs.Index(partitionColumn)
		if !ok {
			return merge.WriteStats{}, fmt.Errorf("%w: partition column %q not in result set", merge.ErrSchemaMismatch, partitionColumn)
		}
		partition = columns[idx]
	}
	encoded, err := encodeColumns(columns)
	if err != nil {
		return merge.WriteStats{}, err
	}

	var inserted int
	err = s.inTx(ctx, "create "+target.Ident.String(), func(tx *sqlx.Tx) error {
		if err := s.dialect.CreateTable(ctx, tx, target.Ident, columns, partitionColumn); err != nil {
			return err
		}
		if partitionColumn != "" {
			if err := s.dialect.EnsurePartitions(ctx, tx, target.Ident, partition, partitionValues(rs, partitionColumn)); err != nil {
				return err
			}
		}
		n, err := s.insertRows(ctx, tx, target.Ident, rs)
		if err != nil {
			return err
		}
		inserted = n

		query := tx.Rebind("INSERT INTO " + registryTable + " (namespace, name, location, partition_column, columns, created_at) VALUES (?, ?, ?, ?, ?, ?)")
		if _, err := tx.ExecContext(ctx, query, target.Ident.Namespace, target.Ident.Name, target.Location, partitionColumn, encoded, s.now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("register %s: %w", target.Ident, err)
		}
		return nil
	})
	if err != nil {
		return merge.WriteStats{}, err
	}
	s.logger.Debug().Str("table", target.Ident.String()).Int("rows", inserted).Msg("table created")
	return merge.WriteStats{Inserted: inserted}, nil
}

type registryEntry struct {
	Namespace       string `db:"namespace"`
	Name            string `db:"name"`
	Location        string `db:"location"`
	PartitionColumn string `db:"partition_column"`
	Columns         string `db:"columns"`
	CreatedAt       string `db:"created_at"`
}

// Open resolves location through the registry.
func (s *Store) Open(ctx context.Context, location string) (merge.Table, error) {
	var e registryEntry
	query := s.db.Rebind("SELECT namespace, name, location, partition_column, columns, created_at FROM " + registryTable + " WHERE location = ?")
	if err := s.db.GetContext(ctx, &e, query, location); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNoTable, location)
		}
		return nil, s.classify("open "+location, err)
	}
	columns, err := decodeColumns(e.Columns)
	if err != nil {
		return nil, fmt.Errorf("registry entry for %s: %w", location, err)
	}
	return &Table{
		store:           s,
		ident:           dataset.Ident{Namespace: e.Namespace, Name: e.Name},
		location:        e.Location,
		partitionColumn: e.PartitionColumn,
		columns:         columns,
	}, nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.classify(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.classify(op, err)
	}
	return nil
}

// classify marks connection failures as merge.ErrTableUnavailable and
// returns every other error as is.
func (s *Store) classify(op string, err error) error {
	if s.dialect.Unreachable(err) {
		return merge.Unavailable(op, err)
	}
	return err
}

func (s *Store) upserter(match dataset.Match, partitionColumn string) upsert.Upserter {
	ph := s.dialect.Placeholder()
	if s.strategy == StrategyRow {
		return upsert.NewRowUpserter(ph)
	}
	if !sameNames(match) || !s.dialect.ConflictSafe(match, partitionColumn) {
		s.logger.Debug().
			Str("strategy", string(s.strategy)).
			Str("match", match.String()).
			Msg("match cannot back a unique index, using row strategy")
		return upsert.NewRowUpserter(ph)
	}
	if s.strategy == StrategyConflict {
		return upsert.NewConflictUpserter(ph)
	}
	return upsert.NewBatchedUpserter(ph).WithBatchSize(s.batchSize)
}

func (s *Store) insertRows(ctx context.Context, ex upsert.Execer, id dataset.Ident, rs *dataset.ResultSet) (int, error) {
	schema, name := s.dialect.Physical(id)
	table, err := upsert.Qualify(schema, name)
	if err != nil {
		return 0, err
	}
	names := rs.ColumnNames()
	columns := make([]string, len(names))
	for i, n := range names {
		if columns[i], err = upsert.QuoteIdentifier(n); err != nil {
			return 0, err
		}
	}

	ph := s.dialect.Placeholder()
	rows := bindRows(s.dialect, rs.Rows())
	per := max(1, maxParams/len(columns))
	for start := 0; start < len(rows); start += per {
		chunk := rows[start:min(start+per, len(rows))]
		values := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			placeholders := make([]string, len(row))
			for j := range row {
				placeholders[j] = ph(len(args) + 1)
				args = append(args, row[j])
			}
			values[i] = "(" + strings.Join(placeholders, ", ") + ")"
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(columns, ", "), strings.Join(values, ", "))
		if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
			return start, fmt.Errorf("insert rows: %w", err)
		}
	}
	return len(rows), nil
}

type columnEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func encodeColumns(columns []dataset.Column) (string, error) {
	entries := make([]columnEntry, len(columns))
	for i, c := range columns {
		entries[i] = columnEntry{Name: c.Name, Type: c.Type.String()}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode columns: %w", err)
	}
	return string(b), nil
}

func decodeColumns(s string) ([]dataset.Column, error) {
	var entries []columnEntry
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return nil, fmt.Errorf("decode columns: %w", err)
	}
	columns := make([]dataset.Column, len(entries))
	for i, e := range entries {
		typ, err := dataset.ParseType(e.Type)
		if err != nil {
			return nil, err
		}
		columns[i] = dataset.Column{Name: e.Name, Type: typ}
	}
	return columns, nil
}

// partitionValues lists the distinct values of column in rs, with nil
// appended when a row has none.
func partitionValues(rs *dataset.ResultSet, column string) []any {
	values, _ := rs.Distinct(column)
	for i := 0; i < rs.Len(); i++ {
		if rs.Value(i, column) == nil {
			return append(values, nil)
		}
	}
	return values
}

func sameNames(match dataset.Match) bool {
	for _, kp := range match {
		if kp.Existing != kp.Incoming {
			return false
		}
	}
	return true
}
