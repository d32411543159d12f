package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/merge"
	"github.com/cantart/racemerge/sqlstore"
)

var standingsColumns = []dataset.Column{
	{Name: "race_year", Type: dataset.Int},
	{Name: "team", Type: dataset.String},
	{Name: "total_points", Type: dataset.Float},
	{Name: "wins", Type: dataset.Int},
	{Name: "file_date", Type: dataset.Date},
}

var march28 = time.Date(2021, 3, 28, 0, 0, 0, 0, time.UTC)

func standings(t *testing.T, rows ...[]any) *dataset.ResultSet {
	t.Helper()
	rs, err := dataset.New(standingsColumns, rows)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	return rs
}

func openSQLite(t *testing.T, opts ...sqlstore.Option) (*merge.Coordinator, *sqlstore.Store, merge.Target) {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), sqlstore.SQLite{}, ":memory:", opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := merge.Config{Roots: map[merge.Layer]string{merge.LayerPresentation: "sqlite://presentation"}}
	target, err := cfg.Target(merge.LayerPresentation, "f1_presentation", "constructor_standings")
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	return merge.New(store, store, cfg), store, target
}

func readAll(t *testing.T, c *merge.Coordinator, target merge.Target) *dataset.ResultSet {
	t.Helper()
	rs, err := c.Read(context.Background(), target, dataset.Filter{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return rs
}

func TestSQLiteApply_CreateThenMerge(t *testing.T) {
	for _, strategy := range []sqlstore.Strategy{sqlstore.StrategyRow, sqlstore.StrategyConflict, sqlstore.StrategyBatched} {
		t.Run(string(strategy), func(t *testing.T) {
			c, store, target := openSQLite(t, sqlstore.WithStrategy(strategy), sqlstore.WithBatchSize(1))
			ctx := context.Background()
			match := dataset.On("team", "race_year")

			first := standings(t,
				[]any{2020, "Mercedes", 573.0, 13, march28},
				[]any{2020, "Red Bull", 319.0, 2, march28},
				[]any{2021, "Mercedes", 25.0, 0, march28},
			)
			out, err := c.Apply(ctx, first, target, match, "race_year")
			if err != nil {
				t.Fatalf("Apply create: %v", err)
			}
			if out.Action != merge.ActionCreate || out.Inserted != 3 {
				t.Fatalf("outcome = %+v, want create inserting 3", out)
			}
			if exists, err := store.TableExists(ctx, target.Ident); err != nil || !exists {
				t.Fatalf("TableExists = %v, %v; want true", exists, err)
			}
			if got := readAll(t, c, target); !dataset.Equal(got, first) {
				t.Fatalf("rows after create = %v, want %v", got.Rows(), first.Rows())
			}

			second := standings(t,
				[]any{2021, "Mercedes", 44.0, 1, march28},
				[]any{2021, "Red Bull", 43.0, 1, march28},
			)
			out, err = c.Apply(ctx, second, target, match, "race_year")
			if err != nil {
				t.Fatalf("Apply merge: %v", err)
			}
			if out.Action != merge.ActionMerge {
				t.Fatalf("action = %s, want merge", out.Action)
			}
			want := standings(t,
				[]any{2020, "Mercedes", 573.0, 13, march28},
				[]any{2020, "Red Bull", 319.0, 2, march28},
				[]any{2021, "Mercedes", 44.0, 1, march28},
				[]any{2021, "Red Bull", 43.0, 1, march28},
			)
			if got := readAll(t, c, target); !dataset.Equal(got, want) {
				t.Fatalf("rows after merge = %v, want %v", got.Rows(), want.Rows())
			}

			if _, err := c.Apply(ctx, second, target, match, "race_year"); err != nil {
				t.Fatalf("Apply again: %v", err)
			}
			if got := readAll(t, c, target); !dataset.Equal(got, want) {
				t.Fatalf("rows after second identical merge = %v, want %v", got.Rows(), want.Rows())
			}
		})
	}
}

func TestSQLiteApply_RowCountsUpdatesAndInserts(t *testing.T) {
	c, _, target := openSQLite(t)
	ctx := context.Background()
	match := dataset.On("team", "race_year")
	if _, err := c.Apply(ctx, standings(t, []any{2021, "Ferrari", 10.0, 0, march28}), target, match, "race_year"); err != nil {
		t.Fatalf("Apply create: %v", err)
	}
	out, err := c.Apply(ctx, standings(t,
		[]any{2021, "Ferrari", 12.0, 0, march28},
		[]any{2021, "McLaren", 30.0, 0, march28},
	), target, match, "race_year")
	if err != nil {
		t.Fatalf("Apply merge: %v", err)
	}
	if out.Updated != 1 || out.Inserted != 1 {
		t.Fatalf("outcome = %+v, want 1 updated and 1 inserted", out)
	}
}

func TestSQLiteApply_SchemaMismatchLeavesTableUnchanged(t *testing.T) {
	c, _, target := openSQLite(t)
	ctx := context.Background()
	seed := standings(t, []any{2020, "Mercedes", 573.0, 13, march28})
	if _, err := c.Apply(ctx, seed, target, dataset.On("team", "race_year"), "race_year"); err != nil {
		t.Fatalf("Apply create: %v", err)
	}

	narrow, err := dataset.New([]dataset.Column{
		{Name: "race_year", Type: dataset.Int},
		{Name: "team", Type: dataset.String},
	}, [][]any{{2020, "Mercedes"}})
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	_, err = c.Apply(ctx, narrow, target, dataset.On("team", "race_year"), "race_year")
	if !errors.Is(err, merge.ErrSchemaMismatch) {
		t.Fatalf("err = %v, want ErrSchemaMismatch", err)
	}
	if got := readAll(t, c, target); !dataset.Equal(got, seed) {
		t.Fatalf("rows = %v, want %v", got.Rows(), seed.Rows())
	}
}

func TestSQLiteOverwrite_ReplacesTouchedPartitions(t *testing.T) {
	c, _, target := openSQLite(t)
	ctx := context.Background()
	seed := standings(t,
		[]any{2020, "Mercedes", 573.0, 13, march28},
		[]any{2021, "Mercedes", 25.0, 0, march28},
		[]any{2021, "Red Bull", 18.0, 0, march28},
	)
	if _, err := c.Overwrite(ctx, seed, target, "race_year"); err != nil {
		t.Fatalf("seed Overwrite: %v", err)
	}

	out, err := c.Overwrite(ctx, standings(t, []any{2021, "McLaren", 15.0, 0, march28}), target, "race_year")
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if out.Deleted != 2 || out.Inserted != 1 {
		t.Fatalf("outcome = %+v, want 2 deleted and 1 inserted", out)
	}
	want := standings(t,
		[]any{2020, "Mercedes", 573.0, 13, march28},
		[]any{2021, "McLaren", 15.0, 0, march28},
	)
	if got := readAll(t, c, target); !dataset.Equal(got, want) {
		t.Fatalf("rows = %v, want %v", got.Rows(), want.Rows())
	}
}

func TestSQLiteRead_FiltersOnDate(t *testing.T) {
	c, _, target := openSQLite(t)
	ctx := context.Background()
	april18 := time.Date(2021, 4, 18, 0, 0, 0, 0, time.UTC)
	rs := standings(t,
		[]any{2021, "Mercedes", 25.0, 1, march28},
		[]any{2021, "Red Bull", 18.0, 0, april18},
	)
	if _, err := c.Apply(ctx, rs, target, dataset.On("team", "race_year"), "race_year"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := c.Read(ctx, target, dataset.Filter{Column: "file_date", Values: []any{"2021-04-18"}})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := standings(t, []any{2021, "Red Bull", 18.0, 0, april18})
	if !dataset.Equal(got, want) {
		t.Fatalf("rows = %v, want %v", got.Rows(), want.Rows())
	}
}

func TestSQLiteApply_NullKeyRejectedOnRerun(t *testing.T) {
	for _, strategy := range []sqlstore.Strategy{sqlstore.StrategyRow, sqlstore.StrategyConflict} {
		t.Run(string(strategy), func(t *testing.T) {
			c, _, target := openSQLite(t, sqlstore.WithStrategy(strategy))
			ctx := context.Background()
			match := dataset.On("team", "race_year")
			seed := standings(t,
				[]any{2021, "Mercedes", 25.0, 1, march28},
				[]any{2021, "Red Bull", 18.0, 0, march28},
			)
			if _, err := c.Apply(ctx, seed, target, match, "race_year"); err != nil {
				t.Fatalf("Apply create: %v", err)
			}

			withNull := standings(t,
				[]any{2021, "Mercedes", 25.0, 1, march28},
				[]any{nil, "Haas", 0.0, 0, march28},
			)
			for range 2 {
				_, err := c.Apply(ctx, withNull, target, match, "race_year")
				if !errors.Is(err, merge.ErrNullKey) {
					t.Fatalf("err = %v, want ErrNullKey", err)
				}
			}
			if got := readAll(t, c, target); !dataset.Equal(got, seed) {
				t.Fatalf("rows = %v, want %v", got.Rows(), seed.Rows())
			}
		})
	}
}

func TestSQLiteOverwrite_NullPartition(t *testing.T) {
	c, _, target := openSQLite(t)
	ctx := context.Background()
	seed := standings(t,
		[]any{nil, "Haas", 0.0, 0, march28},
		[]any{nil, "Williams", 0.0, 0, march28},
		[]any{2021, "Mercedes", 25.0, 1, march28},
	)
	if _, err := c.Overwrite(ctx, seed, target, "race_year"); err != nil {
		t.Fatalf("seed Overwrite: %v", err)
	}

	out, err := c.Overwrite(ctx, standings(t, []any{nil, "Alpine", 2.0, 0, march28}), target, "race_year")
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if out.Deleted != 2 || out.Inserted != 1 {
		t.Fatalf("outcome = %+v, want 2 deleted and 1 inserted", out)
	}
	want := standings(t,
		[]any{nil, "Alpine", 2.0, 0, march28},
		[]any{2021, "Mercedes", 25.0, 1, march28},
	)
	if got := readAll(t, c, target); !dataset.Equal(got, want) {
		t.Fatalf("rows = %v, want %v", got.Rows(), want.Rows())
	}
}

func TestSQLiteApply_MergeLargerThanOneStatement(t *testing.T) {
	// 7000 rows of 5 columns bind more values than SQLite allows in one
	// statement.
	const n = 7000
	for _, strategy := range []sqlstore.Strategy{sqlstore.StrategyConflict, sqlstore.StrategyBatched} {
		t.Run(string(strategy), func(t *testing.T) {
			c, _, target := openSQLite(t, sqlstore.WithStrategy(strategy))
			ctx := context.Background()
			match := dataset.On("team", "race_year")

			rows := make([][]any, n)
			for i := range rows {
				rows[i] = []any{2021, fmt.Sprintf("team-%04d", i), float64(i), 0, march28}
			}
			rs := standings(t, rows...)
			if _, err := c.Apply(ctx, rs, target, match, "race_year"); err != nil {
				t.Fatalf("Apply create: %v", err)
			}
			out, err := c.Apply(ctx, rs, target, match, "race_year")
			if err != nil {
				t.Fatalf("Apply merge: %v", err)
			}
			if out.Upserted != n {
				t.Fatalf("upserted = %d, want %d", out.Upserted, n)
			}
			if got := readAll(t, c, target); got.Len() != n {
				t.Fatalf("rows after merge = %d, want %d", got.Len(), n)
			}
		})
	}
}

func TestSQLiteOpen_UnknownLocation(t *testing.T) {
	_, store, _ := openSQLite(t)
	_, err := store.Open(context.Background(), "sqlite://presentation/nowhere")
	if !errors.Is(err, sqlstore.ErrNoTable) {
		t.Fatalf("err = %v, want ErrNoTable", err)
	}
}

func TestSQLiteOpen_UnreachableDatabase(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "missing", "racemerge.db")
	_, err := sqlstore.Open(context.Background(), sqlstore.SQLite{}, dsn)
	if !errors.Is(err, merge.ErrTableUnavailable) {
		t.Fatalf("err = %v, want ErrTableUnavailable", err)
	}
}

func TestSQLiteApply_ClosedDatabaseIsUnavailable(t *testing.T) {
	c, store, target := openSQLite(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := c.Apply(context.Background(), standings(t, []any{2021, "Mercedes", 25.0, 1, march28}), target, dataset.On("team", "race_year"), "race_year")
	if !errors.Is(err, merge.ErrTableUnavailable) {
		t.Fatalf("err = %v, want ErrTableUnavailable", err)
	}
}
