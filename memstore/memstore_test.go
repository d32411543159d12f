package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/merge"
)

var columns = []dataset.Column{
	{Name: "result_id", Type: dataset.Int},
	{Name: "race_id", Type: dataset.Int},
	{Name: "points", Type: dataset.Float},
}

var target = merge.Target{
	Ident:    dataset.Ident{Namespace: "f1_processed", Name: "results"},
	Location: "mem://processed/results",
}

func rows(t *testing.T, values ...[]any) *dataset.ResultSet {
	t.Helper()
	rs, err := dataset.New(columns, values)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	return rs
}

func create(t *testing.T, rs *dataset.ResultSet) (*Store, merge.Table) {
	t.Helper()
	ctx := context.Background()
	s := New()
	if _, err := s.Create(ctx, target, rs, "race_id"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	tbl, err := s.Open(ctx, target.Location)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, tbl
}

func read(t *testing.T, tbl merge.Table, filter dataset.Filter) *dataset.ResultSet {
	t.Helper()
	rs, err := tbl.Read(context.Background(), filter)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return rs
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s, tbl := create(t, rows(t, []any{1, 1052, 25.0}, []any{2, 1053, 18.0}, []any{3, nil, nil}))

	exists, err := s.TableExists(ctx, target.Ident)
	if err != nil || !exists {
		t.Fatalf("TableExists = %v, %v", exists, err)
	}
	if got := s.Partitions(target.Location); len(got) != 3 || got[0] != nil || got[1] != int64(1052) {
		t.Fatalf("Partitions = %v", got)
	}
	if tbl.PartitionColumn() != "race_id" || tbl.Ident() != target.Ident || len(tbl.Schema()) != 3 {
		t.Fatalf("handle = %v %v %v", tbl.Ident(), tbl.PartitionColumn(), tbl.Schema())
	}

	if _, err := s.Create(ctx, target, rows(t), "race_id"); err == nil {
		t.Fatal("second Create succeeded")
	}
	other := merge.Target{Ident: dataset.Ident{Namespace: "f1_processed", Name: "other"}, Location: target.Location}
	if _, err := s.Create(ctx, other, rows(t), ""); err == nil {
		t.Fatal("Create on a used location succeeded")
	}
	if _, err := s.Open(ctx, "mem://nowhere"); err == nil {
		t.Fatal("Open of unknown location succeeded")
	}
}

func TestMerge_ScopedToPartitions(t *testing.T) {
	_, tbl := create(t, rows(t, []any{1, 1052, 25.0}, []any{1, 1053, 10.0}))

	// Only partition 1052 is scanned, so result 1 of race 1053 stays.
	incoming := rows(t, []any{1, 1052, 26.0}, []any{2, 1052, 18.0})
	stats, err := tbl.Merge(context.Background(), incoming, merge.MergeSpec{
		Match:      dataset.On("result_id"),
		Partitions: []any{int64(1052)},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if stats.Updated != 1 || stats.Inserted != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	want := rows(t, []any{1, 1052, 26.0}, []any{2, 1052, 18.0}, []any{1, 1053, 10.0})
	if got := read(t, tbl, dataset.Filter{}); !dataset.Equal(got, want) {
		t.Fatalf("rows = %v", got.Rows())
	}
}

func TestMerge_MovesRowsBetweenPartitions(t *testing.T) {
	s, tbl := create(t, rows(t, []any{1, 1052, 25.0}))

	stats, err := tbl.Merge(context.Background(), rows(t, []any{1, 1053, 25.0}), merge.MergeSpec{Match: dataset.On("result_id")})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if stats.Updated != 1 || stats.Inserted != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := s.Partitions(target.Location); len(got) != 1 || got[0] != int64(1053) {
		t.Fatalf("Partitions = %v", got)
	}
}

func TestMerge_UnknownMatchColumn(t *testing.T) {
	_, tbl := create(t, rows(t, []any{1, 1052, 25.0}))

	_, err := tbl.Merge(context.Background(), rows(t), merge.MergeSpec{Match: dataset.On("driver_id")})
	if !errors.Is(err, merge.ErrSchemaMismatch) {
		t.Fatalf("Merge error = %v, want ErrSchemaMismatch", err)
	}
}

func TestReplacePartitions(t *testing.T) {
	s, tbl := create(t, rows(t, []any{1, 1052, 25.0}, []any{2, 1052, 18.0}, []any{3, 1053, 25.0}, []any{4, nil, 1.0}))
	ctx := context.Background()

	stats, err := tbl.ReplacePartitions(ctx, rows(t, []any{5, 1052, 15.0}, []any{6, nil, 2.0}), "race_id")
	if err != nil {
		t.Fatalf("ReplacePartitions: %v", err)
	}
	if stats.Deleted != 3 || stats.Inserted != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	want := rows(t, []any{5, 1052, 15.0}, []any{6, nil, 2.0}, []any{3, 1053, 25.0})
	if got := read(t, tbl, dataset.Filter{}); !dataset.Equal(got, want) {
		t.Fatalf("rows = %v", got.Rows())
	}
	if got := s.Partitions(target.Location); len(got) != 3 {
		t.Fatalf("Partitions = %v", got)
	}

	if _, err := tbl.ReplacePartitions(ctx, rows(t), "result_id"); err == nil {
		t.Fatal("ReplacePartitions with another partition column succeeded")
	}
}

func TestReplacePartitions_WholeTable(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Create(ctx, target, rows(t, []any{1, 1052, 25.0}, []any{2, 1053, 18.0}), ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	tbl, err := s.Open(ctx, target.Location)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	stats, err := tbl.ReplacePartitions(ctx, rows(t, []any{3, 1054, 1.0}), "")
	if err != nil {
		t.Fatalf("ReplacePartitions: %v", err)
	}
	if stats.Deleted != 2 || stats.Inserted != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := read(t, tbl, dataset.Filter{}); got.Len() != 1 {
		t.Fatalf("rows = %v", got.Rows())
	}
}

func TestRead_Filter(t *testing.T) {
	_, tbl := create(t, rows(t, []any{1, 1052, 25.0}, []any{2, 1053, 18.0}))

	got := read(t, tbl, dataset.Filter{Column: "race_id", Values: []any{1053}})
	if got.Len() != 1 || got.Value(0, "result_id") != int64(2) {
		t.Fatalf("rows = %v", got.Rows())
	}
}
