package upsert

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func resultsRequest(rows [][]any) Request {
	return Request{
		Schema:       "f1_processed",
		Table:        "results",
		Columns:      []string{"result_id", "race_id", "points"},
		Rows:         rows,
		ExistingKeys: []string{"result_id", "race_id"},
		IncomingKeys: []string{"result_id", "race_id"},
	}
}

func TestRowUpserterUpsert_MultiRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	upserter := NewRowUpserter(Dollar)
	req := resultsRequest([][]any{
		{int64(1), int64(1052), 25.0},
		{int64(2), int64(1052), 18.0},
	})

	mock.ExpectBegin()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM "f1_processed"."results" WHERE "result_id" = $1 AND "race_id" = $2 LIMIT 1`)).
		WithArgs(int64(1), int64(1052)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "f1_processed"."results" SET "result_id" = $1, "race_id" = $2, "points" = $3 WHERE "result_id" = $4 AND "race_id" = $5`)).
		WithArgs(int64(1), int64(1052), 25.0, int64(1), int64(1052)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM "f1_processed"."results" WHERE "result_id" = $1 AND "race_id" = $2 LIMIT 1`)).
		WithArgs(int64(2), int64(1052)).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "f1_processed"."results" ("result_id", "race_id", "points") VALUES ($1, $2, $3)`)).
		WithArgs(int64(2), int64(1052), 18.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectCommit()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	stats, err := upserter.Upsert(context.Background(), tx, req)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if stats.Inserted != 1 || stats.Updated != 1 {
		t.Fatalf("stats = %+v, want 1 inserted and 1 updated", stats)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRowUpserterUpsert_ScopedToPartitions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	upserter := NewRowUpserter(Numbered)
	req := resultsRequest([][]any{{int64(1), int64(1052), 25.0}})
	req.Schema = ""
	req.Table = "f1_processed__results"
	req.Scope = &Scope{Column: "race_id", Values: []any{int64(1052), nil}}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM "f1_processed__results" WHERE "result_id" = ?1 AND "race_id" = ?2 AND ("race_id" IN (?3) OR "race_id" IS NULL) LIMIT 1`)).
		WithArgs(int64(1), int64(1052), int64(1052)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "f1_processed__results" SET "result_id" = ?1, "race_id" = ?2, "points" = ?3 WHERE "result_id" = ?4 AND "race_id" = ?5 AND ("race_id" IN (?6) OR "race_id" IS NULL)`)).
		WithArgs(int64(1), int64(1052), 25.0, int64(1), int64(1052), int64(1052)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	stats, err := upserter.Upsert(context.Background(), db, req)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if stats.Updated != 2 {
		t.Fatalf("updated = %d, want 2", stats.Updated)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRowUpserterUpsert_RenamedKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	upserter := NewRowUpserter(Dollar)
	req := Request{
		Table:        "drivers",
		Columns:      []string{"driver_id", "legacy_id", "name"},
		Rows:         [][]any{{int64(1), int64(830), "Max Verstappen"}},
		ExistingKeys: []string{"driver_id"},
		IncomingKeys: []string{"legacy_id"},
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM "drivers" WHERE "driver_id" = $1 LIMIT 1`)).
		WithArgs(int64(830)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "drivers" ("driver_id", "legacy_id", "name") VALUES ($1, $2, $3)`)).
		WithArgs(int64(1), int64(830), "Max Verstappen").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := upserter.Upsert(context.Background(), db, req); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRowUpserterUpsert_RowLengthMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	upserter := NewRowUpserter(Dollar)
	req := resultsRequest([][]any{{int64(1), int64(1052)}})

	_, err = upserter.Upsert(context.Background(), db, req)
	if err == nil {
		t.Fatal("expected error for row length mismatch, got nil")
	}
	if !strings.Contains(err.Error(), "row 0: columns (3) and values (2)") {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestScopeClause(t *testing.T) {
	tests := []struct {
		name  string
		scope *Scope
		want  string
		args  int
	}{
		{name: "none", scope: nil, want: ""},
		{name: "values", scope: &Scope{Column: "race_year", Values: []any{int64(2020), int64(2021)}}, want: `"race_year" IN ($4, $5)`, args: 2},
		{name: "onlyNull", scope: &Scope{Column: "race_year", Values: []any{nil}}, want: `"race_year" IS NULL`},
		{name: "empty", scope: &Scope{Column: "race_year"}, want: "1 = 0"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, args, err := ScopeClause(tc.scope, Dollar, 4)
			if err != nil {
				t.Fatalf("ScopeClause: %v", err)
			}
			if got != tc.want || len(args) != tc.args {
				t.Fatalf("ScopeClause = %q with %d args, want %q with %d", got, len(args), tc.want, tc.args)
			}
		})
	}
}
