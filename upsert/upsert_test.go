package upsert

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func BenchmarkUpserters(b *testing.B) {
	rowCounts := []int{1, 32, 128}
	for _, count := range rowCounts {
		req := benchmarkRequest(count)
		b.Run(fmt.Sprintf("rows=%d", count), func(b *testing.B) {
			b.Run("Row", func(b *testing.B) {
				runBenchmark(b, NewRowUpserter(Dollar), req, func(mock sqlmock.Sqlmock) {
					for _, row := range req.Rows {
						mock.ExpectQuery("SELECT 1 FROM .*").
							WithArgs(row[0], row[1]).
							WillReturnError(sql.ErrNoRows)
						mock.ExpectExec("INSERT INTO .*").
							WithArgs(driverArgs(row)...).
							WillReturnResult(sqlmock.NewResult(0, 1))
					}
				})
			})
			b.Run("Conflict", func(b *testing.B) {
				runBenchmark(b, NewConflictUpserter(Dollar), req, func(mock sqlmock.Sqlmock) {
					mock.ExpectExec("CREATE UNIQUE INDEX .*").
						WillReturnResult(sqlmock.NewResult(0, 0))
					mock.ExpectExec("INSERT INTO .*").
						WithArgs(flattenDriverValues(req.Rows)...).
						WillReturnResult(sqlmock.NewResult(0, int64(len(req.Rows))))
				})
			})
			b.Run("Batched", func(b *testing.B) {
				const batchSize = 16
				runBenchmark(b, NewBatchedUpserter(Dollar).WithBatchSize(batchSize), req, func(mock sqlmock.Sqlmock) {
					for start := 0; start < len(req.Rows); start += batchSize {
						chunk := req.Rows[start:min(start+batchSize, len(req.Rows))]
						mock.ExpectExec("CREATE UNIQUE INDEX .*").
							WillReturnResult(sqlmock.NewResult(0, 0))
						mock.ExpectExec("INSERT INTO .*").
							WithArgs(flattenDriverValues(chunk)...).
							WillReturnResult(sqlmock.NewResult(0, int64(len(chunk))))
					}
				})
			})
		})
	}
}

func runBenchmark(b *testing.B, upserter Upserter, req Request, expect func(sqlmock.Sqlmock)) {
	b.Helper()
	b.ReportAllocs()
	ctx := context.Background()

	for b.Loop() {
		b.StopTimer()
		db, mock, err := sqlmock.New()
		if err != nil {
			b.Fatalf("sqlmock.New: %v", err)
		}
		expect(mock)
		mock.ExpectClose()

		b.StartTimer()
		if _, err := upserter.Upsert(ctx, db, req); err != nil {
			b.Fatalf("Upsert: %v", err)
		}
		b.StopTimer()

		if err := db.Close(); err != nil {
			b.Fatalf("db.Close: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			b.Fatalf("unmet expectations: %v", err)
		}
		b.StartTimer()
	}
}

func benchmarkRequest(count int) Request {
	rows := make([][]any, count)
	for i := 0; i < count; i++ {
		rows[i] = []any{int64(i + 1), int64(1052), float64(i % 26)}
	}
	return Request{
		Table:        "results",
		Columns:      []string{"result_id", "race_id", "points"},
		Rows:         rows,
		ExistingKeys: []string{"result_id", "race_id"},
		IncomingKeys: []string{"result_id", "race_id"},
	}
}

func driverArgs(row []any) []driver.Value {
	vals := make([]driver.Value, len(row))
	for i, v := range row {
		vals[i] = v
	}
	return vals
}

func flattenDriverValues(rows [][]any) []driver.Value {
	if len(rows) == 0 {
		return nil
	}
	flattened := make([]driver.Value, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		flattened = append(flattened, driverArgs(row)...)
	}
	return flattened
}
