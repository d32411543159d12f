package upsert

import (
	"context"
	"errors"
)

// DefaultBatchSize keeps a batch well under PostgreSQL's 65535 bind
// parameters for tables up to about a hundred columns.
const DefaultBatchSize = 500

// BatchedUpserter splits a request into chunks and hands each to a
// ConflictUpserter on the same Execer.
type BatchedUpserter struct {
	ph        Placeholder
	batchSize int
}

func NewBatchedUpserter(ph Placeholder) *BatchedUpserter {
	return &BatchedUpserter{ph: ph, batchSize: DefaultBatchSize}
}

// WithBatchSize returns a shallow copy with an overridden batch size for testing and tuning.
func (b *BatchedUpserter) WithBatchSize(size int) *BatchedUpserter {
	clone := *b
	clone.batchSize = size
	return &clone
}

func (b *BatchedUpserter) Upsert(ctx context.Context, db Execer, req Request) (Stats, error) {
	if len(req.Columns) == 0 {
		return Stats{}, errors.New("at least one column is required")
	}
	if len(req.ExistingKeys) == 0 {
		return Stats{}, errors.New("at least one unique key is required")
	}
	if len(req.Rows) == 0 {
		return Stats{}, nil
	}
	if b.batchSize <= 0 {
		return Stats{}, errors.New("batch size must be positive")
	}

	var total Stats
	mut := NewConflictUpserter(b.ph)
	for start := 0; start < len(req.Rows); start += b.batchSize {
		end := min(start+b.batchSize, len(req.Rows))
		chunk := req
		chunk.Rows = req.Rows[start:end]
		stats, err := mut.Upsert(ctx, db, chunk)
		if err != nil {
			return total, err
		}
		total.add(stats)
	}
	return total, nil
}
