package merge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaMismatch is returned when a result set lacks a column needed by
	// the match or the partition key, or disagrees with the existing table.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrTableUnavailable is returned when the catalog or the storage backend
	// cannot be reached.
	ErrTableUnavailable = errors.New("table unavailable")

	// ErrDuplicateKey is returned when two incoming rows share match key values.
	ErrDuplicateKey = errors.New("duplicate incoming key")

	// ErrNullKey is returned when an incoming row has no value in a match
	// column. SQL equality never matches NULL, so such a row would be
	// inserted again on every run. It also matches ErrSchemaMismatch.
	ErrNullKey = errors.New("null match key")
)

// SchemaError details a schema mismatch. It matches ErrSchemaMismatch with errors.Is.
type SchemaError struct {
	Table     string
	Missing   []string
	Extra     []string
	Conflicts []string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Extra, ", "))
	}
	if len(e.Conflicts) > 0 {
		parts = append(parts, "type conflicts "+strings.Join(e.Conflicts, ", "))
	}
	return fmt.Sprintf("%s: %s: %s", ErrSchemaMismatch, e.Table, strings.Join(parts, "; "))
}

func (e *SchemaError) Unwrap() error { return ErrSchemaMismatch }

func (e *SchemaError) empty() bool {
	return len(e.Missing) == 0 && len(e.Extra) == 0 && len(e.Conflicts) == 0
}

// Unavailable marks err as ErrTableUnavailable while keeping it in the chain.
func Unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrTableUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTableUnavailable, op, err)
}
