// Package dataset holds the in-memory tabular types shared by the merge
// coordinator, its stores and the pipeline: result sets, match keys and
// table identities.
package dataset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Ident names a logical table in the catalog.
type Ident struct {
	Namespace string
	Name      string
}

func (i Ident) String() string {
	return i.Namespace + "." + i.Name
}

// ResultSet is an immutable table of rows with named, typed columns.
type ResultSet struct {
	columns []Column
	index   map[string]int
	rows    [][]any
}

// New builds a result set, normalizing every value to its column type.
// The rows are copied.
func New(columns []Column, rows [][]any) (*ResultSet, error) {
	if len(columns) == 0 {
		return nil, errors.New("at least one column is required")
	}
	index := make(map[string]int, len(columns))
	for i, col := range columns {
		if col.Name == "" {
			return nil, fmt.Errorf("column[%d]: empty name", i)
		}
		if _, dup := index[col.Name]; dup {
			return nil, fmt.Errorf("column %q declared twice", col.Name)
		}
		index[col.Name] = i
	}

	out := make([][]any, len(rows))
	for r, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d: columns (%d) and values (%d) length mismatch", r, len(columns), len(row))
		}
		norm := make([]any, len(row))
		for c, v := range row {
			nv, err := columns[c].Type.Normalize(v)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", r, columns[c].Name, err)
			}
			norm[c] = nv
		}
		out[r] = norm
	}

	return &ResultSet{
		columns: append([]Column(nil), columns...),
		index:   index,
		rows:    out,
	}, nil
}

// Columns returns a copy of the column list.
func (rs *ResultSet) Columns() []Column {
	return append([]Column(nil), rs.columns...)
}

// ColumnNames returns the column names in declaration order.
func (rs *ResultSet) ColumnNames() []string {
	names := make([]string, len(rs.columns))
	for i, c := range rs.columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column.
func (rs *ResultSet) Index(name string) (int, bool) {
	i, ok := rs.index[name]
	return i, ok
}

// Has reports whether the named column exists.
func (rs *ResultSet) Has(name string) bool {
	_, ok := rs.index[name]
	return ok
}

func (rs *ResultSet) Len() int { return len(rs.rows) }

// Row returns a copy of row i.
func (rs *ResultSet) Row(i int) []any {
	return append([]any(nil), rs.rows[i]...)
}

// Rows returns a deep copy of all rows.
func (rs *ResultSet) Rows() [][]any {
	out := make([][]any, len(rs.rows))
	for i := range rs.rows {
		out[i] = rs.Row(i)
	}
	return out
}

// Value returns the value of column name in row i.
func (rs *ResultSet) Value(i int, name string) any {
	c, ok := rs.index[name]
	if !ok {
		return nil
	}
	return rs.rows[i][c]
}

// Distinct returns the distinct non-nil values of a column ordered by Compare.
func (rs *ResultSet) Distinct(name string) ([]any, error) {
	c, ok := rs.index[name]
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	seen := make(map[string]struct{})
	var out []any
	for _, row := range rs.rows {
		v := row[c]
		if v == nil {
			continue
		}
		k := KeyOf(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return Compare(out[i], out[j]) < 0 })
	return out, nil
}

// Select returns a result set holding only the named columns, in the given
// order.
func (rs *ResultSet) Select(names ...string) (*ResultSet, error) {
	cols := make([]Column, len(names))
	pos := make([]int, len(names))
	for i, name := range names {
		c, ok := rs.index[name]
		if !ok {
			return nil, fmt.Errorf("column %q not found", name)
		}
		cols[i] = rs.columns[c]
		pos[i] = c
	}
	rows := make([][]any, len(rs.rows))
	for r, row := range rs.rows {
		out := make([]any, len(pos))
		for i, p := range pos {
			out[i] = row[p]
		}
		rows[r] = out
	}
	return New(cols, rows)
}

// Filter keeps rows whose Column value is one of Values. A zero Filter
// keeps everything.
type Filter struct {
	Column string
	Values []any
}

func (f Filter) IsZero() bool { return f.Column == "" }

// Where returns the rows of rs selected by f.
func (rs *ResultSet) Where(f Filter) (*ResultSet, error) {
	if f.IsZero() {
		return rs, nil
	}
	c, ok := rs.index[f.Column]
	if !ok {
		return nil, fmt.Errorf("filter column %q not found", f.Column)
	}
	want := make(map[string]struct{}, len(f.Values))
	for _, v := range f.Values {
		nv, err := rs.columns[c].Type.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("filter value: %w", err)
		}
		want[KeyOf(nv)] = struct{}{}
	}
	var rows [][]any
	for _, row := range rs.rows {
		if _, ok := want[KeyOf(row[c])]; ok {
			rows = append(rows, row)
		}
	}
	return New(rs.columns, rows)
}

// KeyOf encodes a normalized value so that equal values map to equal keys.
func KeyOf(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00null"
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	case string:
		return "s:" + x
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

// CompositeKey joins the KeyOf encodings of the given column positions.
func CompositeKey(row []any, positions []int) string {
	var b strings.Builder
	for i, p := range positions {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(KeyOf(row[p]))
	}
	return b.String()
}

// Compare orders two normalized values of the same type. nil sorts first.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case int64:
		y, _ := b.(int64)
		return cmpOrdered(x, y)
	case float64:
		y, _ := b.(float64)
		return cmpOrdered(x, y)
	case string:
		y, _ := b.(string)
		return strings.Compare(x, y)
	case bool:
		y, _ := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case time.Time:
		y, _ := b.(time.Time)
		return x.Compare(y)
	}
	return strings.Compare(KeyOf(a), KeyOf(b))
}

func cmpOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// Equal reports whether two result sets have the same columns and the same
// rows, ignoring row order.
func Equal(a, b *ResultSet) bool {
	if len(a.columns) != len(b.columns) || len(a.rows) != len(b.rows) {
		return false
	}
	for i := range a.columns {
		if a.columns[i] != b.columns[i] {
			return false
		}
	}
	all := make([]int, len(a.columns))
	for i := range all {
		all[i] = i
	}
	counts := make(map[string]int, len(a.rows))
	for _, row := range a.rows {
		counts[CompositeKey(row, all)]++
	}
	for _, row := range b.rows {
		k := CompositeKey(row, all)
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}
	return true
}
