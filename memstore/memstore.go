// Package memstore is an in-memory catalog and table store. Tables keep
// their rows grouped by partition value; every write builds new partition
// slices and swaps them in at the end, so a failed call leaves the table as
// it was.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cantart/racemerge/dataset"
	"github.com/cantart/racemerge/merge"
)

var (
	_ merge.Catalog = (*Store)(nil)
	_ merge.Store   = (*Store)(nil)
	_ merge.Table   = (*handle)(nil)
)

// Store is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	byLoc     map[string]*table
	locations map[dataset.Ident]string
}

type table struct {
	ident           dataset.Ident
	location        string
	partitionColumn string
	columns         []dataset.Column
	partitions      map[string]*partition
	createdAt       time.Time
}

type partition struct {
	value any
	rows  [][]any
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byLoc:     make(map[string]*table),
		locations: make(map[dataset.Ident]string),
	}
}

// TableExists implements merge.Catalog.
func (s *Store) TableExists(_ context.Context, id dataset.Ident) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locations[id]
	return ok, nil
}

// Create implements merge.Store.
func (s *Store) Create(_ context.Context, target merge.Target, rs *dataset.ResultSet, partitionColumn string) (merge.WriteStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locations[target.Ident]; ok {
		return merge.WriteStats{}, fmt.Errorf("table %s already exists", target.Ident)
	}
	if t, ok := s.byLoc[target.Location]; ok {
		return merge.WriteStats{}, fmt.Errorf("location %s already backs %s", target.Location, t.ident)
	}
	pc := -1
	if partitionColumn != "" {
		idx, ok := rs.Index(partitionColumn)
		if !ok {
			return merge.WriteStats{}, fmt.Errorf("partition column %q not in result set", partitionColumn)
		}
		pc = idx
	}

	t := &table{
		ident:           target.Ident,
		location:        target.Location,
		partitionColumn: partitionColumn,
		columns:         rs.Columns(),
		partitions:      make(map[string]*partition),
		createdAt:       time.Now().UTC(),
	}
	for _, row := range rs.Rows() {
		appendRow(t.partitions, pc, row)
	}
	s.byLoc[target.Location] = t
	s.locations[target.Ident] = target.Location
	return merge.WriteStats{Inserted: rs.Len()}, nil
}

// Open implements merge.Store.
func (s *Store) Open(_ context.Context, location string) (merge.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byLoc[location]
	if !ok {
		return nil, fmt.Errorf("no table at %s", location)
	}
	return &handle{store: s, location: location, ident: t.ident, columns: t.columns, partitionColumn: t.partitionColumn}, nil
}

// Partitions lists the partition values of the table at location.
func (s *Store) Partitions(location string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byLoc[location]
	if !ok {
		return nil
	}
	var out []any
	for _, p := range sortedPartitions(t.partitions) {
		out = append(out, p.value)
	}
	return out
}

type handle struct {
	store           *Store
	location        string
	ident           dataset.Ident
	columns         []dataset.Column
	partitionColumn string
}

func (h *handle) Ident() dataset.Ident { return h.ident }

func (h *handle) Schema() []dataset.Column { return append([]dataset.Column(nil), h.columns...) }

func (h *handle) PartitionColumn() string { return h.partitionColumn }

func (h *handle) table() (*table, error) {
	t, ok := h.store.byLoc[h.location]
	if !ok {
		return nil, fmt.Errorf("no table at %s", h.location)
	}
	return t, nil
}

func (h *handle) Merge(_ context.Context, rs *dataset.ResultSet, spec merge.MergeSpec) (merge.WriteStats, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	t, err := h.table()
	if err != nil {
		return merge.WriteStats{}, err
	}
	existingPos, err := positions(t.columns, spec.Match.ExistingColumns())
	if err != nil {
		return merge.WriteStats{}, err
	}
	incomingPos, err := positions(rs.Columns(), spec.Match.IncomingColumns())
	if err != nil {
		return merge.WriteStats{}, err
	}
	pc := -1
	if t.partitionColumn != "" {
		pc, _ = rs.Index(t.partitionColumn)
	}

	incoming := make(map[string][]any, rs.Len())
	for _, row := range rs.Rows() {
		incoming[dataset.CompositeKey(row, incomingPos)] = row
	}
	matched := make(map[string]bool, len(incoming))

	scan := t.partitions
	if spec.Partitions != nil {
		scan = make(map[string]*partition, len(spec.Partitions))
		for _, v := range spec.Partitions {
			k := dataset.KeyOf(v)
			if p, ok := t.partitions[k]; ok {
				scan[k] = p
			}
		}
	}

	next := clonePartitions(t.partitions)
	var stats merge.WriteStats
	var moved [][]any
	for k, p := range scan {
		rows := make([][]any, 0, len(p.rows))
		for _, row := range p.rows {
			key := dataset.CompositeKey(row, existingPos)
			in, ok := incoming[key]
			if !ok {
				rows = append(rows, row)
				continue
			}
			matched[key] = true
			stats.Updated++
			updated := append([]any(nil), in...)
			if pc >= 0 && dataset.KeyOf(updated[pc]) != k {
				moved = append(moved, updated)
				continue
			}
			rows = append(rows, updated)
		}
		if len(rows) == 0 {
			delete(next, k)
			continue
		}
		next[k] = &partition{value: p.value, rows: rows}
	}
	for _, row := range moved {
		appendRow(next, pc, row)
	}
	for _, row := range rs.Rows() {
		if matched[dataset.CompositeKey(row, incomingPos)] {
			continue
		}
		appendRow(next, pc, row)
		stats.Inserted++
	}

	t.partitions = next
	return stats, nil
}

func (h *handle) ReplacePartitions(_ context.Context, rs *dataset.ResultSet, partitionColumn string) (merge.WriteStats, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	t, err := h.table()
	if err != nil {
		return merge.WriteStats{}, err
	}
	if partitionColumn != t.partitionColumn {
		return merge.WriteStats{}, fmt.Errorf("table %s is partitioned by %q, not %q", t.ident, t.partitionColumn, partitionColumn)
	}

	var stats merge.WriteStats
	next := make(map[string]*partition)
	pc := -1
	if partitionColumn != "" {
		pc, _ = rs.Index(partitionColumn)
		next = clonePartitions(t.partitions)
		values, err := rs.Distinct(partitionColumn)
		if err != nil {
			return merge.WriteStats{}, err
		}
		for _, v := range values {
			k := dataset.KeyOf(v)
			if p, ok := next[k]; ok {
				stats.Deleted += len(p.rows)
				delete(next, k)
			}
		}
		if p, ok := next[dataset.KeyOf(nil)]; ok && hasNull(rs, pc) {
			stats.Deleted += len(p.rows)
			delete(next, dataset.KeyOf(nil))
		}
	} else {
		for _, p := range t.partitions {
			stats.Deleted += len(p.rows)
		}
	}
	for _, row := range rs.Rows() {
		appendRow(next, pc, row)
		stats.Inserted++
	}

	t.partitions = next
	return stats, nil
}

func (h *handle) Read(_ context.Context, filter dataset.Filter) (*dataset.ResultSet, error) {
	h.store.mu.Lock()
	t, err := h.table()
	if err != nil {
		h.store.mu.Unlock()
		return nil, err
	}
	var rows [][]any
	for _, p := range sortedPartitions(t.partitions) {
		rows = append(rows, p.rows...)
	}
	columns := t.columns
	h.store.mu.Unlock()

	rs, err := dataset.New(columns, rows)
	if err != nil {
		return nil, err
	}
	return rs.Where(filter)
}

func appendRow(parts map[string]*partition, pc int, row []any) {
	var value any
	if pc >= 0 {
		value = row[pc]
	}
	k := dataset.KeyOf(value)
	p, ok := parts[k]
	if !ok {
		p = &partition{value: value}
		parts[k] = p
	}
	p.rows = append(p.rows, row)
}

// clonePartitions copies the map and the partition headers so that appends
// never reach the slices the live table still references.
func clonePartitions(src map[string]*partition) map[string]*partition {
	out := make(map[string]*partition, len(src))
	for k, p := range src {
		out[k] = &partition{value: p.value, rows: p.rows[:len(p.rows):len(p.rows)]}
	}
	return out
}

func sortedPartitions(parts map[string]*partition) []*partition {
	out := make([]*partition, 0, len(parts))
	for _, p := range parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return dataset.Compare(out[i].value, out[j].value) < 0 })
	return out
}

func positions(cols []dataset.Column, names []string) ([]int, error) {
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		idx[c.Name] = i
	}
	out := make([]int, len(names))
	for i, n := range names {
		p, ok := idx[n]
		if !ok {
			return nil, fmt.Errorf("%w: column %q not found", merge.ErrSchemaMismatch, n)
		}
		out[i] = p
	}
	return out, nil
}

func hasNull(rs *dataset.ResultSet, pc int) bool {
	for i := 0; i < rs.Len(); i++ {
		if rs.Row(i)[pc] == nil {
			return true
		}
	}
	return false
}
