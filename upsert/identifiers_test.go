package upsert

import (
	"strings"
	"testing"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		ident string
		want  string
		err   bool
	}{
		{ident: "results", want: `"results"`},
		{ident: "constructorStandings", want: `"constructorStandings"`},
		{ident: "race_year", want: `"race_year"`},
		{ident: "f1_processed", want: `"f1_processed"`},
		{ident: "", err: true},
		{ident: "1race", err: true},
		{ident: "race-year", err: true},
		{ident: "race year", err: true},
		{ident: `race"year`, err: true},
		{ident: "points$", err: true},
	}

	for _, tc := range tests {
		got, err := QuoteIdentifier(tc.ident)
		switch {
		case tc.err && err == nil:
			t.Errorf("QuoteIdentifier(%q) = %q, want error", tc.ident, got)
		case !tc.err && err != nil:
			t.Errorf("QuoteIdentifier(%q) unexpected error: %v", tc.ident, err)
		case got != tc.want:
			t.Errorf("QuoteIdentifier(%q) = %q, want %q", tc.ident, got, tc.want)
		}
	}
}

func TestQualify(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		table  string
		want   string
		err    bool
	}{
		{name: "bare", table: "results", want: `"results"`},
		{name: "schema", schema: "f1_processed", table: "results", want: `"f1_processed"."results"`},
		{name: "dottedTable", table: "f1_processed.results", err: true},
		{name: "badSchema", schema: "f1-processed", table: "results", err: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Qualify(tc.schema, tc.table)
			if tc.err {
				if err == nil {
					t.Fatalf("Qualify(%q, %q) expected error, got nil", tc.schema, tc.table)
				}
				return
			}
			if err != nil {
				t.Fatalf("Qualify(%q, %q) unexpected error: %v", tc.schema, tc.table, err)
			}
			if got != tc.want {
				t.Fatalf("Qualify(%q, %q) = %q, want %q", tc.schema, tc.table, got, tc.want)
			}
		})
	}
}

func TestDeriveName(t *testing.T) {
	a := DeriveName("idx", "constructor_standings", []string{"team", "race_year"}, "hash_idx")
	if !strings.HasPrefix(a, "idx_") || len(a) != len("idx_")+16 {
		t.Fatalf("DeriveName = %q, want idx_ and 16 hex digits", a)
	}
	if !isSafeIdentifier(a) {
		t.Fatalf("DeriveName produced unsafe identifier %q", a)
	}
	if b := DeriveName("idx", "constructor_standings", []string{"race_year", "team"}, "hash_idx"); a != b {
		t.Fatalf("DeriveName depends on column order: %q != %q", a, b)
	}
	if b := DeriveName("idx", "constructor_standings", []string{"team", "race_year"}, "uniq"); a == b {
		t.Fatalf("DeriveName ignores the suffix: %q", a)
	}
	if b := DeriveName("idx", "Constructor Standings", []string{"Race-Year"}, "uniq"); !isSafeIdentifier(b) {
		t.Fatalf("DeriveName produced unsafe identifier %q from unsafe input", b)
	}
	if got, want := deriveIndexName("results", []string{"result_id"}, "hash_idx"), DeriveName("idx", "results", []string{"result_id"}, "hash_idx"); got != want {
		t.Fatalf("deriveIndexName = %q, want %q", got, want)
	}
}
