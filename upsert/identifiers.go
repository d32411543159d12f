package upsert

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// quoteIdentifier quotes a SQL identifier, ensuring internal quotes are escaped.
func quoteIdentifier(name string) (string, error) {
	if !isSafeIdentifier(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return fmt.Sprintf("\"%s\"", strings.ReplaceAll(name, "\"", "\"\"")), nil
}

// QuoteIdentifier is quoteIdentifier for callers outside the package.
func QuoteIdentifier(name string) (string, error) {
	return quoteIdentifier(name)
}

// qualify quotes name, prefixed with schema when one is given.
func qualify(schema, name string) (string, error) {
	table, err := quoteIdentifier(name)
	if err != nil {
		return "", err
	}
	if schema == "" {
		return table, nil
	}
	ns, err := quoteIdentifier(schema)
	if err != nil {
		return "", err
	}
	return ns + "." + table, nil
}

// Qualify is qualify for callers outside the package.
func Qualify(schema, name string) (string, error) {
	return qualify(schema, name)
}

// isSafeIdentifier reports whether the identifier meets simple SQL safety rules.
func isSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' {
			continue
		}
		if unicode.IsLetter(r) {
			continue
		}
		if unicode.IsDigit(r) {
			if i == 0 {
				return false
			}
			continue
		}
		return false
	}
	return true
}

// DeriveName builds a safe deterministic object name from a table, a column
// list and a suffix. Columns are sorted so their order does not matter.
func DeriveName(prefix, table string, columns []string, suffix string) string {
	h := sha1.New()
	cols := append([]string(nil), columns...)
	sort.Strings(cols)

	writePart := func(part string) {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{'|'})
	}

	writePart(strings.ToLower(table))
	for _, col := range cols {
		writePart(strings.ToLower(col))
	}
	writePart(strings.ToLower(suffix))

	digest := fmt.Sprintf("%x", h.Sum(nil))
	return fmt.Sprintf("%s_%s", prefix, digest[:16])
}

// deriveIndexName names the unique index backing a conflict target.
func deriveIndexName(table string, uniqueKeys []string, suffix string) string {
	return DeriveName("idx", table, uniqueKeys, suffix)
}
