package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// KeyPair is one equality of a match: existing.Existing = incoming.Incoming.
type KeyPair struct {
	Existing string
	Incoming string
}

// Match decides whether an incoming row corresponds to an existing row. All
// pairs must be equal for the rows to match.
type Match []KeyPair

// On builds a match over columns that share a name on both sides.
func On(columns ...string) Match {
	m := make(Match, len(columns))
	for i, c := range columns {
		m[i] = KeyPair{Existing: c, Incoming: c}
	}
	return m
}

// Validate checks the structure of the match itself.
func (m Match) Validate() error {
	if len(m) == 0 {
		return errors.New("match requires at least one key pair")
	}
	seen := make(map[string]struct{}, len(m))
	for i, p := range m {
		if p.Existing == "" || p.Incoming == "" {
			return fmt.Errorf("key pair %d: both columns are required", i)
		}
		if _, dup := seen[p.Existing]; dup {
			return fmt.Errorf("existing column %q used twice", p.Existing)
		}
		seen[p.Existing] = struct{}{}
	}
	return nil
}

// ExistingColumns returns the existing-side columns in order.
func (m Match) ExistingColumns() []string {
	out := make([]string, len(m))
	for i, p := range m {
		out[i] = p.Existing
	}
	return out
}

// IncomingColumns returns the incoming-side columns in order.
func (m Match) IncomingColumns() []string {
	out := make([]string, len(m))
	for i, p := range m {
		out[i] = p.Incoming
	}
	return out
}

// Covers reports whether the match pins column on both sides, which means
// matching rows always share its value.
func (m Match) Covers(column string) bool {
	for _, p := range m {
		if p.Existing == column && p.Incoming == column {
			return true
		}
	}
	return false
}

func (m Match) String() string {
	parts := make([]string, len(m))
	for i, p := range m {
		parts[i] = fmt.Sprintf("existing.%s = incoming.%s", p.Existing, p.Incoming)
	}
	return strings.Join(parts, " AND ")
}
