package dataset

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Type is the logical type of a result set column.
type Type int

const (
	Int Type = iota
	Float
	String
	Bool
	Date
	Timestamp
)

const dateLayout = "2006-01-02"

var typeNames = map[Type]string{
	Int:       "int",
	Float:     "float",
	String:    "string",
	Bool:      "bool",
	Date:      "date",
	Timestamp: "timestamp",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType is the inverse of Type.String.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown column type %q", name)
}

// Column is a named, typed column.
type Column struct {
	Name string
	Type Type
}

// Normalize converts v into the canonical Go representation for t:
// int64, float64, string, bool or time.Time (UTC). nil stays nil.
func (t Type) Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch t {
	case Int:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("int: %v has a fractional part", n)
			}
			return int64(n), nil
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	case Float:
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			return strconv.ParseFloat(n, 64)
		}
	case String:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
	case Bool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case string:
			return strconv.ParseBool(b)
		}
	case Date, Timestamp:
		var ts time.Time
		switch x := v.(type) {
		case time.Time:
			ts = x
		case string:
			parsed, err := parseTime(x)
			if err != nil {
				return nil, err
			}
			ts = parsed
		default:
			return nil, fmt.Errorf("%s: unsupported value %T", t, v)
		}
		ts = ts.UTC()
		if t == Date {
			ts = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		}
		return ts, nil
	}
	return nil, fmt.Errorf("%s: unsupported value %T", t, v)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", dateLayout} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a time", s)
}
