package pipeline

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"
)

const maxLine = 4 << 20

// eachLine calls fn for every non-blank JSON line of r. lineNo is 1-based.
func eachLine(r io.Reader, fn func(lineNo int, rec gjson.Result) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return fmt.Errorf("line %d: invalid JSON", lineNo)
		}
		if err := fn(lineNo, gjson.ParseBytes(line)); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func missing(r gjson.Result) bool {
	return !r.Exists() || r.Type == gjson.Null
}

// intField reads an integer field. Missing, null and non-numeric values such
// as the "\N" placeholder of the raw files read as nil.
func intField(rec gjson.Result, path string) any {
	r := rec.Get(path)
	if missing(r) || r.Type != gjson.Number {
		return nil
	}
	return r.Int()
}

func floatField(rec gjson.Result, path string) any {
	r := rec.Get(path)
	if missing(r) || r.Type != gjson.Number {
		return nil
	}
	return r.Float()
}

func stringField(rec gjson.Result, path string) any {
	r := rec.Get(path)
	if missing(r) {
		return nil
	}
	return r.String()
}

func dateField(rec gjson.Result, path string) any {
	r := rec.Get(path)
	if missing(r) {
		return nil
	}
	t, err := time.Parse("2006-01-02", r.String())
	if err != nil {
		return nil
	}
	return t
}
