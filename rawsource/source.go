// Package rawsource reads raw landing-zone files. Files of one ingestion run
// live under a folder named after the run's file date.
package rawsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when the requested file does not exist.
var ErrNotFound = errors.New("raw file not found")

// FileDateLayout is the format of file dates and of the folders named after them.
const FileDateLayout = "2006-01-02"

// Source opens raw files by file date and name.
type Source interface {
	Open(ctx context.Context, fileDate, name string) (io.ReadCloser, error)
}

// ParseFileDate checks that s is a YYYY-MM-DD date.
func ParseFileDate(s string) (time.Time, error) {
	t, err := time.Parse(FileDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("file date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

func objectKey(prefix, fileDate, name string) (string, error) {
	if _, err := ParseFileDate(fileDate); err != nil {
		return "", err
	}
	if name == "" {
		return "", errors.New("file name is required")
	}
	key := fileDate + "/" + name
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key, nil
}
