package rawsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Dir reads raw files from <Root>/<file date>/<name> on the local filesystem.
type Dir struct {
	Root string
}

func (d Dir) Open(_ context.Context, fileDate, name string) (io.ReadCloser, error) {
	key, err := objectKey("", fileDate, name)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(d.Root, filepath.FromSlash(key))
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
