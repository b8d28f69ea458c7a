package translator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shibukawa/cqlexec/elm"
	"github.com/shibukawa/cqlexec/engine"
)

// FileLibraryLoader translates included libraries from CQL files in a directory.
// Files are looked up as <Name>-<version>.cql first, then <Name>.cql.
type FileLibraryLoader struct {
	Dir     string
	Options []Option
}

var _ engine.LibraryLoader = (*FileLibraryLoader)(nil)

// NewFileLibraryLoader creates a loader rooted at dir.
func NewFileLibraryLoader(dir string, opts ...Option) *FileLibraryLoader {
	return &FileLibraryLoader{Dir: dir, Options: opts}
}

// Load implements engine.LibraryLoader.
func (l *FileLibraryLoader) Load(ctx context.Context, id elm.VersionedIdentifier) (*elm.Library, error) {
	if id.ID == "" {
		return nil, ErrEmptyLibraryName
	}

	candidates := []string{id.ID + ".cql"}
	if id.Version != "" {
		candidates = append([]string{id.ID + "-" + id.Version + ".cql"}, candidates...)
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(l.Dir, candidate)

		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read library %s: %w", path, err)
		}

		lib, err := Translate(string(data), l.Options...)
		if err != nil {
			return nil, fmt.Errorf("failed to translate library %s: %w", path, err)
		}

		if lib.Identifier.ID != "" && lib.Identifier.ID != id.ID {
			return nil, fmt.Errorf("%w: %s declares %s", ErrLibraryMismatch, path, lib.Identifier.ID)
		}

		if id.Version != "" && lib.Identifier.Version != "" && lib.Identifier.Version != id.Version {
			return nil, fmt.Errorf("%w: %s declares version %s, want %s", ErrLibraryMismatch, path, lib.Identifier.Version, id.Version)
		}

		return lib, nil
	}

	return nil, fmt.Errorf("%w: %s in %s", ErrLibraryNotFound, id, l.Dir)
}
