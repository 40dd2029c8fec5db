package pkgstore

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"github.com/breeze-rmm/drivermgr/internal/pkgfmt"
	"github.com/breeze-rmm/drivermgr/internal/repository"
)

// ErrFolderNotFound is returned when the import folder is missing or is not
// a directory.
var ErrFolderNotFound = errors.New("the selected folder does not exist")

// ScanFolder lists candidate driver packages under dir. The sequence walks
// the folder lazily as it is consumed, in lexical order, and every range
// walks it afresh. An empty folder yields nothing.
func ScanFolder(dir string, recursive bool) (iter.Seq[repository.Descriptor], error) {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, dir)
	}

	return func(yield func(repository.Descriptor) bool) {
		filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == abs {
					return fs.SkipAll
				}
				log.Debug("skipping unreadable entry", "path", path, "error", err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != abs && !recursive {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !pkgfmt.IsCandidate(d.Name()) {
				return nil
			}
			if !yield(Describe(path)) {
				return fs.SkipAll
			}
			return nil
		})
	}, nil
}

// Describe builds a descriptor for a local package file. Fields that cannot
// be read from the file are left empty; validation reports why.
func Describe(path string) repository.Descriptor {
	desc := repository.Descriptor{Name: filepath.Base(path), Source: path}
	if st, err := os.Stat(path); err == nil {
		desc.SizeBytes = st.Size()
	}
	info, err := pkgfmt.Inspect(path)
	if err != nil {
		return desc
	}
	if info.Package != "" {
		desc.Name = info.Package
	}
	desc.Version = info.Version
	desc.Architecture = info.Architecture
	signed := info.Signed
	desc.Signed = &signed
	return desc
}
