// Package pkgfmt inspects driver package files: Debian packages and
// (optionally compressed) Linux kernel modules.
package pkgfmt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Format is the detected container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatDeb
	FormatKernelModule
)

func (f Format) String() string {
	switch f {
	case FormatDeb:
		return "deb"
	case FormatKernelModule:
		return "kmod"
	}
	return "unknown"
}

var (
	// ErrUnrecognized means the file is neither a Debian package nor a
	// kernel module.
	ErrUnrecognized = errors.New("unrecognized package format")
	// ErrCorrupt means the file has a known format but does not parse.
	ErrCorrupt = errors.New("corrupt package")
)

// Info is what could be learned from a package file.
type Info struct {
	Format       Format
	Package      string
	Version      string
	Architecture string
	Section      string
	Depends      string
	// DriverFiles lists the payload entries recognized as driver content.
	DriverFiles []string
	Signed      bool
}

// IsDriver reports whether the package carries any driver payload.
func (i *Info) IsDriver() bool {
	return len(i.DriverFiles) > 0
}

// Modules lists the kernel modules the package provides, by module name.
func (i *Info) Modules() []string {
	if i.Format == FormatKernelModule {
		if i.Package == "" {
			return nil
		}
		return []string{i.Package}
	}
	var mods []string
	for _, f := range i.DriverFiles {
		base := path.Base(f)
		if IsCandidate(base) && !strings.HasSuffix(base, ".deb") {
			mods = append(mods, moduleBaseName(base))
		}
	}
	return mods
}

var (
	debMagic  = []byte("!<arch>\n")
	elfMagic  = []byte("\x7fELF")
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Detect sniffs the format from the leading bytes of a file. Compressed
// streams are reported as kernel modules; Inspect confirms it.
func Detect(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, debMagic):
		return FormatDeb
	case bytes.HasPrefix(head, elfMagic),
		bytes.HasPrefix(head, gzipMagic),
		bytes.HasPrefix(head, xzMagic),
		bytes.HasPrefix(head, zstdMagic):
		return FormatKernelModule
	}
	return FormatUnknown
}

// Inspect parses the package at path. Errors wrap ErrUnrecognized or
// ErrCorrupt.
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = head[:n]

	switch Detect(head) {
	case FormatDeb:
		return inspectDeb(f, st.Size())
	case FormatKernelModule:
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return inspectModule(f, filepath.Base(path))
	}
	return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnrecognized)
}

// IsCandidate reports whether a file name looks like a driver package:
// *.deb, *.ko or a compressed *.ko.
func IsCandidate(name string) bool {
	name = strings.ToLower(name)
	if strings.HasSuffix(name, ".deb") || strings.HasSuffix(name, ".ko") {
		return true
	}
	for _, ext := range []string{".ko.gz", ".ko.xz", ".ko.zst"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
