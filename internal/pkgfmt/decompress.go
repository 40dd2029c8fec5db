package pkgfmt

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// decompressByName wraps r according to a member name suffix
// (control.tar.xz, data.tar.zst, ...). The returned closer releases decoder
// resources.
func decompressByName(name string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return xr, func() {}, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(name, ".bz2"):
		return bzip2.NewReader(r), func() {}, nil
	case strings.HasSuffix(name, ".tar"):
		return r, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported compression for %q", name)
}

// decompressSniff detects gzip, xz or zstd by magic and returns a reader of
// the decompressed stream; anything else is passed through.
func decompressSniff(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(6)
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return decompressByName(".gz", br)
	case bytes.HasPrefix(head, xzMagic):
		return decompressByName(".xz", br)
	case bytes.HasPrefix(head, zstdMagic):
		return decompressByName(".zst", br)
	}
	return br, func() {}, nil
}
