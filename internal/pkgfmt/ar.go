package pkgfmt

import (
	"io"
	"strconv"
	"strings"
)

const arHeaderSize = 60

// arMember is one entry of an ar archive; Data reads exactly its bytes.
type arMember struct {
	Name string
	Size int64
	Data *io.SectionReader
}

// readAr lists the members of the ar archive in r. The global header has
// already been checked by the caller.
func readAr(r io.ReaderAt, size int64) ([]arMember, error) {
	var members []arMember
	off := int64(len(debMagic))
	hdr := make([]byte, arHeaderSize)

	for off < size {
		if size-off < arHeaderSize {
			return nil, corrupt("truncated ar header at offset %d", off)
		}
		if _, err := r.ReadAt(hdr, off); err != nil {
			return nil, corrupt("read ar header: %v", err)
		}
		if hdr[58] != '`' || hdr[59] != '\n' {
			return nil, corrupt("bad ar header magic at offset %d", off)
		}

		name := strings.TrimRight(strings.TrimSpace(string(hdr[0:16])), "/")
		n, err := strconv.ParseInt(strings.TrimSpace(string(hdr[48:58])), 10, 64)
		if err != nil || n < 0 {
			return nil, corrupt("bad ar member size for %q", name)
		}
		off += arHeaderSize
		if off+n > size {
			return nil, corrupt("ar member %q truncated: need %d bytes, have %d", name, n, size-off)
		}

		members = append(members, arMember{Name: name, Size: n, Data: io.NewSectionReader(r, off, n)})
		off += n
		if n%2 == 1 {
			off++
		}
	}
	return members, nil
}
