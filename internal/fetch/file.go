package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// FileOpener reads packages from the local filesystem or a mounted share.
// It accepts plain paths and file:// URLs.
type FileOpener struct{}

func (FileOpener) Open(ctx context.Context, rawURL string, offset int64) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := LocalPath(rawURL)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, Permanent(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Permanent(err)
	}
	if info.IsDir() {
		f.Close()
		return nil, Permanent(fmt.Errorf("%s is a directory", path))
	}
	if offset > info.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Object{Body: f, Offset: offset, Size: info.Size()}, nil
}

// LocalPath converts a file:// URL or plain path to a filesystem path.
func LocalPath(rawURL string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(rawURL), "file://") {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", Permanent(fmt.Errorf("parse %q: %w", rawURL, err))
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", Permanent(fmt.Errorf("%q: remote file hosts are not supported", rawURL))
	}
	return u.Path, nil
}
