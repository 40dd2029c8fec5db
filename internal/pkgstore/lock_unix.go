//go:build unix

package pkgstore

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// fileLock serializes commits across processes sharing a cache directory.
// flock is per open file, so goroutines also take mu.
type fileLock struct {
	f  *os.File
	mu sync.Mutex
}

func openFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Lock() error {
	l.mu.Lock()
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.mu.Unlock()
		}
		return err
	}
}

func (l *fileLock) Unlock() error {
	defer l.mu.Unlock()
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
