//go:build !unix

package pkgstore

import (
	"os"
	"sync"
)

// fileLock falls back to an in-process mutex where flock is unavailable.
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
	return nil
}

func (l *fileLock) Unlock() error {
	l.mu.Unlock()
	return nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
