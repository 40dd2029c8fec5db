// Package pkgstore is the content-addressed package cache. Blobs live at
// {root}/blobs/sha256/{hex}; in-progress writes live under {root}/tmp and
// are either committed by rename or removed.
package pkgstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/breeze-rmm/drivermgr/internal/logging"
)

var log = logging.L("pkgstore")

var (
	// ErrDigestMismatch is returned by Commit when the written bytes do not
	// hash to the expected digest.
	ErrDigestMismatch = errors.New("sha256 digest mismatch")
	// ErrNotFound is returned for keys that are not in the store.
	ErrNotFound = errors.New("blob not found")
)

var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is safe for concurrent use. Writers to distinct keys proceed in
// parallel; commits of the same key are serialized.
type Store struct {
	root  string
	blobs string
	tmp   string
	lock  *fileLock

	mu       sync.Mutex
	keyLocks map[string]*keyLock

	ingest singleflight.Group
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Open creates the store layout under root if needed.
func Open(root string) (*Store, error) {
	s := &Store{
		root:     root,
		blobs:    filepath.Join(root, "blobs", "sha256"),
		tmp:      filepath.Join(root, "tmp"),
		keyLocks: make(map[string]*keyLock),
	}
	for _, dir := range []string{s.blobs, s.tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create package store: %w", err)
		}
	}
	lock, err := openFileLock(filepath.Join(root, ".lock"))
	if err != nil {
		return nil, fmt.Errorf("open package store lock: %w", err)
	}
	s.lock = lock
	return s, nil
}

// Close releases the store's lock file. Open writers stay usable but their
// commits are no longer coordinated with other processes.
func (s *Store) Close() error {
	return s.lock.Close()
}

func (s *Store) Root() string { return s.root }

// Path returns the blob path for key without checking that it exists.
func (s *Store) Path(key string) string {
	return filepath.Join(s.blobs, key)
}

// Has reports whether key is committed.
func (s *Store) Has(key string) bool {
	if !keyPattern.MatchString(key) {
		return false
	}
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Keys lists committed blobs in lexical order.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.blobs)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if keyPattern.MatchString(e.Name()) {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Pending counts in-progress temp files. Zero means no partial bytes are
// left behind.
func (s *Store) Pending() int {
	entries, err := os.ReadDir(s.tmp)
	if err != nil {
		return 0
	}
	return len(entries)
}

// Sweep removes temp files left by a crashed process.
func (s *Store) Sweep() error {
	entries, err := os.ReadDir(s.tmp)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.tmp, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(entries) > 0 {
		log.Info("removed stale partial files", "count", len(entries))
	}
	return errors.Join(errs...)
}

func (s *Store) lockKey(key string) func() {
	s.mu.Lock()
	kl, ok := s.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		s.keyLocks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		s.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.keyLocks, key)
		}
		s.mu.Unlock()
	}
}

// Writer streams one package into the store. It must end with Commit or
// Abort.
type Writer struct {
	s        *Store
	f        *os.File
	h        hash.Hash
	n        int64
	expected string
	done     bool
}

// NewWriter starts a write. expectedSHA may be empty; when set, Commit
// fails with ErrDigestMismatch unless the bytes hash to it.
func (s *Store) NewWriter(expectedSHA string) (*Writer, error) {
	f, err := os.CreateTemp(s.tmp, "fetch.*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &Writer{s: s, f: f, h: sha256.New(), expected: strings.ToLower(expectedSHA)}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Written is the number of bytes accepted so far; a resumed transfer
// continues from here.
func (w *Writer) Written() int64 {
	return w.n
}

// Reset discards everything written so far.
func (w *Writer) Reset() error {
	if w.done {
		return os.ErrClosed
	}
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.h.Reset()
	w.n = 0
	return nil
}

// Commit verifies the digest and moves the bytes to their content address.
// If the blob already exists the new copy is dropped. The temp file is gone
// after Commit returns, whatever the outcome.
func (w *Writer) Commit() (string, error) {
	if w.done {
		return "", os.ErrClosed
	}
	w.done = true
	tmpPath := w.f.Name()
	defer os.Remove(tmpPath)

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return "", fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := w.f.Close(); err != nil {
		return "", err
	}

	key := hex.EncodeToString(w.h.Sum(nil))
	if w.expected != "" && key != w.expected {
		return "", fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, key, w.expected)
	}

	unlock := w.s.lockKey(key)
	defer unlock()
	if err := w.s.lock.Lock(); err != nil {
		return "", err
	}
	defer w.s.lock.Unlock()

	dst := w.s.Path(key)
	if _, err := os.Stat(dst); err == nil {
		log.Debug("blob already present", "key", key)
		return key, nil
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("commit %s: %w", key, err)
	}
	return key, nil
}

// Abort discards the write. Safe to call after Commit.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IngestOptions tunes Ingest.
type IngestOptions struct {
	ExpectedSHA string
	ChunkSize   int
	// Progress receives the running byte count after each chunk.
	Progress func(written int64)
}

// Ingest copies a local file into the store in chunks, checking ctx between
// chunks. Concurrent ingests of the same source share one copy.
func (s *Store) Ingest(ctx context.Context, src string, opts IngestOptions) (string, error) {
	flightKey := src + "\x00" + strings.ToLower(opts.ExpectedSHA)
	for {
		ch := s.ingest.DoChan(flightKey, func() (any, error) {
			return s.copyIn(ctx, src, opts)
		})
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-ch:
			// The shared copy was canceled by another caller's context.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			if res.Err != nil {
				return "", res.Err
			}
			return res.Val.(string), nil
		}
	}
}

func (s *Store) copyIn(ctx context.Context, src string, opts IngestOptions) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	w, err := s.NewWriter(opts.ExpectedSHA)
	if err != nil {
		return "", err
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = 64 << 10
	}
	buf := make([]byte, chunk)
	for {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return "", err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				w.Abort()
				return "", err
			}
			if opts.Progress != nil {
				opts.Progress(w.Written())
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			w.Abort()
			return "", rerr
		}
	}
	return w.Commit()
}
