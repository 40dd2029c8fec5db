package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/drverr"
	"github.com/breeze-rmm/drivermgr/internal/fetch"
	"github.com/breeze-rmm/drivermgr/internal/httputil"
	"github.com/breeze-rmm/drivermgr/internal/pkgstore"
	"github.com/breeze-rmm/drivermgr/internal/repository"
)

var payload = bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB

func digest(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func testConfig() Config {
	return Config{
		Workers:   2,
		QueueSize: 8,
		ChunkSize: 1024,
		Backoff: httputil.Backoff{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Factor:       2,
		},
	}
}

func newManager(t *testing.T, opener fetch.Opener) (*Manager, *pkgstore.Store) {
	t.Helper()
	store, err := pkgstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := New(testConfig(), store, opener)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Close(ctx)
		store.Close()
	})
	return m, store
}

type openerFunc func(ctx context.Context, rawURL string, offset int64) (*fetch.Object, error)

func (f openerFunc) Open(ctx context.Context, rawURL string, offset int64) (*fetch.Object, error) {
	return f(ctx, rawURL, offset)
}

// brokenReader returns data then fails with a connection error.
type brokenReader struct {
	r io.Reader
}

func (b *brokenReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, errors.New("connection reset by peer")
	}
	return n, err
}

type progressLog struct {
	mu   sync.Mutex
	seen []Progress
}

func (l *progressLog) add(p Progress) {
	l.mu.Lock()
	l.seen = append(l.seen, p)
	l.mu.Unlock()
}

func (l *progressLog) check(t *testing.T, total int64) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.seen) == 0 {
		t.Fatal("no progress reported")
	}
	var prev int64
	for i, p := range l.seen {
		if p.Downloaded < prev {
			t.Fatalf("progress[%d] = %d went below %d", i, p.Downloaded, prev)
		}
		if total > 0 && p.Downloaded > total {
			t.Fatalf("progress[%d] = %d exceeds total %d", i, p.Downloaded, total)
		}
		prev = p.Downloaded
	}
	if last := l.seen[len(l.seen)-1]; last.Downloaded != total {
		t.Fatalf("final progress = %d, want %d", last.Downloaded, total)
	}
}

func assertClean(t *testing.T, store *pkgstore.Store) {
	t.Helper()
	keys, _ := store.Keys()
	if len(keys) != 0 || store.Pending() != 0 {
		t.Fatalf("store not clean: keys=%v pending=%d", keys, store.Pending())
	}
}

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadHTTP(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "pkg.deb", time.Time{}, bytes.NewReader(payload))
	})
	m, store := newManager(t, &fetch.HTTPOpener{Client: srv.Client()})

	var progress progressLog
	res := m.Download(context.Background(), Task{
		RecordID:   "rec-1",
		Descriptor: repository.Descriptor{Source: srv.URL, SizeBytes: int64(len(payload)), SHA256: digest(payload)},
	}, Hooks{OnProgress: progress.add})
	if res.Err != nil {
		t.Fatalf("Download: %v", res.Err)
	}
	if res.Key != digest(payload) || res.Size != int64(len(payload)) || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := os.ReadFile(res.Path)
	if !bytes.Equal(got, payload) {
		t.Fatal("stored bytes differ")
	}
	progress.check(t, int64(len(payload)))
	if store.Pending() != 0 {
		t.Fatalf("Pending = %d", store.Pending())
	}
}

func TestDownloadRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "pkg.deb", time.Time{}, bytes.NewReader(payload))
	})
	m, _ := newManager(t, &fetch.HTTPOpener{Client: srv.Client()})

	var retries []Retry
	res := m.Download(context.Background(), Task{
		RecordID:   "rec-1",
		Descriptor: repository.Descriptor{Source: srv.URL},
	}, Hooks{OnRetry: func(r Retry) { retries = append(retries, r) }})
	if res.Err != nil {
		t.Fatalf("Download: %v", res.Err)
	}
	if res.Attempts != 3 || len(retries) != 2 {
		t.Fatalf("attempts=%d retries=%d", res.Attempts, len(retries))
	}
	if retries[0].Attempt != 1 || retries[1].Attempt != 2 {
		t.Fatalf("retry attempts = %+v", retries)
	}
}

func TestDownloadRetriesNetworkTimeout(t *testing.T) {
	d := net.Dialer{Timeout: time.Nanosecond}
	_, dialErr := d.Dial("tcp", "127.0.0.1:9")
	if dialErr == nil {
		t.Skip("dial completed inside a nanosecond")
	}

	var opens atomic.Int32
	opener := openerFunc(func(ctx context.Context, rawURL string, offset int64) (*fetch.Object, error) {
		if opens.Add(1) == 1 {
			return nil, &url.Error{Op: "Get", URL: rawURL, Err: dialErr}
		}
		return &fetch.Object{Body: io.NopCloser(bytes.NewReader(payload[offset:])), Offset: offset, Size: int64(len(payload))}, nil
	})
	m, _ := newManager(t, opener)

	res := m.Download(context.Background(), Task{
		RecordID:   "rec-1",
		Descriptor: repository.Descriptor{Source: "mirror://pkg.deb", SizeBytes: int64(len(payload)), SHA256: digest(payload)},
	}, Hooks{})
	if res.Err != nil {
		t.Fatalf("Download: %v", res.Err)
	}
	if opens.Load() != 2 || res.Attempts != 2 {
		t.Fatalf("opens=%d attempts=%d, want 2", opens.Load(), res.Attempts)
	}
}

func TestDownloadExhaustionLeavesNothing(t *testing.T) {
	var calls atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	m, store := newManager(t, &fetch.HTTPOpener{Client: srv.Client()})

	res := m.Download(context.Background(), Task{RecordID: "rec-1", Descriptor: repository.Descriptor{Source: srv.URL}}, Hooks{})
	if drverr.KindOf(res.Err) != drverr.NetworkFailure {
		t.Fatalf("kind = %v (%v), want network_failure", drverr.KindOf(res.Err), res.Err)
	}
	if calls.Load() != 3 || res.Attempts != 3 {
		t.Fatalf("calls=%d attempts=%d, want 3", calls.Load(), res.Attempts)
	}
	assertClean(t, store)
}

func TestDownloadPermanentErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	})
	m, store := newManager(t, &fetch.HTTPOpener{Client: srv.Client()})

	res := m.Download(context.Background(), Task{RecordID: "rec-1", Descriptor: repository.Descriptor{Source: srv.URL}}, Hooks{})
	if drverr.KindOf(res.Err) != drverr.NetworkFailure || calls.Load() != 1 {
		t.Fatalf("kind=%v calls=%d", drverr.KindOf(res.Err), calls.Load())
	}
	assertClean(t, store)
}

func TestDownloadResumesFromOffset(t *testing.T) {
	var offsets []int64
	var mu sync.Mutex
	opener := openerFunc(func(ctx context.Context, _ string, off int64) (*fetch.Object, error) {
		mu.Lock()
		offsets = append(offsets, off)
		first := len(offsets) == 1
		mu.Unlock()
		if first {
			return &fetch.Object{Body: io.NopCloser(&brokenReader{r: bytes.NewReader(payload[:20000])}), Size: int64(len(payload))}, nil
		}
		return &fetch.Object{Body: io.NopCloser(bytes.NewReader(payload[off:])), Offset: off, Size: int64(len(payload))}, nil
	})
	m, _ := newManager(t, opener)

	var progress progressLog
	res := m.Download(context.Background(), Task{
		RecordID:   "rec-1",
		Descriptor: repository.Descriptor{Source: "mirror://pkg", SHA256: digest(payload)},
	}, Hooks{OnProgress: progress.add})
	if res.Err != nil {
		t.Fatalf("Download: %v", res.Err)
	}
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 20000 {
		t.Fatalf("offsets = %v", offsets)
	}
	progress.check(t, int64(len(payload)))
}

func TestDownloadRestartWithoutRangeStaysMonotonic(t *testing.T) {
	var calls atomic.Int32
	opener := openerFunc(func(ctx context.Context, _ string, off int64) (*fetch.Object, error) {
		// The source ignores offsets and always starts from zero.
		if calls.Add(1) == 1 {
			return &fetch.Object{Body: io.NopCloser(&brokenReader{r: bytes.NewReader(payload[:30000])}), Size: -1}, nil
		}
		return &fetch.Object{Body: io.NopCloser(bytes.NewReader(payload)), Size: int64(len(payload))}, nil
	})
	m, _ := newManager(t, opener)

	var progress progressLog
	res := m.Download(context.Background(), Task{
		RecordID:   "rec-1",
		Descriptor: repository.Descriptor{Source: "mirror://pkg", SHA256: digest(payload), SizeBytes: int64(len(payload))},
	}, Hooks{OnProgress: progress.add})
	if res.Err != nil {
		t.Fatalf("Download: %v", res.Err)
	}
	got, _ := os.ReadFile(res.Path)
	if !bytes.Equal(got, payload) {
		t.Fatal("restarted transfer produced different bytes")
	}
	progress.check(t, int64(len(payload)))
}

func TestDownloadRestartsWhenSourceChanges(t *testing.T) {
	old := payload[:2000]
	replaced := bytes.Repeat([]byte("z"), 1500)
	var opens []int64
	opener := openerFunc(func(ctx context.Context, rawURL string, offset int64) (*fetch.Object, error) {
		opens = append(opens, offset)
		switch len(opens) {
		case 1:
			return &fetch.Object{Body: io.NopCloser(&brokenReader{r: bytes.NewReader(old[:700])}), Size: int64(len(old))}, nil
		case 2:
			// Resumed request against the replaced file.
			return &fetch.Object{Body: io.NopCloser(bytes.NewReader(replaced[offset:])), Offset: offset, Size: int64(len(replaced))}, nil
		}
		return &fetch.Object{Body: io.NopCloser(bytes.NewReader(replaced[offset:])), Offset: offset, Size: int64(len(replaced))}, nil
	})
	m, store := newManager(t, opener)

	res := m.Download(context.Background(), Task{RecordID: "r1", Descriptor: repository.Descriptor{Source: "mirror://pkg", SHA256: digest(replaced)}}, Hooks{})
	if res.Err != nil {
		t.Fatalf("Download: %v", res.Err)
	}
	got, err := os.ReadFile(store.Path(res.Key))
	if err != nil || !bytes.Equal(got, replaced) {
		t.Fatalf("stored %d bytes, err %v", len(got), err)
	}
	if len(opens) != 3 || opens[1] != 700 || opens[2] != 0 {
		t.Fatalf("open offsets = %v, want [0 700 0]", opens)
	}
}

func TestDownloadOversizeBody(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	m, store := newManager(t, &fetch.HTTPOpener{Client: srv.Client()})

	res := m.Download(context.Background(), Task{
		RecordID:   "rec-1",
		Descriptor: repository.Descriptor{Source: srv.URL, SizeBytes: 1000},
	}, Hooks{})
	if drverr.KindOf(res.Err) != drverr.BrokenPackage {
		t.Fatalf("kind = %v (%v)", drverr.KindOf(res.Err), res.Err)
	}
	assertClean(t, store)
}

func TestDownloadDigestMismatch(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	m, store := newManager(t, &fetch.HTTPOpener{Client: srv.Client()})

	res := m.Download(context.Background(), Task{
		RecordID:   "rec-1",
		Descriptor: repository.Descriptor{Source: srv.URL, SHA256: digest([]byte("other"))},
	}, Hooks{})
	if drverr.KindOf(res.Err) != drverr.BrokenPackage {
		t.Fatalf("kind = %v (%v)", drverr.KindOf(res.Err), res.Err)
	}
	assertClean(t, store)
}

// gatedReader hands out one chunk per tick of gate.
type gatedReader struct {
	gate <-chan struct{}
	ctx  context.Context
}

func (g *gatedReader) Read(p []byte) (int, error) {
	select {
	case <-g.gate:
		return copy(p, payload[:len(p)]), nil
	case <-g.ctx.Done():
		return 0, g.ctx.Err()
	}
}

func TestDownloadCancelMidTransfer(t *testing.T) {
	gate := make(chan struct{})
	opener := openerFunc(func(ctx context.Context, _ string, off int64) (*fetch.Object, error) {
		return &fetch.Object{Body: io.NopCloser(&gatedReader{gate: gate, ctx: ctx}), Size: -1}, nil
	})
	m, store := newManager(t, opener)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- m.Download(ctx, Task{RecordID: "rec-1", Descriptor: repository.Descriptor{Source: "mirror://pkg"}}, Hooks{})
	}()
	gate <- struct{}{}
	gate <- struct{}{}
	cancel()

	select {
	case res := <-done:
		if drverr.KindOf(res.Err) != drverr.Canceled {
			t.Fatalf("kind = %v (%v), want canceled", drverr.KindOf(res.Err), res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the transfer")
	}
	assertClean(t, store)
}

func TestDownloadCancelDuringBackoff(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	store, err := pkgstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	cfg := testConfig()
	cfg.Backoff.InitialDelay = time.Hour
	cfg.Backoff.MaxDelay = time.Hour
	m := New(cfg, store, &fetch.HTTPOpener{Client: srv.Client()})
	defer m.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	res := m.Download(ctx, Task{RecordID: "rec-1", Descriptor: repository.Descriptor{Source: srv.URL}}, Hooks{
		OnRetry: func(Retry) { cancel() },
	})
	if drverr.KindOf(res.Err) != drverr.Canceled {
		t.Fatalf("kind = %v (%v), want canceled", drverr.KindOf(res.Err), res.Err)
	}
	assertClean(t, store)
}

func TestDownloadRejectsSecondTransferForRecord(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	opener := openerFunc(func(ctx context.Context, _ string, off int64) (*fetch.Object, error) {
		started <- struct{}{}
		return &fetch.Object{Body: io.NopCloser(&gatedReader{gate: gate, ctx: ctx}), Size: -1}, nil
	})
	m, _ := newManager(t, opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Download(ctx, Task{RecordID: "rec-1", Descriptor: repository.Descriptor{Source: "mirror://pkg"}}, Hooks{})
		close(done)
	}()
	<-started

	res := m.Download(context.Background(), Task{RecordID: "rec-1", Descriptor: repository.Descriptor{Source: "mirror://pkg"}}, Hooks{})
	if drverr.KindOf(res.Err) != drverr.AlreadyInProgress {
		t.Fatalf("kind = %v, want already_in_progress", drverr.KindOf(res.Err))
	}
	cancel()
	<-done
}

func TestDownloadThrottlesProgress(t *testing.T) {
	opener := openerFunc(func(ctx context.Context, _ string, off int64) (*fetch.Object, error) {
		return &fetch.Object{Body: io.NopCloser(bytes.NewReader(payload)), Size: int64(len(payload))}, nil
	})
	store, err := pkgstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	cfg := testConfig()
	cfg.ProgressInterval = time.Hour
	m := New(cfg, store, opener)
	defer m.Close(context.Background())

	var progress progressLog
	res := m.Download(context.Background(), Task{RecordID: "rec-1", Descriptor: repository.Descriptor{Source: "mirror://pkg"}}, Hooks{OnProgress: progress.add})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	// One throttled report for the first chunk, then the final one.
	if len(progress.seen) != 2 {
		t.Fatalf("reports = %d, want 2", len(progress.seen))
	}
	progress.check(t, int64(len(payload)))
}
