// Package download streams driver packages into the package store with
// bounded concurrency, retry and cancellation.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/breeze-rmm/drivermgr/internal/drverr"
	"github.com/breeze-rmm/drivermgr/internal/fetch"
	"github.com/breeze-rmm/drivermgr/internal/httputil"
	"github.com/breeze-rmm/drivermgr/internal/logging"
	"github.com/breeze-rmm/drivermgr/internal/metrics"
	"github.com/breeze-rmm/drivermgr/internal/pkgstore"
	"github.com/breeze-rmm/drivermgr/internal/repository"
	"github.com/breeze-rmm/drivermgr/internal/workerpool"
)

var log = logging.L("download")

var (
	errOversize     = errors.New("body is longer than the advertised size")
	errSizeMismatch = errors.New("source size differs from the advertised size")
)

// Task is one package transfer for one record.
type Task struct {
	RecordID   string
	Descriptor repository.Descriptor
}

// Progress is a snapshot of a running transfer. Downloaded never decreases
// across the reports of one task and never exceeds Total when Total is known.
type Progress struct {
	Downloaded  int64   `json:"downloaded"`
	Total       int64   `json:"total"`
	BytesPerSec float64 `json:"bytesPerSec"`
}

// Retry describes a backoff about to happen.
type Retry struct {
	Attempt int // the attempt that failed, 1-based
	Delay   time.Duration
	Err     error
}

// Hooks receive transfer events. Both are optional and are called from the
// worker running the transfer.
type Hooks struct {
	OnProgress func(Progress)
	OnRetry    func(Retry)
}

// Result is the terminal outcome of a task. Err is nil on success and a
// *drverr.Error otherwise.
type Result struct {
	Key      string
	Path     string
	Size     int64
	Attempts int
	Err      error
}

// Config bounds the manager.
type Config struct {
	Workers          int
	QueueSize        int
	ChunkSize        int
	ProgressInterval time.Duration
	Backoff          httputil.Backoff
}

// Manager runs downloads on its own worker pool.
type Manager struct {
	cfg    Config
	store  *pkgstore.Store
	opener fetch.Opener
	pool   *workerpool.Pool

	mu     sync.Mutex
	active map[string]struct{}
}

// New starts a manager with cfg.Workers concurrent transfers.
func New(cfg Config, store *pkgstore.Store, opener fetch.Opener) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 << 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		opener: opener,
		pool:   workerpool.New("download", cfg.Workers, cfg.QueueSize),
		active: make(map[string]struct{}),
	}
}

// Close stops accepting tasks and waits for running transfers until ctx ends.
func (m *Manager) Close(ctx context.Context) {
	m.pool.Shutdown(ctx)
}

// Download runs task on the pool and blocks until it is terminal. Canceling
// ctx stops the transfer within one chunk read or backoff sleep. Partial
// bytes never remain in the store after a failed or canceled task.
func (m *Manager) Download(ctx context.Context, task Task, hooks Hooks) Result {
	const op = "download"
	if !m.claim(task.RecordID) {
		return Result{Err: drverr.E(drverr.AlreadyInProgress, op, fmt.Errorf("record %s already has a transfer", task.RecordID))}
	}
	defer m.release(task.RecordID)

	var res Result
	done := make(chan struct{})
	err := m.pool.SubmitWait(ctx, func() {
		defer close(done)
		res = m.run(ctx, task, hooks)
	})
	switch {
	case errors.Is(err, workerpool.ErrStopped):
		return Result{Err: drverr.E(drverr.Internal, op, errors.New("download manager is closed"))}
	case err != nil:
		metrics.Downloads.WithLabelValues("canceled").Inc()
		return Result{Err: drverr.E(drverr.Canceled, op, err)}
	}
	select {
	case <-done:
	case <-m.pool.Context().Done():
		// Close gave up waiting; the task may never run.
		return Result{Err: drverr.E(drverr.Internal, op, errors.New("download manager closed during transfer"))}
	}
	if res.Err == nil && res.Key == "" {
		// The task panicked; the pool recovered it.
		res.Err = drverr.E(drverr.Internal, op, errors.New("transfer aborted unexpectedly"))
	}
	return res
}

func (m *Manager) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return false
	}
	m.active[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, task Task, hooks Hooks) (res Result) {
	const op = "download"
	desc := task.Descriptor
	logger := logging.WithRecord(log, task.RecordID)
	start := time.Now()
	defer func() {
		result := "ok"
		if res.Err != nil {
			result = drverr.KindOf(res.Err).String()
		}
		metrics.Downloads.WithLabelValues(result).Inc()
		metrics.DownloadDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	w, err := m.store.NewWriter(desc.SHA256)
	if err != nil {
		return Result{Err: drverr.E(drverr.Internal, op, err)}
	}
	defer w.Abort()

	rep := newReporter(m.cfg.ProgressInterval, desc.SizeBytes, hooks.OnProgress)
	attempts := m.cfg.Backoff.Attempts()
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		err := m.transfer(ctx, w, desc, rep)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			logger.Info("download canceled", "bytes", w.Written())
			res.Err = drverr.E(drverr.Canceled, op, ctx.Err())
			return res
		}
		switch {
		case errors.Is(err, errOversize), errors.Is(err, errSizeMismatch):
			res.Err = drverr.E(drverr.BrokenPackage, op, err)
			return res
		case !fetch.IsTransient(err):
			logger.Warn("download failed", "source", desc.Source, "error", err)
			res.Err = drverr.E(drverr.NetworkFailure, op, err)
			return res
		case attempt >= attempts:
			logger.Warn("download retries exhausted", "source", desc.Source, "attempts", attempt, "error", err)
			res.Err = drverr.E(drverr.NetworkFailure, op, fmt.Errorf("after %d attempts: %w", attempt, err))
			return res
		}

		delay := m.cfg.Backoff.Delay(attempt)
		metrics.DownloadRetries.Inc()
		logger.Info("network error, retrying", "attempt", attempt, "delay", delay, "error", err)
		if hooks.OnRetry != nil {
			hooks.OnRetry(Retry{Attempt: attempt, Delay: delay, Err: err})
		}
		if err := httputil.Sleep(ctx, delay); err != nil {
			res.Err = drverr.E(drverr.Canceled, op, err)
			return res
		}
	}

	size := w.Written()
	key, err := w.Commit()
	if err != nil {
		kind := drverr.Internal
		if errors.Is(err, pkgstore.ErrDigestMismatch) {
			kind = drverr.BrokenPackage
		}
		res.Err = drverr.E(kind, op, err)
		return res
	}
	rep.final(size)
	logger.Debug("download complete", "key", key, "bytes", size, logging.KeyDurationMs, time.Since(start).Milliseconds())
	res.Key, res.Path, res.Size = key, m.store.Path(key), size
	return res
}

// transfer performs one attempt, continuing from w.Written().
func (m *Manager) transfer(ctx context.Context, w *pkgstore.Writer, desc repository.Descriptor, rep *reporter) error {
	have := w.Written()
	obj, err := m.opener.Open(ctx, desc.Source, have)
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	total := desc.SizeBytes
	if obj.Size > 0 {
		if total > 0 && obj.Size != total {
			return fmt.Errorf("%w: source %d, declared %d", errSizeMismatch, obj.Size, total)
		}
		if have > 0 && rep.total > 0 && obj.Size != rep.total {
			// The source was replaced between attempts; what we hold belongs
			// to the old file.
			was := rep.total
			log.Info("source changed size, restarting", "source", desc.Source, "was", was, "now", obj.Size)
			if err := w.Reset(); err != nil {
				return fetch.Permanent(fmt.Errorf("reset package store: %w", err))
			}
			have = 0
			rep.setTotal(obj.Size)
			if obj.Offset > 0 {
				return fmt.Errorf("source changed from %d to %d bytes, refetching", was, obj.Size)
			}
		}
		total = obj.Size
	}
	rep.setTotal(total)

	buf := make([]byte, m.cfg.ChunkSize)
	// The source restarted below what we already hold: skip the bytes we have.
	if obj.Offset < have {
		if err := discard(ctx, obj.Body, have-obj.Offset, buf); err != nil {
			return err
		}
	} else if obj.Offset > have {
		return fetch.Permanent(fmt.Errorf("source resumed at %d, expected %d", obj.Offset, have))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := obj.Body.Read(buf)
		if n > 0 {
			if total > 0 && w.Written()+int64(n) > total {
				return errOversize
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return fetch.Permanent(fmt.Errorf("write package store: %w", err))
			}
			metrics.DownloadBytes.Add(float64(n))
			rep.update(w.Written())
		}
		if errors.Is(rerr, io.EOF) {
			if total > 0 && w.Written() < total {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// discard reads and drops n bytes, chunk by chunk.
func discard(ctx context.Context, r io.Reader, n int64, buf []byte) error {
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := buf
		if int64(len(chunk)) > n {
			chunk = chunk[:n]
		}
		read, err := r.Read(chunk)
		n -= int64(read)
		if n > 0 && errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

// reporter throttles progress callbacks and keeps them monotonic.
type reporter struct {
	fn        func(Progress)
	throttle  *rate.Sometimes
	total     int64
	reported  int64
	lastBytes int64
	lastAt    time.Time
	rate      float64
}

func newReporter(interval time.Duration, total int64, fn func(Progress)) *reporter {
	r := &reporter{fn: fn, total: total, lastAt: time.Now()}
	if interval > 0 {
		r.throttle = &rate.Sometimes{Interval: interval}
	}
	return r
}

func (r *reporter) setTotal(total int64) {
	if total > 0 {
		r.total = total
	}
}

func (r *reporter) update(n int64) {
	if r.fn == nil {
		return
	}
	if r.throttle == nil {
		r.emit(n)
		return
	}
	r.throttle.Do(func() { r.emit(n) })
}

func (r *reporter) final(n int64) {
	if r.fn == nil {
		return
	}
	r.emit(n)
}

func (r *reporter) emit(n int64) {
	if r.total > 0 && n > r.total {
		n = r.total
	}
	if n < r.reported {
		n = r.reported
	}
	now := time.Now()
	if dt := now.Sub(r.lastAt).Seconds(); dt > 0 {
		r.rate = float64(n-r.lastBytes) / dt
	}
	r.lastBytes, r.lastAt, r.reported = n, now, n
	r.fn(Progress{Downloaded: n, Total: r.total, BytesPerSec: r.rate})
}
