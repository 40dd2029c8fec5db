// Package orchestrator owns the driver records: it classifies devices,
// runs update, uninstall and local-import pipelines through the status
// table, and reports every change as an ordered event stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/drivermgr/internal/device"
	"github.com/breeze-rmm/drivermgr/internal/download"
	"github.com/breeze-rmm/drivermgr/internal/drverr"
	"github.com/breeze-rmm/drivermgr/internal/health"
	"github.com/breeze-rmm/drivermgr/internal/installer"
	"github.com/breeze-rmm/drivermgr/internal/journal"
	"github.com/breeze-rmm/drivermgr/internal/logging"
	"github.com/breeze-rmm/drivermgr/internal/metrics"
	"github.com/breeze-rmm/drivermgr/internal/pkgstore"
	"github.com/breeze-rmm/drivermgr/internal/repository"
	"github.com/breeze-rmm/drivermgr/internal/validate"
	"github.com/breeze-rmm/drivermgr/internal/workerpool"
)

var log = logging.L("orchestrator")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("orchestrator is closed")

// Downloader fetches a package for one record.
type Downloader interface {
	Download(ctx context.Context, task download.Task, hooks download.Hooks) download.Result
}

// Validator gates packages before install.
type Validator interface {
	Validate(desc repository.Descriptor, path string) validate.Report
}

// Journal persists terminal outcomes. Write failures are logged, never
// surfaced to the pipeline.
type Journal interface {
	RecordOutcome(ctx context.Context, e journal.Entry) error
	RecordBatch(ctx context.Context, b journal.Batch) error
}

// Config tunes the orchestrator. Download concurrency is owned by the
// Downloader.
type Config struct {
	MaxConcurrentInstalls int
	InstallQueueSize      int
	// ClassifyConcurrency bounds parallel repository lookups during a rescan.
	ClassifyConcurrency int
	// ChunkSize is the copy size when staging a local package.
	ChunkSize int
	// EventQueueLimit is the number of queued events per subscriber above
	// which progress events are dropped.
	EventQueueLimit int
}

// Deps are the collaborators. Journal and Health may be nil.
type Deps struct {
	Catalog    device.Catalog
	Repository repository.Client
	Downloads  Downloader
	Store      *pkgstore.Store
	Validator  Validator
	Installer  installer.Backend
	Journal    Journal
	Health     *health.Monitor
}

// Orchestrator is safe for concurrent use. All record state is guarded by
// mu and every event is published while holding it, so subscribers observe
// changes in the order they happened.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	records map[string]*record
	batches map[string]*batch
	// finished holds completed batch IDs, oldest first.
	finished []string
	closed   bool
	// installed is what this agent installed, by record ID. It outlives
	// records rebuilt by Rescan.
	installed map[string]installer.Target

	events   *bus
	installs *workerpool.Pool
	devices  keyedMutex
	wg       sync.WaitGroup
}

type record struct {
	id   string
	sig  device.Signature
	desc *repository.Descriptor

	status Status
	// class is the last classification result, restored when a failed or
	// canceled record is asked to run again.
	class     Status
	bound     bool
	current   string
	size      int64
	progress  int64
	lastErr   drverr.Kind
	detail    string
	reboot    bool
	batch     string
	vanished  bool
	pending   *repository.Resolution
	pendingOf *device.Signature
}

// Snapshot is an immutable copy of a record.
type Snapshot struct {
	ID               string                 `json:"id"`
	Signature        device.Signature       `json:"signature"`
	Class            device.Class           `json:"class"`
	Status           Status                 `json:"status"`
	CurrentVersion   string                 `json:"currentVersion,omitempty"`
	AvailableVersion string                 `json:"availableVersion,omitempty"`
	Package          *repository.Descriptor `json:"package,omitempty"`
	SizeBytes        int64                  `json:"sizeBytes"`
	DownloadedBytes  int64                  `json:"downloadedBytes"`
	LastError        drverr.Kind            `json:"lastError"`
	ErrorDetail      string                 `json:"errorDetail,omitempty"`
	RebootRequired   bool                   `json:"rebootRequired"`
	BatchID          string                 `json:"batchId,omitempty"`
}

// New builds an orchestrator with no records; call Rescan to populate it.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxConcurrentInstalls < 1 {
		cfg.MaxConcurrentInstalls = 1
	}
	if cfg.InstallQueueSize < 1 {
		cfg.InstallQueueSize = 64
	}
	if cfg.ClassifyConcurrency < 1 {
		cfg.ClassifyConcurrency = 8
	}
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		records:   make(map[string]*record),
		batches:   make(map[string]*batch),
		installed: make(map[string]installer.Target),
		events:    newBus(cfg.EventQueueLimit),
		installs:  workerpool.New("install", cfg.MaxConcurrentInstalls, cfg.InstallQueueSize),
		devices:   keyedMutex{locks: make(map[string]*keyLock)},
	}
}

// Subscribe returns the event stream and a function that ends the
// subscription. The channel is closed when either is called or the
// orchestrator closes.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.events.subscribe()
}

// Records returns snapshots ordered by record ID.
func (o *Orchestrator) Records() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Snapshot, 0, len(o.records))
	for _, rec := range o.records {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record returns one snapshot.
func (o *Orchestrator) Record(id string) (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

func (r *record) snapshot() Snapshot {
	s := Snapshot{
		ID:              r.id,
		Signature:       r.sig,
		Class:           r.sig.Class,
		Status:          r.status,
		CurrentVersion:  r.current,
		SizeBytes:       r.size,
		DownloadedBytes: r.progress,
		LastError:       r.lastErr,
		ErrorDetail:     r.detail,
		RebootRequired:  r.reboot,
		BatchID:         r.batch,
	}
	s.Signature.Attributes = maps.Clone(r.sig.Attributes)
	if r.desc != nil {
		d := *r.desc
		s.Package = &d
		s.AvailableVersion = d.Version
	}
	return s
}

// Rescan replaces the record set with the catalog's current devices and
// classifies them. Records in a running batch are kept: their new
// classification is queued, and if their device is gone they finish as
// DeviceVanished.
func (o *Orchestrator) Rescan(ctx context.Context) ([]Snapshot, error) {
	sigs, err := o.deps.Catalog.Devices(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.deps.Health.Update(health.Catalog, health.Unhealthy, err.Error())
		}
		return nil, fmt.Errorf("list devices: %w", err)
	}
	o.deps.Health.Update(health.Catalog, health.Healthy, "")
	o.invalidateRepository()
	seen := make(map[string]device.Signature, len(sigs))
	for _, sig := range sigs {
		seen[sig.LogicalID] = sig
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	var toClassify []*record
	for id, rec := range o.records {
		sig, present := seen[id]
		if rec.batch != "" {
			if !present || sig.Hardware() != rec.sig.Hardware() {
				rec.vanished = true
				logging.WithRecord(log, id).Warn("device vanished during operation", logging.KeyBatchID, rec.batch)
			}
			continue
		}
		o.removeLocked(rec)
	}
	for _, sig := range sigs {
		if rec, ok := o.records[sig.LogicalID]; ok {
			if !rec.vanished {
				sig := sig
				rec.pendingOf = &sig
				toClassify = append(toClassify, rec)
			}
			continue
		}
		rec := newRecord(sig)
		if t, ok := o.installed[rec.id]; ok {
			if t.Signature.Hardware() == sig.Hardware() {
				rec.bound = true
				if !sig.HasDriver() {
					rec.current = t.Version
				}
			} else {
				delete(o.installed, rec.id)
			}
		}
		o.records[rec.id] = rec
		metrics.Records.WithLabelValues(rec.status.String()).Inc()
		o.events.publish(Event{Type: EventRecordAdded, RecordID: rec.id, NewStatus: rec.status})
		toClassify = append(toClassify, rec)
	}
	o.mu.Unlock()

	log.Info("rescan", "devices", len(sigs), "classifying", len(toClassify))
	if err := o.classify(ctx, toClassify); err != nil {
		return nil, err
	}
	return o.Records(), nil
}

// Reclassify resolves the given records again, or every record when ids is
// empty, bypassing any repository cache. Records mid-pipeline get the result
// queued.
func (o *Orchestrator) Reclassify(ctx context.Context, ids ...string) ([]Snapshot, error) {
	o.invalidateRepository()
	o.mu.Lock()
	var recs []*record
	if len(ids) == 0 {
		for _, rec := range o.records {
			recs = append(recs, rec)
		}
	} else {
		for _, id := range ids {
			if rec, ok := o.records[id]; ok {
				recs = append(recs, rec)
			}
		}
	}
	o.mu.Unlock()

	if err := o.classify(ctx, recs); err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		if s, ok := o.Record(rec.id); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// invalidateRepository drops cached lookups so a requested scan reflects
// the repository as it is now.
func (o *Orchestrator) invalidateRepository() {
	if inv, ok := o.deps.Repository.(repository.Invalidator); ok {
		inv.Invalidate()
	}
}

func newRecord(sig device.Signature) *record {
	return &record{
		id:      sig.LogicalID,
		sig:     sig,
		status:  Unknown,
		bound:   sig.HasDriver(),
		current: sig.DriverVersion,
	}
}

func (o *Orchestrator) removeLocked(rec *record) {
	delete(o.records, rec.id)
	metrics.Records.WithLabelValues(rec.status.String()).Dec()
	o.events.publish(Event{Type: EventRecordRemoved, RecordID: rec.id, OldStatus: rec.status, NewStatus: rec.status})
}

// classify resolves records in parallel. Repository problems never fail the
// call; only ctx does.
func (o *Orchestrator) classify(ctx context.Context, recs []*record) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ClassifyConcurrency)
	var unavailable atomic.Int32
	var lastErr atomic.Value
	for _, rec := range recs {
		o.mu.Lock()
		sig := rec.sig
		if rec.pendingOf != nil {
			sig = *rec.pendingOf
		}
		o.mu.Unlock()

		g.Go(func() error {
			res := o.deps.Repository.Resolve(gctx, sig)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if res.Kind == repository.NetworkUnavailable {
				unavailable.Add(1)
				lastErr.Store(drverr.Detail(res.Err))
			}
			o.mu.Lock()
			defer o.mu.Unlock()
			if o.records[rec.id] != rec {
				return nil
			}
			if rec.batch != "" {
				rec.pending = &res
				return nil
			}
			rec.pendingOf = nil
			rec.sig = sig
			o.applyLocked(rec, res, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	switch n := int(unavailable.Load()); {
	case len(recs) == 0:
	case n == 0:
		o.deps.Health.Update(health.Repository, health.Healthy, "")
	default:
		status := health.Degraded
		if n == len(recs) {
			status = health.Unhealthy
		}
		detail, _ := lastErr.Load().(string)
		o.deps.Health.Update(health.Repository, status, fmt.Sprintf("%d of %d lookups failed: %s", n, len(recs), detail))
	}
	return nil
}

// applyLocked moves a resting record to its classification. With
// keepFailure a failed or canceled record only has its classification
// updated, so the failure stays visible until the next request.
func (o *Orchestrator) applyLocked(rec *record, res repository.Resolution, keepFailure bool) {
	if res.Kind == repository.NetworkUnavailable {
		// A classified record keeps its state; an unclassified one fails
		// and stays re-classifiable.
		if rec.status == Unknown || (rec.status == Failed && rec.class == Unknown) {
			o.setLocked(rec, Failed, drverr.NetworkUnavailable, drverr.Detail(res.Err))
		}
		return
	}
	if res.Kind == repository.Unsupported {
		rec.desc = nil
	} else if res.Descriptor != nil {
		d := *res.Descriptor
		rec.desc = &d
	}
	target := rec.classification()
	rec.class = target
	if rec.status == target {
		return
	}
	if keepFailure && (rec.status == Failed || rec.status == Canceled) {
		return
	}
	if rec.status == Installed && target == UpToDate {
		// Still the newest package; keep showing it as installed.
		return
	}
	o.setLocked(rec, target, drverr.None, "")
}

// classification compares the record's installed version with the known
// package. Without a package a bound driver counts as up to date.
func (r *record) classification() Status {
	switch {
	case !r.bound:
		return NotInstalled
	case r.desc == nil:
		return UpToDate
	case r.current == "":
		return OutOfDate
	case repository.CompareVersions(r.desc.Version, r.current) > 0:
		return OutOfDate
	}
	return UpToDate
}

// setLocked applies a legal transition and publishes it.
func (o *Orchestrator) setLocked(rec *record, to Status, kind drverr.Kind, detail string) error {
	from := rec.status
	if err := checkTransition(from, to); err != nil {
		logging.WithRecord(log, rec.id).Error("rejected status change", "from", from.String(), "to", to.String())
		return err
	}
	rec.status = to
	rec.lastErr = kind
	rec.detail = detail
	metrics.Records.WithLabelValues(from.String()).Dec()
	metrics.Records.WithLabelValues(to.String()).Inc()

	ev := Event{Type: EventStatusChanged, RecordID: rec.id, BatchID: rec.batch, OldStatus: from, NewStatus: to}
	if kind != drverr.None {
		ev.Error = &ErrorInfo{Kind: kind, Detail: detail}
	}
	o.events.publish(ev)
	return nil
}

// Close cancels running downloads, waits for pipelines until ctx ends, then
// stops the install pool and ends all subscriptions.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, b := range o.batches {
		b.cancel()
	}
	o.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
		log.Warn("closing with pipelines still running")
	}
	o.installs.Shutdown(ctx)
	o.events.close()
	return err
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
