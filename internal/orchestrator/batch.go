package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/drivermgr/internal/device"
	"github.com/breeze-rmm/drivermgr/internal/download"
	"github.com/breeze-rmm/drivermgr/internal/drverr"
	"github.com/breeze-rmm/drivermgr/internal/health"
	"github.com/breeze-rmm/drivermgr/internal/installer"
	"github.com/breeze-rmm/drivermgr/internal/journal"
	"github.com/breeze-rmm/drivermgr/internal/logging"
	"github.com/breeze-rmm/drivermgr/internal/metrics"
	"github.com/breeze-rmm/drivermgr/internal/pkgfmt"
	"github.com/breeze-rmm/drivermgr/internal/pkgstore"
	"github.com/breeze-rmm/drivermgr/internal/repository"
	"github.com/breeze-rmm/drivermgr/internal/validate"
)

// keptBatches is how many completed batches stay queryable.
const keptBatches = 64

var ErrUnknownBatch = errors.New("unknown batch")

// Action is what a batch does to its members.
type Action string

const (
	ActionUpdate       Action = "update"
	ActionUninstall    Action = "uninstall"
	ActionInstallLocal Action = "install_local"
)

// Rejection explains why a requested record did not join a batch.
type Rejection struct {
	RecordID string      `json:"recordId"`
	Kind     drverr.Kind `json:"kind"`
	Detail   string      `json:"detail"`
}

func (r Rejection) Error() string {
	return fmt.Sprintf("%s: %s: %s", r.RecordID, r.Kind, r.Detail)
}

// Tally counts batch members by outcome.
type Tally struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Canceled   int `json:"canceled"`
	InProgress int `json:"inProgress"`
}

// MemberResult is the terminal outcome of one member.
type MemberResult struct {
	RecordID       string     `json:"recordId"`
	Status         Status     `json:"status"`
	Version        string     `json:"version,omitempty"`
	RebootRequired bool       `json:"rebootRequired"`
	Error          *ErrorInfo `json:"error,omitempty"`
}

// BatchResult lists every member outcome. A batch never fails as a whole.
type BatchResult struct {
	ID             string         `json:"id"`
	Action         Action         `json:"action"`
	Members        []MemberResult `json:"members"`
	Tally          Tally          `json:"tally"`
	RebootRequired bool           `json:"rebootRequired"`
}

// MemberProgress is the live progress of a downloading member.
type MemberProgress struct {
	RecordID string            `json:"recordId"`
	Progress download.Progress `json:"progress"`
}

// BatchStatus is a point-in-time view of a batch.
type BatchStatus struct {
	ID          string           `json:"id"`
	Action      Action           `json:"action"`
	Tally       Tally            `json:"tally"`
	Downloading []MemberProgress `json:"downloading,omitempty"`
	Done        bool             `json:"done"`
}

// LocalPick pairs a record with a package chosen from a local folder.
type LocalPick struct {
	RecordID   string                `json:"recordId"`
	Descriptor repository.Descriptor `json:"descriptor"`
}

type batch struct {
	id      string
	action  Action
	ctx     context.Context
	cancel  context.CancelFunc
	order   []*member
	pending int
	done    chan struct{}
	result  *BatchResult
}

type member struct {
	rec      *record
	desc     repository.Descriptor
	finished bool
	reboot   bool
	progress *download.Progress
	result   MemberResult
}

// Update downloads, validates and installs the repository package for each
// record. Records must be NotInstalled or OutOfDate.
func (o *Orchestrator) Update(ids []string) (string, []Rejection) {
	picks := make([]LocalPick, len(ids))
	for i, id := range ids {
		picks[i] = LocalPick{RecordID: id}
	}
	return o.submit(ActionUpdate, picks)
}

// Uninstall removes the bound driver of each record.
func (o *Orchestrator) Uninstall(ids []string) (string, []Rejection) {
	picks := make([]LocalPick, len(ids))
	for i, id := range ids {
		picks[i] = LocalPick{RecordID: id}
	}
	return o.submit(ActionUninstall, picks)
}

// InstallLocal stages each chosen local package into the store and installs
// it through the same validation gate as network packages.
func (o *Orchestrator) InstallLocal(picks []LocalPick) (string, []Rejection) {
	return o.submit(ActionInstallLocal, picks)
}

// submit admits eligible records into a new batch. The batch ID is empty
// when every record was rejected.
func (o *Orchestrator) submit(action Action, picks []LocalPick) (string, []Rejection) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var rejections []Rejection
	reject := func(id string, kind drverr.Kind, detail string) {
		rejections = append(rejections, Rejection{RecordID: id, Kind: kind, Detail: detail})
	}
	if o.closed {
		for _, p := range picks {
			reject(p.RecordID, drverr.Internal, ErrClosed.Error())
		}
		return "", rejections
	}

	b := &batch{id: uuid.NewString(), action: action, done: make(chan struct{})}
	for _, p := range picks {
		rec, ok := o.records[p.RecordID]
		switch {
		case !ok:
			reject(p.RecordID, drverr.DeviceVanished, "no such record")
			continue
		case rec.batch != "":
			reject(p.RecordID, drverr.AlreadyInProgress, "record is already part of batch "+rec.batch)
			continue
		case rec.vanished:
			reject(p.RecordID, drverr.DeviceVanished, "device is no longer present")
			continue
		}
		desc, kind, err := o.eligibleLocked(action, rec, p)
		if err != nil {
			reject(p.RecordID, kind, err.Error())
			continue
		}
		if rec.status == Failed || rec.status == Canceled {
			if err := o.setLocked(rec, rec.class, drverr.None, ""); err != nil {
				reject(p.RecordID, drverr.Internal, err.Error())
				continue
			}
		}
		if action == ActionInstallLocal && (rec.status == UpToDate || rec.status == Installed) {
			o.setLocked(rec, OutOfDate, drverr.None, "")
		}
		rec.batch = b.id
		b.order = append(b.order, &member{rec: rec, desc: desc})
	}
	if len(b.order) == 0 {
		return "", rejections
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.pending = len(b.order)
	o.batches[b.id] = b
	tally := b.tallyLocked()
	o.events.publish(Event{Type: EventBatchStarted, BatchID: b.id, Tally: &tally})
	logging.WithBatch(log, b.id, string(action)).Info("batch started", "members", len(b.order), "rejected", len(rejections))

	for _, m := range b.order {
		o.wg.Add(1)
		go o.runMember(b, m)
	}
	return b.id, rejections
}

// eligibleLocked checks the record can start action and returns the package
// the member will use.
func (o *Orchestrator) eligibleLocked(action Action, rec *record, p LocalPick) (repository.Descriptor, drverr.Kind, error) {
	state := rec.status
	if state == Failed || state == Canceled {
		state = rec.class
	}
	if state == Unknown {
		if rec.lastErr == drverr.NetworkUnavailable {
			return repository.Descriptor{}, drverr.NetworkUnavailable, errors.New("record could not be classified: repository unavailable")
		}
		return repository.Descriptor{}, drverr.Internal, fmt.Errorf("%w: record is not classified", ErrIllegalTransition)
	}

	switch action {
	case ActionUpdate:
		if state != NotInstalled && state != OutOfDate {
			return repository.Descriptor{}, drverr.Internal, fmt.Errorf("%w: update requires not_installed or out_of_date, record is %s", ErrIllegalTransition, state)
		}
		if rec.desc == nil {
			return repository.Descriptor{}, drverr.Internal, errors.New("no driver package is available for this device")
		}
		return *rec.desc, drverr.None, checkTransition(state, Downloading)
	case ActionInstallLocal:
		if p.Descriptor.Source == "" {
			return repository.Descriptor{}, drverr.Internal, errors.New("no package selected")
		}
		if state == UpToDate || state == Installed {
			// Only a newer package makes the record out of date.
			if repository.CompareVersions(p.Descriptor.Version, rec.current) <= 0 {
				return repository.Descriptor{}, drverr.Internal, fmt.Errorf("%w: %s %s is not newer than installed %s", ErrIllegalTransition, p.Descriptor.Name, p.Descriptor.Version, rec.current)
			}
			state = OutOfDate
		}
		return p.Descriptor, drverr.Internal, checkTransition(state, Downloading)
	case ActionUninstall:
		if !rec.bound {
			return repository.Descriptor{}, drverr.ModuleNotFound, errors.New("no driver is installed for this device")
		}
		var desc repository.Descriptor
		if rec.desc != nil {
			desc = *rec.desc
		}
		return desc, drverr.Internal, checkTransition(state, Uninstalling)
	}
	return repository.Descriptor{}, drverr.Internal, fmt.Errorf("unknown action %q", action)
}

func (o *Orchestrator) runMember(b *batch, m *member) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.WithRecord(log, m.rec.id).Error("pipeline panicked", "panic", r, "stack", string(debug.Stack()))
			o.mu.Lock()
			if m.rec.status.Busy() {
				o.setLocked(m.rec, Failed, drverr.Internal, fmt.Sprintf("internal error: %v", r))
			}
			o.mu.Unlock()
		}
		o.finish(b, m)
	}()

	switch b.action {
	case ActionUpdate:
		o.runUpdate(b, m)
	case ActionInstallLocal:
		o.runLocal(b, m)
	case ActionUninstall:
		o.runUninstall(b, m)
	}
}

func (o *Orchestrator) startDownloading(m *member) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	m.rec.size = m.desc.SizeBytes
	m.rec.progress = 0
	return o.setLocked(m.rec, Downloading, drverr.None, "") == nil
}

func (o *Orchestrator) runUpdate(b *batch, m *member) {
	if !o.startDownloading(m) {
		return
	}
	res := o.deps.Downloads.Download(b.ctx, download.Task{RecordID: m.rec.id, Descriptor: m.desc}, download.Hooks{
		OnProgress: func(p download.Progress) { o.progress(b, m, p) },
		OnRetry:    func(r download.Retry) { o.retrying(b, m, r) },
	})
	if res.Err != nil {
		o.endDownload(m, res.Err)
		return
	}
	o.installPackage(b, m, res.Path)
}

func (o *Orchestrator) runLocal(b *batch, m *member) {
	if !o.startDownloading(m) {
		return
	}
	total := m.desc.SizeBytes
	key, err := o.deps.Store.Ingest(b.ctx, m.desc.Source, pkgstore.IngestOptions{
		ExpectedSHA: m.desc.SHA256,
		ChunkSize:   o.cfg.ChunkSize,
		Progress: func(n int64) {
			o.progress(b, m, download.Progress{Downloaded: n, Total: total})
		},
	})
	if err != nil {
		kind := drverr.Internal
		switch {
		case errors.Is(err, context.Canceled):
			kind = drverr.Canceled
		case errors.Is(err, pkgstore.ErrDigestMismatch), errors.Is(err, fs.ErrNotExist):
			kind = drverr.BrokenPackage
		}
		o.endDownload(m, drverr.E(kind, "stage local package", err))
		return
	}
	o.installPackage(b, m, o.deps.Store.Path(key))
}

func (o *Orchestrator) endDownload(m *member, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kind := drverr.KindOf(err)
	if kind == drverr.Canceled {
		o.setLocked(m.rec, Canceled, drverr.Canceled, "canceled by request")
		return
	}
	o.setLocked(m.rec, Failed, kind, drverr.Detail(err))
}

// installPackage runs Downloaded -> Validating -> Installing. Cancellation
// no longer applies.
func (o *Orchestrator) installPackage(b *batch, m *member, path string) {
	rec := m.rec
	o.mu.Lock()
	if rec.size > 0 {
		rec.progress = rec.size
	}
	if o.setLocked(rec, Downloaded, drverr.None, "") != nil || o.setLocked(rec, Validating, drverr.None, "") != nil {
		o.mu.Unlock()
		return
	}
	if rec.vanished {
		o.setLocked(rec, Failed, drverr.DeviceVanished, "device disappeared during the operation")
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	report := o.deps.Validator.Validate(m.desc, path)

	o.mu.Lock()
	if report.Verdict != validate.Valid {
		logging.WithRecord(log, rec.id).Warn("package rejected", "verdict", report.Verdict.String(), "detail", report.Detail)
		o.setLocked(rec, Failed, report.Verdict.Kind(), report.Detail)
		o.mu.Unlock()
		return
	}
	if rec.vanished {
		o.setLocked(rec, Failed, drverr.DeviceVanished, "device disappeared during the operation")
		o.mu.Unlock()
		return
	}
	if o.setLocked(rec, Installing, drverr.None, "") != nil {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	desc := m.desc
	out := o.backend(b, rec, func(ctx context.Context) installer.Outcome {
		return o.deps.Installer.Install(ctx, path, desc)
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if !out.OK() {
		o.setLocked(rec, Failed, out.Kind, out.Detail)
		return
	}
	rec.bound = true
	rec.current = desc.Version
	o.installed[rec.id] = installedTarget(rec.sig, desc, report.Info)
	rec.reboot = rec.reboot || out.RebootRequired
	m.reboot = out.RebootRequired
	rec.class = rec.classification()
	o.setLocked(rec, Installed, drverr.None, "")
}

func (o *Orchestrator) runUninstall(b *batch, m *member) {
	rec := m.rec
	o.mu.Lock()
	if o.setLocked(rec, Uninstalling, drverr.None, "") != nil {
		o.mu.Unlock()
		return
	}
	target := o.installed[rec.id]
	target.Signature = rec.sig
	o.mu.Unlock()

	out := o.backend(b, rec, func(ctx context.Context) installer.Outcome {
		o.mu.Lock()
		vanished := rec.vanished
		o.mu.Unlock()
		if vanished {
			return installer.Failed(drverr.DeviceVanished, "device disappeared during the operation")
		}
		return o.deps.Installer.Uninstall(ctx, target)
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if !out.OK() {
		o.setLocked(rec, Failed, out.Kind, out.Detail)
		return
	}
	delete(o.installed, rec.id)
	rec.bound = false
	rec.current = ""
	rec.reboot = rec.reboot || out.RebootRequired
	m.reboot = out.RebootRequired
	rec.class = NotInstalled
	o.setLocked(rec, NotInstalled, drverr.None, "")
}

func installedTarget(sig device.Signature, desc repository.Descriptor, info *pkgfmt.Info) installer.Target {
	t := installer.Target{Signature: sig, Package: desc.Name, Version: desc.Version}
	if info != nil {
		t.Format = info.Format
		t.Modules = info.Modules()
		if info.Package != "" {
			t.Package = info.Package
		}
		if info.Version != "" {
			t.Version = info.Version
		}
	}
	return t
}

// backend runs an installer call on the install pool, serialized per
// device. The call does not observe batch cancellation.
func (o *Orchestrator) backend(b *batch, rec *record, call func(ctx context.Context) installer.Outcome) installer.Outcome {
	ctx := context.WithoutCancel(b.ctx)
	var (
		out       installer.Outcome
		completed bool
	)
	done := make(chan struct{})
	err := o.installs.SubmitWait(ctx, func() {
		defer close(done)
		unlock := o.devices.lock(rec.id)
		defer unlock()
		out = call(ctx)
		completed = true
	})
	if err != nil {
		return installer.Failed(drverr.Internal, "install queue is closed")
	}
	select {
	case <-done:
	case <-o.installs.Context().Done():
		return installer.Failed(drverr.Internal, "install pool stopped")
	}
	if !completed {
		return installer.Failed(drverr.Internal, "installer backend panicked")
	}
	return out
}

// progress publishes a download or staging report. Reports are clamped so
// the byte count never decreases and never exceeds the package size.
func (o *Orchestrator) progress(b *batch, m *member, p download.Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := m.rec
	if rec.status != Downloading {
		return
	}
	if rec.size <= 0 && p.Total > 0 {
		rec.size = p.Total
	}
	n := max(p.Downloaded, rec.progress)
	if rec.size > 0 {
		n = min(n, rec.size)
	}
	if m.progress != nil && n == rec.progress {
		return
	}
	rec.progress = n
	pr := download.Progress{Downloaded: n, Total: rec.size, BytesPerSec: p.BytesPerSec}
	m.progress = &pr
	o.events.publish(Event{
		Type:      EventProgress,
		RecordID:  rec.id,
		BatchID:   b.id,
		OldStatus: Downloading,
		NewStatus: Downloading,
		Progress:  &pr,
	})
}

func (o *Orchestrator) retrying(b *batch, m *member, r download.Retry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m.rec.status != Downloading {
		return
	}
	o.events.publish(Event{
		Type:      EventRetrying,
		RecordID:  m.rec.id,
		BatchID:   b.id,
		OldStatus: Downloading,
		NewStatus: Downloading,
		Retry:     &RetryInfo{Attempt: r.Attempt, Delay: r.Delay, Reason: drverr.Detail(r.Err)},
	})
}

// finish records the member outcome, applies any queued classification and
// completes the batch when it was the last member.
func (o *Orchestrator) finish(b *batch, m *member) {
	o.mu.Lock()
	rec := m.rec
	res := MemberResult{RecordID: rec.id, Status: rec.status, Version: rec.current, RebootRequired: m.reboot}
	if rec.status.Busy() || !rec.status.resting() {
		// The pipeline stopped without reaching a terminal state.
		res.Status = Failed
		res.Error = &ErrorInfo{Kind: drverr.Internal, Detail: "pipeline ended in state " + rec.status.String()}
	} else if rec.lastErr != drverr.None {
		res.Error = &ErrorInfo{Kind: rec.lastErr, Detail: rec.detail}
	}
	m.finished = true
	m.progress = nil
	m.result = res
	rec.batch = ""
	if rec.pending != nil {
		pending := *rec.pending
		rec.pending = nil
		if rec.pendingOf != nil {
			rec.sig = *rec.pendingOf
			rec.pendingOf = nil
		}
		o.applyLocked(rec, pending, true)
	}

	b.pending--
	tally := b.tallyLocked()
	metrics.BatchMembers.WithLabelValues(string(b.action), outcomeLabel(b.action, res.Status)).Inc()
	o.events.publish(Event{Type: EventBatchProgress, BatchID: b.id, RecordID: rec.id, NewStatus: res.Status, Tally: &tally})

	entry := journal.Entry{
		BatchID:        b.id,
		RecordID:       rec.id,
		Action:         string(b.action),
		Device:         rec.sig.Hardware(),
		Package:        m.desc.Name,
		Version:        m.desc.Version,
		Status:         res.Status.String(),
		RebootRequired: res.RebootRequired,
		At:             time.Now(),
	}
	if res.Error != nil {
		entry.ErrorKind = res.Error.Kind.String()
		entry.Detail = res.Error.Detail
	}

	var summary *BatchResult
	if b.pending == 0 {
		result := b.resultLocked()
		b.result = &result
		summary = &result
		b.cancel()
		close(b.done)
		o.pruneLocked(b.id)
		metrics.Batches.WithLabelValues(string(b.action)).Inc()
		o.events.publish(Event{Type: EventBatchCompleted, BatchID: b.id, Tally: &result.Tally, Result: &result})
		logging.WithBatch(log, b.id, string(b.action)).Info("batch completed",
			"succeeded", result.Tally.Succeeded, "failed", result.Tally.Failed, "canceled", result.Tally.Canceled,
			"rebootRequired", result.RebootRequired)
	}
	o.mu.Unlock()

	if o.deps.Journal == nil {
		return
	}
	ctx := context.Background()
	err := o.deps.Journal.RecordOutcome(ctx, entry)
	if err == nil && summary != nil {
		err = o.deps.Journal.RecordBatch(ctx, journal.Batch{
			ID:             summary.ID,
			Action:         string(summary.Action),
			Succeeded:      summary.Tally.Succeeded,
			Failed:         summary.Tally.Failed,
			Canceled:       summary.Tally.Canceled,
			RebootRequired: summary.RebootRequired,
			At:             time.Now(),
		})
	}
	if err != nil {
		log.Warn("journal write failed", logging.KeyError, err)
		o.deps.Health.Update(health.Journal, health.Degraded, err.Error())
		return
	}
	o.deps.Health.Update(health.Journal, health.Healthy, "")
}

// pruneLocked forgets the oldest completed batches beyond keptBatches.
func (o *Orchestrator) pruneLocked(justDone string) {
	o.finished = append(o.finished, justDone)
	for len(o.finished) > keptBatches {
		delete(o.batches, o.finished[0])
		o.finished = o.finished[1:]
	}
}

func succeeded(action Action, s Status) bool {
	if action == ActionUninstall {
		return s == NotInstalled
	}
	return s == Installed
}

func outcomeLabel(action Action, s Status) string {
	switch {
	case succeeded(action, s):
		return "succeeded"
	case s == Canceled:
		return "canceled"
	}
	return "failed"
}

func (b *batch) tallyLocked() Tally {
	var t Tally
	for _, m := range b.order {
		if !m.finished {
			t.InProgress++
			continue
		}
		switch outcomeLabel(b.action, m.result.Status) {
		case "succeeded":
			t.Succeeded++
		case "canceled":
			t.Canceled++
		default:
			t.Failed++
		}
	}
	return t
}

func (b *batch) resultLocked() BatchResult {
	r := BatchResult{ID: b.id, Action: b.action, Tally: b.tallyLocked()}
	for _, m := range b.order {
		r.Members = append(r.Members, m.result)
		r.RebootRequired = r.RebootRequired || m.result.RebootRequired
	}
	return r
}

// CancelBatch cancels every member still downloading. Members past
// Downloaded finish normally. It reports whether the batch was running.
func (o *Orchestrator) CancelBatch(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.batches[id]
	if !ok || b.result != nil {
		return false
	}
	logging.WithBatch(log, id, string(b.action)).Info("batch cancel requested")
	b.cancel()
	return true
}

// Batch returns the current status of a running or recently completed batch.
func (o *Orchestrator) Batch(id string) (BatchStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.batches[id]
	if !ok {
		return BatchStatus{}, false
	}
	st := BatchStatus{ID: b.id, Action: b.action, Tally: b.tallyLocked(), Done: b.result != nil}
	for _, m := range b.order {
		if !m.finished && m.progress != nil && m.rec.status == Downloading {
			st.Downloading = append(st.Downloading, MemberProgress{RecordID: m.rec.id, Progress: *m.progress})
		}
	}
	return st, true
}

// WaitBatch blocks until the batch completes or ctx ends.
func (o *Orchestrator) WaitBatch(ctx context.Context, id string) (BatchResult, error) {
	o.mu.Lock()
	b, ok := o.batches[id]
	o.mu.Unlock()
	if !ok {
		return BatchResult{}, fmt.Errorf("%w: %s", ErrUnknownBatch, id)
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return *b.result, nil
}
