// Package journal keeps the history of driver operations in sqlite: one row
// per finished record pipeline and one per completed batch.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/breeze-rmm/drivermgr/internal/logging"
)

var log = logging.L("journal")

// Entry is the terminal outcome of one record in one batch.
type Entry struct {
	ID             int64     `json:"id"`
	BatchID        string    `json:"batchId"`
	RecordID       string    `json:"recordId"`
	Action         string    `json:"action"`
	Device         string    `json:"device"`
	Package        string    `json:"package,omitempty"`
	Version        string    `json:"version,omitempty"`
	Status         string    `json:"status"`
	ErrorKind      string    `json:"errorKind,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	RebootRequired bool      `json:"rebootRequired"`
	At             time.Time `json:"at"`
}

// Batch summarizes a completed batch.
type Batch struct {
	ID             string    `json:"id"`
	Action         string    `json:"action"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Canceled       int       `json:"canceled"`
	RebootRequired bool      `json:"rebootRequired"`
	At             time.Time `json:"at"`
}

// Journal is safe for concurrent use; sqlite writes go through a single
// connection.
type Journal struct {
	db *sql.DB
}

// Open creates or migrates the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			action TEXT NOT NULL,
			device TEXT NOT NULL,
			package TEXT,
			version TEXT,
			status TEXT NOT NULL,
			error_kind TEXT,
			detail TEXT,
			reboot_required INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			canceled INTEGER NOT NULL,
			reboot_required INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_batch ON outcomes(batch_id);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_record ON outcomes(record_id);`,
	}
	for _, stmt := range statements {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// RecordOutcome appends one record outcome. A zero At is stamped now.
func (j *Journal) RecordOutcome(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO outcomes (batch_id, record_id, action, device, package, version, status, error_kind, detail, reboot_required, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BatchID, e.RecordID, e.Action, e.Device, nullable(e.Package), nullable(e.Version), e.Status,
		nullable(e.ErrorKind), nullable(e.Detail), boolInt(e.RebootRequired), formatTime(e.At))
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", e.RecordID, err)
	}
	return nil
}

// RecordBatch stores a batch summary, replacing an earlier one with the
// same ID.
func (j *Journal) RecordBatch(ctx context.Context, b Batch) error {
	if b.At.IsZero() {
		b.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO batches (id, action, succeeded, failed, canceled, reboot_required, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Action, b.Succeeded, b.Failed, b.Canceled, boolInt(b.RebootRequired), formatTime(b.At))
	if err != nil {
		return fmt.Errorf("record batch %s: %w", b.ID, err)
	}
	log.Debug("batch recorded", logging.KeyBatchID, b.ID, "succeeded", b.Succeeded, "failed", b.Failed, "canceled", b.Canceled)
	return nil
}

// Outcomes lists the newest outcomes first. limit <= 0 means all.
func (j *Journal) Outcomes(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, batch_id, record_id, action, device, package, version, status, error_kind, detail, reboot_required, at
		 FROM outcomes ORDER BY id DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                                 Entry
			pkg, version, errKind, detail, at sql.NullString
			reboot                            int
		)
		if err := rows.Scan(&e.ID, &e.BatchID, &e.RecordID, &e.Action, &e.Device, &pkg, &version, &e.Status, &errKind, &detail, &reboot, &at); err != nil {
			return nil, err
		}
		e.Package, e.Version, e.ErrorKind, e.Detail = pkg.String, version.String, errKind.String, detail.String
		e.RebootRequired = reboot != 0
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Batches lists the newest batch summaries first. limit <= 0 means all.
func (j *Journal) Batches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, action, succeeded, failed, canceled, reboot_required, at
		 FROM batches ORDER BY at DESC, id LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var (
			b      Batch
			reboot int
			at     sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.Action, &b.Succeeded, &b.Failed, &b.Canceled, &reboot, &at); err != nil {
			return nil, err
		}
		b.RebootRequired = reboot != 0
		b.At = parseTime(at)
		out = append(out, b)
	}
	return out, rows.Err()
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
