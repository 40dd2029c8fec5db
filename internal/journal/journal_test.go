package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOutcomes(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	entries := []Entry{
		{BatchID: "b1", RecordID: "pci-0000:01:00.0", Action: "update", Device: "10de:1f06", Package: "nvidia-driver", Version: "535.1", Status: "installed", RebootRequired: true, At: at},
		{BatchID: "b1", RecordID: "pci-0000:02:00.0", Action: "update", Device: "10ec:c821", Package: "rtl8821ce", Version: "5.5", Status: "failed", ErrorKind: "architecture_mismatch", Detail: "package architecture arm64, host amd64", At: at.Add(time.Second)},
	}
	for _, e := range entries {
		if err := j.RecordOutcome(ctx, e); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	got, err := j.Outcomes(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []Entry{entries[1], entries[0]}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Entry{}, "ID")); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}

	limited, err := j.Outcomes(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].RecordID != "pci-0000:02:00.0" {
		t.Fatalf("limited = %+v", limited)
	}
}

func TestBatches(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := j.RecordBatch(ctx, Batch{ID: "b1", Action: "update", Succeeded: 4, Failed: 1, At: at}); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordBatch(ctx, Batch{ID: "b2", Action: "uninstall", Succeeded: 1, RebootRequired: true, At: at.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	// Re-recording replaces.
	if err := j.RecordBatch(ctx, Batch{ID: "b1", Action: "update", Succeeded: 3, Failed: 1, Canceled: 1, At: at}); err != nil {
		t.Fatal(err)
	}

	got, err := j.Batches(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []Batch{
		{ID: "b2", Action: "uninstall", Succeeded: 1, RebootRequired: true, At: at.Add(time.Minute)},
		{ID: "b1", Action: "update", Succeeded: 3, Failed: 1, Canceled: 1, At: at},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("batches mismatch (-want +got):\n%s", diff)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()
	j, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	j.RecordOutcome(ctx, Entry{BatchID: "b1", RecordID: "r1", Action: "uninstall", Device: "8086:15b8", Status: "not_installed"})
	j.Close()

	j, err = Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	got, err := j.Outcomes(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != "not_installed" || got[0].At.IsZero() {
		t.Fatalf("after reopen: %+v", got)
	}
}
