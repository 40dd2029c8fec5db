package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/drivermgr/internal/orchestrator"
	"github.com/breeze-rmm/drivermgr/internal/pkgstore"
	"github.com/breeze-rmm/drivermgr/internal/repository"
)

var (
	updateAll     bool
	importRecurse bool
	importAssign  []string
	historyLimit  int
	historyBatch  bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Detect devices and classify their drivers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		records, err := a.orch.Rescan(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(records)
		}
		printRecords(records)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update [record-id...]",
	Short: "Download, validate and install newer drivers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := splitIDs(args)
		if len(ids) == 0 && !updateAll {
			return errors.New("name record IDs or pass --all")
		}
		return runBatch(cmd.Context(), func(a *app, records []orchestrator.Snapshot) (string, []orchestrator.Rejection) {
			if updateAll {
				ids = nil
				for _, r := range records {
					if r.Package != nil && (r.Status == orchestrator.OutOfDate || r.Status == orchestrator.NotInstalled) {
						ids = append(ids, r.ID)
					}
				}
				if len(ids) == 0 {
					fmt.Println("All drivers are up to date.")
					return "", nil
				}
			}
			return a.orch.Update(ids)
		})
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall record-id...",
	Short: "Remove the bound driver of each device",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := splitIDs(args)
		return runBatch(cmd.Context(), func(a *app, _ []orchestrator.Snapshot) (string, []orchestrator.Rejection) {
			return a.orch.Uninstall(ids)
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import folder",
	Short: "List driver packages in a folder, or install them with --assign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		seq, err := pkgstore.ScanFolder(dir, importRecurse)
		if err != nil {
			return err
		}
		if len(importAssign) == 0 {
			var found []repository.Descriptor
			for desc := range seq {
				found = append(found, desc)
			}
			if jsonOutput {
				if found == nil {
					found = []repository.Descriptor{}
				}
				return printJSON(found)
			}
			if len(found) == 0 {
				fmt.Println("No drivers found in this folder.")
				return nil
			}
			printCandidates(found)
			return nil
		}

		picks := make([]orchestrator.LocalPick, 0, len(importAssign))
		for _, assign := range importAssign {
			id, file, ok := strings.Cut(assign, "=")
			if !ok || id == "" || file == "" {
				return fmt.Errorf("--assign %q: want RECORD=FILE", assign)
			}
			if !filepath.IsAbs(file) {
				file = filepath.Join(dir, file)
			}
			picks = append(picks, orchestrator.LocalPick{RecordID: id, Descriptor: pkgstore.Describe(file)})
		}
		return runBatch(cmd.Context(), func(a *app, _ []orchestrator.Snapshot) (string, []orchestrator.Rejection) {
			return a.orch.InstallLocal(picks)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded install, update and uninstall outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		j, err := openJournal(ctx)
		if err != nil {
			return err
		}
		defer j.Close()

		if historyBatch {
			batches, err := j.Batches(ctx, historyLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(batches)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tBATCH\tACTION\tOK\tFAILED\tCANCELED\tREBOOT")
			for _, b := range batches {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%v\n", b.At.Local().Format(time.DateTime), b.ID, b.Action, b.Succeeded, b.Failed, b.Canceled, b.RebootRequired)
			}
			return tw.Flush()
		}

		entries, err := j.Outcomes(ctx, historyLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entries)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WHEN\tRECORD\tACTION\tPACKAGE\tSTATUS\tERROR")
		for _, e := range entries {
			pkg := strings.TrimSpace(e.Package + " " + e.Version)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.At.Local().Format(time.DateTime), e.RecordID, e.Action, pkg, e.Status, e.ErrorKind)
		}
		return tw.Flush()
	},
}

func init() {
	updateCmd.Flags().BoolVar(&updateAll, "all", false, "update every device with a newer package")
	importCmd.Flags().BoolVarP(&importRecurse, "recursive", "r", false, "descend into subfolders")
	importCmd.Flags().StringArrayVar(&importAssign, "assign", nil, "install FILE on RECORD, as RECORD=FILE (repeatable)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "number of entries to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyBatch, "batches", false, "show batch summaries instead of per-device outcomes")
}

// runBatch rescans, submits a batch and follows it to completion. The first
// interrupt cancels downloads; installs already running still finish.
func runBatch(parent context.Context, submit func(a *app, records []orchestrator.Snapshot) (string, []orchestrator.Rejection)) error {
	a, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.Close(parent)

	records, err := a.orch.Rescan(parent)
	if err != nil {
		return err
	}

	events, unsubscribe := a.orch.Subscribe()
	defer unsubscribe()

	id, rejected := submit(a, records)
	for _, r := range rejected {
		fmt.Fprintf(os.Stderr, "%s: rejected: %s (%s)\n", r.RecordID, r.Kind, r.Detail)
	}
	if id == "" {
		if len(rejected) > 0 {
			return errors.New("no records could be started")
		}
		return nil
	}

	follow := make(chan struct{})
	go func() {
		defer close(follow)
		for ev := range events {
			if ev.BatchID != id {
				continue
			}
			if !jsonOutput {
				printEvent(ev)
			}
			if ev.Type == orchestrator.EventBatchCompleted {
				return
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			fmt.Fprintln(os.Stderr, "Canceling downloads; installs in progress will finish.")
			a.orch.CancelBatch(id)
		case <-follow:
		}
	}()

	res, err := a.orch.WaitBatch(context.WithoutCancel(parent), id)
	if err != nil {
		return err
	}
	<-follow

	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Printf("\nSucceeded: %d  Failed: %d  Canceled: %d\n", res.Tally.Succeeded, res.Tally.Failed, res.Tally.Canceled)
		if res.RebootRequired {
			fmt.Println("A reboot is required to finish installing drivers.")
		}
	}
	if res.Tally.Failed > 0 || len(rejected) > 0 {
		return fmt.Errorf("%d of %d operations failed", res.Tally.Failed+len(rejected), len(res.Members)+len(rejected))
	}
	return nil
}

func printEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventStatusChanged:
		line := fmt.Sprintf("%s: %s", ev.RecordID, ev.NewStatus)
		if ev.Error != nil {
			line += fmt.Sprintf(" (%s: %s)", ev.Error.Kind, ev.Error.Detail)
		}
		fmt.Println(line)
	case orchestrator.EventProgress:
		p := ev.Progress
		if p.Total > 0 {
			fmt.Printf("%s: %3d%%  %s/s\n", ev.RecordID, p.Downloaded*100/p.Total, humanBytes(int64(p.BytesPerSec)))
		} else {
			fmt.Printf("%s: %s\n", ev.RecordID, humanBytes(p.Downloaded))
		}
	case orchestrator.EventRetrying:
		fmt.Printf("%s: retry %d in %s: %s\n", ev.RecordID, ev.Retry.Attempt, ev.Retry.Delay, ev.Retry.Reason)
	}
}

func printRecords(records []orchestrator.Snapshot) {
	if len(records) == 0 {
		fmt.Println("No devices found.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORD\tCLASS\tDEVICE\tDRIVER\tINSTALLED\tAVAILABLE\tSTATUS")
	for _, r := range records {
		driver := r.Signature.DriverName
		if driver == "" {
			driver = "-"
		}
		status := r.Status.String()
		if r.LastError.String() != "none" {
			status += " (" + r.LastError.String() + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Class, r.Signature.Hardware(), driver, dash(r.CurrentVersion), dash(r.AvailableVersion), status)
	}
	tw.Flush()
}

func printCandidates(found []repository.Descriptor) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tPACKAGE\tVERSION\tARCH\tSIZE")
	for _, d := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", filepath.Base(d.Source), d.Name, dash(d.Version), dash(d.Architecture), humanBytes(d.SizeBytes))
	}
	tw.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func humanBytes(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}
