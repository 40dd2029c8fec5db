package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/breeze-rmm/drivermgr/internal/device"
	"github.com/breeze-rmm/drivermgr/internal/drverr"
	"github.com/breeze-rmm/drivermgr/internal/pkgfmt"
	"github.com/breeze-rmm/drivermgr/internal/pkgfmt/pkgfmttest"
	"github.com/breeze-rmm/drivermgr/internal/repository"
)

type call struct {
	Name string
	Args []string
}

type fakeRunner struct {
	calls  []call
	output string
	err    error
	onRun  func()
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{Name: name, Args: args})
	if f.onRun != nil {
		f.onRun()
	}
	return []byte(f.output), f.err
}

func writePkg(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInstallChoosesCommandByFormat(t *testing.T) {
	deb := writePkg(t, "pkg", pkgfmttest.DriverDeb("rtl8821ce", "5.5.2-1").Build())
	ko := writePkg(t, "mod", pkgfmttest.Module{Name: "hid_custom"}.Build())

	r := &fakeRunner{output: "Setting up rtl8821ce (5.5.2-1) ..."}
	b := &ExecBackend{Commands: DpkgCommands(), Run: r.run}

	if out := b.Install(context.Background(), deb, repository.Descriptor{Name: "rtl8821ce"}); !out.OK() {
		t.Fatalf("deb install: %+v", out)
	}
	if out := b.Install(context.Background(), ko, repository.Descriptor{Name: "hid_custom"}); !out.OK() {
		t.Fatalf("module install: %+v", out)
	}
	want := []call{
		{Name: "dpkg", Args: []string{"-i", deb}},
		{Name: "insmod", Args: []string{ko}},
	}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestUninstall(t *testing.T) {
	notLoaded := errors.New("exit status 1")
	tests := []struct {
		name   string
		target Target
		// failOn makes the runner fail the named command with a not-loaded message.
		failOn string
		want   []call
		kind   drverr.Kind
	}{
		{
			name:   "bound driver",
			target: Target{Signature: device.Signature{LogicalID: "pci-0000:01:00.0", DriverName: "nouveau"}},
			want:   []call{{Name: "modprobe", Args: []string{"-r", "nouveau"}}},
		},
		{
			name: "installed deb on a driverless device",
			target: Target{
				Signature: device.Signature{LogicalID: "pci-0000:02:00.0"},
				Package:   "rtl8821ce",
				Format:    pkgfmt.FormatDeb,
				Modules:   []string{"rtl8821ce", "btrtl"},
			},
			want: []call{
				{Name: "modprobe", Args: []string{"-r", "rtl8821ce"}},
				{Name: "modprobe", Args: []string{"-r", "btrtl"}},
				{Name: "dpkg", Args: []string{"-r", "rtl8821ce"}},
			},
		},
		{
			name: "installed deb whose module is not loaded",
			target: Target{
				Signature: device.Signature{LogicalID: "pci-0000:02:00.0"},
				Package:   "rtl8821ce",
				Format:    pkgfmt.FormatDeb,
				Modules:   []string{"rtl8821ce"},
			},
			failOn: "modprobe",
			want: []call{
				{Name: "modprobe", Args: []string{"-r", "rtl8821ce"}},
				{Name: "dpkg", Args: []string{"-r", "rtl8821ce"}},
			},
		},
		{
			name: "bare module",
			target: Target{
				Signature: device.Signature{LogicalID: "usb-1-2"},
				Package:   "hid_custom",
				Format:    pkgfmt.FormatKernelModule,
				Modules:   []string{"hid_custom"},
			},
			want: []call{{Name: "rmmod", Args: []string{"hid_custom"}}},
		},
		{
			name:   "unbound device",
			target: Target{Signature: device.Signature{LogicalID: "usb-1-2"}},
			kind:   drverr.ModuleNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []call
			run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
				calls = append(calls, call{Name: name, Args: args})
				if name == tt.failOn {
					return []byte("modprobe: FATAL: Module rtl8821ce is not currently loaded"), notLoaded
				}
				return nil, nil
			}
			b := &ExecBackend{Commands: DpkgCommands(), Run: run}
			out := b.Uninstall(context.Background(), tt.target)
			if out.Kind != tt.kind {
				t.Fatalf("kind = %v, want %v (%s)", out.Kind, tt.kind, out.Detail)
			}
			if diff := cmp.Diff(tt.want, calls); diff != "" {
				t.Fatalf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUninstallStopsWhenModuleBusy(t *testing.T) {
	r := &fakeRunner{output: "modprobe: FATAL: Module rtl8821ce is in use.", err: errors.New("exit status 1")}
	b := &ExecBackend{Commands: DpkgCommands(), Run: r.run}
	out := b.Uninstall(context.Background(), Target{Package: "rtl8821ce", Format: pkgfmt.FormatDeb, Modules: []string{"rtl8821ce"}})
	if out.OK() {
		t.Fatal("uninstall of a busy module succeeded")
	}
	if len(r.calls) != 1 || r.calls[0].Name != "modprobe" {
		t.Fatalf("calls = %+v, want only the failed unload", r.calls)
	}
}

func TestExpandIsSinglePass(t *testing.T) {
	got := expand([]string{"{name}", "--v={version}"}, map[string]string{
		"name":    "{version}",
		"version": "1.0",
	})
	if diff := cmp.Diff([]string{"{version}", "--v=1.0"}, got); diff != "" {
		t.Fatalf("expand mismatch (-want +got):\n%s", diff)
	}
}

func TestExecTemplates(t *testing.T) {
	b, err := New("exec", "/usr/local/bin/drv-install --pkg {path} --name={name}", "/usr/local/bin/drv-remove {driver} {vendor}:{device}")
	if err != nil {
		t.Fatal(err)
	}
	r := &fakeRunner{}
	b.Run = r.run
	b.RebootFlag = ""

	b.Install(context.Background(), "/cache/blob", repository.Descriptor{Name: "e1000e"})
	b.Uninstall(context.Background(), Target{Signature: device.Signature{DriverName: "e1000e", VendorID: "8086", DeviceID: "15b8"}})
	want := []call{
		{Name: "/usr/local/bin/drv-install", Args: []string{"--pkg", "/cache/blob", "--name=e1000e"}},
		{Name: "/usr/local/bin/drv-remove", Args: []string{"e1000e", "8086:15b8"}},
	}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}

	if _, err := New("exec", "", ""); err == nil {
		t.Fatal("exec without commands should fail")
	}
	if _, err := New("msi", "", ""); err == nil {
		t.Fatal("unknown installer should fail")
	}
}

func TestInstallFailureKinds(t *testing.T) {
	tests := []struct {
		output string
		want   drverr.Kind
	}{
		{"dpkg: dependency problems prevent configuration of nvidia-driver:\n nvidia-driver depends on nvidia-kernel-dkms; however:", drverr.DependencyUnresolved},
		{"insmod: ERROR: could not insert module foo.ko: Unknown symbol in module", drverr.DependencyUnresolved},
		{"insmod: ERROR: could not insert module foo.ko: Invalid module format", drverr.InvalidModuleFormat},
		{"dpkg-deb: error: 'x' is not a Debian format archive", drverr.InvalidModuleFormat},
		{"modprobe: FATAL: Module nouveau not found in directory /lib/modules/6.1.0", drverr.ModuleNotFound},
		{"modprobe: FATAL: Module nouveau is in use.", drverr.Internal},
		{"", drverr.Internal},
	}
	for _, tt := range tests {
		r := &fakeRunner{output: tt.output, err: errors.New("exit status 1")}
		b := &ExecBackend{Commands: DpkgCommands(), Run: r.run}
		out := b.Install(context.Background(), "/nonexistent", repository.Descriptor{})
		if out.OK() || out.Kind != tt.want {
			t.Errorf("output %q: kind = %v, want %v", tt.output, out.Kind, tt.want)
		}
		if err := out.Err("install"); drverr.KindOf(err) != tt.want {
			t.Errorf("output %q: Err kind = %v", tt.output, drverr.KindOf(err))
		}
	}
}

func TestRebootDetection(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "reboot-required")

	r := &fakeRunner{output: "Setting up firmware-realtek ..."}
	b := &ExecBackend{Commands: DpkgCommands(), Run: r.run, RebootFlag: flag}
	if out := b.Install(context.Background(), "/x", repository.Descriptor{}); out.RebootRequired {
		t.Fatal("no reboot expected")
	}

	r.output = "*** System restart required ***\nPlease reboot to complete the installation"
	if out := b.Install(context.Background(), "/x", repository.Descriptor{}); !out.RebootRequired {
		t.Fatal("reboot message not detected")
	}

	r.output = ""
	r.onRun = func() { os.WriteFile(flag, nil, 0o644) }
	if out := b.Install(context.Background(), "/x", repository.Descriptor{}); !out.RebootRequired {
		t.Fatal("reboot flag file not detected")
	}
	// A flag that was already present is not attributed to this install.
	if out := b.Install(context.Background(), "/x", repository.Descriptor{}); out.RebootRequired {
		t.Fatal("pre-existing flag reported as new reboot")
	}
}
