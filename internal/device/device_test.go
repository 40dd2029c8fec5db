package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func symlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
}

func TestSysfsCatalogPCIAndUSB(t *testing.T) {
	root := t.TempDir()
	pci := filepath.Join(root, "bus", "pci", "devices")

	gpu := filepath.Join(pci, "0000:01:00.0")
	writeFile(t, filepath.Join(gpu, "class"), "0x030000")
	writeFile(t, filepath.Join(gpu, "vendor"), "0x10de")
	writeFile(t, filepath.Join(gpu, "device"), "0x1f82")
	symlink(t, "../../../bus/pci/drivers/nvidia", filepath.Join(gpu, "driver"))
	writeFile(t, filepath.Join(root, "module", "nvidia", "version"), "525.60.11")

	wlan := filepath.Join(pci, "0000:02:00.0")
	writeFile(t, filepath.Join(wlan, "class"), "0x028000")
	writeFile(t, filepath.Join(wlan, "vendor"), "0x8086")
	writeFile(t, filepath.Join(wlan, "device"), "0x2723")

	eth := filepath.Join(pci, "0000:03:00.0")
	writeFile(t, filepath.Join(eth, "class"), "0x020000")
	writeFile(t, filepath.Join(eth, "vendor"), "0x10ec")
	writeFile(t, filepath.Join(eth, "device"), "0x8168")
	if err := os.MkdirAll(filepath.Join(eth, "net", "wlp3s0", "wireless"), 0o755); err != nil {
		t.Fatal(err)
	}

	usb := filepath.Join(root, "bus", "usb", "devices")
	cam := filepath.Join(usb, "1-2")
	writeFile(t, filepath.Join(cam, "idVendor"), "046d")
	writeFile(t, filepath.Join(cam, "idProduct"), "0825")
	writeFile(t, filepath.Join(cam, "bDeviceClass"), "ef")
	writeFile(t, filepath.Join(cam, "product"), "Webcam C270")
	writeFile(t, filepath.Join(usb, "1-2:1.0", "bInterfaceClass"), "0e")
	symlink(t, "../../../bus/usb/drivers/uvcvideo", filepath.Join(usb, "1-2:1.0", "driver"))
	writeFile(t, filepath.Join(usb, "usb1", "idVendor"), "1d6b")

	got, err := (&SysfsCatalog{Root: root}).Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}

	type row struct {
		ID, Vendor, Device string
		Class              Class
		Driver, Version    string
	}
	var rows []row
	for _, s := range got {
		rows = append(rows, row{s.LogicalID, s.VendorID, s.DeviceID, s.Class, s.DriverName, s.DriverVersion})
	}
	want := []row{
		{"pci-0000:01:00.0", "10de", "1f82", ClassGPU, "nvidia", "525.60.11"},
		{"pci-0000:02:00.0", "8086", "2723", ClassWiFi, "", ""},
		{"pci-0000:03:00.0", "10ec", "8168", ClassWiFi, "", ""},
		{"usb-1-2", "046d", "0825", ClassCamera, "uvcvideo", ""},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("devices mismatch (-want +got):\n%s", diff)
	}
}

func TestSysfsCatalogMissingRootIsEmpty(t *testing.T) {
	got, err := (&SysfsCatalog{Root: filepath.Join(t.TempDir(), "nope")}).Devices(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestFileCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	writeFile(t, path, strings.Join([]string{
		"devices:",
		"  - logical_id: usb-3-1",
		"    vendor_id: \"04a9\"",
		"    device_id: \"176d\"",
		"    class: Printer",
		"  - logical_id: pci-0000:00:1f.3",
		"    vendor_id: \"8086\"",
		"    device_id: \"a348\"",
		"    class: audio",
		"    driver_name: snd_hda_intel",
	}, "\n"))

	got, err := (&FileCatalog{Path: path}).Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	want := []Signature{
		{LogicalID: "pci-0000:00:1f.3", VendorID: "8086", DeviceID: "a348", Class: ClassSound, DriverName: "snd_hda_intel"},
		{LogicalID: "usb-3-1", VendorID: "04a9", DeviceID: "176d", Class: ClassPrinter},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("catalog mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCatalogRejectsDuplicates(t *testing.T) {
	doc := "devices:\n  - logical_id: a\n  - logical_id: a\n"
	if _, err := ParseCatalog([]byte(doc)); err == nil {
		t.Fatal("expected duplicate logical_id error")
	}
}

func TestDebianArch(t *testing.T) {
	tests := map[string]string{
		"x86_64":      "amd64",
		"aarch64":     "arm64",
		"armv7l":      "armhf",
		"i686":        "i386",
		"loongarch64": "loong64",
		"mips64":      "mips64el",
		"riscv64":     "riscv64",
	}
	for in, want := range tests {
		if got := DebianArch(in); got != want {
			t.Errorf("DebianArch(%q) = %q, want %q", in, got, want)
		}
	}
	if HostArch() == "" {
		t.Fatal("HostArch returned empty string")
	}
}

func TestParseUevent(t *testing.T) {
	msg := "add@/devices/pci0000:00/0000:00:14.0/usb1/1-2\x00ACTION=add\x00DEVPATH=/devices/pci0000:00/0000:00:14.0/usb1/1-2\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00SEQNUM=4211\x00"
	ev, ok := ParseUevent([]byte(msg))
	if !ok {
		t.Fatal("kernel uevent rejected")
	}
	want := Uevent{Action: "add", DevPath: "/devices/pci0000:00/0000:00:14.0/usb1/1-2", Subsystem: "usb"}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Fatalf("uevent mismatch (-want +got):\n%s", diff)
	}
	if !ev.Relevant() {
		t.Fatal("usb add should be relevant")
	}

	if _, ok := ParseUevent([]byte("libudev\x00\xfe\xed\xca\xfe")); ok {
		t.Fatal("udev rebroadcast accepted")
	}
	block, _ := ParseUevent([]byte("change@/devices/virtual/block/loop0\x00ACTION=change\x00DEVPATH=/devices/virtual/block/loop0\x00SUBSYSTEM=block\x00"))
	if block.Relevant() {
		t.Fatal("block change should not trigger a rescan")
	}
}

func TestDebounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Uevent)
	fired := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Debounce(ctx, events, 30*time.Millisecond, func() { fired <- struct{}{} })
	}()

	usb := Uevent{Action: "add", Subsystem: "usb", DevPath: "/devices/usb1/1-2"}
	for range 5 {
		events <- usb
	}
	events <- Uevent{Action: "change", Subsystem: "block", DevPath: "/devices/virtual/block/loop0"}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("burst never triggered a rescan")
	}
	select {
	case <-fired:
		t.Fatal("one burst triggered two rescans")
	case <-time.After(100 * time.Millisecond):
	}

	close(events)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Debounce did not return after the channel closed")
	}
}
