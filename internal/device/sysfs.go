package device

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/breeze-rmm/drivermgr/internal/logging"
)

var log = logging.L("device")

// SysfsCatalog enumerates PCI and USB devices from a Linux sysfs tree.
// Root defaults to "/sys"; tests point it at a fixture directory.
type SysfsCatalog struct {
	Root string
}

func (c *SysfsCatalog) root() string {
	if c.Root == "" {
		return "/sys"
	}
	return c.Root
}

func (c *SysfsCatalog) Devices(ctx context.Context) ([]Signature, error) {
	var out []Signature

	pci, err := os.ReadDir(filepath.Join(c.root(), "bus", "pci", "devices"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range pci {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sig, ok := c.pciDevice(e.Name()); ok {
			out = append(out, sig)
		}
	}

	usb, err := os.ReadDir(filepath.Join(c.root(), "bus", "usb", "devices"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range usb {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sig, ok := c.usbDevice(e.Name()); ok {
			out = append(out, sig)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	log.Debug("sysfs scan complete", "devices", len(out))
	return out, nil
}

func (c *SysfsCatalog) pciDevice(addr string) (Signature, bool) {
	dir := filepath.Join(c.root(), "bus", "pci", "devices", addr)
	classCode, ok := readHex(filepath.Join(dir, "class"))
	if !ok {
		return Signature{}, false
	}

	class := pciClass(classCode)
	if class == ClassNetwork && c.hasWireless(dir) {
		class = ClassWiFi
	}

	sig := Signature{
		LogicalID:  "pci-" + addr,
		VendorID:   trimHex(readSysfs(filepath.Join(dir, "vendor"))),
		DeviceID:   trimHex(readSysfs(filepath.Join(dir, "device"))),
		Class:      class,
		Name:       readSysfs(filepath.Join(dir, "label")),
		Attributes: map[string]string{"bus": "pci", "class_code": strconv.FormatUint(classCode, 16)},
	}
	if ma := readSysfs(filepath.Join(dir, "modalias")); ma != "" {
		sig.Attributes["modalias"] = ma
	}
	c.bindDriver(dir, &sig)
	return sig, true
}

func (c *SysfsCatalog) usbDevice(name string) (Signature, bool) {
	// Interfaces ("1-2:1.0") and root hubs ("usb1") are not devices of their own.
	if strings.Contains(name, ":") || strings.HasPrefix(name, "usb") {
		return Signature{}, false
	}
	dir := filepath.Join(c.root(), "bus", "usb", "devices", name)
	vendor := readSysfs(filepath.Join(dir, "idVendor"))
	if vendor == "" {
		return Signature{}, false
	}

	devClass, _ := readHex(filepath.Join(dir, "bDeviceClass"))
	class := usbClass(devClass, 0)
	ifaces, _ := filepath.Glob(filepath.Join(dir, name+":*"))
	sort.Strings(ifaces)
	for _, iface := range ifaces {
		if class != ClassOther {
			break
		}
		ic, _ := readHex(filepath.Join(iface, "bInterfaceClass"))
		sub, _ := readHex(filepath.Join(iface, "bInterfaceSubClass"))
		class = usbClass(ic, sub)
	}

	sig := Signature{
		LogicalID:  "usb-" + name,
		VendorID:   vendor,
		DeviceID:   readSysfs(filepath.Join(dir, "idProduct")),
		Class:      class,
		Name:       strings.TrimSpace(readSysfs(filepath.Join(dir, "manufacturer")) + " " + readSysfs(filepath.Join(dir, "product"))),
		Attributes: map[string]string{"bus": "usb"},
	}
	// USB drivers bind to interfaces; take the first bound one.
	c.bindDriver(dir, &sig)
	for _, iface := range ifaces {
		if sig.DriverName != "" {
			break
		}
		c.bindDriver(iface, &sig)
	}
	return sig, true
}

func (c *SysfsCatalog) bindDriver(dir string, sig *Signature) {
	target, err := os.Readlink(filepath.Join(dir, "driver"))
	if err != nil {
		return
	}
	drv := filepath.Base(target)
	if drv == "usb" || drv == "hub" {
		return
	}
	sig.DriverName = drv
	modName := drv
	if mod, err := os.Readlink(filepath.Join(dir, "driver", "module")); err == nil {
		modName = filepath.Base(mod)
	}
	sig.DriverVersion = readSysfs(filepath.Join(c.root(), "module", modName, "version"))
}

func (c *SysfsCatalog) hasWireless(dir string) bool {
	nets, _ := filepath.Glob(filepath.Join(dir, "net", "*", "wireless"))
	if len(nets) > 0 {
		return true
	}
	nets, _ = filepath.Glob(filepath.Join(dir, "net", "*", "phy80211"))
	return len(nets) > 0
}

// pciClass maps the 24-bit PCI class code (class, subclass, prog-if).
func pciClass(code uint64) Class {
	base := code >> 16
	sub := (code >> 8) & 0xff
	switch {
	case base == 0x03:
		return ClassGPU
	case base == 0x04 && (sub == 0x01 || sub == 0x03):
		return ClassSound
	case base == 0x02 && sub == 0x80:
		return ClassWiFi
	case base == 0x02:
		return ClassNetwork
	case base == 0x0d && sub == 0x11:
		return ClassBluetooth
	case base == 0x0d:
		return ClassWiFi
	case base == 0x04 && sub == 0x00:
		return ClassCamera
	}
	return ClassOther
}

// usbClass maps USB base class codes (device or interface level).
func usbClass(code, sub uint64) Class {
	switch code {
	case 0x01:
		return ClassSound
	case 0x07:
		return ClassPrinter
	case 0x0e:
		return ClassCamera
	case 0xe0:
		if sub == 0x01 {
			return ClassBluetooth
		}
		return ClassWiFi
	}
	return ClassOther
}

func readSysfs(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readHex(path string) (uint64, bool) {
	s := trimHex(readSysfs(path))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	return v, err == nil
}

func trimHex(s string) string {
	return strings.TrimPrefix(strings.ToLower(s), "0x")
}
