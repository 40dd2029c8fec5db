// Package device describes the hardware whose drivers are managed and the
// catalog sources that enumerate it.
package device

import (
	"context"
	"fmt"
	"strings"
)

// Class is the driver category of a device.
type Class string

const (
	ClassGPU       Class = "gpu"
	ClassSound     Class = "sound"
	ClassBluetooth Class = "bluetooth"
	ClassNetwork   Class = "network"
	ClassWiFi      Class = "wifi"
	ClassCamera    Class = "camera"
	ClassPrinter   Class = "printer"
	ClassOther     Class = "other"
)

var classes = []Class{ClassGPU, ClassSound, ClassBluetooth, ClassNetwork, ClassWiFi, ClassCamera, ClassPrinter, ClassOther}

// Classes lists every known class in display order.
func Classes() []Class {
	return append([]Class(nil), classes...)
}

// ParseClass maps a free-form name onto a Class. Unknown names are ClassOther.
func ParseClass(s string) Class {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gpu", "display", "display adapter", "vga":
		return ClassGPU
	case "sound", "audio", "sound adapter":
		return ClassSound
	case "bluetooth":
		return ClassBluetooth
	case "network", "ethernet", "network adapter":
		return ClassNetwork
	case "wifi", "wireless", "wlan":
		return ClassWiFi
	case "camera", "video", "webcam":
		return ClassCamera
	case "printer":
		return ClassPrinter
	default:
		return ClassOther
	}
}

// Signature identifies one device. It is treated as immutable once returned
// by a Catalog.
type Signature struct {
	LogicalID     string            `json:"logicalId" yaml:"logical_id"`
	VendorID      string            `json:"vendorId" yaml:"vendor_id"`
	DeviceID      string            `json:"deviceId" yaml:"device_id"`
	Class         Class             `json:"class" yaml:"class"`
	Name          string            `json:"name,omitempty" yaml:"name"`
	DriverName    string            `json:"driverName,omitempty" yaml:"driver_name"`
	DriverVersion string            `json:"driverVersion,omitempty" yaml:"driver_version"`
	Attributes    map[string]string `json:"attributes,omitempty" yaml:"attributes"`
}

// HasDriver reports whether a driver is currently bound.
func (s Signature) HasDriver() bool {
	return s.DriverName != ""
}

// Hardware returns a key identifying the physical device model, used to
// detect that a LogicalID now refers to different hardware.
func (s Signature) Hardware() string {
	return strings.ToLower(s.VendorID + ":" + s.DeviceID)
}

func (s Signature) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%s (%s %s:%s)", s.LogicalID, s.Name, s.VendorID, s.DeviceID)
	}
	return fmt.Sprintf("%s (%s:%s)", s.LogicalID, s.VendorID, s.DeviceID)
}

// Catalog enumerates the devices present on the machine.
type Catalog interface {
	Devices(ctx context.Context) ([]Signature, error)
}

// CatalogFunc adapts a function to Catalog.
type CatalogFunc func(ctx context.Context) ([]Signature, error)

func (f CatalogFunc) Devices(ctx context.Context) ([]Signature, error) {
	return f(ctx)
}
