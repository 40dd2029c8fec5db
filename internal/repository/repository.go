// Package repository resolves devices to driver packages and classifies
// whether the bound driver is current.
package repository

import (
	"context"
	"fmt"
	"strings"

	version "github.com/knqyf263/go-deb-version"

	"github.com/breeze-rmm/drivermgr/internal/device"
)

// Descriptor describes a driver package. Values are immutable; resolving
// again produces a new Descriptor.
type Descriptor struct {
	Name         string `json:"name" yaml:"name"`
	Source       string `json:"source" yaml:"url"`
	Architecture string `json:"arch,omitempty" yaml:"arch"`
	Version      string `json:"version" yaml:"version"`
	SizeBytes    int64  `json:"size,omitempty" yaml:"size"`
	SHA256       string `json:"sha256,omitempty" yaml:"sha256"`
	// Signed is nil when the repository does not say.
	Signed *bool `json:"signed,omitempty" yaml:"signed"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s (%s)", d.Name, d.Version, d.Source)
}

// Kind is the outcome of a resolution.
type Kind int

const (
	Available Kind = iota
	UpToDate
	Unsupported
	NetworkUnavailable
)

func (k Kind) String() string {
	switch k {
	case Available:
		return "available"
	case UpToDate:
		return "up_to_date"
	case Unsupported:
		return "unsupported"
	case NetworkUnavailable:
		return "network_unavailable"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Resolution is the repository's answer for one device. Descriptor is set
// for Available and UpToDate; Err explains NetworkUnavailable.
type Resolution struct {
	Kind       Kind
	Descriptor *Descriptor
	Err        error
}

// Client resolves a device to a driver package. Transport problems are
// reported as NetworkUnavailable, never as a Go error.
type Client interface {
	Resolve(ctx context.Context, sig device.Signature) Resolution
}

// Invalidator is implemented by clients that cache lookups. Invalidate makes
// the next Resolve consult the source again.
type Invalidator interface {
	Invalidate()
}

// Classify compares the repository's newest package for sig against the
// currently bound driver. A device without a bound driver is always
// Available.
func Classify(sig device.Signature, desc *Descriptor) Resolution {
	if desc == nil {
		return Resolution{Kind: Unsupported}
	}
	if !sig.HasDriver() || sig.DriverVersion == "" {
		return Resolution{Kind: Available, Descriptor: desc}
	}
	if CompareVersions(desc.Version, sig.DriverVersion) > 0 {
		return Resolution{Kind: Available, Descriptor: desc}
	}
	return Resolution{Kind: UpToDate, Descriptor: desc}
}

// CompareVersions orders two driver versions using Debian version rules.
// If either side does not parse, the strings are compared lexically.
func CompareVersions(a, b string) int {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	switch {
	case va.LessThan(vb):
		return -1
	case va.Equal(vb):
		return 0
	default:
		return 1
	}
}

// ArchCompatible reports whether a package built for pkgArch can be
// installed on hostArch. Empty and "all" match any host.
func ArchCompatible(pkgArch, hostArch string) bool {
	pkgArch = device.DebianArch(pkgArch)
	return pkgArch == "" || pkgArch == "all" || pkgArch == device.DebianArch(hostArch)
}
