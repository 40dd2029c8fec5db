package device

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// HostArch returns the Debian architecture name of the running kernel,
// falling back to the Go build target when the kernel cannot be queried.
func HostArch() string {
	if arch, err := host.KernelArch(); err == nil && arch != "" {
		if deb := DebianArch(arch); deb != "" {
			return deb
		}
	}
	return DebianArch(runtime.GOARCH)
}

// KernelRelease returns the running kernel version, or "" if unknown.
func KernelRelease() string {
	v, err := host.KernelVersion()
	if err != nil {
		return ""
	}
	return v
}

// DebianArch maps uname machine names and GOARCH values to Debian
// architecture names. Unknown inputs are returned lower-cased.
func DebianArch(machine string) string {
	switch m := strings.ToLower(strings.TrimSpace(machine)); m {
	case "x86_64", "amd64", "x64":
		return "amd64"
	case "aarch64", "arm64", "armv8l":
		return "arm64"
	case "armv7l", "armv7", "armhf", "arm":
		return "armhf"
	case "armv6l", "armel":
		return "armel"
	case "i386", "i486", "i586", "i686", "386", "x86":
		return "i386"
	case "ppc64le", "ppc64el":
		return "ppc64el"
	case "mips64", "mips64el", "mips64le":
		return "mips64el"
	case "loongarch64", "loong64":
		return "loong64"
	case "sw_64", "sw64":
		return "sw64"
	default:
		return m
	}
}
