package device

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// ErrHotplugUnsupported is returned where kernel device events cannot be
// received; callers fall back to periodic rescans.
var ErrHotplugUnsupported = errors.New("hotplug events are not supported on this platform")

// Uevent is one kernel device notification.
type Uevent struct {
	Action    string
	DevPath   string
	Subsystem string
	Driver    string
}

// ParseUevent decodes a kernel uevent datagram: a "action@devpath" header
// followed by NUL-separated KEY=value pairs. Messages rebroadcast by udev
// carry a binary header and are rejected.
func ParseUevent(msg []byte) (Uevent, bool) {
	fields := bytes.Split(msg, []byte{0})
	if len(fields) == 0 || !bytes.Contains(fields[0], []byte("@")) {
		return Uevent{}, false
	}
	var ev Uevent
	for _, f := range fields[1:] {
		key, value, ok := bytes.Cut(f, []byte("="))
		if !ok {
			continue
		}
		switch string(key) {
		case "ACTION":
			ev.Action = string(value)
		case "DEVPATH":
			ev.DevPath = string(value)
		case "SUBSYSTEM":
			ev.Subsystem = string(value)
		case "DRIVER":
			ev.Driver = string(value)
		}
	}
	if ev.Action == "" || ev.DevPath == "" {
		return Uevent{}, false
	}
	return ev, true
}

// Relevant reports whether the event can change the device list or a bound
// driver as the sysfs catalog sees it.
func (e Uevent) Relevant() bool {
	if e.Subsystem != "pci" && e.Subsystem != "usb" {
		return false
	}
	switch e.Action {
	case "add", "remove", "bind", "unbind":
		return true
	}
	return false
}

// Debounce calls fn once events have been quiet for the given duration, so a
// burst (one USB device produces several) triggers a single rescan. It
// returns when ctx ends or events is closed.
func Debounce(ctx context.Context, events <-chan Uevent, quiet time.Duration, fn func()) {
	timer := time.NewTimer(quiet)
	timer.Stop()
	pending := false
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-events:
			if !ok {
				timer.Stop()
				return
			}
			if !ev.Relevant() {
				continue
			}
			log.Debug("device event", "action", ev.Action, "subsystem", ev.Subsystem, "devpath", ev.DevPath)
			timer.Reset(quiet)
			pending = true
		case <-timer.C:
			if pending {
				pending = false
				fn()
			}
		}
	}
}
