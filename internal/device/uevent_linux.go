//go:build linux

package device

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/drivermgr/internal/logging"
)

// OpenUevents subscribes to kernel device events on a netlink socket. The
// channel is closed when ctx ends or the socket fails.
func OpenUevents(ctx context.Context) (<-chan Uevent, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("open uevent socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind uevent socket: %w", err)
	}
	// Reads wake up periodically so cancellation is noticed.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set uevent socket timeout: %w", err)
	}

	out := make(chan Uevent, 64)
	go func() {
		defer close(out)
		defer unix.Close(fd)
		buf := make([]byte, 16<<10)
		for ctx.Err() == nil {
			n, _, err := unix.Recvfrom(fd, buf, 0)
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.ENOBUFS):
				// Events were dropped; a synthetic one forces a rescan.
				log.Warn("uevent buffer overrun")
				ev := Uevent{Action: "add", Subsystem: "pci", DevPath: "/"}
				select {
				case out <- ev:
				case <-ctx.Done():
				}
				continue
			case err != nil:
				log.Warn("uevent socket failed", logging.KeyError, err)
				return
			}
			ev, ok := ParseUevent(buf[:n])
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
