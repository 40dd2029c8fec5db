//go:build !linux

package device

import "context"

func OpenUevents(ctx context.Context) (<-chan Uevent, error) {
	return nil, ErrHotplugUnsupported
}
