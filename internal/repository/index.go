package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/drivermgr/internal/device"
)

// IndexClient resolves against a static YAML index, for offline mirrors:
//
//	drivers:
//	  - vendor: "10de"
//	    device: "*"
//	    class: gpu
//	    name: nvidia-driver
//	    version: 525.85.05-1
//	    arch: amd64
//	    url: pool/nvidia-driver_525.85.05-1_amd64.deb
//	    size: 41234567
//	    sha256: 9f86d0...
//	    signed: true
//
// Relative urls are resolved against the index file's directory. When several
// entries match, the highest version wins.
type IndexClient struct {
	Path string
	Arch string

	mu      sync.Mutex
	loaded  bool
	entries []indexRule
	err     error
}

type indexRule struct {
	Vendor     string `yaml:"vendor"`
	Device     string `yaml:"device"`
	Class      string `yaml:"class"`
	Descriptor `yaml:",inline"`
}

type indexFile struct {
	Drivers []indexRule `yaml:"drivers"`
}

func (c *IndexClient) Resolve(ctx context.Context, sig device.Signature) Resolution {
	if err := ctx.Err(); err != nil {
		return Resolution{Kind: NetworkUnavailable, Err: err}
	}
	c.mu.Lock()
	if !c.loaded {
		c.load()
		c.loaded = true
	}
	entries, err := c.entries, c.err
	c.mu.Unlock()
	if err != nil {
		return Resolution{Kind: NetworkUnavailable, Err: err}
	}

	var best *Descriptor
	for i := range entries {
		r := &entries[i]
		if !r.matches(sig, c.Arch) {
			continue
		}
		if best == nil || CompareVersions(r.Version, best.Version) > 0 {
			d := r.Descriptor
			best = &d
		}
	}
	return Classify(sig, best)
}

// Invalidate makes the next Resolve read the index file again.
func (c *IndexClient) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

func (c *IndexClient) load() {
	c.entries, c.err = nil, nil
	data, err := os.ReadFile(c.Path)
	if err != nil {
		c.err = fmt.Errorf("read driver index: %w", err)
		return
	}
	var doc indexFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		c.err = fmt.Errorf("parse driver index: %w", err)
		return
	}
	dir := filepath.Dir(c.Path)
	for i := range doc.Drivers {
		d := &doc.Drivers[i]
		if d.Source != "" && !strings.Contains(d.Source, "://") && !filepath.IsAbs(d.Source) {
			d.Source = filepath.Join(dir, d.Source)
		}
		d.SHA256 = strings.ToLower(d.SHA256)
	}
	c.entries = doc.Drivers
}

func (r *indexRule) matches(sig device.Signature, arch string) bool {
	if !strings.EqualFold(r.Vendor, sig.VendorID) {
		return false
	}
	if r.Device != "" && r.Device != "*" && !strings.EqualFold(r.Device, sig.DeviceID) {
		return false
	}
	if r.Class != "" && device.ParseClass(r.Class) != sig.Class {
		return false
	}
	return arch == "" || ArchCompatible(r.Architecture, arch)
}
