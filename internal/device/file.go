package device

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// FileCatalog reads devices from a YAML document:
//
//	devices:
//	  - logical_id: pci-0000:01:00.0
//	    vendor_id: "10de"
//	    device_id: "1f82"
//	    class: gpu
//	    driver_name: nvidia
//	    driver_version: "525.60"
//
// The file is re-read on every call so edits show up on the next rescan.
type FileCatalog struct {
	Path string
}

type catalogFile struct {
	Devices []Signature `yaml:"devices"`
}

func (c *FileCatalog) Devices(ctx context.Context) ([]Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("read device catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a catalog document, normalizing classes and rejecting
// duplicate or empty logical IDs.
func ParseCatalog(data []byte) ([]Signature, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse device catalog: %w", err)
	}

	seen := make(map[string]bool, len(doc.Devices))
	out := make([]Signature, 0, len(doc.Devices))
	for i, d := range doc.Devices {
		if d.LogicalID == "" {
			return nil, fmt.Errorf("device catalog entry %d: missing logical_id", i)
		}
		if seen[d.LogicalID] {
			return nil, fmt.Errorf("device catalog: duplicate logical_id %q", d.LogicalID)
		}
		seen[d.LogicalID] = true
		d.Class = ParseClass(string(d.Class))
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	return out, nil
}
