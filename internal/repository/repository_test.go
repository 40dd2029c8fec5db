package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/device"
	"github.com/breeze-rmm/drivermgr/internal/httputil"
)

func fastBackoff() httputil.Backoff {
	return httputil.Backoff{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
}

func gpu(version string) device.Signature {
	sig := device.Signature{LogicalID: "pci-0000:01:00.0", VendorID: "10de", DeviceID: "1f82", Class: device.ClassGPU}
	if version != "" {
		sig.DriverName = "nvidia"
		sig.DriverVersion = version
	}
	return sig
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"525.60.11", "525.60.11", 0},
		{"525.85.05-1", "525.60.11", 1},
		{"1.0~rc1", "1.0", -1},
		{"1:0.9", "2.0", 1},
		{"2.0-1", "2.0-10", -1},
	}
	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	desc := &Descriptor{Name: "nvidia-driver", Version: "525.85.05"}
	tests := []struct {
		name string
		sig  device.Signature
		desc *Descriptor
		want Kind
	}{
		{"no package", gpu("525.60.11"), nil, Unsupported},
		{"no driver bound", gpu(""), desc, Available},
		{"newer available", gpu("525.60.11"), desc, Available},
		{"same version", gpu("525.85.05"), desc, UpToDate},
		{"installed is newer", gpu("530.30.02"), desc, UpToDate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.sig, tt.desc); got.Kind != tt.want {
				t.Fatalf("Classify().Kind = %v, want %v", got.Kind, tt.want)
			}
		})
	}
}

func TestHTTPClientResolve(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/v1/drivers/resolve" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		q := r.URL.Query()
		if q.Get("vendor") != "10de" || q.Get("arch") != "amd64" || q.Get("class") != "gpu" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("device") == "ffff" {
			http.NotFound(w, r)
			return
		}
		signed := true
		json.NewEncoder(w).Encode(indexEntry{
			Name: "nvidia-driver", Version: "525.85.05", URL: "pool/nvidia.deb",
			Size: 1024, SHA256: "ABCDEF", Arch: "amd64", Signed: &signed,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", "amd64", fastBackoff(), time.Minute)

	res := c.Resolve(context.Background(), gpu("525.60.11"))
	if res.Kind != Available {
		t.Fatalf("Kind = %v, want available (err %v)", res.Kind, res.Err)
	}
	if res.Descriptor.Source != srv.URL+"/pool/nvidia.deb" {
		t.Fatalf("Source = %q", res.Descriptor.Source)
	}
	if res.Descriptor.SHA256 != "abcdef" || res.Descriptor.Signed == nil || !*res.Descriptor.Signed {
		t.Fatalf("descriptor = %+v", res.Descriptor)
	}

	unsupported := gpu("1.0")
	unsupported.DeviceID = "ffff"
	if res := c.Resolve(context.Background(), unsupported); res.Kind != Unsupported {
		t.Fatalf("Kind = %v, want unsupported", res.Kind)
	}
}

func TestHTTPClientCachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(indexEntry{Name: "n", Version: "2.0", URL: "https://x/n.deb"})
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	c := NewHTTPClient(srv.URL, "", "amd64", fastBackoff(), time.Minute)
	c.now = func() time.Time { return now }

	first := c.Resolve(context.Background(), gpu("1.0"))
	second := c.Resolve(context.Background(), gpu("1.0"))
	if first.Kind != second.Kind || first.Descriptor.Version != second.Descriptor.Version {
		t.Fatalf("resolutions differ: %+v vs %+v", first, second)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	c.Resolve(context.Background(), gpu("1.0"))
	if calls.Load() != 2 {
		t.Fatalf("expired entry not refreshed, calls = %d", calls.Load())
	}
}

func TestHTTPClientNetworkUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "amd64", fastBackoff(), time.Minute)
	res := c.Resolve(context.Background(), gpu("1.0"))
	if res.Kind != NetworkUnavailable || res.Err == nil {
		t.Fatalf("res = %+v, want network unavailable", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 attempts", calls.Load())
	}

	c.Resolve(context.Background(), gpu("1.0"))
	if calls.Load() != 4 {
		t.Fatal("failed lookups must not be cached")
	}

	srv.Close()
	if res := c.Resolve(context.Background(), gpu("1.0")); res.Kind != NetworkUnavailable {
		t.Fatalf("closed server: Kind = %v", res.Kind)
	}
}

func TestIndexClient(t *testing.T) {
	dir := t.TempDir()
	index := `drivers:
  - vendor: "10DE"
    device: "*"
    class: gpu
    name: nvidia-driver
    version: 525.60.11
    arch: amd64
    url: pool/old.deb
  - vendor: "10de"
    device: "1f82"
    name: nvidia-driver
    version: 525.85.05
    arch: amd64
    url: pool/new.deb
    signed: false
  - vendor: "10de"
    device: "1f82"
    name: nvidia-driver
    version: 999.0
    arch: arm64
    url: pool/arm.deb
`
	path := filepath.Join(dir, "index.yaml")
	if err := os.WriteFile(path, []byte(index), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &IndexClient{Path: path, Arch: "x86_64"}
	res := c.Resolve(context.Background(), gpu("525.60.11"))
	if res.Kind != Available {
		t.Fatalf("Kind = %v", res.Kind)
	}
	if res.Descriptor.Version != "525.85.05" || res.Descriptor.Source != filepath.Join(dir, "pool", "new.deb") {
		t.Fatalf("descriptor = %+v", res.Descriptor)
	}
	if res.Descriptor.Signed == nil || *res.Descriptor.Signed {
		t.Fatal("expected signed=false to be carried")
	}

	other := gpu("1.0")
	other.VendorID = "8086"
	if res := c.Resolve(context.Background(), other); res.Kind != Unsupported {
		t.Fatalf("Kind = %v, want unsupported", res.Kind)
	}
}

func TestIndexClientMissingFile(t *testing.T) {
	c := &IndexClient{Path: filepath.Join(t.TempDir(), "missing.yaml")}
	if res := c.Resolve(context.Background(), gpu("")); res.Kind != NetworkUnavailable {
		t.Fatalf("Kind = %v, want network unavailable", res.Kind)
	}
}

func TestInvalidate(t *testing.T) {
	t.Run("http", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			json.NewEncoder(w).Encode(indexEntry{Name: "n", Version: "2.0", URL: "https://x/n.deb"})
		}))
		defer srv.Close()

		c := NewHTTPClient(srv.URL, "", "amd64", fastBackoff(), time.Hour)
		c.Resolve(context.Background(), gpu("1.0"))
		c.Invalidate()
		c.Resolve(context.Background(), gpu("1.0"))
		if calls.Load() != 2 {
			t.Fatalf("calls = %d, want a fresh lookup after Invalidate", calls.Load())
		}
	})
	t.Run("index", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "index.yaml")
		c := &IndexClient{Path: path, Arch: "amd64"}
		if res := c.Resolve(context.Background(), gpu("")); res.Kind != NetworkUnavailable {
			t.Fatalf("Kind = %v before the index exists", res.Kind)
		}
		index := "drivers:\n  - vendor: \"10de\"\n    device: \"1f82\"\n    name: nvidia-driver\n    version: \"2.0\"\n    url: pool/n.deb\n"
		if err := os.WriteFile(path, []byte(index), 0o644); err != nil {
			t.Fatal(err)
		}
		if res := c.Resolve(context.Background(), gpu("")); res.Kind != NetworkUnavailable {
			t.Fatal("index reloaded without Invalidate")
		}
		c.Invalidate()
		if res := c.Resolve(context.Background(), gpu("")); res.Kind != Available || res.Descriptor.Version != "2.0" {
			t.Fatalf("after Invalidate: %+v", res)
		}
	})
}
