package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/device"
	"github.com/breeze-rmm/drivermgr/internal/httputil"
	"github.com/breeze-rmm/drivermgr/internal/logging"
)

var log = logging.L("repository")

const maxIndexEntryBytes = 1 << 20

// HTTPClient resolves drivers against the repository service:
//
//	GET {base}/api/v1/drivers/resolve?vendor=&device=&class=&arch=
//
// 200 returns an index entry, 404 means no driver exists for the device.
type HTTPClient struct {
	BaseURL   string
	AuthToken string
	Arch      string
	HTTP      *http.Client
	Backoff   httputil.Backoff
	// TTL bounds how long a lookup is reused. Zero disables caching.
	TTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	desc    *Descriptor
	expires time.Time
}

type indexEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`
	SHA256  string `json:"sha256"`
	Arch    string `json:"arch"`
	Signed  *bool  `json:"signed"`
}

func NewHTTPClient(baseURL, token, arch string, backoff httputil.Backoff, ttl time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AuthToken: token,
		Arch:      arch,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		Backoff:   backoff,
		TTL:       ttl,
	}
}

func (c *HTTPClient) Resolve(ctx context.Context, sig device.Signature) Resolution {
	key := strings.Join([]string{sig.Hardware(), string(sig.Class), c.Arch}, "|")
	if desc, ok := c.cached(key); ok {
		return Classify(sig, desc)
	}

	desc, err := c.lookup(ctx, sig)
	if err != nil {
		log.Warn("driver lookup failed", "device", sig.LogicalID, "error", err)
		return Resolution{Kind: NetworkUnavailable, Err: err}
	}
	c.store(key, desc)
	return Classify(sig, desc)
}

// Invalidate drops every cached lookup.
func (c *HTTPClient) Invalidate() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

func (c *HTTPClient) lookup(ctx context.Context, sig device.Signature) (*Descriptor, error) {
	q := url.Values{}
	q.Set("vendor", sig.VendorID)
	q.Set("device", sig.DeviceID)
	q.Set("class", string(sig.Class))
	q.Set("arch", c.Arch)
	endpoint := c.BaseURL + "/api/v1/drivers/resolve?" + q.Encode()

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	if c.AuthToken != "" {
		headers.Set("Authorization", "Bearer "+c.AuthToken)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := httputil.Do(ctx, client, http.MethodGet, endpoint, nil, headers, c.Backoff)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("resolve %s: unexpected status %d", sig.LogicalID, resp.StatusCode)
	}

	var entry indexEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIndexEntryBytes)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode resolve response: %w", err)
	}
	if entry.URL == "" || entry.Version == "" {
		return nil, fmt.Errorf("resolve %s: index entry missing url or version", sig.LogicalID)
	}
	return &Descriptor{
		Name:         entry.Name,
		Source:       c.absolute(entry.URL),
		Architecture: entry.Arch,
		Version:      entry.Version,
		SizeBytes:    entry.Size,
		SHA256:       strings.ToLower(entry.SHA256),
		Signed:       entry.Signed,
	}, nil
}

// absolute resolves repository-relative package paths against BaseURL.
func (c *HTTPClient) absolute(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	base, err := url.Parse(c.BaseURL + "/")
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func (c *HTTPClient) cached(key string) (*Descriptor, bool) {
	if c.TTL <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok || c.clock().After(e.expires) {
		return nil, false
	}
	return e.desc, true
}

func (c *HTTPClient) store(key string, desc *Descriptor) {
	if c.TTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = make(map[string]cacheEntry)
	}
	c.cache[key] = cacheEntry{desc: desc, expires: c.clock().Add(c.TTL)}
}

func (c *HTTPClient) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
