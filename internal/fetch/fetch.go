// Package fetch opens driver packages from the places a repository may
// point at: http(s), local files, and object stores.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/logging"
)

var log = logging.L("fetch")

// Object is an open package body. Body starts at byte Offset of the package;
// Offset may be lower than requested when the source cannot seek. Size is
// the total package size, or -1 when unknown.
type Object struct {
	Body   io.ReadCloser
	Offset int64
	Size   int64
}

// Opener opens the package at rawURL starting at offset.
type Opener interface {
	Open(ctx context.Context, rawURL string, offset int64) (*Object, error)
}

// PermanentError marks a failure that retrying cannot fix: missing object,
// denied access, malformed location.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether a retry may succeed. Network timeouts are
// transient even though they also match context.DeadlineExceeded; callers
// tell their own cancellation apart with ctx.Err(). Cancellation and
// permanent errors are not transient; resets, truncated bodies and 5xx are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *PermanentError
	return !errors.As(err, &p)
}

// Options carries the credentials for the object-store transports. Clients
// are created on first use so unused transports never load credentials.
type Options struct {
	HTTPClient  *http.Client
	AuthToken   string
	IdleTimeout time.Duration

	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	GCSCredentialsFile string

	AzureAccountURL string

	B2AccountID      string
	B2ApplicationKey string
}

// Registry dispatches on the URL scheme. It is itself an Opener.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry returns a registry with every built-in transport:
// http, https, file, s3, gs, azblob and b2. Locations without a scheme are
// treated as local paths.
func NewRegistry(opts Options) *Registry {
	r := &Registry{openers: make(map[string]Opener)}
	httpOpener := &HTTPOpener{Client: opts.HTTPClient, AuthToken: opts.AuthToken, IdleTimeout: opts.IdleTimeout}
	r.Register("http", httpOpener)
	r.Register("https", httpOpener)
	r.Register("file", FileOpener{})
	r.Register("s3", &S3Opener{
		Region:          opts.S3Region,
		Endpoint:        opts.S3Endpoint,
		AccessKeyID:     opts.S3AccessKeyID,
		SecretAccessKey: opts.S3SecretAccessKey,
	})
	r.Register("gs", &GCSOpener{CredentialsFile: opts.GCSCredentialsFile})
	r.Register("azblob", &AzureOpener{AccountURL: opts.AzureAccountURL})
	r.Register("b2", &B2Opener{AccountID: opts.B2AccountID, ApplicationKey: opts.B2ApplicationKey})
	return r
}

func (r *Registry) Register(scheme string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[strings.ToLower(scheme)] = o
}

func (r *Registry) Open(ctx context.Context, rawURL string, offset int64) (*Object, error) {
	scheme := Scheme(rawURL)
	r.mu.RLock()
	o, ok := r.openers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("no transport for scheme %q", scheme))
	}
	return o.Open(ctx, rawURL, offset)
}

// Scheme returns the lower-cased URL scheme, or "file" for plain paths.
func Scheme(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i <= 0 {
		return "file"
	}
	return strings.ToLower(rawURL[:i])
}

// splitBucketKey parses scheme://bucket/key/path.
func splitBucketKey(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", Permanent(fmt.Errorf("parse %q: %w", rawURL, err))
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", Permanent(fmt.Errorf("%q: expected %s://bucket/key", rawURL, u.Scheme))
	}
	return bucket, key, nil
}

// parseContentRange extracts the total size from "bytes 100-199/2000".
func parseContentRange(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return -1
	}
	var n int64
	if _, err := fmt.Sscanf(v[i+1:], "%d", &n); err != nil {
		return -1
	}
	return n
}
