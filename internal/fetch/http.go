package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/httputil"
)

// HTTPOpener fetches packages over http(s), resuming with a Range request.
// Servers that ignore Range answer 200 and the body restarts at offset 0.
type HTTPOpener struct {
	Client    *http.Client
	AuthToken string
	// IdleTimeout fails a body read that makes no progress for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

// NewHTTPClient returns a download client. timeout bounds dialing, the TLS
// handshake and the wait for response headers; there is no overall deadline
// because packages can be large.
func NewHTTPClient(timeout time.Duration) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: t}
}

func (o *HTTPOpener) Open(ctx context.Context, rawURL string, offset int64) (*Object, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	obj, err := o.open(ctx, reqCtx, rawURL, offset)
	if err != nil {
		cancel()
		return nil, err
	}
	if o.IdleTimeout > 0 {
		obj.Body = newIdleBody(obj.Body, o.IdleTimeout, cancel)
	} else {
		obj.Body = &cancelBody{ReadCloser: obj.Body, cancel: cancel}
	}
	return obj, nil
}

func (o *HTTPOpener) open(ctx, reqCtx context.Context, rawURL string, offset int64) (*Object, error) {
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Permanent(err)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	if o.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.AuthToken)
	}

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &Object{Body: resp.Body, Offset: 0, Size: resp.ContentLength}, nil
	case http.StatusPartialContent:
		size := parseContentRange(resp.Header.Get("Content-Range"))
		return &Object{Body: resp.Body, Offset: offset, Size: size}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial file is stale or already complete; start over.
		drain(resp)
		log.Debug("range not satisfiable, restarting", "url", rawURL, "offset", offset)
		return o.open(ctx, reqCtx, rawURL, 0)
	}

	drain(resp)
	err = fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	if httputil.IsRetryableStatus(resp.StatusCode) || resp.StatusCode == http.StatusRequestTimeout {
		return nil, err
	}
	return nil, Permanent(err)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// errStalled is a timeout in the net.Error sense, so the download retries it.
var errStalled error = stallError{}

type stallError struct{}

func (stallError) Error() string   { return "package body stalled" }
func (stallError) Timeout() bool   { return true }
func (stallError) Temporary() bool { return true }

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// idleBody cancels the request when no Read returns within idle.
type idleBody struct {
	body    io.ReadCloser
	idle    time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	stalled atomic.Bool
}

func newIdleBody(body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{body: body, idle: idle, cancel: cancel}
	b.timer = time.AfterFunc(idle, func() {
		b.stalled.Store(true)
		cancel()
	})
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if b.stalled.Load() {
		return n, errStalled
	}
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.body.Close()
	b.cancel()
	return err
}
