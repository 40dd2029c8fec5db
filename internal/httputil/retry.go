package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/logging"
)

var log = logging.L("httputil")

// Backoff describes an exponential retry schedule with jitter.
// MaxAttempts counts the first try, so 3 means one try plus two retries.
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       float64 // ±fraction of delay to randomize (0.2 = ±20%)
}

// DefaultBackoff returns the schedule used for repository and mirror calls.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		Jitter:       0.2,
	}
}

// Delay returns the jittered wait before retry number attempt (1-based:
// the wait between the first and second try is Delay(1)).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
			break
		}
	}
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	return applyJitter(time.Duration(d), b.Jitter)
}

// Attempts returns MaxAttempts with a floor of one.
func (b Backoff) Attempts() int {
	if b.MaxAttempts < 1 {
		return 1
	}
	return b.MaxAttempts
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRetryableStatus returns true for HTTP status codes that are safe to retry.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Do executes an HTTP request following the backoff schedule. The body is
// passed as a byte slice so it can be replayed. Non-retryable responses are
// returned to the caller as-is; the error is non-nil only when every attempt
// failed or ctx ended.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, b Backoff) (*http.Response, error) {
	var lastErr error
	attempts := b.Attempts()

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := b.Delay(attempt)
			log.Debug("retrying request", "attempt", attempt+1, "delay", delay, "url", url, "error", lastErr)
			if err := Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, err
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if !IsRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &RetryableStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	log.Warn("all retries exhausted", "method", method, "url", url, "attempts", attempts, "error", lastErr)
	return nil, lastErr
}

// RetryableStatusError indicates the server kept answering with a retryable
// HTTP status.
type RetryableStatusError struct {
	StatusCode int
	URL        string
}

func (e *RetryableStatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// applyJitter adds ±frac random jitter to a duration.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
