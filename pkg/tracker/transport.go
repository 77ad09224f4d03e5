package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultDelay       = time.Second
	defaultLowWater    = 5
	defaultMaxRetries  = 2
	defaultBackoff     = time.Second
	defaultCallTimeout = 30 * time.Second

	headerRemaining  = "X-RateLimit-Remaining"
	headerRetryAfter = "Retry-After"
)

// TransportConfig tunes the rate-limited transport. Zero values fall back to
// the defaults above.
type TransportConfig struct {
	// Delay is the base spacing enforced between outbound requests.
	Delay time.Duration
	// LowWater is the remaining-quota mark at which the delay doubles.
	LowWater int
	// MaxRetries bounds automatic retries of transient failures.
	MaxRetries int
	// Backoff is the first transient-retry sleep; it doubles per attempt.
	Backoff time.Duration
	// CallTimeout is the total (connect + read) budget per request.
	CallTimeout time.Duration
	// Client overrides the underlying HTTP client. Its Timeout is set to
	// CallTimeout if unset.
	Client *http.Client
}

// Transport serializes and paces all outbound calls to the tracker API.
// One instance is shared by every caller in the process so that the upstream
// account's quota is governed in one place. Safe for concurrent use.
type Transport struct {
	client     *http.Client
	baseDelay  time.Duration
	lowWater   int
	maxRetries int
	backoff    time.Duration

	mu        sync.Mutex
	delay     time.Duration // current enforced spacing
	next      time.Time     // earliest moment the next request may go out
	remaining int           // last observed quota, -1 when unknown
}

// NewTransport creates a transport with the given config.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Delay <= 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = defaultLowWater
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if client.Timeout == 0 {
		client.Timeout = cfg.CallTimeout
	}
	return &Transport{
		client:     client,
		baseDelay:  cfg.Delay,
		lowWater:   cfg.LowWater,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		delay:      cfg.Delay,
		remaining:  -1,
	}
}

// Do sends the request, enforcing the configured spacing first. Transient
// failures (connection errors, timeouts, 5xx) are retried up to MaxRetries
// times with exponential backoff; HTTP 429 is retried once after honoring the
// server's Retry-After hint. HTTP 401/403 fail immediately with AuthError.
// Requests with a body are resent via req.GetBody; bodies without one are not
// retryable.
func (t *Transport) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	retriedRateLimit := false

	for attempt := 1; ; attempt++ {
		if err := t.waitTurn(ctx); err != nil {
			return nil, err
		}

		attemptReq := req.Clone(ctx)
		if attempt > 1 && req.Body != nil {
			// The first attempt consumed the body; rewind for the resend.
			if req.GetBody == nil {
				return nil, fmt.Errorf("cannot retry %s %s: request body is not rewindable", req.Method, req.URL.Path)
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			attemptReq.Body = body
		}

		resp, err := t.client.Do(attemptReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt > t.maxRetries {
				return nil, &TransientNetworkError{Attempts: attempt, Err: lastErr}
			}
			backoff := t.backoff << (attempt - 1)
			slog.Warn("tracker request failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.Any("error", err))
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return nil, &AuthError{StatusCode: resp.StatusCode}

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			resp.Body.Close()
			if retriedRateLimit {
				return nil, &TransientNetworkError{Attempts: attempt, Err: errRateLimited}
			}
			retriedRateLimit = true
			slog.Warn("tracker rate limit exceeded, honoring retry hint",
				slog.Duration("wait", wait))
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = &httpStatusError{status: resp.StatusCode}
			if attempt > t.maxRetries {
				return nil, &TransientNetworkError{Attempts: attempt, Err: lastErr}
			}
			backoff := t.backoff << (attempt - 1)
			slog.Warn("tracker server error, retrying",
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff))
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			continue

		default:
			t.observeQuota(resp)
			return resp, nil
		}
	}
}

// waitTurn reserves the next send slot and sleeps until it arrives. A dead
// context is rejected before reserving, so it cannot burn a slot and push the
// next caller back by one delay.
func (t *Transport) waitTurn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	now := time.Now()
	if t.next.Before(now) {
		t.next = now
	}
	wake := t.next
	t.next = wake.Add(t.delay)
	t.mu.Unlock()

	return sleep(ctx, time.Until(wake))
}

// observeQuota updates the adaptive delay from the server-reported remaining
// quota. At or below the low-water mark the spacing doubles; it returns to the
// base once the quota is seen to recover.
func (t *Transport) observeQuota(resp *http.Response) {
	raw := resp.Header.Get(headerRemaining)
	if raw == "" {
		return
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = remaining
	if remaining <= t.lowWater {
		if t.delay == t.baseDelay {
			t.delay = t.baseDelay * 2
			slog.Warn("tracker quota low, doubling request spacing",
				slog.Int("remaining", remaining),
				slog.Duration("delay", t.delay))
		}
	} else if t.delay != t.baseDelay {
		t.delay = t.baseDelay
		slog.Info("tracker quota recovered, restoring request spacing",
			slog.Int("remaining", remaining))
	}
}

// CurrentDelay returns the spacing currently enforced between requests.
func (t *Transport) CurrentDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

func retryAfter(resp *http.Response) time.Duration {
	if raw := resp.Header.Get(headerRetryAfter); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultDelay * 2
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return "HTTP " + strconv.Itoa(e.status)
}

var errRateLimited = &httpStatusError{status: http.StatusTooManyRequests}
