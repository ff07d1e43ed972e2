package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"
)

// retryPolicy runs a request up to attempts times with jittered exponential
// backoff capped at max. A server-provided Retry-After overrides the backoff.
type retryPolicy struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

// newRetryPolicy fills non-positive settings from the defaults.
func newRetryPolicy(attempts int, baseDelay, maxDelay time.Duration, defaults retryPolicy) retryPolicy {
	p := defaults
	if attempts > 0 {
		p.attempts = attempts
	}
	if baseDelay > 0 {
		p.base = baseDelay
	}
	if maxDelay > 0 {
		p.max = maxDelay
	}
	return p
}

// run calls try until it succeeds, fails with a permanent error, the attempts
// are used up or ctx is done. Waiting between attempts honours ctx.
func (p retryPolicy) run(ctx context.Context, try func(context.Context) (*GenerateResponse, error)) (*GenerateResponse, error) {
	delay := p.base
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := try(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		wait, ok := retryable(err)
		if !ok || attempt == p.attempts {
			break
		}
		if wait <= 0 {
			wait = min(withJitter(delay), p.max)
			delay *= 2
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// retryable reports whether another attempt may succeed and how long the
// server asked us to wait, if it did.
func retryable(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var server *ServerError
	if errors.As(err, &server) {
		return 0, true
	}
	var unr *UnreachableError
	if errors.As(err, &unr) {
		return 0, isRetryableNetErr(unr.Err)
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetryableNetErr(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// retryAfter reads Retry-After as seconds or an HTTP date; 0 when absent or invalid.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := parseRetryAfterSeconds(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func parseRetryAfterSeconds(v string) (int, error) {
	if s, err := strconv.Atoi(v); err == nil {
		return s, nil
	}
	if t, err := http.ParseTime(v); err == nil {
		return int(max(time.Until(t), 0).Seconds()), nil
	}
	return 0, fmt.Errorf("invalid Retry-After: %q", v)
}

// withJitter applies +/- 20% jitter.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 500 * time.Millisecond
	}
	if out := time.Duration(float64(d) * (0.8 + rand.Float64()*0.4)); out > 0 {
		return out
	}
	return d
}
