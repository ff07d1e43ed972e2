package ai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		retry bool
		wait  time.Duration
	}{
		{"rate limit", &RateLimitError{APIError: &APIError{StatusCode: 429}, RetryAfter: 2 * time.Second}, true, 2 * time.Second},
		{"server", &ServerError{APIError: &APIError{StatusCode: 502}}, true, 0},
		{"eof", &UnreachableError{Err: io.EOF}, true, 0},
		{"refused", &UnreachableError{Err: errors.New("connection refused")}, false, 0},
		{"auth", &AuthError{APIError: &APIError{StatusCode: 401}}, false, 0},
		{"bad request", &BadRequestError{APIError: &APIError{StatusCode: 400}}, false, 0},
		{"cancelled", context.Canceled, false, 0},
	}
	for _, tc := range cases {
		wait, ok := retryable(tc.err)
		if ok != tc.retry || wait != tc.wait {
			t.Fatalf("%s: got (%v, %v), want (%v, %v)", tc.name, wait, ok, tc.wait, tc.retry)
		}
	}
}

func TestBackoffHonoursContext(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL, 2*time.Second, 5, 10*time.Second, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Generate(ctx, GenerateRequest{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %T: %v", err, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("backoff ignored the context, took %v", elapsed)
	}
}

func TestServerErrorSurfacesAfterLastAttempt(t *testing.T) {
	var calls int32
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL, 2*time.Second, 2, time.Millisecond, time.Millisecond)
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	var server *ServerError
	if !errors.As(err, &server) {
		t.Fatalf("expected ServerError, got %T: %v", err, err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}
