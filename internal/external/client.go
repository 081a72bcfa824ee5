// Package external is the boundary between the billing engine and the payment
// gateway. Every outbound call goes through BaseClient, which applies the
// circuit breaker, bounded retries and the upstream error taxonomy.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"tollgate/internal/types"
)

// RetryPolicy bounds retries on 429 and 5xx responses.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// ReadRetryPolicy is used for idempotent lookups.
func ReadRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, MinWait: 250 * time.Millisecond, MaxWait: 2 * time.Second}
}

// WriteRetryPolicy never retries: a create that timed out may have landed.
func WriteRetryPolicy() RetryPolicy {
	return RetryPolicy{}
}

// BaseClient wraps an *http.Client with a circuit breaker and retry loop.
// Several BaseClients may share one breaker so reads and writes against the
// same vendor trip together.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	wait        func(ctx context.Context, d time.Duration) error
}

type BaseClientOption func(*BaseClient)

// WithWaitFunc replaces the backoff wait. Tests use it to skip real sleeps.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) BaseClientOption {
	return func(c *BaseClient) { c.wait = fn }
}

// NewBreaker returns the breaker settings used for gateway traffic: open
// after more than five consecutive failures, half-open after 30s.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

func NewBaseClient(
	httpClient *http.Client,
	breaker *gobreaker.CircuitBreaker[*http.Response],
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	bc := &BaseClient{
		client:      httpClient,
		breaker:     breaker,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		wait:        sleepCtx,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
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

// Do sends req through the breaker, retrying 429 and 5xx responses per the
// retry policy. Any other response is returned as-is and the caller closes
// the body. Exhausted retries, an open breaker and transport failures come
// back as AppErrors with upstream_* codes.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if reqID := types.GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	attempts := 1 + c.retryPolicy.MaxRetries
	for attempt := range attempts {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		last := attempt == attempts-1
		if resp != nil {
			if last {
				lastResp = resp
			} else {
				_ = resp.Body.Close()
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		// Transport errors are not retried; the request may have been applied.
		if resp == nil {
			break
		}
		if !last {
			if werr := c.wait(ctx, c.backoff(attempt, resp)); werr != nil {
				_ = resp.Body.Close()
				lastResp, lastErr = nil, werr
				break
			}
		}
	}

	if lastResp != nil {
		_ = lastResp.Body.Close()
	}
	return nil, mapTransportError(lastResp, lastErr)
}

// backoff honours Retry-After when present, otherwise exponential backoff
// with jitter clamped to [MinWait, MaxWait].
func (c *BaseClient) backoff(attempt int, resp *http.Response) time.Duration {
	p := c.retryPolicy
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				return min(time.Duration(secs)*time.Second, p.MaxWait)
			}
		}
	}
	ceiling := math.Min(float64(p.MinWait)*math.Pow(2, float64(attempt)), float64(p.MaxWait))
	if ceiling <= float64(p.MinWait) {
		return p.MinWait
	}
	return time.Duration(float64(p.MinWait) + rand.Float64()*(ceiling-float64(p.MinWait)))
}

func mapTransportError(resp *http.Response, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "payment gateway circuit is open", err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "payment gateway did not respond in time", err)
	}
	if resp != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "payment gateway rate limit exceeded", err)
		}
		if resp.StatusCode >= 500 {
			return types.NewAppError(types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("payment gateway returned %d after retries", resp.StatusCode), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, "payment gateway request failed", err)
}
