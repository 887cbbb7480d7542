package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"fitpay/internal/types"
)

// RetryPolicy controls how Client retries failed provider calls. Waits
// double per attempt starting at BaseWait.
type RetryPolicy struct {
	MaxRetries int
	BaseWait   time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy retries three times at 1s, 2s, 4s. Only transport
// errors, 429 and 5xx are retried; a 4xx from a provider is a final
// answer and repeating it would double-submit payment operations.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseWait: time.Second, MaxWait: 30 * time.Second}
}

// Client wraps http.Client with retries and a circuit breaker, one
// instance per provider so a dead provider cannot starve the others.
type Client struct {
	name    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	retry   RetryPolicy
	logger  *slog.Logger

	// sleepFn is swapped out in tests to observe backoff timing.
	sleepFn func(context.Context, time.Duration) error
}

func NewClient(name string, timeout time.Duration, retry RetryPolicy, logger *slog.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		name:    name,
		http:    &http.Client{Timeout: timeout},
		breaker: cb,
		retry:   retry,
		logger:  logger,
		sleepFn: sleepCtx,
	}
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

// Do executes the request, replaying the body on each retry. The response
// body is fully read and returned; callers never touch the wire directly.
func (c *Client) Do(req *http.Request) (int, []byte, error) {
	var bodySnapshot []byte
	if req.Body != nil {
		var err error
		bodySnapshot, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return 0, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "reading request body", err)
		}
	}

	ctx := req.Context()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if bodySnapshot != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodySnapshot))
			req.ContentLength = int64(len(bodySnapshot))
		}

		status, body, err := c.doOnce(req)
		if err == nil && !retryableStatus(status) {
			return status, body, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = types.NewAppError(upstreamCode(status),
				fmt.Sprintf("%s returned status %d", c.name, status), nil).
				WithDetails("status", status)
		}

		if attempt >= c.retry.MaxRetries {
			break
		}
		wait := c.backoff(attempt)
		c.logger.WarnContext(ctx, "retrying provider call",
			"provider", c.name, "attempt", attempt+1, "wait", wait.String(), "error", lastErr.Error())
		if err := c.sleepFn(ctx, wait); err != nil {
			return 0, nil, types.NewAppError(types.ErrCodeUpstreamGatewayError, c.name+" call cancelled", err)
		}
	}
	return 0, nil, lastErr
}

func (c *Client) doOnce(req *http.Request) (int, []byte, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.http.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, types.NewAppError(types.ErrCodeUpstreamGatewayError,
				c.name+" circuit breaker open", err)
		}
		return 0, nil, types.NewAppError(types.ErrCodeUpstreamGatewayError,
			c.name+" request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, types.NewAppError(types.ErrCodeUpstreamBadResponse,
			"reading "+c.name+" response", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := c.retry.BaseWait << attempt
	if wait > c.retry.MaxWait {
		wait = c.retry.MaxWait
	}
	return wait
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func upstreamCode(status int) types.ErrorCode {
	if status == http.StatusTooManyRequests {
		return types.ErrCodeUpstreamRateLimited
	}
	return types.ErrCodeUpstreamGatewayError
}
