package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient returns a client whose sleeps are captured instead of
// slept.
func newTestClient(t *testing.T) (*Client, *[]time.Duration) {
	t.Helper()
	var waits []time.Duration
	c := NewClient("test", 5*time.Second, DefaultRetryPolicy(), testLogger())
	c.sleepFn = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestClientRetriesServerErrorsWithDoublingBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 4 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, waits := newTestClient(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	status, body, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *waits)
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"declined"}`))
	}))
	defer srv.Close()

	c, waits := newTestClient(t)
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{}`))

	status, body, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "declined")
	assert.Equal(t, int32(1), calls.Load(), "a 4xx is a final answer")
	assert.Empty(t, *waits)
}

func TestClientRetriesRateLimiting(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, waits := newTestClient(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	status, _, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []time.Duration{time.Second}, *waits)
}

func TestClientReplaysBodyOnRetry(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody.Store(string(b))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"amount":"500.00"}`))

	_, _, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, `{"amount":"500.00"}`, lastBody.Load(), "retry must resend the full body")
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, waits := newTestClient(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	_, _, err := c.Do(req)
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load(), "initial attempt plus three retries")
	assert.Len(t, *waits, 3)
}
