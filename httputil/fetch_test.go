package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestFetcherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), nil)
	f.Sleep = noSleep
	body, requests, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 3, requests)
}

func TestFetcherFailsFastOnGone(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), nil)
	f.Sleep = noSleep
	_, requests, err := f.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, requests)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcherGivesUpAfterAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), nil)
	f.Sleep = noSleep
	_, requests, err := f.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, defaultAttempts, requests)
}

func TestFetcherDoesNotRetryClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), nil)
	f.Sleep = noSleep
	_, requests, err := f.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, 1, requests)
}

func TestTokenBucketBurstThenWaits(t *testing.T) {
	b := NewTokenBucket(50, 2, 0)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, b.Take(ctx))
	require.NoError(t, b.Take(ctx))
	assert.Less(t, time.Since(start), 15*time.Millisecond)

	require.NoError(t, b.Take(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTokenBucketHonorsContext(t *testing.T) {
	b := NewTokenBucket(0.001, 1, 0)
	require.NoError(t, b.Take(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Take(ctx), context.DeadlineExceeded)
}

func TestHostLimiterSeparatesHosts(t *testing.T) {
	l := NewHostLimiter(0.001, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "https://a.example/list"))
	require.NoError(t, l.Wait(ctx, "https://b.example/list"))
	assert.Error(t, l.Wait(ctx, "https://a.example/other"))

	var nilLimiter *HostLimiter
	assert.NoError(t, nilLimiter.Wait(ctx, "https://a.example"))
}

func TestPostJSONSendsBodyAndHeaders(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), nil)
	f.Sleep = noSleep
	requests, err := f.PostJSON(context.Background(), srv.URL, []byte(`{"a":1}`), http.Header{"Authorization": {"Bearer s3cret"}})
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
}
