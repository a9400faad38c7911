package httputil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultAttempts = 3
	maxBodyBytes    = 8 << 20
	userAgent       = "vessel-ingest/1.0 (+https://github.com/vessel-ingest)"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	method := e.Method
	if method == "" {
		method = http.MethodGet
	}
	return fmt.Sprintf("%s %s: status %d", method, e.URL, e.Status)
}

// Permanent reports whether retrying cannot help: the resource is gone.
func (e *StatusError) Permanent() bool {
	return e.Status == http.StatusNotFound || e.Status == http.StatusGone
}

func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether err is a non-retryable fetch failure.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// PermanentError marks an error as not worth retrying.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Permanent() bool { return true }

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	// Transport errors, timeouts included.
	return true
}

// Fetcher performs rate-limited GETs with bounded retries.
type Fetcher struct {
	Client   *http.Client
	Limiter  *HostLimiter
	Attempts int
	Backoff  time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
}

func NewFetcher(client *http.Client, limiter *HostLimiter) *Fetcher {
	return &Fetcher{Client: client, Limiter: limiter, Attempts: defaultAttempts, Backoff: time.Second}
}

// Get returns the body of url. requests counts every HTTP round trip made.
func (f *Fetcher) Get(ctx context.Context, url string) (body []byte, requests int, err error) {
	return f.retry(ctx, url, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		return req, nil
	})
}

// PostJSON sends payload to url with the same retry policy as Get.
func (f *Fetcher) PostJSON(ctx context.Context, url string, payload []byte, header http.Header) (requests int, err error) {
	_, requests, err = f.retry(ctx, url, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	return requests, err
}

func (f *Fetcher) retry(ctx context.Context, url string, build func() (*http.Request, error)) (body []byte, requests int, err error) {
	attempts := f.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := f.Limiter.Wait(ctx, url); err != nil {
			return nil, requests, err
		}
		req, berr := build()
		if berr != nil {
			return nil, requests, &PermanentError{Err: berr}
		}
		requests++
		body, err = f.once(req)
		if err == nil {
			return body, requests, nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.Permanent() {
			return nil, requests, err
		}
		if !retryable(err) || attempt == attempts {
			break
		}
		if err := f.sleep(ctx, f.Backoff*time.Duration(1<<(attempt-1))); err != nil {
			return nil, requests, err
		}
	}
	return nil, requests, err
}

func (f *Fetcher) once(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Method: req.Method, URL: req.URL.String(), Status: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
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
