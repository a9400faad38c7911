package httputil

import (
	"context"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"
)

// TokenBucket allows bursts up to capacity and refills at refillPerSec.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	jitterFrac   float64
}

// NewTokenBucket returns nil for rps <= 0; a nil bucket never blocks.
func NewTokenBucket(rps float64, burst int, jitterFrac float64) *TokenBucket {
	if rps <= 0 {
		return nil
	}
	capacity := math.Max(1, float64(burst))
	return &TokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPerSec: rps,
		last:         time.Now(),
		jitterFrac:   jitterFrac,
	}
}

// Take blocks until a token is available or ctx is done.
func (b *TokenBucket) Take(ctx context.Context) error {
	if b == nil {
		return nil
	}
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
			b.last = now
		}
		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			b.mu.Unlock()
			return nil
		}
		need := (1.0 - b.tokens) / b.refillPerSec
		b.mu.Unlock()

		wait := time.Duration(need * float64(time.Second))
		if b.jitterFrac > 0 {
			wait += time.Duration(rand.Float64() * b.jitterFrac * float64(wait))
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// HostLimiter hands out one TokenBucket per host.
type HostLimiter struct {
	mu      sync.Mutex
	rps     float64
	burst   int
	jitter  float64
	buckets map[string]*TokenBucket
}

func NewHostLimiter(rps float64, burst int) *HostLimiter {
	return &HostLimiter{rps: rps, burst: burst, jitter: 0.1, buckets: make(map[string]*TokenBucket)}
}

func (l *HostLimiter) bucket(host string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = NewTokenBucket(l.rps, l.burst, l.jitter)
		l.buckets[host] = b
	}
	return b
}

// Wait blocks until a request to rawURL's host may proceed.
func (l *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	return l.bucket(u.Host).Take(ctx)
}
