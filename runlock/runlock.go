// Package runlock serializes runs of the same (source, run type) across
// scheduler ticks and processes.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vessel_ingest/models"
)

var (
	// ErrNotAcquired is returned when another holder owns the lock.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned when releasing a lock that expired or moved on.
	ErrNotHeld = errors.New("lock not held")
)

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

// Key names the lock for one source and run type.
func Key(source string, runType models.RunType) string {
	return fmt.Sprintf("%s:%s", source, runType)
}

// WithLock runs fn while holding key. It returns ErrNotAcquired without
// calling fn when the key is held elsewhere.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func() error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return fn()
}

// New returns a Redis locker when url is set and an in-process one
// otherwise. The returned func closes the Redis connection.
func New(ctx context.Context, url string, logger *zap.Logger) (Locker, func() error, error) {
	if url == "" {
		logger.Info("run lock: in-process")
		return NewMemoryLocker(), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	logger.Info("run lock: redis", zap.String("addr", opts.Addr))

	return NewRedisLocker(rdb, "vessel-ingest:lock:", logger), rdb.Close, nil
}

// RedisLocker holds locks as SET NX keys whose value is an owner token.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	logger *zap.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string, logger *zap.Logger) *RedisLocker {
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, logger: logger}
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lockKey := l.prefix + key
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	l.logger.Debug("lock acquired", zap.String("key", key))
	return &redisLock{locker: l, key: lockKey, token: token}, nil
}

type redisLock struct {
	locker *RedisLocker
	key    string
	token  string
}

// Release deletes the key only if this holder still owns it.
func (lock *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lock.locker.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", lock.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	lock.locker.logger.Debug("lock released", zap.String("key", lock.key))
	return nil
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	Now  func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), Now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.New().String()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLock{locker: l, key: key, token: token}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (lock *memoryLock) Release(context.Context) error {
	l := lock.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[lock.key]
	if !ok || e.token != lock.token {
		return ErrNotHeld
	}
	delete(l.held, lock.key)
	return nil
}
