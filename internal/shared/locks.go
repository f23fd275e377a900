package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotObtained indicates another worker kept the document lock past the retry budget.
var ErrLockNotObtained = errors.New("document lock not obtained")

// Locker serialises work on a single document.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// DocumentLockKey builds the lock key for a document reference.
func DocumentLockKey(ref Reference) string {
	return fmt.Sprintf("tradebook:lock:%s:%s", ref.Kind, ref.ID)
}

// RedisLocker obtains distributed locks through redislock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  int
	logger *slog.Logger
}

// NewRedisLocker constructs a RedisLocker. retry bounds the linear backoff attempts.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, retry int, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl, retry: retry, logger: logger}
}

// Acquire obtains the lock or fails with ErrLockNotObtained.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), l.retry),
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		l.logger.Warn("could not obtain document lock", slog.String("key", key))
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// Release with a fresh context: the request context may already be cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(relCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("release document lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}

// LocalLocker is an in-process keyed mutex used when Redis is not configured.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker constructs LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Acquire blocks until the key is free or ctx is done.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.unref(key, kl)
		})
	}, nil
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// WithDocumentLock runs fn while holding the lock for ref. A nil locker runs fn directly.
func WithDocumentLock(ctx context.Context, locker Locker, ref Reference, fn func() error) error {
	if locker == nil {
		return fn()
	}
	release, err := locker.Acquire(ctx, DocumentLockKey(ref))
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
