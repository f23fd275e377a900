package shared

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerialisesKey(t *testing.T) {
	locker := NewLocalLocker()
	ref := Ref(RefCreditMemo, uuid.New())

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithDocumentLock(context.Background(), locker, ref, func() error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxSeen.Load())
	require.Empty(t, locker.locks, "released keys are forgotten")
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestRedisLockerExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, time.Second, 0, nil)
	ref := Ref(RefPurchaseOrder, uuid.New())
	key := DocumentLockKey(ref)

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	require.True(t, mr.Exists(key))

	err = WithDocumentLock(context.Background(), locker, ref, func() error { return nil })
	require.ErrorIs(t, err, ErrLockNotObtained)
	require.Equal(t, "lock_not_obtained", Reason(err))

	release()
	require.False(t, mr.Exists(key))

	called := false
	err = WithDocumentLock(context.Background(), locker, ref, func() error {
		called = true
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	require.True(t, called)
	require.False(t, mr.Exists(key), "lock released after fn fails")
}

func TestWithDocumentLockNilLocker(t *testing.T) {
	called := false
	err := WithDocumentLock(context.Background(), nil, Reference{}, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}
