package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter int
		maxSeen int
		inside  int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "tenant/b1")
			require.NoError(t, err)
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			counter++

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, k.locks)
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.True(t, errors.Is(err, ErrNotAcquired))

	other, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()
	other()
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	client, mock := redismock.NewClientMock()
	locker := NewRedisLocker(client, RedisOptions{TTL: time.Second, RetryDelay: time.Millisecond})
	locker.token = func() string { return "tok" }

	mock.ExpectSetNX("tradeguard:lock:t1/b1", "tok", time.Second).SetVal(false)
	mock.ExpectSetNX("tradeguard:lock:t1/b1", "tok", time.Second).SetVal(true)
	mock.ExpectEval(releaseScript, []string{"tradeguard:lock:t1/b1"}, "tok").SetVal(int64(1))

	unlock, err := locker.Lock(context.Background(), "t1/b1")
	require.NoError(t, err)
	unlock()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLockerPropagatesErrors(t *testing.T) {
	client, mock := redismock.NewClientMock()
	locker := NewRedisLocker(client, RedisOptions{TTL: time.Second})
	locker.token = func() string { return "tok" }

	mock.ExpectSetNX("tradeguard:lock:k", "tok", time.Second).SetErr(errors.New("connection refused"))

	_, err := locker.Lock(context.Background(), "k")
	assert.Error(t, err)
}
