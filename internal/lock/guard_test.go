package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satoru707/voting-app/internal/errs"
)

func TestGuardSerializesSameKey(t *testing.T) {
	for _, remote := range []Lock{nil, NewLocalLock()} {
		g := NewGuard(remote, time.Second, time.Millisecond)

		var (
			inside  int32
			maxSeen int32
			total   int32
			wg      sync.WaitGroup
		)
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := g.Do(context.Background(), "election:e1", func(ctx context.Context) error {
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxSeen)
						if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
							break
						}
					}
					time.Sleep(100 * time.Microsecond)
					atomic.AddInt32(&total, 1)
					atomic.AddInt32(&inside, -1)
					return nil
				})
				require.NoError(t, err)
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), maxSeen)
		require.Equal(t, int32(32), total)
		require.Empty(t, g.slots)
	}
}

func TestGuardDifferentKeysRunConcurrently(t *testing.T) {
	g := NewGuard(nil, time.Second, time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- g.Do(context.Background(), "a", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := g.Do(context.Background(), "b", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestGuardContextCancelledWhileWaiting(t *testing.T) {
	g := NewGuard(nil, time.Second, time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	go g.Do(context.Background(), "k", func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	})
	<-entered
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := g.Do(ctx, "k", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.StorageFailure))
	require.False(t, called)
}

func TestGuardWaitsForRemoteLock(t *testing.T) {
	remote := NewLocalLock()
	ok, err := remote.AcquireLock(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	g := NewGuard(remote, time.Second, time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		remote.ReleaseLock(context.Background(), "k")
	}()

	ran := false
	err = g.Do(context.Background(), "k", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	// 执行完毕后远端锁已释放
	ok, err = remote.AcquireLock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGuardReturnsFnError(t *testing.T) {
	g := NewGuard(NewLocalLock(), time.Second, time.Millisecond)
	boom := errors.New("boom")

	err := g.Do(context.Background(), "k", func(ctx context.Context) error { return boom })
	require.Equal(t, boom, err)
}

func TestLocalLockExpiry(t *testing.T) {
	l := NewLocalLock()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	ok, _ := l.AcquireLock(context.Background(), "k", time.Second)
	require.True(t, ok)

	ok, _ = l.AcquireLock(context.Background(), "k", time.Second)
	require.False(t, ok)

	ok, _ = l.RefreshLock(context.Background(), "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = l.RefreshLock(context.Background(), "k", time.Second)
	require.False(t, ok)

	ok, _ = l.AcquireLock(context.Background(), "k", time.Second)
	require.True(t, ok)
}
