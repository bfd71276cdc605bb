package lock

import (
	"context"
	"sync"
	"time"
)

var _ Lock = (*LocalLock)(nil)

// LocalLock 单进程部署使用的锁，语义与分布式实现一致（含过期）
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]time.Time // 锁名 -> 过期时间
	now   func() time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (l *LocalLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, ok := l.locks[lockName]; ok && now.Before(expiresAt) {
		return false, nil
	}
	l.locks[lockName] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	expiresAt, ok := l.locks[lockName]
	if !ok || !now.Before(expiresAt) {
		delete(l.locks, lockName)
		return false, nil
	}
	l.locks[lockName] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) ReleaseLock(ctx context.Context, lockName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locks, lockName)
	return nil
}

func (l *LocalLock) ReleaseAllLocks() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks = make(map[string]time.Time)
}

func (l *LocalLock) Close() error {
	l.ReleaseAllLocks()
	return nil
}
