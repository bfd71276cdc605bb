package lock

import (
	"context"
	"time"
)

// Lock 跨进程互斥锁。同一实例对同一个锁名不可重入。
type Lock interface {
	// AcquireLock 尝试获取锁，不阻塞等待；bool 表示是否拿到
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// RefreshLock 延长已持有锁的过期时间；锁已丢失时返回 false
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// ReleaseLock 释放锁，未持有时不报错
	ReleaseLock(ctx context.Context, lockName string) error

	// ReleaseAllLocks 释放当前实例持有的所有锁
	ReleaseAllLocks()

	Close() error
}
