package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/internal/errs"
)

// Guard 按键串行化临界区：先拿进程内互斥，再拿（可选的）跨进程锁。
// 同一个键在同一时刻最多只有一个 fn 在执行。
type Guard struct {
	mu    sync.Mutex
	slots map[string]*slot

	remote        Lock
	ttl           time.Duration
	retryInterval time.Duration
}

type slot struct {
	ch   chan struct{} // 容量为1，持有即占用
	refs int
}

// NewGuard remote 为 nil 时只做进程内互斥
func NewGuard(remote Lock, ttl, retryInterval time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}
	return &Guard{
		slots:         make(map[string]*slot),
		remote:        remote,
		ttl:           ttl,
		retryInterval: retryInterval,
	}
}

// Do 在键 key 的临界区内执行 fn。等待锁期间 ctx 结束则返回错误且不执行 fn。
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s := g.ref(key)
	defer g.unref(key, s)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrap(errs.StorageFailure.With("lock", key), ctx.Err().Error())
	}
	defer func() { <-s.ch }()

	if g.remote != nil {
		if err := g.acquireRemote(ctx, key); err != nil {
			return err
		}
		defer func() {
			if err := g.remote.ReleaseLock(context.Background(), key); err != nil {
				zap.L().Warn("释放跨进程锁失败", zap.String("lock", key), zap.Error(err))
			}
		}()
	}

	return fn(ctx)
}

func (g *Guard) acquireRemote(ctx context.Context, key string) error {
	for {
		ok, err := g.remote.AcquireLock(ctx, key, g.ttl)
		if err != nil {
			zap.L().Warn("获取跨进程锁出错，稍后重试", zap.String("lock", key), zap.Error(err))
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(errs.StorageFailure.With("lock", key), "等待跨进程锁超时")
		case <-time.After(g.retryInterval):
		}
	}
}

func (g *Guard) ref(key string) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	s.refs++
	return s
}

func (g *Guard) unref(key string, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(g.slots, key)
	}
}

// ElectionKey 选举临界区使用的锁名
func ElectionKey(electionID string) string {
	return "election:" + electionID + ":ledger"
}
