package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satoru707/voting-app/internal/election"
	"github.com/satoru707/voting-app/internal/lock"
)

// LeaderLockName 多实例部署时，同一轮只由持有该锁的实例清扫
const LeaderLockName = "sweeper:leader:lock"

// ExpiredLister 列出已过结束时间但仍开放的选举
type ExpiredLister interface {
	ListExpiredOpen(ctx context.Context, now time.Time) ([]string, error)
}

// Sweeper 定时关闭过期的选举
type Sweeper struct {
	store     ExpiredLister
	finalizer election.Finalizer
	leader    lock.Lock
	interval  time.Duration
	lockTTL   time.Duration
	now       func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// New leader 为 nil 时每个实例都清扫，依赖 Finalize 的幂等性收敛
func New(store ExpiredLister, finalizer election.Finalizer, leader lock.Lock, interval, lockTTL time.Duration) *Sweeper {
	if lockTTL <= 0 {
		lockTTL = interval
	}
	return &Sweeper{
		store:     store,
		finalizer: finalizer,
		leader:    leader,
		interval:  interval,
		lockTTL:   lockTTL,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Run 立即清扫一次，之后按间隔清扫，直到 ctx 结束或调用 Stop
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	zap.L().Info("自动关闭清扫已启动", zap.Duration("interval", s.interval))
	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			zap.L().Info("自动关闭清扫已停止")
			return nil
		case <-ctx.Done():
			zap.L().Info("自动关闭清扫已停止")
			return ctx.Err()
		}
	}
}

// Stop 停止清扫，可重复调用
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.leader != nil {
		acquired, err := s.leader.AcquireLock(ctx, LeaderLockName, s.lockTTL)
		if err != nil {
			zap.L().Warn("获取清扫锁失败", zap.Error(err))
			return
		}
		if !acquired {
			zap.L().Debug("其他实例正在清扫，跳过本轮")
			return
		}
		defer func() {
			if err := s.leader.ReleaseLock(context.Background(), LeaderLockName); err != nil {
				zap.L().Warn("释放清扫锁失败", zap.Error(err))
			}
		}()
	}

	if _, err := s.Sweep(ctx); err != nil {
		zap.L().Warn("清扫过期选举出错", zap.Error(err))
	}
}

// Sweep 关闭所有过期的开放选举，返回本次实际关闭的数量。
// 单个选举失败不影响其他选举，返回遇到的第一个错误。
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpiredOpen(ctx, s.now())
	if err != nil {
		return 0, err
	}

	closed := 0
	var firstErr error
	for _, id := range ids {
		f, err := s.finalizer.Finalize(ctx, id, election.TriggerSweep)
		if err != nil {
			zap.L().Warn("自动关闭选举失败", zap.String("election_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if f.Changed {
			closed++
		}
	}

	if len(ids) > 0 {
		zap.L().Info("清扫完成", zap.Int("expired", len(ids)), zap.Int("closed", closed))
	}
	return closed, firstErr
}
