package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/config"
)

const (
	redlockPrefix = "voting:lock:"

	// 时钟漂移系数，按 Redlock 算法估算锁的有效时间
	clockDriftFactor = 0.01

	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

var _ Lock = (*RedLock)(nil)

type RedLock struct {
	clients       []*redis.Client
	addrs         []string
	mu            sync.Mutex
	locks         map[string]string // 锁名 -> token
	retries       int
	retryInterval time.Duration
	quorum        int
}

// NewRedLock 连接所有锁节点，任一节点不可用即失败
func NewRedLock() (*RedLock, error) {
	ctx, cancel := context.WithTimeout(context.Background(), config.AppConfig.Redis.Timeout)
	defer cancel()

	addrs := config.AppConfig.Redis.LockAddresses
	if len(addrs) == 0 {
		return nil, fmt.Errorf("未配置 redis.lock_addresses")
	}

	var clients []*redis.Client
	for _, addr := range addrs {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     config.AppConfig.Redis.Password,
			DB:           config.AppConfig.Redis.DB,
			PoolSize:     config.AppConfig.Redis.PoolSize,
			MaxRetries:   config.AppConfig.Redis.MaxRetries,
			DialTimeout:  config.AppConfig.Redis.Timeout,
			ReadTimeout:  config.AppConfig.Redis.Timeout,
			WriteTimeout: config.AppConfig.Redis.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	retries := config.AppConfig.Lock.RetryCount
	if retries < 1 {
		retries = 1
	}

	return &RedLock{
		clients:       clients,
		addrs:         addrs,
		locks:         make(map[string]string),
		retries:       retries,
		retryInterval: config.AppConfig.Lock.RetryInterval,
		quorum:        len(clients)/2 + 1,
	}, nil
}

func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	if _, held := r.locks[lockName]; held {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	key := redlockPrefix + lockName
	token := uuid.NewString()
	drift := time.Duration(float64(ttl)*clockDriftFactor) + 2*time.Millisecond

	for attempt := 0; attempt < r.retries; attempt++ {
		success := 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, key, token, ttl).Result()
			if err != nil {
				zap.L().Debug("在节点获取锁失败", zap.String("node", r.addrs[i]), zap.String("lock", lockName), zap.Error(err))
				continue
			}
			if ok {
				success++
			}
		}

		validity := ttl - time.Since(start) - drift
		if success >= r.quorum && validity > 0 {
			r.mu.Lock()
			r.locks[lockName] = token
			r.mu.Unlock()
			return true, nil
		}

		// 未达多数派，撤销已拿到的节点
		r.unlockAll(context.Background(), key, token)

		if attempt == r.retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.retryInterval):
		}
	}

	return false, nil
}

func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	r.mu.Unlock()
	if !exists {
		return false, nil
	}

	key := redlockPrefix + lockName
	success := 0
	for i, client := range r.clients {
		result, err := client.Eval(ctx, refreshScript, []string{key}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			zap.L().Debug("在节点刷新锁失败", zap.String("node", r.addrs[i]), zap.String("lock", lockName), zap.Error(err))
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum {
		return true, nil
	}

	r.mu.Lock()
	delete(r.locks, lockName)
	r.mu.Unlock()
	return false, nil
}

func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	delete(r.locks, lockName)
	r.mu.Unlock()
	if !exists {
		return nil
	}

	r.unlockAll(ctx, redlockPrefix+lockName, token)
	return nil
}

// unlockAll 在所有节点上释放锁，只删除 token 匹配的键
func (r *RedLock) unlockAll(ctx context.Context, key string, token string) {
	for i, client := range r.clients {
		if err := client.Eval(ctx, unlockScript, []string{key}, token).Err(); err != nil {
			zap.L().Warn("在节点释放锁失败", zap.String("node", r.addrs[i]), zap.String("key", key), zap.Error(err))
		}
	}
}

func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range held {
		r.unlockAll(context.Background(), redlockPrefix+name, token)
	}
}

func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	for i, client := range r.clients {
		if err := client.Close(); err != nil {
			zap.L().Warn("关闭Redis锁客户端失败", zap.String("node", r.addrs[i]), zap.Error(err))
		}
	}

	return nil
}
