package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/app"
	intkafka "github.com/satoru707/voting-app/internal/kafka"
	"github.com/satoru707/voting-app/internal/lock"
	"github.com/satoru707/voting-app/internal/repository"
)

// stack 命令运行所需的全部外部连接
type stack struct {
	mysql    *repository.MySQLRepository
	redis    *repository.RedisRepository
	remote   lock.Lock
	leader   lock.Lock
	producer *intkafka.Producer
	app      *app.App

	closers []func()
}

// newLocks 按配置选择选举锁与清扫选主锁
func newLocks(cfg *config.Config) (remote, leader lock.Lock, err error) {
	switch cfg.Lock.Backend {
	case config.LockBackendETCD:
		l, err := lock.NewETCDLock()
		if err != nil {
			return nil, nil, fmt.Errorf("初始化ETCD分布式锁失败: %w", err)
		}
		return l, l, nil
	case config.LockBackendRedlock:
		l, err := lock.NewRedLock()
		if err != nil {
			return nil, nil, fmt.Errorf("初始化Redlock失败: %w", err)
		}
		return l, l, nil
	}
	// 单实例部署只做进程内互斥
	return nil, lock.NewLocalLock(), nil
}

// buildStack withEvents 为 false 时不连接 Redis 与 Kafka
func buildStack(withEvents bool) (*stack, error) {
	cfg := &config.AppConfig
	s := &stack{}

	mysqlRepo, err := repository.NewMySQLRepository()
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL仓库失败: %w", err)
	}
	s.mysql = mysqlRepo
	s.closers = append(s.closers, mysqlRepo.Close)
	zap.L().Info("MySQL仓库初始化成功")

	remote, leader, err := newLocks(cfg)
	if err != nil {
		s.close()
		return nil, err
	}
	s.remote, s.leader = remote, leader
	s.closers = append(s.closers, func() {
		leader.ReleaseAllLocks()
		if err := leader.Close(); err != nil {
			zap.L().Warn("关闭分布式锁失败", zap.Error(err))
		}
	})
	zap.L().Info("分布式锁初始化成功", zap.String("backend", cfg.Lock.Backend))

	deps := app.Deps{
		Store:  mysqlRepo,
		Remote: remote,
		Leader: leader,
	}

	if withEvents {
		redisRepo, err := repository.NewRedisRepository()
		if err != nil {
			// 缓存不可用时结果与参与人数直接读数据库
			zap.L().Warn("初始化Redis仓库失败，不使用缓存", zap.Error(err))
		} else {
			s.redis = redisRepo
			s.closers = append(s.closers, func() { redisRepo.Close() })
			useRedis(cfg, &deps, redisRepo)
			zap.L().Info("Redis仓库初始化成功")
		}

		if cfg.Kafka.Enabled {
			producer, err := intkafka.NewProducer()
			if err != nil {
				s.close()
				return nil, fmt.Errorf("初始化Kafka生产者失败: %w", err)
			}
			s.producer = producer
			s.closers = append(s.closers, func() { producer.Close() })
			deps.Publisher = producer
			zap.L().Info("Kafka生产者初始化成功")
		}
	}

	s.app = app.New(cfg, deps)
	return s, nil
}

// useRedis 参与人数计数只由事件消费者维护，未启用Kafka时不接入
func useRedis(cfg *config.Config, deps *app.Deps, redisRepo *repository.RedisRepository) {
	deps.Cache = redisRepo
	if cfg.Kafka.Enabled {
		deps.Turnout = redisRepo
	}
}

// close 按创建的逆序释放连接
func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
