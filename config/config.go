package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Lock    LockConfig    `mapstructure:"lock"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Sweeper SweeperConfig `mapstructure:"sweeper"`
	Quorum  QuorumConfig  `mapstructure:"quorum"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin 运行模式: debug / release / test
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ResultsTTL  time.Duration `mapstructure:"results_ttl"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

// LockConfig 选举临界区使用的跨进程锁
type LockConfig struct {
	Backend       string        `mapstructure:"backend"` // local / etcd / redlock
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryCount    int           `mapstructure:"retry_count"` // 仅 redlock 使用
}

type LedgerConfig struct {
	MaxConflictRetries int `mapstructure:"max_conflict_retries"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type QuorumConfig struct {
	// 为 true 时，范围内没有管理员的选举第一次关闭请求即关闭
	AllowEmptyPopulation bool `mapstructure:"allow_empty_population"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const (
	LockBackendLocal   = "local"
	LockBackendETCD    = "etcd"
	LockBackendRedlock = "redlock"
)

var AppConfig Config

func setDefaults() {
	viper.SetDefault("server.port", 3001)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("mysql.max_open_conns", 20)
	viper.SetDefault("mysql.max_idle_conns", 10)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.timeout", 3*time.Second)
	viper.SetDefault("redis.results_ttl", 30*time.Second)
	viper.SetDefault("kafka.topic", "election-ledger")
	viper.SetDefault("kafka.group_id", "election-ledger-consumers")
	viper.SetDefault("etcd.dial_timeout", 5*time.Second)
	viper.SetDefault("etcd.request_timeout", 3*time.Second)
	viper.SetDefault("graphql.path", "/graphql")
	viper.SetDefault("lock.backend", LockBackendLocal)
	viper.SetDefault("lock.timeout", 10*time.Second)
	viper.SetDefault("lock.retry_interval", 50*time.Millisecond)
	viper.SetDefault("lock.retry_count", 3)
	viper.SetDefault("ledger.max_conflict_retries", 5)
	viper.SetDefault("sweeper.interval", time.Minute)
	viper.SetDefault("quorum.allow_empty_population", false)
	viper.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()
	viper.SetConfigFile(configPath)
	viper.SetEnvPrefix("VOTING")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := AppConfig.validate(); err != nil {
		return nil, err
	}

	return &AppConfig, nil
}

func (c *Config) validate() error {
	switch c.Lock.Backend {
	case LockBackendLocal, LockBackendETCD, LockBackendRedlock:
	default:
		return fmt.Errorf("未知的锁后端: %s", c.Lock.Backend)
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval 必须大于0")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("启用Kafka时必须配置 kafka.brokers")
	}
	return nil
}
