package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/model"
)

const (
	// Redis键前缀
	ResultsKey     = "election:results:"
	TurnoutKey     = "election:turnout:"
	TurnoutSeenKey = "election:turnout:seen:"

	// RecordTurnoutScript 按账本序号去重后累加投票人数与选票数
	RecordTurnoutScript = `
		local added = redis.call('SADD', KEYS[2], ARGV[1])
		if added == 0 then
			return tonumber(redis.call('HGET', KEYS[1], 'voters') or '0')
		end

		redis.call('HINCRBY', KEYS[1], 'ballots', tonumber(ARGV[2]))
		return redis.call('HINCRBY', KEYS[1], 'voters', 1)
	`

	scriptRecordTurnout = "recordTurnout"
)

// Turnout 由账本事件累计的参与情况
type Turnout struct {
	ElectionID string `json:"electionId"`
	Voters     int64  `json:"voters"`
	Ballots    int64  `json:"ballots"`
}

type RedisRepository struct {
	client       *redis.Client
	ctx          context.Context
	resultsTTL   time.Duration
	scriptMu     sync.RWMutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository() (*RedisRepository, error) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		ctx:          ctx,
		resultsTTL:   config.AppConfig.Redis.ResultsTTL,
		scriptHashes: make(map[string]string),
	}

	if err := repo.preloadScripts(); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts() error {
	sha1, err := r.client.ScriptLoad(r.ctx, RecordTurnoutScript).Result()
	if err != nil {
		return fmt.Errorf("加载投票人数脚本失败: %w", err)
	}
	r.setScriptHash(scriptRecordTurnout, sha1)

	return nil
}

// GetResults 读取结果缓存，未命中时返回 false
func (r *RedisRepository) GetResults(ctx context.Context, electionID string) (*model.ElectionResults, bool, error) {
	data, err := r.client.Get(ctx, ResultsKey+electionID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("获取结果缓存失败: %w", err)
	}

	var results model.ElectionResults
	if err := json.Unmarshal([]byte(data), &results); err != nil {
		return nil, false, fmt.Errorf("解析结果缓存失败: %w", err)
	}

	return &results, true, nil
}

// SetResults 写入结果缓存
func (r *RedisRepository) SetResults(ctx context.Context, results *model.ElectionResults) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("序列化选举结果失败: %w", err)
	}

	if err := r.client.Set(ctx, ResultsKey+results.ElectionID, data, r.resultsTTL).Err(); err != nil {
		return fmt.Errorf("设置结果缓存失败: %w", err)
	}
	return nil
}

// DeleteResults 删除结果缓存
func (r *RedisRepository) DeleteResults(ctx context.Context, electionID string) error {
	if err := r.client.Del(ctx, ResultsKey+electionID).Err(); err != nil {
		return fmt.Errorf("删除结果缓存失败: %w", err)
	}
	return nil
}

// RecordTurnout 用预加载的Lua脚本记录一次投票，同一序号重复投递只计一次
func (r *RedisRepository) RecordTurnout(ctx context.Context, electionID string, seq int64, ballots int) (int64, error) {
	keys := []string{TurnoutKey + electionID, TurnoutSeenKey + electionID}

	sha1, ok := r.scriptHash(scriptRecordTurnout)
	if !ok {
		return 0, fmt.Errorf("脚本未预加载")
	}

	result, err := r.client.EvalSha(ctx, sha1, keys, seq, ballots).Result()
	if err != nil {
		if !strings.HasPrefix(err.Error(), "NOSCRIPT") {
			return 0, fmt.Errorf("执行投票人数脚本失败: %w", err)
		}

		// 脚本缓存被清空，重新加载后再试一次
		sha1, err = r.client.ScriptLoad(ctx, RecordTurnoutScript).Result()
		if err != nil {
			return 0, fmt.Errorf("重新加载投票人数脚本失败: %w", err)
		}
		r.setScriptHash(scriptRecordTurnout, sha1)

		result, err = r.client.EvalSha(ctx, sha1, keys, seq, ballots).Result()
		if err != nil {
			return 0, fmt.Errorf("执行投票人数脚本失败: %w", err)
		}
	}

	voters, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("LUA脚本返回类型错误")
	}
	return voters, nil
}

func (r *RedisRepository) scriptHash(name string) (string, bool) {
	r.scriptMu.RLock()
	defer r.scriptMu.RUnlock()
	sha1, ok := r.scriptHashes[name]
	return sha1, ok
}

func (r *RedisRepository) setScriptHash(name, sha1 string) {
	r.scriptMu.Lock()
	defer r.scriptMu.Unlock()
	r.scriptHashes[name] = sha1
}

// GetTurnout 读取累计的参与情况
func (r *RedisRepository) GetTurnout(ctx context.Context, electionID string) (*Turnout, error) {
	data, err := r.client.HGetAll(ctx, TurnoutKey+electionID).Result()
	if err != nil {
		return nil, fmt.Errorf("获取投票人数失败: %w", err)
	}

	t := &Turnout{ElectionID: electionID}
	if v := data["voters"]; v != "" {
		if _, err := fmt.Sscanf(v, "%d", &t.Voters); err != nil {
			return nil, fmt.Errorf("解析投票人数失败: %w", err)
		}
	}
	if v := data["ballots"]; v != "" {
		if _, err := fmt.Sscanf(v, "%d", &t.Ballots); err != nil {
			return nil, fmt.Errorf("解析选票数失败: %w", err)
		}
	}
	return t, nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
