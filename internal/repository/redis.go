package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littlerank/config"
	"github.com/lvdashuaibi/littlerank/internal/model"
)

const (
	// Redis键前缀
	ScoreKey          = "participant:score:"
	LeaderboardKey    = "leaderboard:snapshot"
	LeaderboardSeqKey = "leaderboard:snapshot:sequence"

	// Lua脚本：只接受序列号更新的快照，保证跨实例单调收敛
	SetSnapshotScript = `
		local current = tonumber(redis.call('GET', KEYS[2]))
		local incoming = tonumber(ARGV[2])
		if current and incoming <= current then
			return 0
		end
		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('SET', KEYS[2], ARGV[2])
		return 1
	`
)

type RedisRepository struct {
	client       *redis.Client
	ctx          context.Context
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

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		ctx:          ctx,
		scriptHashes: make(map[string]string),
	}

	// 预加载Lua脚本
	if err := repo.preloadScripts(); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts() error {
	sha1, err := r.client.ScriptLoad(r.ctx, SetSnapshotScript).Result()
	if err != nil {
		return fmt.Errorf("加载快照写入脚本失败: %w", err)
	}
	r.scriptHashes["setSnapshot"] = sha1

	return nil
}

// GetScoreRecord 从缓存获取参与者积分
func (r *RedisRepository) GetScoreRecord(participantID string) (*model.ScoreRecord, bool, error) {
	key := ScoreKey + participantID
	data, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("获取积分缓存失败: %w", err)
	}

	var record model.ScoreRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, false, fmt.Errorf("解析积分缓存失败: %w", err)
	}

	return &record, true, nil
}

// SetScoreRecord 设置参与者积分缓存
func (r *RedisRepository) SetScoreRecord(record *model.ScoreRecord) error {
	key := ScoreKey + record.ParticipantID
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化积分记录失败: %w", err)
	}

	// 设置缓存，有效期1小时
	if err := r.client.Set(r.ctx, key, data, time.Hour).Err(); err != nil {
		return fmt.Errorf("设置积分缓存失败: %w", err)
	}

	return nil
}

// DeleteScoreCache 删除参与者积分缓存
func (r *RedisRepository) DeleteScoreCache(participantID string) error {
	key := ScoreKey + participantID
	if err := r.client.Del(r.ctx, key).Err(); err != nil {
		return fmt.Errorf("删除积分缓存失败: %w", err)
	}
	return nil
}

// SetLeaderboardSnapshot 写入排行榜快照检查点。
// 使用预加载的Lua脚本保证只有序列号更新的快照才会覆盖，
// 多实例同时写入时快照不会回退。
func (r *RedisRepository) SetLeaderboardSnapshot(msg *model.BroadcastMessage) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("序列化排行榜快照失败: %w", err)
	}

	sha1, ok := r.scriptHashes["setSnapshot"]
	if !ok {
		return false, fmt.Errorf("脚本未预加载")
	}

	result, err := r.client.EvalSha(r.ctx, sha1,
		[]string{LeaderboardKey, LeaderboardSeqKey}, data, msg.Sequence).Result()
	if err != nil {
		// 如果脚本不存在，重新加载并再次尝试
		if err.Error() == "NOSCRIPT No matching script. Please use EVAL." {
			sha1, err = r.client.ScriptLoad(r.ctx, SetSnapshotScript).Result()
			if err != nil {
				return false, fmt.Errorf("重新加载快照写入脚本失败: %w", err)
			}
			r.scriptHashes["setSnapshot"] = sha1

			result, err = r.client.EvalSha(r.ctx, sha1,
				[]string{LeaderboardKey, LeaderboardSeqKey}, data, msg.Sequence).Result()
			if err != nil {
				return false, fmt.Errorf("执行快照写入脚本失败: %w", err)
			}
		} else {
			return false, fmt.Errorf("执行快照写入脚本失败: %w", err)
		}
	}

	written, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("LUA脚本返回类型错误")
	}

	return written == 1, nil
}

// GetLeaderboardSnapshot 读取排行榜快照检查点
func (r *RedisRepository) GetLeaderboardSnapshot() (*model.BroadcastMessage, bool, error) {
	data, err := r.client.Get(r.ctx, LeaderboardKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("获取排行榜快照失败: %w", err)
	}

	var msg model.BroadcastMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, false, fmt.Errorf("解析排行榜快照失败: %w", err)
	}

	return &msg, true, nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
