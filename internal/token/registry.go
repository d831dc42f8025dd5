package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/lvdashuaibi/littlerank/internal/model"
)

const shardCount = 64

// Registry 行为令牌注册表，保证每个令牌恰好被兑换一次。
// 令牌按ID哈希分片，兑换只在单个分片锁内完成，不存在全表锁。
type Registry struct {
	shards [shardCount]*shard

	retention       time.Duration
	cleanupInterval time.Duration

	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
}

type shard struct {
	mu     sync.Mutex
	tokens map[string]*model.ActionToken
}

func NewRegistry(retention, cleanupInterval time.Duration) *Registry {
	r := &Registry{
		retention:       retention,
		cleanupInterval: cleanupInterval,
		stopChan:        make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{tokens: make(map[string]*model.ActionToken)}
	}
	return r
}

// Issue 签发一个未兑换的新令牌，积分值由服务端指定，客户端不可伪造
func (r *Registry) Issue(participantID, actionKind string, pointValue int64, ttl time.Duration) (*model.ActionToken, error) {
	if pointValue <= 0 {
		return nil, fmt.Errorf("积分值 %d 非法: %w", pointValue, model.ErrInvalidPointValue)
	}

	now := time.Now()
	token := &model.ActionToken{
		ID:            r.generateTokenID(),
		ParticipantID: participantID,
		ActionKind:    actionKind,
		PointValue:    pointValue,
		State:         model.TokenUnredeemed,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	s := r.shardFor(token.ID)
	s.mu.Lock()
	s.tokens[token.ID] = token
	s.mu.Unlock()

	return r.copyToken(token), nil
}

// Redeem 原子地兑换令牌：检查存在性、未过期、未兑换后置为已兑换。
// 同一令牌的并发兑换恰好一个成功，其余返回 ErrTokenAlreadyUsed。
func (r *Registry) Redeem(tokenID string) (*model.ActionToken, error) {
	s := r.shardFor(tokenID)
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("兑换令牌 %s 失败: %w", tokenID, model.ErrTokenNotFound)
	}

	if token.State == model.TokenRedeemed {
		return nil, fmt.Errorf("兑换令牌 %s 失败: %w", tokenID, model.ErrTokenAlreadyUsed)
	}

	if time.Now().After(token.ExpiresAt) {
		return nil, fmt.Errorf("兑换令牌 %s 失败: %w", tokenID, model.ErrTokenExpired)
	}

	token.State = model.TokenRedeemed
	token.RedeemedAt = time.Now()

	return r.copyToken(token), nil
}

// Get 查询令牌（只读副本）
func (r *Registry) Get(tokenID string) (*model.ActionToken, bool) {
	s := r.shardFor(tokenID)
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, false
	}
	return r.copyToken(token), true
}

// StartJanitor 启动令牌回收器，定期清理过期/已兑换且超过保留窗口的令牌
func (r *Registry) StartJanitor() {
	r.cleanupTicker = time.NewTicker(r.cleanupInterval)

	go func() {
		for {
			select {
			case <-r.cleanupTicker.C:
				removed := r.reclaim(time.Now())
				if removed > 0 {
					log.Printf("令牌回收器已清理 %d 个令牌", removed)
				}
			case <-r.stopChan:
				r.cleanupTicker.Stop()
				log.Println("令牌回收器已停止")
				return
			}
		}
	}()
}

// Stop 停止令牌回收器
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

// reclaim 回收超过保留窗口的令牌。保留窗口内的已兑换令牌继续保留，
// 以便重复提交返回确定性的 ErrTokenAlreadyUsed 而不是 ErrTokenNotFound。
// 回收与兑换竞争同一把分片锁，兑换结果先于回收生效。
func (r *Registry) reclaim(now time.Time) int {
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, token := range s.tokens {
			var deadline time.Time
			if token.State == model.TokenRedeemed {
				deadline = token.RedeemedAt.Add(r.retention)
			} else {
				deadline = token.ExpiresAt.Add(r.retention)
			}
			if now.After(deadline) {
				delete(s.tokens, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (r *Registry) shardFor(tokenID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tokenID))
	return r.shards[h.Sum32()%shardCount]
}

// copyToken 返回令牌副本，避免调用方看到半更新状态
func (r *Registry) copyToken(token *model.ActionToken) *model.ActionToken {
	copied := *token
	return &copied
}

// generateTokenID 生成令牌ID
func (r *Registry) generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		log.Printf("生成随机令牌ID失败: %v", err)
		// 使用时间戳作为备选
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
