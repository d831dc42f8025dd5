package service

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lvdashuaibi/littlerank/config"
	"github.com/lvdashuaibi/littlerank/internal/broadcast"
	"github.com/lvdashuaibi/littlerank/internal/leaderboard"
	"github.com/lvdashuaibi/littlerank/internal/ledger"
	"github.com/lvdashuaibi/littlerank/internal/model"
	"github.com/lvdashuaibi/littlerank/internal/rule"
	"github.com/lvdashuaibi/littlerank/internal/token"
)

// EventProducer 积分事件投递接口
type EventProducer interface {
	SendScoreEvent(event *model.ScoreEvent) error
}

// ScoreStore 积分持久化存储接口
type ScoreStore interface {
	SaveToken(token *model.ActionToken) error
	ApplyScoreEvent(event *model.ScoreEvent) error
	GetScoreRecord(participantID string) (*model.ScoreRecord, error)
	GetAllScoreRecords() ([]*model.ScoreRecord, error)
}

// ScoreCache 积分缓存接口
type ScoreCache interface {
	GetScoreRecord(participantID string) (*model.ScoreRecord, bool, error)
	SetScoreRecord(record *model.ScoreRecord) error
	DeleteScoreCache(participantID string) error
	GetLeaderboardSnapshot() (*model.BroadcastMessage, bool, error)
}

// ScoreService 积分更新协调器。提交行为令牌的处理流水线为：
// 兑换令牌 → 账本计分 → 更新排行榜 → （榜单有变时）广播快照 → 发送持久化事件。
// 兑换失败不产生任何状态变更；计分成功后广播与持久化都是尽力而为，
// 失败只记日志，绝不回滚已生效的积分。
type ScoreService struct {
	registry   *token.Registry
	scores     *ledger.Ledger
	index      *leaderboard.Index
	hub        *broadcast.Hub
	rules      *rule.Table
	producer   EventProducer
	store      ScoreStore
	cache      ScoreCache
	defaultTTL time.Duration

	// 串行化榜单更新到广播的临界区，保证序列号大的消息一定携带
	// 不旧于序列号小的消息的快照
	publishMu sync.Mutex
}

func NewScoreService(
	registry *token.Registry,
	scores *ledger.Ledger,
	index *leaderboard.Index,
	hub *broadcast.Hub,
	rules *rule.Table,
	producer EventProducer,
	store ScoreStore,
	cache ScoreCache,
) *ScoreService {
	return &ScoreService{
		registry:   registry,
		scores:     scores,
		index:      index,
		hub:        hub,
		rules:      rules,
		producer:   producer,
		store:      store,
		cache:      cache,
		defaultTTL: config.AppConfig.Token.DefaultTTL,
	}
}

// IssueActionToken 为参与者签发一个行为令牌。
// 积分值由服务端的规则表解析，客户端只提交行为类型。
func (s *ScoreService) IssueActionToken(participantID, actionKind string) (*model.IssueResponse, error) {
	pointValue, err := s.rules.PointValue(actionKind)
	if err != nil {
		return nil, fmt.Errorf("解析行为积分值失败: %w", err)
	}

	actionToken, err := s.registry.Issue(participantID, actionKind, pointValue, s.defaultTTL)
	if err != nil {
		return nil, fmt.Errorf("签发令牌失败: %w", err)
	}

	// 令牌落库是尽力而为，失败不影响签发结果
	if s.store != nil {
		if err := s.store.SaveToken(actionToken); err != nil {
			log.Printf("保存令牌 %s 到MySQL失败: %v", actionToken.ID, err)
		}
	}

	return &model.IssueResponse{
		TokenID:    actionToken.ID,
		PointValue: actionToken.PointValue,
		ExpiresAt:  actionToken.ExpiresAt,
	}, nil
}

// SubmitAction 提交行为令牌换取积分。
// 返回参与者的最新积分和当前名次，不在可见Top-N内时Ranked为false。
func (s *ScoreService) SubmitAction(tokenID string) (*model.SubmitResponse, error) {
	// 兑换是恰好一次计分的原子边界，失败时所有状态保持不变
	actionToken, err := s.registry.Redeem(tokenID)
	if err != nil {
		return nil, err
	}

	// 账本计分，同一参与者按兑换成功的顺序串行生效
	record, err := s.scores.ApplyDelta(actionToken.ParticipantID, actionToken.PointValue)
	if err != nil {
		// 溢出属于致命错误，令牌已消耗但不产生积分
		return nil, fmt.Errorf("参与者 %s 计分失败: %w", actionToken.ParticipantID, err)
	}

	// 更新排行榜，只有可见Top-N发生变化时才广播。
	// 更新、取快照、分配序列号必须在同一个临界区内完成，否则两个并发
	// 提交可能交错成“大序列号携带旧快照”，订阅者会收敛到过时的榜单。
	s.publishMu.Lock()
	changed := s.index.Update(record.ParticipantID, record.Score, record.UpdatedAt)
	if changed {
		s.hub.Publish(s.index.Snapshot())
	}
	s.publishMu.Unlock()

	// 发送积分事件用于异步持久化
	event := &model.ScoreEvent{
		ParticipantID: record.ParticipantID,
		TokenID:       actionToken.ID,
		ActionKind:    actionToken.ActionKind,
		PointValue:    actionToken.PointValue,
		NewScore:      record.Score,
		NewVersion:    record.Version,
		CreditedAt:    record.UpdatedAt,
	}

	if s.producer != nil {
		if err := s.producer.SendScoreEvent(event); err != nil {
			log.Printf("发送积分事件到Kafka失败: %v", err)
			// 即使消息发送失败，我们也直接更新数据库，以确保数据一致性
			if s.store != nil {
				if err := s.store.ApplyScoreEvent(event); err != nil {
					log.Printf("同步更新数据库失败: %v", err)
				}
			}

			// 清除参与者缓存，确保下次读取时获取最新数据
			if s.cache != nil {
				if err := s.cache.DeleteScoreCache(record.ParticipantID); err != nil {
					log.Printf("删除参与者 %s 缓存失败: %v", record.ParticipantID, err)
				}
			}
		}
	}

	rank, ranked := s.index.RankOf(record.ParticipantID)

	return &model.SubmitResponse{
		ParticipantID: record.ParticipantID,
		NewScore:      record.Score,
		Rank:          rank,
		Ranked:        ranked,
		Timestamp:     record.UpdatedAt,
	}, nil
}

// GetScore 查询参与者积分
func (s *ScoreService) GetScore(participantID string) (*model.ScoreRecord, error) {
	// 内存账本是权威数据源
	if record, ok := s.scores.Get(participantID); ok {
		return record, nil
	}

	// 先从缓存获取
	if s.cache != nil {
		record, found, err := s.cache.GetScoreRecord(participantID)
		if err != nil {
			log.Printf("获取参与者 %s 缓存失败: %v", participantID, err)
		}
		if found && record != nil {
			return record, nil
		}
	}

	// 缓存未命中，从数据库获取
	if s.store != nil {
		record, err := s.store.GetScoreRecord(participantID)
		if err != nil {
			return nil, fmt.Errorf("获取参与者 %s 积分失败: %w", participantID, err)
		}

		// 更新缓存
		if s.cache != nil {
			if err := s.cache.SetScoreRecord(record); err != nil {
				log.Printf("更新参与者 %s 缓存失败: %v", participantID, err)
			}
		}

		return record, nil
	}

	return nil, fmt.Errorf("参与者 %s 不存在", participantID)
}

// GetLeaderboard 查询当前排行榜快照。
// 优先返回Hub最近发布的消息，序列号与快照内容是发布时配对的。
func (s *ScoreService) GetLeaderboard() (*model.BroadcastMessage, error) {
	if msg, ok := s.hub.Latest(); ok {
		return &msg, nil
	}

	// 还没有广播过（冷启动或仅预热数据）时回退到当前榜单
	entries := s.index.Snapshot()
	if len(entries) == 0 && s.cache != nil {
		// 本实例还没有榜单数据时，回退到Redis中的检查点快照
		msg, found, err := s.cache.GetLeaderboardSnapshot()
		if err != nil {
			log.Printf("获取排行榜快照检查点失败: %v", err)
		}
		if found && msg != nil {
			return msg, nil
		}
	}

	return &model.BroadcastMessage{
		Sequence:  s.hub.Sequence(),
		UpdatedAt: time.Now(),
		Entries:   entries,
	}, nil
}

// Subscribe 注册排行榜广播订阅者
func (s *ScoreService) Subscribe() *broadcast.Subscription {
	return s.hub.Subscribe()
}

// Unsubscribe 取消订阅
func (s *ScoreService) Unsubscribe(sub *broadcast.Subscription) {
	s.hub.Unsubscribe(sub)
}

// ProcessScoreEvent 处理积分事件（消费者使用）
func (s *ScoreService) ProcessScoreEvent(event *model.ScoreEvent) error {
	if err := s.store.ApplyScoreEvent(event); err != nil {
		return fmt.Errorf("处理积分事件更新数据库失败: %w", err)
	}

	// 清除参与者缓存
	if s.cache != nil {
		if err := s.cache.DeleteScoreCache(event.ParticipantID); err != nil {
			log.Printf("处理积分事件删除参与者 %s 缓存失败: %v", event.ParticipantID, err)
		}
	}

	return nil
}

// WarmLoad 启动时从持久化存储预热账本和排行榜
func (s *ScoreService) WarmLoad() error {
	if s.store == nil {
		return nil
	}

	records, err := s.store.GetAllScoreRecords()
	if err != nil {
		return fmt.Errorf("预热加载积分记录失败: %w", err)
	}

	for _, record := range records {
		s.scores.Restore(record)
		s.index.Update(record.ParticipantID, record.Score, record.UpdatedAt)
	}

	log.Printf("预热加载完成，共 %d 条积分记录", len(records))
	return nil
}
