package ledger

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/lvdashuaibi/littlerank/internal/model"
)

const shardCount = 64

// Ledger 权威积分账本。同一参与者的变更被串行化（无丢失更新），
// 不同参与者落在不同分片上可以并发变更，互不阻塞。
type Ledger struct {
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	records map[string]*model.ScoreRecord
}

func NewLedger() *Ledger {
	l := &Ledger{}
	for i := range l.shards {
		l.shards[i] = &shard{records: make(map[string]*model.ScoreRecord)}
	}
	return l
}

// ApplyDelta 原子地为参与者累加积分，版本号严格递增。
// delta必须为正（由调用方保证），溢出返回 ErrScoreOverflow，绝不回绕。
func (l *Ledger) ApplyDelta(participantID string, delta int64) (*model.ScoreRecord, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("积分增量 %d 非法: %w", delta, model.ErrInvalidPointValue)
	}

	s := l.shardFor(participantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[participantID]
	if !ok {
		// 首次计分时惰性创建记录
		record = &model.ScoreRecord{ParticipantID: participantID}
		s.records[participantID] = record
	}

	if record.Score > math.MaxInt64-delta {
		return nil, fmt.Errorf("参与者 %s 积分 %d 加 %d: %w",
			participantID, record.Score, delta, model.ErrScoreOverflow)
	}

	record.Score += delta
	record.Version++
	record.UpdatedAt = time.Now()

	copied := *record
	return &copied, nil
}

// Restore 从持久化存储恢复积分记录，仅在启动预热时使用。
// 只接受比当前版本更新的记录，避免回退内存中已生效的计分。
func (l *Ledger) Restore(record *model.ScoreRecord) {
	s := l.shardFor(record.ParticipantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[record.ParticipantID]
	if ok && current.Version >= record.Version {
		return
	}
	copied := *record
	s.records[record.ParticipantID] = &copied
}

// Get 查询参与者积分，不存在返回false
func (l *Ledger) Get(participantID string) (*model.ScoreRecord, bool) {
	s := l.shardFor(participantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[participantID]
	if !ok {
		return nil, false
	}
	copied := *record
	return &copied, true
}

func (l *Ledger) shardFor(participantID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(participantID))
	return l.shards[h.Sum32()%shardCount]
}
