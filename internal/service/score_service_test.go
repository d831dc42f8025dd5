package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/littlerank/config"
	"github.com/lvdashuaibi/littlerank/internal/broadcast"
	"github.com/lvdashuaibi/littlerank/internal/leaderboard"
	"github.com/lvdashuaibi/littlerank/internal/ledger"
	"github.com/lvdashuaibi/littlerank/internal/model"
	"github.com/lvdashuaibi/littlerank/internal/rule"
	"github.com/lvdashuaibi/littlerank/internal/token"
)

type fakeProducer struct {
	mu     sync.Mutex
	fail   bool
	events []*model.ScoreEvent
}

func (p *fakeProducer) SendScoreEvent(event *model.ScoreEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("kafka不可用")
	}
	p.events = append(p.events, event)
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	tokens  []*model.ActionToken
	applied []*model.ScoreEvent
	records []*model.ScoreRecord
}

func (s *fakeStore) SaveToken(t *model.ActionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, t)
	return nil
}

func (s *fakeStore) ApplyScoreEvent(event *model.ScoreEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, event)
	return nil
}

func (s *fakeStore) GetScoreRecord(participantID string) (*model.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ParticipantID == participantID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("参与者 %s 不存在", participantID)
}

func (s *fakeStore) GetAllScoreRecords() ([]*model.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, nil
}

type fakeCache struct {
	mu      sync.Mutex
	deleted []string
}

func (c *fakeCache) GetScoreRecord(participantID string) (*model.ScoreRecord, bool, error) {
	return nil, false, nil
}

func (c *fakeCache) SetScoreRecord(record *model.ScoreRecord) error { return nil }

func (c *fakeCache) DeleteScoreCache(participantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, participantID)
	return nil
}

func (c *fakeCache) GetLeaderboardSnapshot() (*model.BroadcastMessage, bool, error) {
	return nil, false, nil
}

func newTestService(capacity int, producer EventProducer, store ScoreStore, cache ScoreCache) (*ScoreService, *ledger.Ledger, *broadcast.Hub) {
	config.AppConfig.Token.DefaultTTL = time.Minute

	registry := token.NewRegistry(time.Minute, time.Minute)
	scores := ledger.NewLedger()
	index := leaderboard.NewIndex(capacity)
	hub := broadcast.NewHub(64)
	rules := rule.NewTable(map[string]int64{
		"daily_checkin": 100,
		"small_action":  1,
	})

	svc := NewScoreService(registry, scores, index, hub, rules, producer, store, cache)
	return svc, scores, hub
}

func TestIssueAndSubmitFlow(t *testing.T) {
	svc, _, _ := newTestService(10, &fakeProducer{}, nil, nil)

	issued, err := svc.IssueActionToken("A", "daily_checkin")
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if issued.PointValue != 100 {
		t.Fatalf("积分值应为100，实际为 %d", issued.PointValue)
	}
	if !issued.ExpiresAt.After(time.Now()) {
		t.Fatal("令牌过期时间应在未来")
	}

	response, err := svc.SubmitAction(issued.TokenID)
	if err != nil {
		t.Fatalf("提交行为失败: %v", err)
	}
	if response.NewScore != 100 {
		t.Fatalf("新积分应为100，实际为 %d", response.NewScore)
	}
	if !response.Ranked || response.Rank != 1 {
		t.Fatalf("空榜首次计分应为第一名，实际为 (%d, %v)", response.Rank, response.Ranked)
	}

	// 重复提交同一令牌必须确定性失败，绝不重复计分
	if _, err := svc.SubmitAction(issued.TokenID); !errors.Is(err, model.ErrTokenAlreadyUsed) {
		t.Fatalf("重复提交应返回 ErrTokenAlreadyUsed，实际为 %v", err)
	}

	record, err := svc.GetScore("A")
	if err != nil {
		t.Fatalf("查询积分失败: %v", err)
	}
	if record.Score != 100 {
		t.Fatalf("重复提交后积分应保持100，实际为 %d", record.Score)
	}
}

func TestSubmitExpiredToken(t *testing.T) {
	svc, scores, _ := newTestService(10, &fakeProducer{}, nil, nil)
	svc.defaultTTL = 10 * time.Millisecond

	issued, err := svc.IssueActionToken("A", "daily_checkin")
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := svc.SubmitAction(issued.TokenID); !errors.Is(err, model.ErrTokenExpired) {
		t.Fatalf("过期提交应返回 ErrTokenExpired，实际为 %v", err)
	}
	if _, ok := scores.Get("A"); ok {
		t.Fatal("过期令牌不应产生任何积分")
	}
}

func TestIssueUnknownActionKind(t *testing.T) {
	svc, _, _ := newTestService(10, &fakeProducer{}, nil, nil)

	if _, err := svc.IssueActionToken("A", "no_such_kind"); !errors.Is(err, model.ErrUnknownActionKind) {
		t.Fatalf("应返回 ErrUnknownActionKind，实际为 %v", err)
	}
}

func TestSubmitUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(10, &fakeProducer{}, nil, nil)

	if _, err := svc.SubmitAction("no-such-token"); !errors.Is(err, model.ErrTokenNotFound) {
		t.Fatalf("应返回 ErrTokenNotFound，实际为 %v", err)
	}
}

// 100个并发提交100个不同的有效令牌，最终积分恰好为100，版本号递增100次
func TestConcurrentSubmissions(t *testing.T) {
	svc, scores, _ := newTestService(10, &fakeProducer{}, nil, nil)

	const submissions = 100
	tokenIDs := make([]string, submissions)
	for i := range tokenIDs {
		issued, err := svc.IssueActionToken("A", "small_action")
		if err != nil {
			t.Fatalf("签发令牌失败: %v", err)
		}
		tokenIDs[i] = issued.TokenID
	}

	var wg sync.WaitGroup
	for _, id := range tokenIDs {
		wg.Add(1)
		go func(tokenID string) {
			defer wg.Done()
			if _, err := svc.SubmitAction(tokenID); err != nil {
				t.Errorf("提交行为失败: %v", err)
			}
		}(id)
	}
	wg.Wait()

	record, ok := scores.Get("A")
	if !ok {
		t.Fatal("积分记录丢失")
	}
	if record.Score != submissions {
		t.Fatalf("最终积分应为 %d，实际为 %d", submissions, record.Score)
	}
	if record.Version != submissions {
		t.Fatalf("版本号应递增 %d 次，实际为 %d", submissions, record.Version)
	}
}

func TestUnrankedOutsideTopN(t *testing.T) {
	svc, _, _ := newTestService(1, &fakeProducer{}, nil, nil)

	issuedA, _ := svc.IssueActionToken("A", "daily_checkin")
	if _, err := svc.SubmitAction(issuedA.TokenID); err != nil {
		t.Fatalf("提交行为失败: %v", err)
	}

	issuedB, _ := svc.IssueActionToken("B", "small_action")
	response, err := svc.SubmitAction(issuedB.TokenID)
	if err != nil {
		t.Fatalf("提交行为失败: %v", err)
	}
	if response.Ranked {
		t.Fatal("B不在Top-1榜单内，应为unranked")
	}
	if response.NewScore != 1 {
		t.Fatalf("B的积分仍应正常生效，实际为 %d", response.NewScore)
	}
}

// 榜单变化时向订阅者广播，序列号严格递增
func TestBroadcastOnLeaderboardChange(t *testing.T) {
	svc, _, _ := newTestService(10, &fakeProducer{}, nil, nil)

	sub := svc.Subscribe()
	defer svc.Unsubscribe(sub)

	issued, _ := svc.IssueActionToken("A", "daily_checkin")
	if _, err := svc.SubmitAction(issued.TokenID); err != nil {
		t.Fatalf("提交行为失败: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Sequence != 1 {
			t.Fatalf("首条广播序列号应为1，实际为 %d", msg.Sequence)
		}
		if len(msg.Entries) != 1 || msg.Entries[0].ParticipantID != "A" {
			t.Fatalf("广播快照内容错误: %+v", msg.Entries)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到排行榜广播")
	}
}

// Kafka发送失败时同步落库并清缓存，提交结果不受影响
func TestProducerFailureFallsBackToStore(t *testing.T) {
	producer := &fakeProducer{fail: true}
	store := &fakeStore{}
	cache := &fakeCache{}
	svc, _, _ := newTestService(10, producer, store, cache)

	issued, _ := svc.IssueActionToken("A", "daily_checkin")
	response, err := svc.SubmitAction(issued.TokenID)
	if err != nil {
		t.Fatalf("提交行为失败: %v", err)
	}
	if response.NewScore != 100 {
		t.Fatalf("广播/持久化失败不应影响计分结果，实际积分为 %d", response.NewScore)
	}

	store.mu.Lock()
	applied := len(store.applied)
	store.mu.Unlock()
	if applied != 1 {
		t.Fatalf("应同步落库1条积分事件，实际为 %d", applied)
	}

	cache.mu.Lock()
	deleted := len(cache.deleted)
	cache.mu.Unlock()
	if deleted != 1 {
		t.Fatalf("应清除1次参与者缓存，实际为 %d", deleted)
	}
}

func TestWarmLoad(t *testing.T) {
	store := &fakeStore{
		records: []*model.ScoreRecord{
			{ParticipantID: "A", Score: 90, Version: 3, UpdatedAt: time.Now().Add(-time.Hour)},
			{ParticipantID: "B", Score: 120, Version: 5, UpdatedAt: time.Now().Add(-time.Minute)},
		},
	}
	svc, scores, _ := newTestService(10, &fakeProducer{}, store, nil)

	if err := svc.WarmLoad(); err != nil {
		t.Fatalf("预热加载失败: %v", err)
	}

	record, ok := scores.Get("B")
	if !ok || record.Score != 120 {
		t.Fatalf("预热后B的积分应为120，实际为 %+v", record)
	}

	board, err := svc.GetLeaderboard()
	if err != nil {
		t.Fatalf("查询排行榜失败: %v", err)
	}
	if len(board.Entries) != 2 || board.Entries[0].ParticipantID != "B" {
		t.Fatalf("预热后榜单错误: %+v", board.Entries)
	}
}

// 并发提交时每条广播的快照不得比序列号更小的广播旧：
// 序列号递增的同时，同一参与者的分数也必须单调不减
func TestBroadcastSnapshotMonotoneUnderConcurrency(t *testing.T) {
	svc, _, _ := newTestService(10, &fakeProducer{}, nil, nil)

	sub := svc.Subscribe()
	defer svc.Unsubscribe(sub)

	const submissions = 16
	tokenIDs := make([]string, submissions)
	for i := range tokenIDs {
		issued, err := svc.IssueActionToken("A", "small_action")
		if err != nil {
			t.Fatalf("签发令牌失败: %v", err)
		}
		tokenIDs[i] = issued.TokenID
	}

	var wg sync.WaitGroup
	for _, id := range tokenIDs {
		wg.Add(1)
		go func(tokenID string) {
			defer wg.Done()
			if _, err := svc.SubmitAction(tokenID); err != nil {
				t.Errorf("提交行为失败: %v", err)
			}
		}(id)
	}
	wg.Wait()

	var lastSeq uint64
	var lastScore int64
	for i := 0; i < submissions; i++ {
		select {
		case msg := <-sub.Messages():
			if msg.Sequence <= lastSeq {
				t.Fatalf("序列号未严格递增: %d 在 %d 之后", msg.Sequence, lastSeq)
			}
			var score int64 = -1
			for _, e := range msg.Entries {
				if e.ParticipantID == "A" {
					score = e.Score
				}
			}
			if score < lastScore {
				t.Fatalf("序列号 %d (分数 %d) 携带了比序列号 %d (分数 %d) 更旧的快照",
					msg.Sequence, score, lastSeq, lastScore)
			}
			lastSeq = msg.Sequence
			lastScore = score
		case <-time.After(time.Second):
			t.Fatalf("只收到 %d 条广播，应收到 %d 条", i, submissions)
		}
	}
	if lastScore != submissions {
		t.Fatalf("最后一条广播的分数应为 %d，实际为 %d", submissions, lastScore)
	}
}

// GetLeaderboard直接返回最近一次广播的消息，序列号与快照配对一致
func TestGetLeaderboardMatchesLatestBroadcast(t *testing.T) {
	svc, _, hub := newTestService(10, &fakeProducer{}, nil, nil)

	issued, _ := svc.IssueActionToken("A", "daily_checkin")
	if _, err := svc.SubmitAction(issued.TokenID); err != nil {
		t.Fatalf("提交行为失败: %v", err)
	}

	board, err := svc.GetLeaderboard()
	if err != nil {
		t.Fatalf("查询排行榜失败: %v", err)
	}
	latest, ok := hub.Latest()
	if !ok {
		t.Fatal("提交后应有已发布的广播消息")
	}
	if board.Sequence != latest.Sequence {
		t.Fatalf("查询结果序列号 %d 与最近广播 %d 不一致", board.Sequence, latest.Sequence)
	}
	if len(board.Entries) != 1 || board.Entries[0].Score != 100 {
		t.Fatalf("查询结果快照错误: %+v", board.Entries)
	}
}
