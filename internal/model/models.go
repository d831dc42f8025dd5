package model

import (
	"time"
)

// TokenState 令牌兑换状态
type TokenState int

const (
	// TokenUnredeemed 未兑换
	TokenUnredeemed TokenState = iota
	// TokenRedeemed 已兑换
	TokenRedeemed
)

// ActionToken 行为令牌模型，一个令牌对应一次可计分的行为
type ActionToken struct {
	ID            string     `json:"id"`
	ParticipantID string     `json:"participantId"`
	ActionKind    string     `json:"actionKind"`
	PointValue    int64      `json:"pointValue"`
	State         TokenState `json:"state"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	RedeemedAt    time.Time  `json:"redeemedAt"`
}

// ScoreRecord 参与者积分模型
type ScoreRecord struct {
	ParticipantID string    `json:"participantId"`
	Score         int64     `json:"score"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// LeaderboardEntry 排行榜中的一项
type LeaderboardEntry struct {
	Rank          int       `json:"rank"`
	ParticipantID string    `json:"participantId"`
	Score         int64     `json:"score"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// BroadcastMessage 排行榜广播消息，序列号在单个Hub实例内严格递增
type BroadcastMessage struct {
	Sequence  uint64             `json:"sequence"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Entries   []LeaderboardEntry `json:"entries"`
}

// SubmitResponse 提交行为的响应
type SubmitResponse struct {
	ParticipantID string    `json:"participantId"`
	NewScore      int64     `json:"newScore"`
	Rank          int       `json:"rank"`
	Ranked        bool      `json:"ranked"`
	Timestamp     time.Time `json:"timestamp"`
}

// IssueResponse 签发令牌的响应
type IssueResponse struct {
	TokenID    string    `json:"tokenId"`
	PointValue int64     `json:"pointValue"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ScoreEvent Kafka积分事件，供持久化消费者使用
type ScoreEvent struct {
	ParticipantID string    `json:"participantId"`
	TokenID       string    `json:"tokenId"`
	ActionKind    string    `json:"actionKind"`
	PointValue    int64     `json:"pointValue"`
	NewScore      int64     `json:"newScore"`
	NewVersion    int64     `json:"newVersion"`
	CreditedAt    time.Time `json:"creditedAt"`
}

// CreditLog 计分流水日志
type CreditLog struct {
	ID            int64     `json:"id"`
	ParticipantID string    `json:"participantId"`
	TokenID       string    `json:"tokenId"`
	ActionKind    string    `json:"actionKind"`
	PointValue    int64     `json:"pointValue"`
	CreditedAt    time.Time `json:"creditedAt"`
}
