package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/littlerank/config"
	"github.com/lvdashuaibi/littlerank/internal/model"
	"github.com/lvdashuaibi/littlerank/internal/service"
)

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
}

// 读取GraphQL Schema定义
const schemaString = `
type LeaderboardEntry {
  rank: Int!
  participantId: String!
  # 积分使用Float承载，Int会截断超过32位的分值
  score: Float!
}

type Leaderboard {
  sequence: Int!
  asOf: String!
  entries: [LeaderboardEntry!]!
}

type ScoreRecord {
  participantId: String!
  score: Float!
  updatedAt: String!
}

type IssueResponse {
  tokenId: String!
  pointValue: Int!
  expiresAt: String!
}

type SubmitResponse {
  participantId: String!
  newScore: Float!
  # ranked为false时rank无意义，显示为unranked
  rank: Int!
  ranked: Boolean!
  timestamp: String!
}

type Query {
  # 查询当前排行榜
  getLeaderboard: Leaderboard!

  # 查询参与者积分
  getScore(participantId: String!): ScoreRecord!
}

type Mutation {
  # 签发行为令牌，积分值由服务端规则表决定
  issueActionToken(participantId: String!, actionKind: String!): IssueResponse!

  # 提交行为令牌换取积分
  submitAction(tokenId: String!): SubmitResponse!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(scoreService *service.ScoreService) *GraphQLServer {
	resolver := NewResolver(scoreService)

	// 解析Schema并创建GraphQL实例
	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	handler := &relay.Handler{Schema: schema}

	return &GraphQLServer{
		schema:   schema,
		handler:  handler,
		resolver: resolver,
	}
}

// Start 启动GraphQL服务器
func (s *GraphQLServer) Start(port int) error {
	// 创建路由
	mux := http.NewServeMux()

	// 设置GraphQL API端点
	mux.Handle(config.AppConfig.GraphQL.Path, s.handler)

	// 排行榜广播订阅流
	mux.HandleFunc("/subscribe", s.handleSubscribe)

	// 设置GraphQL Playground
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(playgroundHTML))
	})

	// 启动服务器
	addr := fmt.Sprintf(":%d", port)
	log.Printf("GraphQL服务已启动，API端点: %s, 订阅流: /subscribe, Playground: http://localhost%s/",
		config.AppConfig.GraphQL.Path, addr)

	return http.ListenAndServe(addr, mux)
}

// handleSubscribe 长连接订阅流。按入队顺序推送JSON行格式的广播消息，
// 序列号严格递增，消费端通过序列号不连续感知被丢弃的消息。
// 客户端断开即取消订阅，不影响任何进行中的积分更新。
func (s *GraphQLServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "不支持流式响应", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.resolver.scoreService.Subscribe()
	defer s.resolver.scoreService.Unsubscribe(sub)

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := encoder.Encode(msg); err != nil {
				log.Printf("写入订阅消息失败: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

// Resolver GraphQL解析器
type Resolver struct {
	scoreService *service.ScoreService
}

// NewResolver 创建新的解析器
func NewResolver(scoreService *service.ScoreService) *Resolver {
	return &Resolver{scoreService: scoreService}
}

// GetLeaderboard 查询当前排行榜
func (r *Resolver) GetLeaderboard(ctx context.Context) (*LeaderboardResolver, error) {
	msg, err := r.scoreService.GetLeaderboard()
	if err != nil {
		return nil, err
	}
	return &LeaderboardResolver{msg: msg}, nil
}

// GetScore 查询参与者积分
func (r *Resolver) GetScore(ctx context.Context, args struct{ ParticipantID string }) (*ScoreRecordResolver, error) {
	failResponse := &ScoreRecordResolver{
		record: &model.ScoreRecord{
			ParticipantID: args.ParticipantID,
			UpdatedAt:     time.Now(),
		},
	}
	record, err := r.scoreService.GetScore(args.ParticipantID)
	if err != nil {
		return failResponse, err
	}

	return &ScoreRecordResolver{record: record}, nil
}

// IssueActionToken 签发行为令牌
func (r *Resolver) IssueActionToken(ctx context.Context, args struct {
	ParticipantID string
	ActionKind    string
}) (*IssueResponseResolver, error) {
	if args.ParticipantID == "" {
		return nil, fmt.Errorf("参与者ID不能为空")
	}

	response, err := r.scoreService.IssueActionToken(args.ParticipantID, args.ActionKind)
	if err != nil {
		return nil, err
	}

	return &IssueResponseResolver{response: response}, nil
}

// SubmitAction 提交行为令牌
func (r *Resolver) SubmitAction(ctx context.Context, args struct{ TokenID string }) (*SubmitResponseResolver, error) {
	response, err := r.scoreService.SubmitAction(args.TokenID)
	if err != nil {
		// 令牌类错误换新令牌后可重试，保持确定性错误信息
		switch {
		case errors.Is(err, model.ErrTokenNotFound),
			errors.Is(err, model.ErrTokenExpired),
			errors.Is(err, model.ErrTokenAlreadyUsed):
			return nil, err
		default:
			return nil, fmt.Errorf("提交行为失败: %w", err)
		}
	}

	return &SubmitResponseResolver{response: response}, nil
}

// LeaderboardResolver 排行榜解析器
type LeaderboardResolver struct {
	msg *model.BroadcastMessage
}

func (r *LeaderboardResolver) Sequence() int32 {
	return int32(r.msg.Sequence)
}

func (r *LeaderboardResolver) AsOf() string {
	return r.msg.UpdatedAt.Format(time.RFC3339)
}

func (r *LeaderboardResolver) Entries() []*LeaderboardEntryResolver {
	resolvers := make([]*LeaderboardEntryResolver, len(r.msg.Entries))
	for i := range r.msg.Entries {
		resolvers[i] = &LeaderboardEntryResolver{entry: r.msg.Entries[i]}
	}
	return resolvers
}

// LeaderboardEntryResolver 排行榜条目解析器
type LeaderboardEntryResolver struct {
	entry model.LeaderboardEntry
}

func (r *LeaderboardEntryResolver) Rank() int32 {
	return int32(r.entry.Rank)
}

func (r *LeaderboardEntryResolver) ParticipantID() string {
	return r.entry.ParticipantID
}

func (r *LeaderboardEntryResolver) Score() float64 {
	return float64(r.entry.Score)
}

// ScoreRecordResolver 积分记录解析器
type ScoreRecordResolver struct {
	record *model.ScoreRecord
}

func (r *ScoreRecordResolver) ParticipantID() string {
	return r.record.ParticipantID
}

func (r *ScoreRecordResolver) Score() float64 {
	return float64(r.record.Score)
}

func (r *ScoreRecordResolver) UpdatedAt() string {
	return r.record.UpdatedAt.Format(time.RFC3339)
}

// IssueResponseResolver 签发响应解析器
type IssueResponseResolver struct {
	response *model.IssueResponse
}

func (r *IssueResponseResolver) TokenID() string {
	return r.response.TokenID
}

func (r *IssueResponseResolver) PointValue() int32 {
	return int32(r.response.PointValue)
}

func (r *IssueResponseResolver) ExpiresAt() string {
	return r.response.ExpiresAt.Format(time.RFC3339)
}

// SubmitResponseResolver 提交响应解析器
type SubmitResponseResolver struct {
	response *model.SubmitResponse
}

func (r *SubmitResponseResolver) ParticipantID() string {
	return r.response.ParticipantID
}

func (r *SubmitResponseResolver) NewScore() float64 {
	return float64(r.response.NewScore)
}

func (r *SubmitResponseResolver) Rank() int32 {
	return int32(r.response.Rank)
}

func (r *SubmitResponseResolver) Ranked() bool {
	return r.response.Ranked
}

func (r *SubmitResponseResolver) Timestamp() string {
	return r.response.Timestamp.Format(time.RFC3339)
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Little Rank GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root">
    <style>
      body {
        background-color: rgb(23, 42, 58);
        font-family: Open Sans, sans-serif;
        height: 90vh;
      }
      #root {
        height: 100%;
        width: 100%;
        display: flex;
        align-items: center;
        justify-content: center;
      }
      .loading {
        font-size: 32px;
        font-weight: 200;
        color: rgba(255, 255, 255, .6);
        margin-left: 20px;
      }
      img {
        width: 78px;
        height: 78px;
      }
      .title {
        font-weight: 400;
      }
    </style>
    <img src='https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/logo.png' alt=''>
    <div class="loading">
      <span class="title">Little Rank GraphQL Playground</span>
    </div>
  </div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '/graphql'
      })
    })</script>
</body>
</html>
`
