package graph

import (
	"testing"
	"time"

	"github.com/lvdashuaibi/littlerank/internal/model"
)

// 分数字段超出32位整数范围时不得被截断
func TestScoreFieldsPreserveLargeValues(t *testing.T) {
	const bigScore = int64(3_000_000_000)

	entry := &LeaderboardEntryResolver{entry: model.LeaderboardEntry{
		Rank:          1,
		ParticipantID: "A",
		Score:         bigScore,
		UpdatedAt:     time.Now(),
	}}
	if got := entry.Score(); got != float64(bigScore) {
		t.Fatalf("榜单条目分数应为 %d，实际为 %v", bigScore, got)
	}

	record := &ScoreRecordResolver{record: &model.ScoreRecord{
		ParticipantID: "A",
		Score:         bigScore,
		UpdatedAt:     time.Now(),
	}}
	if got := record.Score(); got != float64(bigScore) {
		t.Fatalf("积分记录分数应为 %d，实际为 %v", bigScore, got)
	}

	submit := &SubmitResponseResolver{response: &model.SubmitResponse{
		ParticipantID: "A",
		NewScore:      bigScore,
		Rank:          1,
		Ranked:        true,
		Timestamp:     time.Now(),
	}}
	if got := submit.NewScore(); got != float64(bigScore) {
		t.Fatalf("提交响应分数应为 %d，实际为 %v", bigScore, got)
	}
}

// Schema能正常解析，分数字段声明为Float
func TestSchemaParses(t *testing.T) {
	server := NewGraphQLServer(nil)
	if server.schema == nil {
		t.Fatal("Schema解析失败")
	}
}
