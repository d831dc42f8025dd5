package rule

import (
	"errors"
	"testing"

	"github.com/lvdashuaibi/littlerank/internal/model"
)

func TestPointValue(t *testing.T) {
	table := NewTable(map[string]int64{
		"daily_checkin": 10,
		"invite_friend": 100,
	})

	value, err := table.PointValue("invite_friend")
	if err != nil {
		t.Fatalf("查询积分值失败: %v", err)
	}
	if value != 100 {
		t.Fatalf("积分值应为100，实际为 %d", value)
	}
}

func TestUnknownActionKind(t *testing.T) {
	table := NewTable(map[string]int64{"daily_checkin": 10})

	if _, err := table.PointValue("no_such_kind"); !errors.Is(err, model.ErrUnknownActionKind) {
		t.Fatalf("应返回 ErrUnknownActionKind，实际为 %v", err)
	}
}

// 配置为非正数属于配置错误，查询时暴露而不是静默通过
func TestMisconfiguredPointValue(t *testing.T) {
	table := NewTable(map[string]int64{"broken": 0, "negative": -5})

	for _, kind := range []string{"broken", "negative"} {
		if _, err := table.PointValue(kind); !errors.Is(err, model.ErrInvalidPointValue) {
			t.Fatalf("行为 %s 应返回 ErrInvalidPointValue，实际为 %v", kind, err)
		}
	}
}
