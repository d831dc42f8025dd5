package rule

import (
	"fmt"

	"github.com/lvdashuaibi/littlerank/internal/model"
)

// Table 行为类型到积分值的映射，由配置提供，核心不内嵌任何取值
type Table struct {
	values map[string]int64
}

func NewTable(values map[string]int64) *Table {
	copied := make(map[string]int64, len(values))
	for kind, value := range values {
		copied[kind] = value
	}
	return &Table{values: copied}
}

// PointValue 查询行为类型对应的积分值。
// 未配置的类型返回 ErrUnknownActionKind；配置为非正数属于配置错误，
// 返回 ErrInvalidPointValue。
func (t *Table) PointValue(actionKind string) (int64, error) {
	value, ok := t.values[actionKind]
	if !ok {
		return 0, fmt.Errorf("行为类型 %s: %w", actionKind, model.ErrUnknownActionKind)
	}
	if value <= 0 {
		return 0, fmt.Errorf("行为类型 %s 配置的积分值 %d: %w", actionKind, value, model.ErrInvalidPointValue)
	}
	return value, nil
}
