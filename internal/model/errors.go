package model

import (
	"errors"
)

var (
	// ErrTokenNotFound 令牌不存在或已被回收
	ErrTokenNotFound = errors.New("令牌不存在")
	// ErrTokenExpired 令牌已过期
	ErrTokenExpired = errors.New("令牌已过期")
	// ErrTokenAlreadyUsed 令牌已被兑换过
	ErrTokenAlreadyUsed = errors.New("令牌已被使用")
	// ErrInvalidPointValue 积分值配置非法（必须大于0）
	ErrInvalidPointValue = errors.New("无效的积分值")
	// ErrScoreOverflow 积分溢出，属于致命错误，绝不静默回绕
	ErrScoreOverflow = errors.New("积分溢出")
	// ErrUnknownActionKind 未配置的行为类型
	ErrUnknownActionKind = errors.New("未知的行为类型")
)
