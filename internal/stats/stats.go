// Package stats 记录准入判定与缓存结果事件，供运维统计使用。
// 记录是尽力而为的：失败只写日志，不影响请求。
package stats

import (
	"context"
	"time"
)

// Event 描述一次请求的准入结果；Allowed 为 false 时 CacheStatus 为空。
type Event struct {
	ClientIP    string
	Allowed     bool
	Method      string
	Policy      string
	CacheStatus string
	At          time.Time
}

// Recorder 是统计事件的持久化策略。
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
