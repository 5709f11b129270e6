package stats

import (
	"context"
	"sync"
)

// Counters 是一组允许/拒绝计数。
type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// Memory 在进程内累计事件，未配置 Redis 时使用，重启后清零。
type Memory struct {
	mu       sync.Mutex
	total    Counters
	byPolicy map[string]Counters
	byCache  map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		byPolicy: make(map[string]Counters),
		byCache:  make(map[string]int64),
	}
}

func (m *Memory) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.byPolicy[ev.Policy]
	if ev.Allowed {
		m.total.Allowed++
		c.Allowed++
	} else {
		m.total.Denied++
		c.Denied++
	}
	if ev.Policy != "" {
		m.byPolicy[ev.Policy] = c
	}
	if ev.CacheStatus != "" {
		m.byCache[ev.CacheStatus]++
	}
	return nil
}

// Total 返回累计计数。
func (m *Memory) Total() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// ByPolicy 返回按路由策略分组的计数副本。
func (m *Memory) ByPolicy() map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Counters, len(m.byPolicy))
	for k, v := range m.byPolicy {
		out[k] = v
	}
	return out
}

// ByCacheStatus 返回按 X-Cache-Status 分组的计数副本。
func (m *Memory) ByCacheStatus() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.byCache))
	for k, v := range m.byCache {
		out[k] = v
	}
	return out
}
