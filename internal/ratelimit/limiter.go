package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const shardCount = 32

// Decision 描述一次准入判定；RetryAfter 仅在拒绝时有意义。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Options 控制令牌桶参数与空闲回收。
type Options struct {
	RPS     float64
	Burst   int
	IdleTTL time.Duration
	// Now 便于测试注入时钟，默认 time.Now。
	Now func() time.Time
}

// Limiter 按客户端 key 维护令牌桶，Admit 从不阻塞、从不排队。
type Limiter struct {
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// bucket 的所有字段都由 mu 保护；evicted 置位后该桶不再被使用。
type bucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	lastSeen time.Time
	evicted  bool
}

// New 构建限流器，未设置的字段回退到 10 rps / burst 20 / 10m 空闲回收。
func New(opts Options) *Limiter {
	if opts.RPS <= 0 {
		opts.RPS = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Limiter{
		rps:     rate.Limit(opts.RPS),
		burst:   opts.Burst,
		idleTTL: opts.IdleTTL,
		now:     opts.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// RPS 返回每秒补充的令牌数，诊断端点用它展示生效配置。
func (l *Limiter) RPS() float64 { return float64(l.rps) }

// Burst 返回单个桶的容量。
func (l *Limiter) Burst() int { return l.burst }

// Admit 先按流逝时间补充令牌，再尝试扣除一个令牌。
func (l *Limiter) Admit(key string) bool {
	return l.Decide(key).Allowed
}

// Decide 与 Admit 相同，但在拒绝时给出补满一个令牌所需的等待时间。
func (l *Limiter) Decide(key string) Decision {
	for {
		now := l.now()
		b := l.bucketFor(key, now)

		b.mu.Lock()
		if b.evicted {
			// 与 Sweep 竞争失败，该桶已被回收，重新创建。
			b.mu.Unlock()
			continue
		}
		b.lastSeen = now
		if b.lim.AllowN(now, 1) {
			b.mu.Unlock()
			return Decision{Allowed: true}
		}
		tokens := b.lim.TokensAt(now)
		b.mu.Unlock()

		return Decision{Allowed: false, RetryAfter: l.refillWait(tokens)}
	}
}

// Tokens 返回 key 当前可用令牌数；不存在的桶视为满桶。
func (l *Limiter) Tokens(key string) float64 {
	s := l.shardFor(key)
	s.mu.Lock()
	b, ok := s.buckets[key]
	s.mu.Unlock()
	if !ok {
		return float64(l.burst)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(l.now())
}

// Len 返回当前存活的令牌桶数量。
func (l *Limiter) Len() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.buckets)
		s.mu.Unlock()
	}
	return total
}

// Sweep 回收空闲超过 IdleTTL 的令牌桶，返回回收数量。
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			b.mu.Lock()
			if b.lastSeen.Before(cutoff) {
				b.evicted = true
				delete(s.buckets, key)
				removed++
			}
			b.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// StartJanitor 启动后台 goroutine 周期性执行 Sweep，ctx 取消后退出。
func (l *Limiter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = l.idleTTL / 2
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Sweep()
			}
		}
	}()
}

func (l *Limiter) bucketFor(key string, now time.Time) *bucket {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[key]; ok {
		return b
	}
	b := &bucket{
		lim:      rate.NewLimiter(l.rps, l.burst),
		lastSeen: now,
	}
	s.buckets[key] = b
	return b
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Limiter) refillWait(tokens float64) time.Duration {
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / float64(l.rps) * float64(time.Second)))
}
