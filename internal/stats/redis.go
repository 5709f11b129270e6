package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis 把计数写入 Redis 哈希，多个网关实例可共享同一份统计。
//
//	<prefix>:total               allowed/denied/cache:<STATUS>
//	<prefix>:minute:<yyyymmddHHMM> 同上，带 TTL
//	<prefix>:policy              <policy>:allowed / <policy>:denied
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption 调整 Redis 记录器。
type RedisOption func(*Redis)

// WithPrefix 设置键前缀。
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithBucketTTL 设置按分钟分桶的键的过期时间，total/policy 不过期。
func WithBucketTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: "cachegate:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial 根据地址创建客户端并 Ping 一次，确保启动时就暴露连接问题。
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) Record(ctx context.Context, ev Event) error {
	if r == nil || r.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	pipe := r.rdb.Pipeline()
	for _, inc := range r.increments(ev, at) {
		pipe.HIncrBy(ctx, inc.key, inc.field, 1)
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, r.minuteKey(at), r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close 关闭底层客户端。
func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

type increment struct {
	key   string
	field string
}

func (r *Redis) increments(ev Event, at time.Time) []increment {
	outcome := "denied"
	if ev.Allowed {
		outcome = "allowed"
	}
	total := r.prefix + ":total"
	minute := r.minuteKey(at)

	out := []increment{
		{key: total, field: outcome},
		{key: minute, field: outcome},
	}
	if ev.CacheStatus != "" {
		out = append(out,
			increment{key: total, field: "cache:" + ev.CacheStatus},
			increment{key: minute, field: "cache:" + ev.CacheStatus},
		)
	}
	if ev.Policy != "" {
		out = append(out, increment{key: r.prefix + ":policy", field: ev.Policy + ":" + outcome})
	}
	return out
}

func (r *Redis) minuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
}
