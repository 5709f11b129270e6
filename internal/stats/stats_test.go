package stats

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestMemoryCounts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Record(ctx, Event{Allowed: true, Policy: "cacheable_product", CacheStatus: "HIT"})
	_ = m.Record(ctx, Event{Allowed: true, Policy: "cacheable_product", CacheStatus: "MISS"})
	_ = m.Record(ctx, Event{Allowed: false})

	total := m.Total()
	if total.Allowed != 2 || total.Denied != 1 {
		t.Fatalf("unexpected totals: %+v", total)
	}
	if got := m.ByPolicy()["cacheable_product"].Allowed; got != 2 {
		t.Fatalf("expected 2 product requests, got %d", got)
	}
	if got := m.ByCacheStatus()["HIT"]; got != 1 {
		t.Fatalf("expected 1 HIT, got %d", got)
	}
}

func TestRedisIncrementLayout(t *testing.T) {
	r := NewRedis(nil, WithPrefix("gw:stats:"))
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	incs := r.increments(Event{Allowed: true, Policy: "no_cache", CacheStatus: "BYPASS"}, at)

	want := map[string]bool{}
	for _, k := range []string{
		"gw:stats:total|allowed",
		"gw:stats:minute:202603040506|allowed",
		"gw:stats:total|cache:BYPASS",
		"gw:stats:minute:202603040506|cache:BYPASS",
		"gw:stats:policy|no_cache:allowed",
	} {
		want[k] = true
	}
	if len(incs) != len(want) {
		t.Fatalf("expected %d increments, got %d: %+v", len(want), len(incs), incs)
	}
	for _, inc := range incs {
		if !want[inc.key+"|"+inc.field] {
			t.Fatalf("unexpected increment %s %s", inc.key, inc.field)
		}
	}

	denied := r.increments(Event{Allowed: false}, at)
	if len(denied) != 2 || denied[0].field != "denied" {
		t.Fatalf("denied event should only bump outcome counters: %+v", denied)
	}
}

func TestRedisNilClientIsNoop(t *testing.T) {
	var r *Redis
	if err := r.Record(context.Background(), Event{Allowed: true}); err != nil {
		t.Fatalf("nil recorder should be a no-op: %v", err)
	}
}

func TestRedisRecordAgainstServer(t *testing.T) {
	addr := os.Getenv("CACHEGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CACHEGATE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := Dial(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	prefix := "cachegate:test:" + time.Now().Format("150405.000000")
	r := NewRedis(rdb, WithPrefix(prefix), WithBucketTTL(time.Minute))
	defer func() {
		_ = rdb.Del(ctx, prefix+":total", prefix+":policy").Err()
		_ = r.Close()
	}()

	if err := r.Record(ctx, Event{Allowed: true, Policy: "health"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := rdb.HGet(ctx, prefix+":total", "allowed").Int64()
	if err != nil || got != 1 {
		t.Fatalf("expected allowed=1, got %d %v", got, err)
	}
}
