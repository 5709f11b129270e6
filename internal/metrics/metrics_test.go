package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/upstream"
)

func TestObserveRequestAndAdmission(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRequest("cacheable_product", "HIT", 200)
	m.ObserveRequest("cacheable_product", "HIT", 200)
	m.ObserveAdmission(false)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("cacheable_product", "HIT", "200")); got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.admission.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
}

func TestUpstreamOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":                nil,
		"timeout":           fmt.Errorf("%w: read", upstream.ErrTimeout),
		"connection_failed": errors.New("refused"),
	}
	for want, err := range cases {
		if got := upstreamOutcome(err); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
	m := New(prometheus.NewRegistry())
	m.ObserveUpstream(20*time.Millisecond, nil)
	if n := testutil.CollectAndCount(m.upstream); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
}

func TestHandlerExposesCacheGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RegisterCache(func() cache.Stats {
		return cache.Stats{Entries: 3, Bytes: 2048, MaxBytes: 4096, Evictions: 5}
	})
	m.RegisterLimiter(func() int { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		"cachegate_cache_entries 3",
		"cachegate_cache_bytes 2048",
		"cachegate_cache_evictions_total 5",
		"cachegate_ratelimit_buckets 7",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}
