// Package metrics 暴露网关的 Prometheus 指标。
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/upstream"
)

const namespace = "cachegate"

// Metrics 持有全部采集器；registry 由调用方注入，测试之间互不影响。
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	admission *prometheus.CounterVec
	upstream  *prometheus.HistogramVec
}

// New 在 reg 上注册采集器；reg 为空时新建一个并附带 Go/进程采集器。
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by route policy, cache status and response code.",
		}, []string{"policy", "cache_status", "code"}),
		admission: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_total",
			Help:      "Rate limiter decisions.",
		}, []string{"outcome"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Origin round trip latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.requests, m.admission, m.upstream)
	return m
}

// Registry 返回底层 registry。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 返回 /-/metrics 使用的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest 记录一次已完成的代理请求。
func (m *Metrics) ObserveRequest(policy, cacheStatus string, code int) {
	m.requests.WithLabelValues(policy, cacheStatus, strconv.Itoa(code)).Inc()
}

// ObserveAdmission 记录限流判定。
func (m *Metrics) ObserveAdmission(allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "admitted"
	}
	m.admission.WithLabelValues(outcome).Inc()
}

// ObserveUpstream 记录一次回源耗时。
func (m *Metrics) ObserveUpstream(elapsed time.Duration, err error) {
	m.upstream.WithLabelValues(upstreamOutcome(err)).Observe(elapsed.Seconds())
}

func upstreamOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, upstream.ErrTimeout):
		return "timeout"
	default:
		return "connection_failed"
	}
}

// RegisterCache 以 GaugeFunc/CounterFunc 的形式导出缓存统计。
func (m *Metrics) RegisterCache(stats func() cache.Stats) {
	gauge := func(name, help string, fn func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: name, Help: help,
		}, func() float64 { return fn(stats()) })
	}
	counter := func(name, help string, fn func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: name, Help: help,
		}, func() float64 { return fn(stats()) })
	}
	m.registry.MustRegister(
		gauge("entries", "Entries currently cached.", func(s cache.Stats) float64 { return float64(s.Entries) }),
		gauge("bytes", "Accounted bytes currently cached.", func(s cache.Stats) float64 { return float64(s.Bytes) }),
		gauge("max_bytes", "Cache byte budget.", func(s cache.Stats) float64 { return float64(s.MaxBytes) }),
		gauge("inflight", "Origin fetches currently holding a marker.", func(s cache.Stats) float64 { return float64(s.Inflight) }),
		counter("evictions_total", "Entries evicted to stay within the byte budget.", func(s cache.Stats) float64 { return float64(s.Evictions) }),
		counter("refreshes_total", "Successful background refreshes after stale hits.", func(s cache.Stats) float64 { return float64(s.Refreshes) }),
	)
}

// RegisterLimiter 导出当前令牌桶数量。
func (m *Metrics) RegisterLimiter(buckets func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "buckets",
		Help:      "Client buckets currently tracked by the rate limiter.",
	}, func() float64 { return float64(buckets()) }))
}
