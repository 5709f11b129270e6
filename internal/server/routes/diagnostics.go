package routes

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/metrics"
	"github.com/any-hub/cachegate/internal/ratelimit"
	"github.com/any-hub/cachegate/internal/router"
	"github.com/any-hub/cachegate/internal/stats"
)

// DiagnosticsOptions 汇总诊断接口需要读取的组件，均为只读访问。
type DiagnosticsOptions struct {
	Metrics *metrics.Metrics
	Cache   *cache.Store
	Limiter *ratelimit.Limiter
	Router  *router.Router
	// Memory 仅在未配置 Redis 时存在。
	Memory  *stats.Memory
	Version string
}

// RegisterDiagnostics 暴露 /-/metrics 与 /-/cache，供运维查询缓存与限流状态。
func RegisterDiagnostics(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil {
		return
	}

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		return c.JSON(encodeDiagnostics(opts))
	})
}

type diagnosticsPayload struct {
	Version   string            `json:"version,omitempty"`
	Cache     *cache.Stats      `json:"cache,omitempty"`
	RateLimit *rateLimitPayload `json:"rate_limit,omitempty"`
	Policies  []policyPayload   `json:"policies,omitempty"`
	Requests  *requestTotals    `json:"requests,omitempty"`
}

type rateLimitPayload struct {
	RPS     float64 `json:"rps"`
	Burst   int     `json:"burst"`
	Buckets int     `json:"buckets"`
}

type policyPayload struct {
	Name       string `json:"name"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type requestTotals struct {
	Total         stats.Counters            `json:"total"`
	ByPolicy      map[string]stats.Counters `json:"by_policy"`
	ByCacheStatus map[string]int64          `json:"by_cache_status"`
}

func encodeDiagnostics(opts DiagnosticsOptions) diagnosticsPayload {
	payload := diagnosticsPayload{Version: opts.Version}
	if opts.Cache != nil {
		s := opts.Cache.Stats()
		payload.Cache = &s
	}
	if opts.Limiter != nil {
		payload.RateLimit = &rateLimitPayload{
			RPS:     opts.Limiter.RPS(),
			Burst:   opts.Limiter.Burst(),
			Buckets: opts.Limiter.Len(),
		}
	}
	if opts.Router != nil {
		for _, p := range []router.Policy{router.CacheableProduct, router.CacheableStatic} {
			payload.Policies = append(payload.Policies, policyPayload{
				Name:       p.String(),
				TTLSeconds: int64(opts.Router.SuccessTTL(p) / time.Second),
			})
		}
	}
	if opts.Memory != nil {
		payload.Requests = &requestTotals{
			Total:         opts.Memory.Total(),
			ByPolicy:      opts.Memory.ByPolicy(),
			ByCacheStatus: opts.Memory.ByCacheStatus(),
		}
	}
	return payload
}
