package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/metrics"
	"github.com/any-hub/cachegate/internal/ratelimit"
	"github.com/any-hub/cachegate/internal/router"
	"github.com/any-hub/cachegate/internal/stats"
)

// ProxyHandler describes the component responsible for proxying a classified
// request to the origin. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, router.Policy) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, router.Policy) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, policy router.Policy) error {
	return f(c, policy)
}

// Admitter 是准入判定的最小接口，*ratelimit.Limiter 满足它。
type Admitter interface {
	Decide(key string) ratelimit.Decision
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Router  *router.Router
	Limiter Admitter
	Proxy   ProxyHandler

	// Stats/Metrics 可为空。
	Stats   stats.Recorder
	Metrics *metrics.Metrics

	TrustForwarded bool
	CloseOnReject  bool
	// Diagnostics 为 true 时 /-/ 前缀保留给诊断接口，不做限流也不转发。
	Diagnostics bool
}

const (
	contextKeyRequestID = "_cachegate_request_id"
	contextKeyClientIP  = "_cachegate_client_ip"
	contextKeyPeerIP    = "_cachegate_peer_ip"
	contextKeyPolicy    = "_cachegate_policy"
)

// HealthBody 是 /proxy-health 的固定响应。
const HealthBody = "Proxy OK"

// NewApp builds the gateway Fiber application. Handlers run in registration
// order: request context, health fast path, admission, then the proxy
// catch-all. Diagnostics routes are registered by the caller afterwards.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		StrictRouting: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))
	app.All(router.HealthPath, healthHandler)
	app.Use(admissionMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		path := string(c.Request().URI().Path())
		if opts.Diagnostics && isDiagnosticsPath(path) {
			return c.Next()
		}
		policy := opts.Router.Classify(path)
		c.Locals(contextKeyPolicy, policy)
		return opts.Proxy.Handle(c, policy)
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID，并确定客户端地址（限流 key 与 X-Real-IP 共用）。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		peer := strings.Clone(c.IP())
		forwarded := string(c.Request().Header.Peek("X-Forwarded-For"))
		c.Locals(contextKeyPeerIP, peer)
		c.Locals(contextKeyClientIP, ratelimit.ClientIP(peer, forwarded, opts.TrustForwarded))
		return c.Next()
	}
}

// healthHandler 不经过限流、缓存与上游。
func healthHandler(c fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(fiber.StatusOK).SendString(HealthBody)
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	return localString(c, contextKeyRequestID)
}

// ClientIP 返回用于限流与 X-Real-IP 的客户端地址。
func ClientIP(c fiber.Ctx) string {
	return localString(c, contextKeyClientIP)
}

// PeerIP 返回直连对端地址。
func PeerIP(c fiber.Ctx) string {
	return localString(c, contextKeyPeerIP)
}

// PolicyOf 返回 catch-all 路由写入的策略；未分类的请求返回 NoCache。
func PolicyOf(c fiber.Ctx) (router.Policy, bool) {
	if value := c.Locals(contextKeyPolicy); value != nil {
		if policy, ok := value.(router.Policy); ok {
			return policy, true
		}
	}
	return router.NoCache, false
}

func localString(c fiber.Ctx, key string) string {
	if value := c.Locals(key); value != nil {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
