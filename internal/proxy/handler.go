package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/logging"
	"github.com/any-hub/cachegate/internal/metrics"
	"github.com/any-hub/cachegate/internal/router"
	"github.com/any-hub/cachegate/internal/server"
	"github.com/any-hub/cachegate/internal/upstream"
)

// HeaderCacheStatus 标记响应来自缓存的哪条路径。
const HeaderCacheStatus = "X-Cache-Status"

// Options 汇总 Handler 依赖的组件，Metrics 可为空。
type Options struct {
	Cache   *cache.Store
	Client  *upstream.Client
	Router  *router.Router
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

// Handler 负责 “缓存查询 → 单飞回源 → 写回客户端” 的全流程；
// 不可缓存的请求直接透传上游，协议升级请求走独立隧道。
type Handler struct {
	store   *cache.Store
	client  *upstream.Client
	router  *router.Router
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler constructs a proxy handler around the shared store and client.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("upstream client is required")
	}
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Handler{
		store:   opts.Cache,
		client:  opts.Client,
		router:  opts.Router,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Handle 根据策略选择健康检查、升级隧道、缓存或直连路径，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, policy router.Policy) error {
	started := time.Now()
	if policy == router.Health {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Status(fiber.StatusOK).SendString(server.HealthBody)
	}

	req := snapshotRequest(c)
	ctx := otel.GetTextMapPropagator().Extract(requestContext(c), propagation.HeaderCarrier(req.Header))
	call := &proxyCall{
		policy:    policy,
		req:       req,
		requestID: server.RequestID(c),
		started:   started,
	}

	switch {
	case upstream.IsUpgrade(req.Header):
		return h.serveUpgrade(ctx, c, call)
	case policy.Cacheable() && isCacheableMethod(req.Method):
		return h.serveCached(ctx, c, call)
	default:
		return h.serveDirect(ctx, c, call)
	}
}

// proxyCall 记录一次请求在各阶段间传递的状态，仅用于日志与指标。
type proxyCall struct {
	policy    router.Policy
	req       upstream.Request
	requestID string
	started   time.Time
}

func (h *Handler) serveCached(ctx context.Context, c fiber.Ctx, call *proxyCall) error {
	key := cache.NewKey(call.req.Method, call.req.Path, call.req.RawQuery)

	// 回填统一用 GET 且不带正文，HEAD 与 GET 共享条目。
	fill := call.req
	fill.Method = http.MethodGet
	fill.Body = nil

	fetch := func(ctx context.Context) (*cache.Response, error) {
		resp, err := h.fetch(ctx, fill)
		if errors.Is(err, upstream.ErrBodyTooLarge) {
			return nil, fmt.Errorf("%w: %w", cache.ErrNotCacheable, err)
		}
		if err != nil {
			return nil, err
		}
		return &cache.Response{Status: resp.Status, Header: resp.Header, Body: resp.Body}, nil
	}

	res, err := h.store.FetchOrWait(ctx, key, h.router.SuccessTTL(call.policy), fetch)
	if errors.Is(err, upstream.ErrBodyTooLarge) {
		// 超出缓冲上限的对象不进缓存，改为直接流式转发。
		return h.serveDirect(ctx, c, call)
	}
	if err != nil {
		return h.writeUpstreamError(c, call, err)
	}
	writeResponse(c, res.Response.Status, res.Response.Header, res.Response.Body, res.Status)
	h.logResult(call, res.Status, res.Response.Status, nil)
	return nil
}

func (h *Handler) serveDirect(ctx context.Context, c fiber.Ctx, call *proxyCall) error {
	began := time.Now()
	resp, err := h.client.Stream(ctx, call.req)
	h.observeUpstream(time.Since(began), err)
	if err != nil {
		return h.writeUpstreamError(c, call, err)
	}

	writeHead(c, resp.StatusCode, resp.Header, cache.StatusBypass)
	if call.req.Method == http.MethodHead {
		_ = resp.Body.Close()
		if resp.ContentLength >= 0 {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
	} else {
		// fasthttp 写完后负责关闭 Body。
		c.Response().SetBodyStream(resp.Body, int(resp.ContentLength))
	}
	h.logResult(call, cache.StatusBypass, resp.StatusCode, nil)
	return nil
}

// fetch 读取完整响应并记录回源耗时，供缓存回填使用。
func (h *Handler) fetch(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	began := time.Now()
	resp, err := h.client.Fetch(ctx, req)
	h.observeUpstream(time.Since(began), err)
	return resp, err
}

func (h *Handler) observeUpstream(elapsed time.Duration, err error) {
	if h.metrics != nil {
		h.metrics.ObserveUpstream(elapsed, err)
	}
}

// writeUpstreamError 丢弃已写入的正文，按错误类型返回 502/504。
func (h *Handler) writeUpstreamError(c fiber.Ctx, call *proxyCall, err error) error {
	status := upstream.StatusFor(err)
	code := "upstream_unavailable"
	if status == fiber.StatusGatewayTimeout {
		code = "upstream_timeout"
	}
	h.logResult(call, "", status, err)
	return writeError(c, status, code)
}

func writeError(c fiber.Ctx, status int, code string) error {
	c.Response().ResetBody()
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(call *proxyCall, cacheStatus cache.Status, status int, err error) {
	if h.metrics != nil {
		h.metrics.ObserveRequest(call.policy.String(), string(cacheStatus), status)
	}
	fields := logging.RequestFields(call.policy.String(), string(cacheStatus), call.req.ClientIP)
	fields["action"] = "proxy"
	fields["method"] = call.req.Method
	fields["path"] = call.req.Path
	fields["upstream"] = h.client.URL(call.req)
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(call.started).Milliseconds()
	if call.requestID != "" {
		fields["request_id"] = call.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func isCacheableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
