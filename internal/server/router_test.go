package server

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/ratelimit"
	"github.com/any-hub/cachegate/internal/router"
	"github.com/any-hub/cachegate/internal/stats"
)

func TestHealthBypassesLimiterAndProxy(t *testing.T) {
	app := newTestApp(t, testAppOptions{burst: 1})

	for i := 0; i < 5; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/proxy-health", nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != fiber.StatusOK || string(body) != HealthBody {
			t.Fatalf("expected 200 %q, got %d %q", HealthBody, resp.StatusCode, body)
		}
	}
	if app.proxy.calls() != 0 {
		t.Fatalf("health must not reach the proxy handler")
	}
	if app.limiter.Len() != 0 {
		t.Fatalf("health must not create rate buckets")
	}
}

func TestRouterClassifiesAndSetsRequestID(t *testing.T) {
	app := newTestApp(t, testAppOptions{burst: 20})

	cases := map[string]router.Policy{
		"/api/products/1":    router.NoCache,
		"/products/logo.png": router.CacheableProduct,
		"/assets/app.js":     router.CacheableStatic,
		"/about":             router.NoCache,
	}
	for path, want := range cases {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("expected 204 for %s, got %d", path, resp.StatusCode)
		}
		if got := app.proxy.lastPolicy(); got != want {
			t.Fatalf("path %s: expected policy %s, got %s", path, want, got)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("expected X-Request-ID header to be set")
		}
	}
}

func TestRouterRejectsWith429AfterBurst(t *testing.T) {
	memory := stats.NewMemory()
	app := newTestApp(t, testAppOptions{burst: 2, closeOnReject: true, stats: memory})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/about", nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("request %d should be admitted, got %d", i+1, resp.StatusCode)
		}
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/about", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("429 should carry Retry-After")
	}
	if !resp.Close && resp.Header.Get("Connection") != "close" {
		t.Fatalf("429 should close the connection when configured")
	}
	if app.proxy.calls() != 2 {
		t.Fatalf("rejected request must not reach the proxy, calls=%d", app.proxy.calls())
	}

	total := memory.Total()
	if total.Allowed != 2 || total.Denied != 1 {
		t.Fatalf("unexpected stats totals: %+v", total)
	}
}

func TestDiagnosticsPathsSkipLimiter(t *testing.T) {
	app := newTestApp(t, testAppOptions{burst: 1, diagnostics: true})
	app.Get("/-/ping", func(c fiber.Ctx) error { return c.SendString("pong") })

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/-/ping", nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("diagnostics should not be rate limited, got %d", resp.StatusCode)
		}
	}
	if app.proxy.calls() != 0 {
		t.Fatalf("diagnostics must not be proxied")
	}
}

func TestTrustedForwardedHeaderKeysByClient(t *testing.T) {
	app := newTestApp(t, testAppOptions{burst: 1, trustForwarded: true})

	for _, ip := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest("GET", "/about", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("distinct forwarded clients should have separate buckets, got %d", resp.StatusCode)
		}
	}
	if app.limiter.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", app.limiter.Len())
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	if got := retryAfterSeconds(100 * time.Millisecond); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := retryAfterSeconds(1500 * time.Millisecond); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
}

type testAppOptions struct {
	burst          int
	closeOnReject  bool
	diagnostics    bool
	trustForwarded bool
	stats          stats.Recorder
}

type testApp struct {
	*fiber.App
	proxy   *proxyRecorder
	limiter *ratelimit.Limiter
}

func newTestApp(t *testing.T, opts testAppOptions) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	limiter := ratelimit.New(ratelimit.Options{RPS: 0.001, Burst: opts.burst})
	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:         logger,
		Router:         router.New(time.Hour, time.Hour),
		Limiter:        limiter,
		Proxy:          recorder,
		Stats:          opts.stats,
		TrustForwarded: opts.trustForwarded,
		CloseOnReject:  opts.closeOnReject,
		Diagnostics:    opts.diagnostics,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, proxy: recorder, limiter: limiter}
}

type proxyRecorder struct {
	mu       sync.Mutex
	policies []router.Policy
}

func (p *proxyRecorder) Handle(c fiber.Ctx, policy router.Policy) error {
	p.mu.Lock()
	p.policies = append(p.policies, policy)
	p.mu.Unlock()
	return c.SendStatus(fiber.StatusNoContent)
}

func (p *proxyRecorder) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.policies)
}

func (p *proxyRecorder) lastPolicy() router.Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.policies) == 0 {
		return router.NoCache
	}
	return p.policies[len(p.policies)-1]
}
