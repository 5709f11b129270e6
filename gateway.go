package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/certs"
	"github.com/any-hub/cachegate/internal/config"
	"github.com/any-hub/cachegate/internal/logging"
	"github.com/any-hub/cachegate/internal/metrics"
	"github.com/any-hub/cachegate/internal/proxy"
	"github.com/any-hub/cachegate/internal/ratelimit"
	"github.com/any-hub/cachegate/internal/router"
	"github.com/any-hub/cachegate/internal/server"
	"github.com/any-hub/cachegate/internal/server/routes"
	"github.com/any-hub/cachegate/internal/stats"
	"github.com/any-hub/cachegate/internal/tracing"
	"github.com/any-hub/cachegate/internal/upstream"
	"github.com/any-hub/cachegate/internal/version"
)

const shutdownTimeout = 15 * time.Second

// gateway 持有进程级共享组件，构造一次后注入到每个请求的 handler。
type gateway struct {
	app    *fiber.App
	store  *cache.Store
	client *upstream.Client
	tracer *tracing.Provider
	stats  stats.Recorder
	cancel context.CancelFunc
}

// buildGateway 按“tracing → 指标 → 统计 → 限流 → 缓存 → 上游 → Fiber”顺序组装组件，
// 保证所有请求共享同一个限流表与缓存实例。
func buildGateway(cfg *config.Config, logger *logrus.Logger) (*gateway, error) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &gateway{cancel: cancel}
	fail := func(err error) (*gateway, error) {
		gw.close(context.Background())
		return nil, err
	}

	tp, err := tracing.Setup(tracing.Options{
		Enabled:     cfg.TracingEnabled,
		ServiceName: "cachegate",
		Version:     version.Version,
	})
	if err != nil {
		return fail(fmt.Errorf("初始化 tracing 失败: %w", err))
	}
	gw.tracer = tp

	m := metrics.New(nil)

	var memory *stats.Memory
	if cfg.StatsRedisAddr != "" {
		dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := stats.Dial(dialCtx, cfg.StatsRedisAddr, cfg.StatsRedisPassword, cfg.StatsRedisDB)
		dialCancel()
		if err != nil {
			return fail(fmt.Errorf("连接统计 Redis 失败: %w", err))
		}
		gw.stats = stats.NewRedis(rdb, stats.WithPrefix(cfg.StatsRedisPrefix))
	} else {
		memory = stats.NewMemory()
		gw.stats = memory
	}

	limiter := ratelimit.New(ratelimit.Options{
		RPS:     cfg.RateLimitRPS,
		Burst:   cfg.RateLimitBurst,
		IdleTTL: cfg.RateLimitIdleTTL.DurationValue(),
	})
	limiter.StartJanitor(ctx, cfg.RateLimitIdleTTL.DurationValue())

	cacheOpts := cache.Options{
		MaxBytes:    cfg.CacheMaxBytes.Int64(),
		NotFoundTTL: cfg.CacheTTLNotFound.DurationValue(),
		StaleWindow: cfg.CacheStaleWindow.DurationValue(),
		Logger:      logger,
	}
	if cfg.CachePersistPath != "" {
		db, err := cache.OpenLevelDB(cfg.CachePersistPath, logger)
		if err != nil {
			return fail(fmt.Errorf("打开缓存持久化目录失败: %w", err))
		}
		cacheOpts.Persister = db
	}
	store, err := cache.New(cacheOpts)
	if err != nil {
		if cacheOpts.Persister != nil {
			_ = cacheOpts.Persister.Close()
		}
		return fail(fmt.Errorf("初始化缓存失败: %w", err))
	}
	gw.store = store
	if every := cfg.CacheSweepInterval.DurationValue(); every > 0 {
		store.StartJanitor(ctx, every)
	}

	m.RegisterCache(store.Stats)
	m.RegisterLimiter(limiter.Len)

	client, err := upstream.New(upstream.Options{
		Origin:         cfg.OriginURL,
		ConnectTimeout: cfg.UpstreamTimeoutConnect.DurationValue(),
		SendTimeout:    cfg.UpstreamTimeoutSend.DurationValue(),
		ReadTimeout:    cfg.UpstreamTimeoutRead.DurationValue(),
		MaxIdleConns:   cfg.UpstreamMaxIdleConns,
		MaxBodyBytes:   cfg.CacheMaxBytes.Int64(),
		TracerProvider: tp,
	})
	if err != nil {
		return fail(fmt.Errorf("初始化上游客户端失败: %w", err))
	}
	gw.client = client

	rt := router.New(cfg.ProductTTL(), cfg.StaticTTL())
	handler, err := proxy.NewHandler(proxy.Options{
		Cache:   store,
		Client:  client,
		Router:  rt,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return fail(err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:         logger,
		Router:         rt,
		Limiter:        limiter,
		Proxy:          proxy.NewForwarder(handler, logger),
		Stats:          gw.stats,
		Metrics:        m,
		TrustForwarded: cfg.TrustedForwardedHeader,
		CloseOnReject:  cfg.RateLimitCloseConnection,
		Diagnostics:    cfg.DiagnosticsEnabled,
	})
	if err != nil {
		return fail(err)
	}
	if cfg.DiagnosticsEnabled {
		routes.RegisterDiagnostics(app, routes.DiagnosticsOptions{
			Metrics: m,
			Cache:   store,
			Limiter: limiter,
			Router:  rt,
			Memory:  memory,
			Version: version.Full(),
		})
	}
	gw.app = app
	return gw, nil
}

// close 依次停止后台任务、刷出缓存持久层与 span；可重复调用。
func (g *gateway) close(ctx context.Context) {
	if g.cancel != nil {
		g.cancel()
	}
	if g.client != nil {
		g.client.CloseIdleConnections()
	}
	if g.store != nil {
		_ = g.store.Close()
		g.store = nil
	}
	if closer, ok := g.stats.(interface{ Close() error }); ok {
		_ = closer.Close()
		g.stats = nil
	}
	if g.tracer != nil {
		_ = g.tracer.Shutdown(ctx)
		g.tracer = nil
	}
}

// serve 启动网关并阻塞到收到 SIGINT/SIGTERM 或监听失败。
func serve(cfg *config.Config, configPath string, logger *logrus.Logger) error {
	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := listen(cfg, logger)
	if err != nil {
		gw.close(context.Background())
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["listen_addr"] = cfg.ListenAddr
	fields["origin"] = cfg.OriginURL
	fields["tls"] = cfg.TLSEnabled()
	fields["stats"] = cfg.StatsMode()
	fields["persist"] = cfg.CachePersistPath != ""
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新连接")
		_ = gw.app.ShutdownWithTimeout(shutdownTimeout)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
	}).Info("Fiber 服务启动")

	err = gw.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	gw.close(ctx)

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// listen 打开入站监听；配置了证书时由本进程终结 TLS，证书文件变化后自动重载。
func listen(cfg *config.Config, logger *logrus.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s 失败: %w", cfg.ListenAddr, err)
	}
	if !cfg.TLSEnabled() {
		return ln, nil
	}
	reloader, err := certs.NewReloader(cfg.TLSCertFile, cfg.TLSKeyFile, logger)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("加载 TLS 证书失败: %w", err)
	}
	return tls.NewListener(ln, reloader.TLSConfig()), nil
}
