package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := validateOrigin(c.OriginURL); err != nil {
		return fmt.Errorf("origin_url: %w", err)
	}
	if err := validateListenAddr(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if c.RateLimitRPS <= 0 {
		return newFieldError("rate_limit_rps", "必须大于 0")
	}
	if c.RateLimitBurst <= 0 {
		return newFieldError("rate_limit_burst", "必须大于 0")
	}
	if c.RateLimitIdleTTL.DurationValue() <= 0 {
		return newFieldError("rate_limit_idle_ttl", "必须大于 0")
	}
	if c.CacheMaxBytes <= 0 {
		return newFieldError("cache_max_bytes", "必须大于 0")
	}
	if c.CacheTTLSuccess.DurationValue() <= 0 {
		return newFieldError("cache_ttl_success", "必须大于 0")
	}
	if c.CacheTTLNotFound.DurationValue() <= 0 {
		return newFieldError("cache_ttl_not_found", "必须大于 0")
	}
	if c.CacheTTLProduct.DurationValue() < 0 {
		return newFieldError("cache_ttl_product", "不能为负数")
	}
	if c.CacheTTLStatic.DurationValue() < 0 {
		return newFieldError("cache_ttl_static", "不能为负数")
	}
	if c.CacheStaleWindow.DurationValue() < 0 {
		return newFieldError("cache_stale_window", "不能为负数")
	}
	if c.CacheSweepInterval.DurationValue() < 0 {
		return newFieldError("cache_sweep_interval", "不能为负数")
	}
	if c.UpstreamTimeoutConnect.DurationValue() <= 0 {
		return newFieldError("upstream_timeout_connect", "必须大于 0")
	}
	if c.UpstreamTimeoutSend.DurationValue() <= 0 {
		return newFieldError("upstream_timeout_send", "必须大于 0")
	}
	if c.UpstreamTimeoutRead.DurationValue() <= 0 {
		return newFieldError("upstream_timeout_read", "必须大于 0")
	}
	if c.UpstreamMaxIdleConns <= 0 {
		return newFieldError("upstream_max_idle_conns", "必须大于 0")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return newFieldError("tls_cert_file/tls_key_file", "必须同时提供或同时留空")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return newFieldError("log_level", "无法识别的日志级别: "+c.LogLevel)
	}
	if c.StatsRedisDB < 0 {
		return newFieldError("stats_redis_db", "不能为负数")
	}
	if c.StatsRedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.StatsRedisAddr); err != nil {
			return newFieldError("stats_redis_addr", "必须是 host:port 格式")
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("上游地址不应包含查询参数: %s", raw)
	}
	return nil
}

func validateListenAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("不能为空")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("必须是 host:port 格式: %w", err)
	}
	return nil
}
