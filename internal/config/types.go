package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，兼容纯秒整数、Go Duration 字符串以及 nginx 风格的 "7d"。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m"、"7d" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// MarshalText 输出 Go Duration 字符串，供 -print-config 使用。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed, nil
	}
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(raw, "d"), 64)
		if err == nil {
			return time.Duration(days * float64(24*time.Hour)), nil
		}
	}
	if intVal, err := parseInt(raw); err == nil {
		return time.Duration(intVal) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration value: %s", raw)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// ByteSize 表示字节容量，支持 "1g"、"512m"、"64k" 或纯字节数。
type ByteSize int64

// UnmarshalText 解析 nginx max_size 风格的容量写法。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func parseBytes(raw string) (int64, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "ib")
	s = strings.TrimSuffix(s, "b")
	mult := int64(1)
	if s != "" {
		switch s[len(s)-1] {
		case 'k':
			mult = 1 << 10
			s = s[:len(s)-1]
		case 'm':
			mult = 1 << 20
			s = s[:len(s)-1]
		case 'g':
			mult = 1 << 30
			s = s[:len(s)-1]
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %s", raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size: %s", raw)
	}
	return int64(v * float64(mult)), nil
}

// Config 是 TOML 文件映射的整体结构，所有选项均为顶层键。
type Config struct {
	OriginURL  string `mapstructure:"origin_url" yaml:"origin_url"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	RateLimitRPS             float64  `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst           int      `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
	RateLimitIdleTTL         Duration `mapstructure:"rate_limit_idle_ttl" yaml:"rate_limit_idle_ttl"`
	RateLimitCloseConnection bool     `mapstructure:"rate_limit_close_connection" yaml:"rate_limit_close_connection"`
	TrustedForwardedHeader   bool     `mapstructure:"trusted_forwarded_header" yaml:"trusted_forwarded_header"`

	CacheMaxBytes      ByteSize `mapstructure:"cache_max_bytes" yaml:"cache_max_bytes"`
	CacheTTLSuccess    Duration `mapstructure:"cache_ttl_success" yaml:"cache_ttl_success"`
	CacheTTLNotFound   Duration `mapstructure:"cache_ttl_not_found" yaml:"cache_ttl_not_found"`
	CacheTTLProduct    Duration `mapstructure:"cache_ttl_product" yaml:"cache_ttl_product"`
	CacheTTLStatic     Duration `mapstructure:"cache_ttl_static" yaml:"cache_ttl_static"`
	CacheStaleWindow   Duration `mapstructure:"cache_stale_window" yaml:"cache_stale_window"`
	CachePersistPath   string   `mapstructure:"cache_persist_path" yaml:"cache_persist_path"`
	CacheSweepInterval Duration `mapstructure:"cache_sweep_interval" yaml:"cache_sweep_interval"`

	UpstreamTimeoutConnect Duration `mapstructure:"upstream_timeout_connect" yaml:"upstream_timeout_connect"`
	UpstreamTimeoutSend    Duration `mapstructure:"upstream_timeout_send" yaml:"upstream_timeout_send"`
	UpstreamTimeoutRead    Duration `mapstructure:"upstream_timeout_read" yaml:"upstream_timeout_read"`
	UpstreamMaxIdleConns   int      `mapstructure:"upstream_max_idle_conns" yaml:"upstream_max_idle_conns"`

	TLSCertFile        string `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile         string `mapstructure:"tls_key_file" yaml:"tls_key_file"`
	DiagnosticsEnabled bool   `mapstructure:"diagnostics_enabled" yaml:"diagnostics_enabled"`

	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFilePath   string `mapstructure:"log_file_path" yaml:"log_file_path"`
	LogMaxSize    int    `mapstructure:"log_max_size" yaml:"log_max_size"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	LogCompress   bool   `mapstructure:"log_compress" yaml:"log_compress"`

	StatsRedisAddr     string `mapstructure:"stats_redis_addr" yaml:"stats_redis_addr"`
	StatsRedisPassword string `mapstructure:"stats_redis_password" yaml:"-"`
	StatsRedisDB       int    `mapstructure:"stats_redis_db" yaml:"stats_redis_db"`
	StatsRedisPrefix   string `mapstructure:"stats_redis_prefix" yaml:"stats_redis_prefix"`

	TracingEnabled bool `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
}

// TLSEnabled 表示是否由本进程终结 TLS。
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// ProductTTL 返回 /products/* 的成功 TTL，未单独配置时回退到 cache_ttl_success。
func (c *Config) ProductTTL() time.Duration {
	if ttl := c.CacheTTLProduct.DurationValue(); ttl > 0 {
		return ttl
	}
	return c.CacheTTLSuccess.DurationValue()
}

// StaticTTL 返回静态资源的成功 TTL，未单独配置时回退到 cache_ttl_success。
func (c *Config) StaticTTL() time.Duration {
	if ttl := c.CacheTTLStatic.DurationValue(); ttl > 0 {
		return ttl
	}
	return c.CacheTTLSuccess.DurationValue()
}

// StatsMode 输出 `redis` 或 `memory`，供日志字段使用。
func (c *Config) StatsMode() string {
	if c.StatsRedisAddr != "" {
		return "redis"
	}
	return "memory"
}
