package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 CACHEGATE_ORIGIN_URL。
const EnvPrefix = "CACHEGATE"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		byteSizeDecodeHook(),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.CachePersistPath != "" {
		abs, err := filepath.Abs(cfg.CachePersistPath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存持久化目录: %w", err)
		}
		cfg.CachePersistPath = abs
	}

	return &cfg, nil
}

// Render 以 YAML 输出最终生效的配置（不含密码），用于 -print-config。
func Render(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置为空")
	}
	return yaml.Marshal(cfg)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("origin_url", "")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("rate_limit_rps", 10)
	v.SetDefault("rate_limit_burst", 20)
	v.SetDefault("rate_limit_idle_ttl", "10m")
	v.SetDefault("rate_limit_close_connection", false)
	v.SetDefault("trusted_forwarded_header", false)
	v.SetDefault("cache_max_bytes", "1g")
	v.SetDefault("cache_ttl_success", "7d")
	v.SetDefault("cache_ttl_not_found", "1h")
	v.SetDefault("cache_ttl_product", "")
	v.SetDefault("cache_ttl_static", "")
	v.SetDefault("cache_stale_window", "24h")
	v.SetDefault("cache_persist_path", "")
	v.SetDefault("cache_sweep_interval", "10m")
	v.SetDefault("upstream_timeout_connect", "60s")
	v.SetDefault("upstream_timeout_send", "60s")
	v.SetDefault("upstream_timeout_read", "60s")
	v.SetDefault("upstream_max_idle_conns", 64)
	v.SetDefault("tls_cert_file", "")
	v.SetDefault("tls_key_file", "")
	v.SetDefault("diagnostics_enabled", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file_path", "")
	v.SetDefault("log_max_size", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_compress", true)
	v.SetDefault("stats_redis_addr", "")
	v.SetDefault("stats_redis_password", "")
	v.SetDefault("stats_redis_db", 0)
	v.SetDefault("stats_redis_prefix", "cachegate:stats")
	v.SetDefault("tracing_enabled", false)
}

// applyDefaults 兜底处理显式写成 0 的字段，保持与 setDefaults 一致。
func applyDefaults(c *Config) {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.RateLimitIdleTTL.DurationValue() == 0 {
		c.RateLimitIdleTTL = Duration(10 * time.Minute)
	}
	if c.CacheTTLSuccess.DurationValue() == 0 {
		c.CacheTTLSuccess = Duration(7 * 24 * time.Hour)
	}
	if c.CacheTTLNotFound.DurationValue() == 0 {
		c.CacheTTLNotFound = Duration(time.Hour)
	}
	if c.UpstreamTimeoutConnect.DurationValue() == 0 {
		c.UpstreamTimeoutConnect = Duration(60 * time.Second)
	}
	if c.UpstreamTimeoutSend.DurationValue() == 0 {
		c.UpstreamTimeoutSend = Duration(60 * time.Second)
	}
	if c.UpstreamTimeoutRead.DurationValue() == 0 {
		c.UpstreamTimeoutRead = Duration(60 * time.Second)
	}
	if c.UpstreamMaxIdleConns == 0 {
		c.UpstreamMaxIdleConns = 64
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.OriginURL = strings.TrimRight(strings.TrimSpace(c.OriginURL), "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
			}
			return Duration(parsed), nil
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseBytes(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return ByteSize(parsed), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
