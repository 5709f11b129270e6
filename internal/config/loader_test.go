package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失 origin_url 的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
origin_url = "http://127.0.0.1:3000"
cache_ttl_success = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `origin_url = "http://127.0.0.1:3000"`)
	t.Setenv("CACHEGATE_RATE_LIMIT_BURST", "5")
	t.Setenv("CACHEGATE_CACHE_TTL_NOT_FOUND", "30m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.RateLimitBurst != 5 {
		t.Fatalf("环境变量应覆盖 rate_limit_burst，得到 %d", cfg.RateLimitBurst)
	}
	if cfg.CacheTTLNotFound.DurationValue() != 30*time.Minute {
		t.Fatalf("环境变量应覆盖 cache_ttl_not_found，得到 %s", cfg.CacheTTLNotFound.DurationValue())
	}
}

func TestRenderOmitsRedisPassword(t *testing.T) {
	cfg := validConfig()
	cfg.StatsRedisAddr = "127.0.0.1:6379"
	cfg.StatsRedisPassword = "s3cret"

	out, err := Render(cfg)
	if err != nil {
		t.Fatalf("Render 返回错误: %v", err)
	}
	text := string(out)
	if strings.Contains(text, "s3cret") {
		t.Fatalf("渲染结果不应包含密码: %s", text)
	}
	if !strings.Contains(text, "cache_ttl_success: 168h0m0s") {
		t.Fatalf("Duration 应以 Go 格式输出: %s", text)
	}
}
