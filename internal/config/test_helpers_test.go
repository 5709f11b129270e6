package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// validConfig 返回一份可通过 Validate 的最小配置，测试按需修改单个字段。
func validConfig() *Config {
	return &Config{
		OriginURL:              "http://127.0.0.1:3000",
		ListenAddr:             ":8080",
		RateLimitRPS:           10,
		RateLimitBurst:         20,
		RateLimitIdleTTL:       Duration(10 * time.Minute),
		CacheMaxBytes:          ByteSize(1 << 30),
		CacheTTLSuccess:        Duration(7 * 24 * time.Hour),
		CacheTTLNotFound:       Duration(time.Hour),
		CacheStaleWindow:       Duration(24 * time.Hour),
		UpstreamTimeoutConnect: Duration(60 * time.Second),
		UpstreamTimeoutSend:    Duration(60 * time.Second),
		UpstreamTimeoutRead:    Duration(60 * time.Second),
		UpstreamMaxIdleConns:   64,
		LogLevel:               "info",
	}
}
