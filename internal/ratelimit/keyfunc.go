package ratelimit

import (
	"net"
	"strings"
)

// ClientIP 选择限流 key：仅当显式信任转发头时才取 X-Forwarded-For 的第一跳，
// 否则使用连接对端地址。
func ClientIP(remote string, forwardedFor string, trustForwarded bool) string {
	if trustForwarded {
		if first, _, _ := strings.Cut(forwardedFor, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}

	remote = strings.TrimSpace(remote)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	if remote != "" {
		return remote
	}
	return "unknown"
}
