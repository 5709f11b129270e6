package proxy

import (
	"context"
	"io"
	"net"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/cache"
)

// serveUpgrade 转发协议升级请求，不经过缓存。上游接受升级后接管客户端连接，
// 之后的字节流原样双向转发；上游拒绝时按普通响应写回。
func (h *Handler) serveUpgrade(ctx context.Context, c fiber.Ctx, call *proxyCall) error {
	tunnel, err := h.client.Tunnel(ctx, call.req)
	if err != nil {
		return h.writeUpstreamError(c, call, err)
	}

	if !tunnel.Upgraded() {
		body, readErr := io.ReadAll(tunnel.Response.Body)
		_ = tunnel.Close()
		if readErr != nil {
			return h.writeUpstreamError(c, call, readErr)
		}
		writeResponse(c, tunnel.Response.StatusCode, tunnel.Response.Header, body, cache.StatusBypass)
		h.logResult(call, cache.StatusBypass, tunnel.Response.StatusCode, nil)
		return nil
	}

	h.logResult(call, cache.StatusBypass, tunnel.Response.StatusCode, nil)
	requestID := call.requestID
	rc := c.Context()
	rc.HijackSetNoResponse(true)
	rc.Hijack(func(conn net.Conn) {
		if err := tunnel.WriteHandshake(conn); err != nil {
			_ = tunnel.Close()
			h.logTunnelError(requestID, err)
			return
		}
		if err := tunnel.Pipe(conn); err != nil {
			h.logTunnelError(requestID, err)
		}
	})
	return nil
}

func (h *Handler) logTunnelError(requestID string, err error) {
	h.logger.WithFields(logrus.Fields{
		"action":     "tunnel",
		"request_id": requestID,
		"error":      err.Error(),
	}).Debug("tunnel closed with error")
}
