package proxy

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/server"
	"github.com/any-hub/cachegate/internal/upstream"
)

// snapshotRequest 复制入站请求的全部字段。fasthttp 会复用请求缓冲区，
// 而回填与后台刷新可能在 handler 返回后继续运行。
func snapshotRequest(c fiber.Ctx) upstream.Request {
	uri := c.Request().URI()
	p := string(uri.PathOriginal())
	if p == "" {
		p = string(uri.Path())
	}
	proto := "http"
	if c.Context().IsTLS() {
		proto = "https"
	}
	return upstream.Request{
		Method:   strings.Clone(c.Method()),
		Path:     p,
		RawQuery: string(uri.QueryString()),
		Header:   fiberHeadersAsHTTP(c),
		Body:     bytes.Clone(c.Request().Body()),
		ClientIP: server.ClientIP(c),
		PeerIP:   server.PeerIP(c),
		Host:     string(c.Request().Host()),
		Proto:    proto,
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// writeResponse 写出完整响应；HEAD 请求由 fasthttp 省略正文但保留 Content-Length。
func writeResponse(c fiber.Ctx, status int, headers http.Header, body []byte, cacheStatus cache.Status) {
	writeHead(c, status, headers, cacheStatus)
	c.Response().SetBody(body)
}

func writeHead(c fiber.Ctx, status int, headers http.Header, cacheStatus cache.Status) {
	resp := c.Response()
	resp.Header.SetNoDefaultContentType(true)
	copyResponseHeaders(c, headers)
	resp.SetStatusCode(status)
	c.Set(HeaderCacheStatus, string(cacheStatus))
}

// copyResponseHeaders 透传上游头部；长度由 fasthttp 根据正文计算，
// 请求 ID 与缓存状态由网关自己写入。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || isGatewayOwnedHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func isGatewayOwnedHeader(key string) bool {
	return strings.EqualFold(key, fiber.HeaderContentLength) ||
		strings.EqualFold(key, fiber.HeaderXRequestID) ||
		strings.EqualFold(key, HeaderCacheStatus)
}
