package upstream

import (
	"net/http"
	"net/textproto"
	"strings"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段
// 以及 Connection 头中点名的字段。
func CopyHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, ok := named[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// IsUpgrade 判断请求是否要求协议升级（WebSocket 等）。
func IsUpgrade(h http.Header) bool {
	if h.Get("Upgrade") == "" {
		return false
	}
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func connectionTokens(h http.Header) map[string]struct{} {
	values := h.Values("Connection")
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{})
	for _, v := range values {
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			out[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
		}
	}
	return out
}

// setForwardingHeaders 写入 X-Forwarded-* 与 X-Real-IP。
// X-Forwarded-For 追加的是直连对端地址，X-Real-IP 使用识别出的客户端地址。
func setForwardingHeaders(h http.Header, req Request) {
	peer := req.PeerIP
	if peer == "" {
		peer = req.ClientIP
	}
	if peer != "" {
		if prior := strings.Join(req.Header.Values("X-Forwarded-For"), ", "); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+peer)
		} else {
			h.Set("X-Forwarded-For", peer)
		}
	}
	if req.ClientIP != "" {
		h.Set("X-Real-IP", req.ClientIP)
	}
	proto := req.Proto
	if proto == "" {
		proto = "http"
	}
	h.Set("X-Forwarded-Proto", proto)
	if req.Host != "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
}
