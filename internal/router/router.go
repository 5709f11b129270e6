// Package router classifies request paths into route policies. Rules are an
// explicit ordered list evaluated first-match-wins, so precedence is visible
// and testable instead of depending on configuration-file ordering.
package router

import (
	"path"
	"strings"
	"time"
)

// Policy 决定请求走缓存、直连上游还是健康检查快速路径。
type Policy int

const (
	NoCache Policy = iota
	CacheableStatic
	CacheableProduct
	Health
)

// HealthPath 是对外暴露的存活检查路径。
const HealthPath = "/proxy-health"

func (p Policy) String() string {
	switch p {
	case NoCache:
		return "no_cache"
	case CacheableStatic:
		return "cacheable_static"
	case CacheableProduct:
		return "cacheable_product"
	case Health:
		return "health"
	default:
		return "unknown"
	}
}

// Cacheable 表示该策略是否经过 Cache Store。
func (p Policy) Cacheable() bool {
	return p == CacheableStatic || p == CacheableProduct
}

type rule struct {
	name   string
	match  func(clean string) bool
	policy Policy
}

var staticExtensions = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "ico": {}, "css": {},
	"js": {}, "svg": {}, "woff": {}, "woff2": {}, "ttf": {}, "eot": {},
}

// rules 的顺序即优先级：/products/ 必须先于静态后缀判断，
// 这样商品图片走 product TTL 而不是通用静态 TTL。
var rules = []rule{
	{name: "api", policy: NoCache, match: func(p string) bool {
		return p == "/api" || strings.HasPrefix(p, "/api/")
	}},
	{name: "products", policy: CacheableProduct, match: func(p string) bool {
		return strings.HasPrefix(p, "/products/")
	}},
	{name: "static", policy: CacheableStatic, match: hasStaticExtension},
	{name: "health", policy: Health, match: func(p string) bool {
		return p == HealthPath
	}},
}

// Classify 是纯函数：同一路径永远得到同一策略，未命中任何规则时为 NoCache。
func Classify(rawPath string) Policy {
	clean := Normalize(rawPath)
	for _, r := range rules {
		if r.match(clean) {
			return r.policy
		}
	}
	return NoCache
}

// Normalize 清理路径中的 ./.. 与重复斜杠，保留结尾斜杠。
func Normalize(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func hasStaticExtension(p string) bool {
	ext := path.Ext(p)
	if len(ext) < 2 {
		return false
	}
	_, ok := staticExtensions[strings.ToLower(ext[1:])]
	return ok
}

// Router 在 Classify 之上附带每个策略的成功 TTL，两个可缓存策略始终保持独立。
type Router struct {
	productTTL time.Duration
	staticTTL  time.Duration
}

// New 构建 Router；productTTL/staticTTL 来自配置。
func New(productTTL, staticTTL time.Duration) *Router {
	return &Router{productTTL: productTTL, staticTTL: staticTTL}
}

// Classify 委托给包级 Classify。
func (r *Router) Classify(rawPath string) Policy {
	return Classify(rawPath)
}

// SuccessTTL 返回策略对应的 200 响应 TTL，不可缓存策略返回 0。
func (r *Router) SuccessTTL(p Policy) time.Duration {
	switch p {
	case CacheableProduct:
		return r.productTTL
	case CacheableStatic:
		return r.staticTTL
	default:
		return 0
	}
}
