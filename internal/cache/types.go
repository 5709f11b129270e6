package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Status 对应响应头 X-Cache-Status 的取值。
type Status string

const (
	StatusHit     Status = "HIT"
	StatusMiss    Status = "MISS"
	StatusExpired Status = "EXPIRED"
	StatusStale   Status = "STALE"
	StatusBypass  Status = "BYPASS"
)

// TTLClass 由上游状态码推导，决定条目是否可缓存以及使用哪个 TTL。
type TTLClass int

const (
	ClassNone TTLClass = iota
	ClassSuccess
	ClassNotFound
)

// ClassFor 返回状态码对应的 TTL 类别：200 → Success，404 → NotFound，其它不缓存。
func ClassFor(status int) TTLClass {
	switch status {
	case http.StatusOK:
		return ClassSuccess
	case http.StatusNotFound:
		return ClassNotFound
	default:
		return ClassNone
	}
}

func (c TTLClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassNotFound:
		return "not_found"
	default:
		return "none"
	}
}

// Key 唯一定位一个缓存条目；Path 已规范化，Query 已按参数名排序。
type Key struct {
	Method string
	Path   string
	Query  string
}

// NewKey 规范化 method/path/query。HEAD 与 GET 共享同一条目。
func NewKey(method, rawPath, rawQuery string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == http.MethodHead {
		method = http.MethodGet
	}
	if rawPath == "" {
		rawPath = "/"
	}
	clean := path.Clean("/" + rawPath)
	if strings.HasSuffix(rawPath, "/") && clean != "/" {
		clean += "/"
	}
	return Key{Method: method, Path: clean, Query: normalizeQuery(rawQuery)}
}

func normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	return values.Encode()
}

func (k Key) String() string {
	if k.Query == "" {
		return k.Method + " " + k.Path
	}
	return k.Method + " " + k.Path + "?" + k.Query
}

// Response 是上游响应的完整快照（正文已读入内存）。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone 深拷贝响应，调用方拿到的数据不与缓存内部共享。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   bytes.Clone(r.Body),
	}
}

// Entry 是一次写入后不再修改的缓存条目，重新拉取时整体替换。
type Entry struct {
	Key      Key
	Response Response
	StoredAt time.Time
	TTL      time.Duration
	Class    TTLClass
}

// ExpiresAt 返回条目过期时间。
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Fresh 表示在 now 时刻条目仍处于 TTL 内。
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

func (e Entry) clone() Entry {
	out := e
	out.Response = *e.Response.Clone()
	return out
}

// size 估算条目占用的字节数，用于预算统计。
func (e Entry) size() int64 {
	const overhead = 128
	n := int64(overhead + len(e.Response.Body) + len(e.Key.String()))
	for k, values := range e.Response.Header {
		for _, v := range values {
			n += int64(len(k) + len(v) + 4)
		}
	}
	return n
}

// FetchFunc 负责向上游拉取一次响应。
type FetchFunc func(ctx context.Context) (*Response, error)

// Result 是 FetchOrWait 的返回值。
type Result struct {
	Response *Response
	Status   Status
	StoredAt time.Time
}

var errEmptyResponse = errors.New("fetch returned no response")

// ErrNotCacheable 由 FetchFunc 返回，表示该响应不应进入缓存，也不触发 stale 回退。
var ErrNotCacheable = errors.New("response not cacheable")
