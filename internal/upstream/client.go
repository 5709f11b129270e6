package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/any-hub/cachegate/internal/upstream"

// Options 描述上游目标与连接池参数。
type Options struct {
	Origin         string
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	ReadTimeout    time.Duration
	MaxIdleConns   int
	// MaxBodyBytes 限制 Fetch 缓冲的正文大小，<=0 表示不限制。
	MaxBodyBytes   int64

	// TracerProvider 为空时使用全局 provider。
	TracerProvider trace.TracerProvider
	// Propagator 为空时使用全局 propagator。
	Propagator propagation.TextMapPropagator
}

// Request 是转发给上游的请求快照，不引用入站连接上的任何缓冲区。
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte

	// ClientIP 是识别出的客户端地址，PeerIP 是直连对端地址（为空时取 ClientIP）。
	ClientIP string
	PeerIP   string
	Host     string
	Proto    string
}

// Response 是读取完正文的上游响应，头部已剔除 hop-by-hop 字段。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client 复用长连接访问唯一的上游；从不重试。
type Client struct {
	origin     *url.URL
	base       string
	http       *http.Client
	transport  *http.Transport
	dialer     *dialer
	sendTO     time.Duration
	readTO     time.Duration
	maxBody    int64
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New 构建上游客户端，未设置的超时回退到 60s，连接池回退到 64。
func New(opts Options) (*Client, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("unsupported origin scheme %q", origin.Scheme)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 60 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 64
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	prop := opts.Propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}

	d := newDialer(opts.ConnectTimeout, opts.SendTimeout, opts.ReadTimeout)
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		origin:    origin,
		base:      origin.String(),
		transport: transport,
		http: &http.Client{
			Transport: transport,
			// 重定向原样交给客户端。
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer:     d,
		sendTO:     opts.SendTimeout,
		readTO:     opts.ReadTimeout,
		maxBody:    opts.MaxBodyBytes,
		tracer:     tp.Tracer(tracerName),
		propagator: prop,
	}, nil
}

// Origin 返回上游基础地址。
func (c *Client) Origin() string { return c.base }

// Fetch 发送请求并读取完整正文，用于缓存回填。
// Accept-Encoding 由 Transport 统一协商并透明解压，缓存内容始终是未压缩的原文。
// 正文超过 MaxBodyBytes 时放弃读取并返回 ErrBodyTooLarge。
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	ctx, span := c.startSpan(ctx, "upstream.fetch", req)
	defer span.End()

	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		endSpan(span, 0, err)
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		err = classify(err)
		endSpan(span, 0, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp)
	if err != nil {
		endSpan(span, resp.StatusCode, err)
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	if resp.Uncompressed {
		header.Del("Content-Length")
	}
	endSpan(span, resp.StatusCode, nil)
	return &Response{Status: resp.StatusCode, Header: header, Body: body}, nil
}

// readBody 按 maxBody 读取正文；Content-Length 已超限时不读取。
func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	if c.maxBody <= 0 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, classify(err)
		}
		return body, nil
	}
	if resp.ContentLength > c.maxBody {
		return nil, fmt.Errorf("%w: content-length %d > %d", ErrBodyTooLarge, resp.ContentLength, c.maxBody)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, classify(err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, c.maxBody)
	}
	return body, nil
}

// Stream 发送请求并返回尚未读取的响应，调用方负责关闭 Body。
// 客户端的 Accept-Encoding 原样透传。
func (c *Client) Stream(ctx context.Context, req Request) (*http.Response, error) {
	ctx, span := c.startSpan(ctx, "upstream.stream", req)
	defer span.End()

	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		endSpan(span, 0, err)
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		err = classify(err)
		endSpan(span, 0, err)
		return nil, err
	}
	endSpan(span, resp.StatusCode, nil)
	return resp, nil
}

// CloseIdleConnections 关闭连接池中的空闲连接。
func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// URL 返回请求在上游上的完整地址。
func (c *Client) URL(req Request) string {
	p := req.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	target := c.base + p
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	return target
}

func (c *Client) newRequest(ctx context.Context, req Request, passEncoding bool) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.URL(req), body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrConnectionFailed, err)
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Host")
	if !passEncoding {
		httpReq.Header.Del("Accept-Encoding")
	}
	if req.Host != "" {
		httpReq.Host = req.Host
	}
	setForwardingHeaders(httpReq.Header, req)
	c.propagator.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	return httpReq, nil
}

func (c *Client) startSpan(ctx context.Context, name string, req Request) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.Path),
		attribute.String("server.address", c.origin.Host),
	)
	return ctx, span
}

func endSpan(span trace.Span, status int, err error) {
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
		return
	}
	span.SetStatus(codes.Ok, "")
}
