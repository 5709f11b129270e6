package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Tunnel 是一次协议升级握手的结果。Response 为 101 时调用 Pipe 转发双向字节流，
// 否则调用方按普通响应写回并 Close。
type Tunnel struct {
	Response *http.Response

	conn net.Conn
	br   *bufio.Reader
}

// Tunnel 在独立连接上转发升级请求并读取握手响应，连接不进入连接池。
// 握手受连接、发送、读取超时约束；升级后的字节流不再设置超时。
func (c *Client) Tunnel(ctx context.Context, req Request) (*Tunnel, error) {
	ctx, span := c.startSpan(ctx, "upstream.upgrade", req)
	defer span.End()

	conn, err := c.dialOrigin(ctx)
	if err != nil {
		err = classify(err)
		endSpan(span, 0, err)
		return nil, err
	}

	httpReq, err := c.newUpgradeRequest(ctx, req)
	if err != nil {
		_ = conn.Close()
		endSpan(span, 0, err)
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.sendTO))
	if err := httpReq.Write(conn); err != nil {
		_ = conn.Close()
		err = classify(err)
		endSpan(span, 0, err)
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Time{})

	br := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(c.readTO))
	resp, err := http.ReadResponse(br, httpReq)
	if err != nil {
		_ = conn.Close()
		err = classify(err)
		endSpan(span, 0, err)
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	endSpan(span, resp.StatusCode, nil)
	return &Tunnel{Response: resp, conn: conn, br: br}, nil
}

// Upgraded 表示上游同意切换协议。
func (t *Tunnel) Upgraded() bool {
	return t.Response != nil && t.Response.StatusCode == http.StatusSwitchingProtocols
}

// WriteHandshake 将 101 响应头写给客户端连接。
func (t *Tunnel) WriteHandshake(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", t.Response.StatusCode, http.StatusText(t.Response.StatusCode)); err != nil {
		return err
	}
	if err := t.Response.Header.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// Pipe 在客户端与上游之间双向复制数据，任一方向结束后关闭上游连接并返回。
func (t *Tunnel) Pipe(client io.ReadWriter) error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(t.conn, client)
		closeWrite(t.conn)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(client, t.br)
		errc <- err
	}()

	err := <-errc
	_ = t.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close 释放上游连接，用于未升级的握手响应。
func (t *Tunnel) Close() error {
	if t.Response != nil && t.Response.Body != nil {
		_ = t.Response.Body.Close()
	}
	return t.conn.Close()
}

func (c *Client) dialOrigin(ctx context.Context) (net.Conn, error) {
	host := c.origin.Host
	if c.origin.Port() == "" {
		if c.origin.Scheme == "https" {
			host = net.JoinHostPort(c.origin.Hostname(), "443")
		} else {
			host = net.JoinHostPort(c.origin.Hostname(), "80")
		}
	}
	conn, err := c.dialer.dialRaw(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	if c.origin.Scheme != "https" {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: c.origin.Hostname(),
		NextProtos: []string{"http/1.1"},
	})
	hsCtx, cancel := context.WithTimeout(ctx, c.dialer.net.Timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (c *Client) newUpgradeRequest(ctx context.Context, req Request) (*http.Request, error) {
	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	// CopyHeaders 剔除了 hop-by-hop 字段，升级握手需要把它们补回去。
	httpReq.Header.Set("Connection", "Upgrade")
	httpReq.Header.Set("Upgrade", req.Header.Get("Upgrade"))
	return httpReq, nil
}

func closeWrite(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
