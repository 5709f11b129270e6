package upstream

import (
	"context"
	"net"
	"time"
)

// timeoutConn 在每次读写前刷新对应方向的 deadline，
// 超时语义与 nginx 的 proxy_send_timeout / proxy_read_timeout 一致：
// 限制的是两次成功 IO 之间的间隔，而不是整个请求的耗时。
type timeoutConn struct {
	net.Conn
	send time.Duration
	read time.Duration
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *timeoutConn) Write(p []byte) (int, error) {
	if c.send > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.send)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

type dialer struct {
	net  *net.Dialer
	send time.Duration
	read time.Duration
}

func newDialer(connect, send, read time.Duration) *dialer {
	return &dialer{
		net: &net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		},
		send: send,
		read: read,
	}
}

// DialContext 建立连接并包上按操作计时的 deadline。
func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.net.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return &timeoutConn{Conn: conn, send: d.send, read: d.read}, nil
}

// dialRaw 只受连接超时约束，供升级隧道使用。
func (d *dialer) dialRaw(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.net.DialContext(ctx, network, addr)
}
