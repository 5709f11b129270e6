package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

var (
	// ErrTimeout 表示连接、发送或读取阶段超时，对应 504。
	ErrTimeout = errors.New("upstream timeout")
	// ErrConnectionFailed 表示无法建立连接或连接中断，对应 502。
	ErrConnectionFailed = errors.New("upstream connection failed")
	// ErrBodyTooLarge 表示 Fetch 读取的正文超过 MaxBodyBytes，调用方应改为流式转发。
	ErrBodyTooLarge = errors.New("upstream body exceeds buffer limit")
)

// classify 将底层错误归类为 ErrTimeout 或 ErrConnectionFailed，并保留原始错误信息。
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed) {
		return err
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StatusFor 返回错误对应的网关状态码：超时为 504，其余为 502。
func StatusFor(err error) int {
	if errors.Is(err, ErrTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
