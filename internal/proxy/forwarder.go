package proxy

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/logging"
	"github.com/any-hub/cachegate/internal/router"
	"github.com/any-hub/cachegate/internal/server"
	"github.com/any-hub/cachegate/internal/upstream"
)

// Forwarder 包装真正的 ProxyHandler：handler 返回的错误或 panic
// 都会被转换成不带部分正文的 502/504，而不是 Fiber 默认的 500。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 不能为空。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Forwarder{handler: handler, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, policy router.Policy) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logHandlerError(c, policy, "proxy_handler_missing", nil, requestID)
		return writeError(c, fiber.StatusBadGateway, "proxy_handler_missing")
	}
	return f.invokeHandler(c, policy, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, policy router.Policy, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logHandlerError(c, policy, "proxy_handler_panic", fmt.Errorf("panic: %v", r), requestID)
			err = writeError(c, fiber.StatusBadGateway, "proxy_handler_panic")
		}
	}()

	if err := f.handler.Handle(c, policy); err != nil {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return err
		}
		f.logHandlerError(c, policy, "proxy_handler_error", err, requestID)
		return writeError(c, upstream.StatusFor(err), "proxy_handler_error")
	}
	return nil
}

func (f *Forwarder) logHandlerError(c fiber.Ctx, policy router.Policy, code string, err error, requestID string) {
	fields := logging.RequestFields(policy.String(), "", server.ClientIP(c))
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
