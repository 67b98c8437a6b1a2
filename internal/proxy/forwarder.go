package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
)

// Forwarder 包裹拦截 handler：handler 缺失或 panic 时返回合成的网络错误响应，
// 保证请求不会挂起或以未处理的异常结束。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 为空时所有请求都得到合成响应。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logFailure(c, "intercept_handler_missing", nil, requestID)
		return f.respond(c, requestID)
	}
	return f.invokeHandler(c, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logFailure(c, "intercept_handler_panic", fmt.Errorf("panic: %v", r), requestID)
			c.Response().ResetBody()
			err = f.respond(c, requestID)
		}
	}()
	return f.handler.Handle(c)
}

func (f *Forwarder) respond(c fiber.Ctx, requestID string) error {
	setRequestIDHeader(c, requestID)
	return respondNetworkError(c, normalizeRequestPath(requestPath(c)))
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logFailure(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logging.RequestFields(c.Method(), requestPath(c), "synthetic", "", false)
	fields["action"] = "intercept"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("intercept handler unavailable")
}
