package proxy

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

const (
	headerSource     = "X-Shell-Cache-Source"
	headerGeneration = "X-Shell-Cache-Generation"
)

// Interceptor 是请求拦截策略，*worker.Worker 满足该接口。
type Interceptor interface {
	Fetch(ctx context.Context, req worker.Request) worker.Response
}

// Handler 把 Fiber 请求交给拦截策略，并把结果快照写回客户端。
type Handler struct {
	interceptor Interceptor
	logger      *logrus.Logger
}

// NewHandler constructs a handler bound to the interception policy.
func NewHandler(interceptor Interceptor, logger *logrus.Logger) *Handler {
	return &Handler{
		interceptor: interceptor,
		logger:      logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req := buildRequest(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp := h.interceptor.Fetch(ctx, req)
	if resp.Snapshot == nil {
		resp.Snapshot = worker.NetworkErrorSnapshot(req.Key())
		resp.Source = worker.SourceSynthetic
	}

	h.logResult(req, resp, requestID, started)
	return writeSnapshot(c, req.Method, resp)
}

func buildRequest(c fiber.Ctx) worker.Request {
	header := fiberHeadersAsHTTP(c)
	method := c.Method()
	req := worker.Request{
		Method:   method,
		Path:     normalizeRequestPath(requestPath(c)),
		RawQuery: string(c.Request().URI().QueryString()),
		Header:   header,
		Navigate: worker.IsNavigation(method, header),
	}
	if method != http.MethodGet && method != http.MethodHead {
		req.Body = append([]byte(nil), c.Body()...)
	}
	return req
}

func writeSnapshot(c fiber.Ctx, method string, resp worker.Response) error {
	snap := resp.Snapshot
	copyResponseHeaders(c, snap.Header)
	c.Set(headerSource, string(resp.Source))
	if resp.Generation != "" {
		c.Set(headerGeneration, resp.Generation)
	}
	if resp.Source == worker.SourceSynthetic {
		c.Set("Cache-Control", "no-store")
	}
	c.Status(snap.Status)
	if method == http.MethodHead {
		return nil
	}
	return c.Send(snap.Body)
}

func (h *Handler) logResult(req worker.Request, resp worker.Response, requestID string, started time.Time) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(req.Method, req.Key(), string(resp.Source), resp.Generation, req.Navigate)
	fields["action"] = "intercept"
	fields["status"] = resp.Snapshot.Status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if resp.Timeout > 0 {
		fields["timeout_ms"] = resp.Timeout.Milliseconds()
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if resp.Err != nil {
		fields["error"] = resp.Err.Error()
	}
	if resp.Source == worker.SourceSynthetic {
		h.logger.WithFields(fields).Warn("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

// normalizeRequestPath 与资源清单使用相同的规范化方式，保留结尾斜杠。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

// respondNetworkError 写出合成的 408 响应，供 panic 恢复等兜底路径复用。
func respondNetworkError(c fiber.Ctx, key string) error {
	return writeSnapshot(c, c.Method(), worker.Response{
		Snapshot: worker.NetworkErrorSnapshot(key),
		Source:   worker.SourceSynthetic,
	})
}

