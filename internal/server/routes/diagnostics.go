package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/worker"
)

const keepAliveInterval = 15 * time.Second

// Lifecycle 是诊断接口依赖的 worker 能力，*worker.Worker 满足该接口。
type Lifecycle interface {
	Status(ctx context.Context) (worker.Status, error)
	Update(ctx context.Context) (*worker.Version, error)
	ClearAll(ctx context.Context) (int, error)
	Connect() *worker.Client
	Clients() *worker.Clients
}

// RegisterDiagnosticsRoutes 暴露 /-/ 下的诊断与运维接口：状态、手动更新、清空缓存、
// 客户端列表与通知事件流。
func RegisterDiagnosticsRoutes(app *fiber.App, lifecycle Lifecycle, logger *logrus.Logger) {
	if app == nil || lifecycle == nil {
		return
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := lifecycle.Status(c.Context())
		if err != nil {
			logger.WithFields(logging.BaseFields("status", "")).WithError(err).Warn("status_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(encodeStatus(status))
	})

	app.Post("/-/update", func(c fiber.Ctx) error {
		v, err := lifecycle.Update(c.Context())
		payload := fiber.Map{}
		if v != nil {
			payload["version"] = v.ID
			payload["state"] = v.State()
		}
		switch {
		case err == nil:
			return c.JSON(payload)
		case errors.Is(err, worker.ErrInstallFailed):
			payload["error"] = "install_failed"
			payload["detail"] = err.Error()
			return c.Status(fiber.StatusBadGateway).JSON(payload)
		case errors.Is(err, worker.ErrIncompleteStaging):
			payload["error"] = "staging_incomplete"
			payload["detail"] = err.Error()
			return c.Status(fiber.StatusConflict).JSON(payload)
		default:
			payload["error"] = "update_failed"
			payload["detail"] = err.Error()
			return c.Status(fiber.StatusInternalServerError).JSON(payload)
		}
	})

	app.Delete("/-/caches", func(c fiber.Ctx) error {
		removed, err := lifecycle.ClearAll(c.Context())
		if err != nil {
			logger.WithFields(logging.BaseFields("clear", "")).WithError(err).Error("clear_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "clear_failed", "removed": removed})
		}
		return c.JSON(fiber.Map{"removed": removed})
	})

	app.Get("/-/clients", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"clients": lifecycle.Clients().List()})
	})

	app.Get("/-/events", func(c fiber.Ctx) error {
		client := lifecycle.Connect()
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		clients := lifecycle.Clients()
		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer clients.Disconnect(client.ID)
			streamEvents(w, client, keepAliveInterval)
		})
	})
}

// streamEvents 先发送 hello 事件告知客户端 ID，随后转发通知，空闲时发送注释行保活。
// 写入失败说明客户端已断开。
func streamEvents(w *bufio.Writer, client *worker.Client, keepAlive time.Duration) {
	if err := writeEvent(w, "hello", fiber.Map{"client_id": client.ID}); err != nil {
		return
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			if err := writeEvent(w, "message", msg); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w *bufio.Writer, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

type statusPayload struct {
	ActiveVersion          string       `json:"active_version,omitempty"`
	ActiveState            worker.State `json:"active_state,omitempty"`
	LatestVersion          string       `json:"latest_version,omitempty"`
	LatestState            worker.State `json:"latest_state,omitempty"`
	CacheName              string       `json:"cache_name"`
	TempCacheName          string       `json:"temp_cache_name"`
	LivePresent            bool         `json:"live_present"`
	LiveEntries            int          `json:"live_entries"`
	StagingPresent         bool         `json:"staging_present"`
	ManifestEntries        int          `json:"manifest_entries"`
	Shell                  string       `json:"shell"`
	FirstTimeTimeoutMs     int64        `json:"first_time_timeout_ms"`
	ReturningUserTimeoutMs int64        `json:"returning_user_timeout_ms"`
	CurrentTimeoutMs       int64        `json:"current_timeout_ms"`
	UserClass              string       `json:"user_class"`
	Clients                int          `json:"clients"`
}

func encodeStatus(status worker.Status) statusPayload {
	userClass := "first_time"
	if status.LiveEntries > 0 {
		userClass = "returning"
	}
	return statusPayload{
		ActiveVersion:          status.ActiveVersion,
		ActiveState:            status.ActiveState,
		LatestVersion:          status.LatestVersion,
		LatestState:            status.LatestState,
		CacheName:              status.CacheName,
		TempCacheName:          status.TempCacheName,
		LivePresent:            status.LivePresent,
		LiveEntries:            status.LiveEntries,
		StagingPresent:         status.StagingPresent,
		ManifestEntries:        status.ManifestEntries,
		Shell:                  status.Shell,
		FirstTimeTimeoutMs:     status.FirstTimeTimeout.Milliseconds(),
		ReturningUserTimeoutMs: status.ReturningUserTimeout.Milliseconds(),
		CurrentTimeoutMs:       status.CurrentTimeout.Milliseconds(),
		UserClass:              userClass,
		Clients:                status.Clients,
	}
}
