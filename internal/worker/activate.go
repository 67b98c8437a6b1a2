package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
)

// ErrIncompleteStaging 表示 staging 缓存代没有通过完整性校验，未被提升。
var ErrIncompleteStaging = errors.New("staging generation incomplete")

// Activate 校验 staging 并原子提升为 live，随后清理旧代、通知并接管客户端。
// 校验失败时 live 保持不变，staging 被丢弃。无论成功与否都会接管客户端。
func (w *Worker) Activate(ctx context.Context, v *Version) error {
	if v == nil {
		return errors.New("version required")
	}
	if err := v.transition(StateActivating); err != nil {
		return err
	}

	err := w.promote(ctx, v)

	controller := versionID(w.Active())
	claimed := w.clients.Claim(controller)
	w.logger.WithFields(logging.LifecycleFields("activate", v.ID, string(v.State()))).
		WithField("controller", controller).
		WithField("claimed", claimed).
		Debug("clients_claimed")
	return err
}

func (w *Worker) promote(ctx context.Context, v *Version) error {
	if err := w.verify(ctx); err != nil {
		w.discardStaging(ctx, v)
		_ = v.transition(StateRedundant)
		w.logger.WithFields(logging.LifecycleFields("activate", v.ID, string(StateRedundant))).
			WithError(err).
			Error("staging_incomplete")
		return err
	}

	if err := w.storage.Promote(ctx, w.tempName, w.cacheName); err != nil {
		w.discardStaging(ctx, v)
		_ = v.transition(StateRedundant)
		w.logger.WithFields(logging.LifecycleFields("activate", v.ID, string(StateRedundant))).
			WithError(err).
			Error("promote_failed")
		return fmt.Errorf("promote %s: %w", w.tempName, err)
	}

	w.mu.Lock()
	previous := w.active
	w.active = v
	w.mu.Unlock()
	if err := v.transition(StateActivated); err != nil {
		return err
	}
	if previous != nil && previous != v {
		_ = previous.transition(StateRedundant)
	}

	removed := w.removeStale(ctx, v)
	delivered := w.clients.Broadcast(ReloadMessage())
	w.logger.WithFields(logging.LifecycleFields("activate", v.ID, string(StateActivated))).
		WithField("cache", w.cacheName).
		WithField("stale_removed", removed).
		WithField("notified", delivered).
		Info("activate_completed")
	return nil
}

// verify 要求 staging 条目数等于清单长度；StrictVerify 时还要求每个清单键都存在。
func (w *Worker) verify(ctx context.Context) error {
	staging, err := w.storage.Lookup(ctx, w.tempName)
	if err != nil {
		if errors.Is(err, cache.ErrGenerationNotFound) {
			return fmt.Errorf("%w: %s missing", ErrIncompleteStaging, w.tempName)
		}
		return err
	}
	count, err := staging.Len(ctx)
	if err != nil {
		return err
	}
	if count != w.manifest.Len() {
		return fmt.Errorf("%w: %d of %d entries", ErrIncompleteStaging, count, w.manifest.Len())
	}
	if !w.strictVerify {
		return nil
	}
	keys, err := staging.Keys(ctx)
	if err != nil {
		return err
	}
	if missing := w.manifest.Missing(keys); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteStaging, strings.Join(missing, ", "))
	}
	return nil
}

// removeStale 删除同前缀的旧缓存代并回收无引用数据，失败只记录日志。
func (w *Worker) removeStale(ctx context.Context, v *Version) int {
	fields := logging.LifecycleFields("activate", v.ID, string(StateActivated))
	siblings, err := cache.Siblings(ctx, w.storage, w.cacheName)
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("stale_list_failed")
		return 0
	}
	removed := 0
	for _, name := range siblings {
		ok, err := w.storage.Delete(ctx, name)
		if err != nil {
			w.logger.WithFields(fields).WithField("cache", name).WithError(err).Warn("stale_delete_failed")
			continue
		}
		if ok {
			removed++
		}
	}
	if _, err := w.storage.Prune(ctx); err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("prune_failed")
	}
	return removed
}

func (w *Worker) discardStaging(ctx context.Context, v *Version) {
	if _, err := w.storage.Delete(context.WithoutCancel(ctx), w.tempName); err != nil {
		w.logger.WithFields(logging.LifecycleFields("activate", v.ID, string(v.State()))).
			WithError(err).
			Warn("staging_discard_failed")
	}
}
