package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/logging"
)

// ErrInstallFailed 表示 install 阶段未能完整缓存资源清单。
var ErrInstallFailed = errors.New("install failed")

// Install 创建新版本并把资源清单全部抓取进 staging 缓存代。
// 任一资源失败即放弃整个 staging，live 缓存代保持不变。
func (w *Worker) Install(ctx context.Context) (*Version, error) {
	v := newVersion()
	w.mu.Lock()
	w.latest = v
	w.mu.Unlock()

	w.logger.WithFields(logging.LifecycleFields("install", v.ID, string(StateInstalling))).
		WithField("entries", w.manifest.Len()).
		Info("install_started")

	if _, err := w.storage.Delete(ctx, w.tempName); err != nil {
		return v, w.failInstall(ctx, v, fmt.Errorf("discard stale staging: %w", err))
	}
	staging, err := w.storage.Open(ctx, w.tempName)
	if err != nil {
		return v, w.failInstall(ctx, v, fmt.Errorf("open staging: %w", err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, key := range w.manifest.Paths() {
		key := key
		group.Go(func() error {
			snap, err := w.origin.fetch(groupCtx, http.MethodGet, key, nil, nil)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", key, err)
			}
			if !snap.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", key, snap.Status)
			}
			if err := staging.Put(groupCtx, *snap); err != nil {
				return fmt.Errorf("store %s: %w", key, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return v, w.failInstall(ctx, v, err)
	}

	if err := v.transition(StateInstalled); err != nil {
		return v, w.failInstall(ctx, v, err)
	}
	w.logger.WithFields(logging.LifecycleFields("install", v.ID, string(StateInstalled))).
		WithField("entries", w.manifest.Len()).
		Info("install_completed")
	return v, nil
}

func (w *Worker) failInstall(ctx context.Context, v *Version, cause error) error {
	_ = v.transition(StateRedundant)
	cleanupCtx := context.WithoutCancel(ctx)
	if _, err := w.storage.Delete(cleanupCtx, w.tempName); err != nil {
		w.logger.WithFields(logging.LifecycleFields("install", v.ID, string(StateRedundant))).
			WithError(err).
			Warn("staging_discard_failed")
	}
	w.logger.WithFields(logging.LifecycleFields("install", v.ID, string(StateRedundant))).
		WithError(cause).
		Error("install_failed")
	return fmt.Errorf("%w: %w", ErrInstallFailed, cause)
}
