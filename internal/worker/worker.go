package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

// Options 汇总 worker 的全部运行参数，各阶段只读取这里的值。
type Options struct {
	Storage              cache.Storage
	Client               Doer
	Origin               string
	Manifest             manifest.Manifest
	CacheName            string
	TempCacheName        string
	FirstTimeTimeout     time.Duration
	ReturningUserTimeout time.Duration
	StrictVerify         bool
	Clients              *Clients
	Logger               *logrus.Logger
}

// Worker 串联 install/activate 生命周期与请求拦截策略。
type Worker struct {
	storage  cache.Storage
	origin   *origin
	manifest manifest.Manifest
	clients  *Clients
	logger   *logrus.Logger

	cacheName     string
	tempName      string
	firstTime     time.Duration
	returningUser time.Duration
	strictVerify  bool

	updates    singleflight.Group
	background sync.WaitGroup

	mu     sync.RWMutex
	active *Version
	latest *Version
}

// New 校验参数并构建 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage required")
	}
	if opts.Manifest.Len() == 0 {
		return nil, manifest.ErrEmpty
	}
	if opts.CacheName == "" {
		return nil, errors.New("cache name required")
	}
	tempName := opts.TempCacheName
	if tempName == "" {
		tempName = cache.DefaultTempName(opts.CacheName)
	}
	if tempName == opts.CacheName {
		return nil, fmt.Errorf("temp cache name must differ from %s", opts.CacheName)
	}
	if opts.FirstTimeTimeout <= 0 || opts.ReturningUserTimeout <= 0 {
		return nil, errors.New("timeouts must be positive")
	}
	upstream, err := newOrigin(opts.Origin, opts.Client)
	if err != nil {
		return nil, err
	}
	clients := opts.Clients
	if clients == nil {
		clients = NewClients(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Worker{
		storage:       opts.Storage,
		origin:        upstream,
		manifest:      opts.Manifest,
		clients:       clients,
		logger:        logger,
		cacheName:     opts.CacheName,
		tempName:      tempName,
		firstTime:     opts.FirstTimeTimeout,
		returningUser: opts.ReturningUserTimeout,
		strictVerify:  opts.StrictVerify,
	}, nil
}

// Update 依次执行 Install 与 Activate。并发调用合并为同一次执行，共享结果。
func (w *Worker) Update(ctx context.Context) (*Version, error) {
	result, err, _ := w.updates.Do("update", func() (interface{}, error) {
		v, err := w.Install(ctx)
		if err != nil {
			return v, err
		}
		return v, w.Activate(ctx, v)
	})
	v, _ := result.(*Version)
	return v, err
}

// Run 在后台维持缓存代：installOnStart 时立即更新一次，interval>0 时周期更新，直到 ctx 结束。
func (w *Worker) Run(ctx context.Context, installOnStart bool, interval time.Duration) {
	if installOnStart {
		w.runUpdate(ctx, "startup")
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runUpdate(ctx, "interval")
		}
	}
}

func (w *Worker) runUpdate(ctx context.Context, trigger string) {
	v, err := w.Update(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	fields := logging.LifecycleFields("update", versionID(v), string(v.State()))
	fields["trigger"] = trigger
	w.logger.WithFields(fields).WithError(err).Warn("update_failed")
}

// ClearAll 删除所有与 CacheName 共享应用前缀的缓存代（含 live 与 staging），返回删除数量。
func (w *Worker) ClearAll(ctx context.Context) (int, error) {
	names, err := cache.Siblings(ctx, w.storage, w.cacheName)
	if err != nil {
		return 0, err
	}
	names = append(names, w.cacheName)
	removed := 0
	for _, name := range names {
		ok, err := w.storage.Delete(ctx, name)
		if err != nil {
			return removed, fmt.Errorf("delete %s: %w", name, err)
		}
		if ok {
			removed++
		}
	}
	if _, err := w.storage.Prune(ctx); err != nil {
		return removed, err
	}
	w.logger.WithFields(logging.LifecycleFields("clear", versionID(w.Active()), string(w.Active().State()))).
		WithField("removed", removed).
		Info("caches_cleared")
	return removed, nil
}

// Status 是诊断接口使用的只读快照。
type Status struct {
	ActiveVersion        string        `json:"active_version,omitempty"`
	ActiveState          State         `json:"active_state,omitempty"`
	LatestVersion        string        `json:"latest_version,omitempty"`
	LatestState          State         `json:"latest_state,omitempty"`
	CacheName            string        `json:"cache_name"`
	TempCacheName        string        `json:"temp_cache_name"`
	LivePresent          bool          `json:"live_present"`
	LiveEntries          int           `json:"live_entries"`
	StagingPresent       bool          `json:"staging_present"`
	ManifestEntries      int           `json:"manifest_entries"`
	Shell                string        `json:"shell"`
	FirstTimeTimeout     time.Duration `json:"first_time_timeout"`
	ReturningUserTimeout time.Duration `json:"returning_user_timeout"`
	CurrentTimeout       time.Duration `json:"current_timeout"`
	Clients              int           `json:"clients"`
}

// Status 汇总当前版本、缓存代与客户端信息。
func (w *Worker) Status(ctx context.Context) (Status, error) {
	active, latest := w.Active(), w.Latest()
	status := Status{
		ActiveVersion:        versionID(active),
		ActiveState:          active.State(),
		LatestVersion:        versionID(latest),
		LatestState:          latest.State(),
		CacheName:            w.cacheName,
		TempCacheName:        w.tempName,
		ManifestEntries:      w.manifest.Len(),
		Shell:                w.manifest.Shell(),
		FirstTimeTimeout:     w.firstTime,
		ReturningUserTimeout: w.returningUser,
		Clients:              w.clients.Len(),
	}
	live, err := w.storage.Lookup(ctx, w.cacheName)
	switch {
	case err == nil:
		status.LivePresent = true
		if status.LiveEntries, err = live.Len(ctx); err != nil {
			return status, err
		}
	case !errors.Is(err, cache.ErrGenerationNotFound):
		return status, err
	}
	if status.StagingPresent, err = w.storage.Has(ctx, w.tempName); err != nil {
		return status, err
	}
	status.CurrentTimeout, _ = w.TimeoutFor(ctx)
	return status, nil
}

// Active 返回当前已激活的版本，尚未激活过时为 nil。
func (w *Worker) Active() *Version {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

// Latest 返回最近一次 install 创建的版本。
func (w *Worker) Latest() *Version {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest
}

// Clients 返回客户端集合。
func (w *Worker) Clients() *Clients {
	return w.clients
}

// Connect 注册客户端，已有激活版本时客户端直接受控。
func (w *Worker) Connect() *Client {
	return w.clients.Connect(versionID(w.Active()))
}

// Wait 等待超时后仍在进行的回源写入完成，用于优雅退出。
func (w *Worker) Wait() {
	w.background.Wait()
}

func versionID(v *Version) string {
	if v == nil {
		return ""
	}
	return v.ID
}
