package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
)

// Source 标识响应的来源。
type Source string

const (
	SourceNetwork   Source = "network"
	SourceCache     Source = "cache"
	SourceShell     Source = "shell"
	SourceSynthetic Source = "synthetic"
)

const (
	networkErrorStatus = http.StatusRequestTimeout
	networkErrorText   = "Network error"
	networkErrorBody   = "Network error occurred"
)

// Request 是被拦截的客户端请求。Path+RawQuery 组成缓存键。
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	Navigate bool
}

// Key 返回请求标识，与资源清单条目的规范化方式保持一致。
func (r Request) Key() string {
	key := r.Path
	if key == "" {
		key = "/"
	}
	if r.RawQuery != "" {
		key += "?" + r.RawQuery
	}
	return key
}

// Response 是拦截策略的结果，Generation 为命中缓存时所在的缓存代名称。
type Response struct {
	Snapshot   *cache.Snapshot
	Source     Source
	Generation string
	Timeout    time.Duration
	Err        error
}

// IsNavigation 判断请求是否为页面导航：Sec-Fetch-Mode: navigate，或 Accept 含 text/html 的 GET。
func IsNavigation(method string, header http.Header) bool {
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if method != "" && method != http.MethodGet {
		return false
	}
	return strings.Contains(strings.ToLower(header.Get("Accept")), "text/html")
}

// NetworkErrorSnapshot 构造网络与缓存均不可用时返回的合成响应。
func NetworkErrorSnapshot(key string) *cache.Snapshot {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &cache.Snapshot{
		Key:      key,
		Status:   networkErrorStatus,
		Header:   header,
		Body:     []byte(networkErrorBody),
		StoredAt: time.Now().UTC(),
	}
}

// NetworkErrorText 是合成响应的状态描述。
func NetworkErrorText() string {
	return networkErrorText
}

// TimeoutFor 根据 live 缓存代是否存在且非空选择超时：有则为回访用户，无则为首次访问。
// 返回的 live 句柄可能为 nil，表示尚无 live 缓存代，不允许写入。
func (w *Worker) TimeoutFor(ctx context.Context) (time.Duration, *cache.Generation) {
	live, err := w.storage.Lookup(ctx, w.cacheName)
	if err != nil {
		return w.firstTime, nil
	}
	count, err := live.Len(ctx)
	if err != nil || count == 0 {
		return w.firstTime, live
	}
	return w.returningUser, live
}

type networkResult struct {
	snap *cache.Snapshot
	err  error
}

// Fetch 执行网络优先策略：网络与计时器竞速，网络成功则写回 live 并返回；
// 超时或失败回落到 live 精确匹配，导航请求再回落到外壳文档，最后返回合成 408。
func (w *Worker) Fetch(ctx context.Context, req Request) Response {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	key := req.Key()
	if method != http.MethodGet {
		return w.passthrough(ctx, method, key, req)
	}

	timeout, live := w.TimeoutFor(ctx)
	results := make(chan networkResult, 1)
	netCtx := context.WithoutCancel(ctx)
	go func() {
		snap, err := w.origin.fetch(netCtx, http.MethodGet, key, req.Header, nil)
		results <- networkResult{snap: snap, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err == nil && res.snap.OK() {
			if cacheable(res.snap) {
				w.writeThrough(ctx, live, res.snap)
			}
			return Response{Snapshot: res.snap, Source: SourceNetwork, Timeout: timeout}
		}
		if res.err == nil {
			if resp, ok := w.matchLive(ctx, key, timeout); ok {
				return resp
			}
			return Response{Snapshot: res.snap, Source: SourceNetwork, Timeout: timeout}
		}
		return w.fallback(ctx, req, timeout, res.err)
	case <-timer.C:
		w.finishLate(ctx, key, live, results)
		return w.fallback(ctx, req, timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		w.finishLate(ctx, key, live, results)
		return w.synthetic(key, timeout, ctx.Err())
	}
}

// finishLate 让超时后仍在进行的网络请求完成，成功时写回 live，不影响已返回的响应。
func (w *Worker) finishLate(ctx context.Context, key string, live *cache.Generation, results <-chan networkResult) {
	if live == nil {
		return
	}
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		res := <-results
		if res.err != nil || !cacheable(res.snap) {
			return
		}
		w.writeThrough(context.WithoutCancel(ctx), live, res.snap)
		w.logger.WithFields(logging.RequestFields(http.MethodGet, key, string(SourceNetwork), live.Name(), false)).
			Debug("late_write_through")
	}()
}

// cacheable 只接受完整的 200 响应，206 等部分内容不写入缓存代。
func cacheable(snap *cache.Snapshot) bool {
	return snap != nil && snap.Status == http.StatusOK
}

func (w *Worker) writeThrough(ctx context.Context, live *cache.Generation, snap *cache.Snapshot) {
	if live == nil {
		return
	}
	if err := live.Put(ctx, *snap.Clone()); err != nil {
		w.logger.WithFields(logging.RequestFields(http.MethodGet, snap.Key, string(SourceNetwork), live.Name(), false)).
			WithError(err).
			Warn("write_through_failed")
	}
}

func (w *Worker) fallback(ctx context.Context, req Request, timeout time.Duration, cause error) Response {
	key := req.Key()
	if resp, ok := w.matchLive(ctx, key, timeout); ok {
		resp.Err = cause
		return resp
	}
	if req.Navigate {
		if resp, ok := w.matchLive(ctx, w.manifest.Shell(), timeout); ok {
			resp.Source = SourceShell
			resp.Err = cause
			return resp
		}
	}
	return w.synthetic(key, timeout, cause)
}

// matchLive 每次重新查找 live，使拦截期间完成的提升也能被看到。
func (w *Worker) matchLive(ctx context.Context, key string, timeout time.Duration) (Response, bool) {
	live, err := w.storage.Lookup(ctx, w.cacheName)
	if err != nil {
		return Response{}, false
	}
	snap, err := live.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(logging.RequestFields(http.MethodGet, key, string(SourceCache), live.Name(), false)).
				WithError(err).
				Warn("cache_match_failed")
		}
		return Response{}, false
	}
	return Response{Snapshot: snap, Source: SourceCache, Generation: live.Name(), Timeout: timeout}, true
}

func (w *Worker) passthrough(ctx context.Context, method, key string, req Request) Response {
	snap, err := w.origin.fetch(ctx, method, key, req.Header, req.Body)
	if err != nil {
		return w.synthetic(key, 0, err)
	}
	return Response{Snapshot: snap, Source: SourceNetwork}
}

func (w *Worker) synthetic(key string, timeout time.Duration, cause error) Response {
	return Response{
		Snapshot: NetworkErrorSnapshot(key),
		Source:   SourceSynthetic,
		Timeout:  timeout,
		Err:      cause,
	}
}
