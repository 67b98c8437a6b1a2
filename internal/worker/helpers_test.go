package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

var testAssets = []string{"/", "/index.html", "/app.js", "/styles.css"}

// originStub 模拟应用源站：正文为 "<path>@<release>"，可按路径注入状态码与延迟。
type originStub struct {
	server *httptest.Server

	release atomic.Value

	mu       sync.Mutex
	statuses map[string]int
	delays   map[string]time.Duration
	hits     map[string]int
	gate     chan struct{}
	arrived  chan struct{}
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{
		statuses: make(map[string]int),
		delays:   make(map[string]time.Duration),
		hits:     make(map[string]int),
	}
	stub.release.Store("v1")
	stub.server = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.server.Close)
	return stub
}

func (o *originStub) serve(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	o.mu.Lock()
	o.hits[key]++
	status, hasStatus := o.statuses[key]
	delay := o.delays[key]
	gate, arrived := o.gate, o.arrived
	o.mu.Unlock()

	if arrived != nil {
		select {
		case arrived <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if r.Method != http.MethodGet {
		payload, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s %s %s", r.Method, key, payload)
		return
	}
	if !hasStatus {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s@%s", key, o.release.Load())
}

func (o *originStub) setRelease(release string) {
	o.release.Store(release)
}

func (o *originStub) setStatus(key string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[key] = status
}

func (o *originStub) setDelay(key string, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delays[key] = delay
}

func (o *originStub) hitCount(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

// hold 让后续请求阻塞直到返回的 release 函数被调用，arrived 在首个请求到达时收到信号。
func (o *originStub) hold() (arrived <-chan struct{}, release func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = make(chan struct{})
	o.arrived = make(chan struct{}, 1)
	gate := o.gate
	var once sync.Once
	return o.arrived, func() {
		once.Do(func() {
			close(gate)
		})
	}
}

// switchableClient 在 offline 时模拟网络不可达。
type switchableClient struct {
	client  *http.Client
	offline atomic.Bool
}

func (s *switchableClient) Do(req *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return s.client.Do(req)
}

type workerFixture struct {
	worker  *Worker
	origin  *originStub
	client  *switchableClient
	storage cache.Storage
}

type fixtureOption func(*Options)

func withTimeouts(firstTime, returning time.Duration) fixtureOption {
	return func(o *Options) {
		o.FirstTimeTimeout = firstTime
		o.ReturningUserTimeout = returning
	}
}

func withStrictVerify(strict bool) fixtureOption {
	return func(o *Options) {
		o.StrictVerify = strict
	}
}

func withStorage(storage cache.Storage) fixtureOption {
	return func(o *Options) {
		o.Storage = storage
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *workerFixture {
	t.Helper()

	stub := newOriginStub(t)
	storage, err := cache.NewStorage(t.TempDir())
	require.NoError(t, err)

	m, err := manifest.New(testAssets, "/index.html")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client := &switchableClient{client: stub.server.Client()}
	options := Options{
		Storage:              storage,
		Client:               client,
		Origin:               stub.server.URL,
		Manifest:             m,
		CacheName:            "yapishu-v2",
		FirstTimeTimeout:     2 * time.Second,
		ReturningUserTimeout: time.Second,
		StrictVerify:         true,
		Logger:               logger,
	}
	for _, opt := range opts {
		opt(&options)
	}
	w, err := New(options)
	require.NoError(t, err)
	t.Cleanup(w.Wait)

	return &workerFixture{worker: w, origin: stub, client: client, storage: options.Storage}
}

func (f *workerFixture) mustUpdate(t *testing.T) *Version {
	t.Helper()
	v, err := f.worker.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateActivated, v.State())
	return v
}

func (f *workerFixture) liveBody(t *testing.T, key string) string {
	t.Helper()
	live, err := f.storage.Lookup(context.Background(), f.worker.cacheName)
	require.NoError(t, err)
	snap, err := live.Match(context.Background(), key)
	require.NoError(t, err)
	return string(snap.Body)
}
