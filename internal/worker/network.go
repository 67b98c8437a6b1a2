package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/server"
)

// Doer 抽象源站请求，*http.Client 即满足该接口，测试中可替换。
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// origin 负责把请求标识映射为源站 URL 并捕获完整响应。
type origin struct {
	base   *url.URL
	client Doer
}

func newOrigin(raw string, client Doer) (*origin, error) {
	if client == nil {
		return nil, errors.New("upstream client required")
	}
	base, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("origin must be absolute, got %q", raw)
	}
	return &origin{base: base, client: client}, nil
}

// resolve 拼接源站前缀与请求标识，保留 Origin 自带的路径前缀。
func (o *origin) resolve(key string) *url.URL {
	target := *o.base
	pathPart, query, _ := strings.Cut(key, "?")
	target.Path = strings.TrimRight(o.base.Path, "/") + pathPart
	target.RawPath = ""
	target.RawQuery = query
	return &target
}

func (o *origin) fetch(ctx context.Context, method, key string, header http.Header, body []byte) (*cache.Snapshot, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.resolve(key).String(), reader)
	if err != nil {
		return nil, err
	}
	if header != nil {
		server.CopyHeaders(req.Header, header)
	}
	// 由 Transport 自行协商压缩，保证缓存的是解码后的正文。
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = o.base.Host

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return capture(key, resp)
}

// capture 读取完整正文并剔除 hop-by-hop 头，得到可以落盘的快照。
func capture(key string, resp *http.Response) (*cache.Snapshot, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", key, err)
	}
	header := make(http.Header, len(resp.Header))
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &cache.Snapshot{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}
