// Package manifest 描述一个完整可运行版本所需的静态资源清单。
// 清单在构建/部署时确定，在一个 worker 版本的生命周期内不可变。
package manifest

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrEmpty 表示清单中没有任何资源。
var ErrEmpty = errors.New("manifest is empty")

// Manifest 是有序、不可变的资源路径列表，Shell 指向导航回退使用的外壳文档。
type Manifest struct {
	paths []string
	index map[string]struct{}
	shell string
}

// New 规范化并校验资源路径；shell 为空时取第一个条目作为外壳文档。
func New(paths []string, shell string) (Manifest, error) {
	if len(paths) == 0 {
		return Manifest{}, ErrEmpty
	}
	m := Manifest{
		paths: make([]string, 0, len(paths)),
		index: make(map[string]struct{}, len(paths)),
	}
	for i, raw := range paths {
		normalized, err := Normalize(raw)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest[%d]: %w", i, err)
		}
		if _, dup := m.index[normalized]; dup {
			return Manifest{}, fmt.Errorf("manifest[%d]: duplicate entry %s", i, normalized)
		}
		m.index[normalized] = struct{}{}
		m.paths = append(m.paths, normalized)
	}

	if strings.TrimSpace(shell) == "" {
		m.shell = m.paths[0]
		return m, nil
	}
	normalizedShell, err := Normalize(shell)
	if err != nil {
		return Manifest{}, fmt.Errorf("shell: %w", err)
	}
	if _, ok := m.index[normalizedShell]; !ok {
		return Manifest{}, fmt.Errorf("shell %s is not part of the manifest", normalizedShell)
	}
	m.shell = normalizedShell
	return m, nil
}

// Normalize 将资源路径转换为根相对的规范形式，保留查询串。
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty path")
	}
	if strings.Contains(raw, "://") {
		return "", fmt.Errorf("path %s must be root-relative", raw)
	}
	query := ""
	if idx := strings.Index(raw, "?"); idx >= 0 {
		raw, query = raw[:idx], raw[idx:]
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean + query, nil
}

// Len 返回清单条目数。
func (m Manifest) Len() int {
	return len(m.paths)
}

// Paths 返回清单条目的副本，保持声明顺序。
func (m Manifest) Paths() []string {
	return append([]string(nil), m.paths...)
}

// Shell 返回外壳文档路径。
func (m Manifest) Shell() string {
	return m.shell
}

// Contains 判断 key 是否为清单条目。
func (m Manifest) Contains(key string) bool {
	_, ok := m.index[key]
	return ok
}

// Missing 返回不在 keys 中的清单条目（按清单顺序）。
func (m Manifest) Missing(keys []string) []string {
	present := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		present[key] = struct{}{}
	}
	var missing []string
	for _, p := range m.paths {
		if _, ok := present[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
