package cache

import (
	"context"
	"strings"
)

// PrefixOf 提取缓存代名称中第一个连字符之前的应用前缀，
// 例如 "yapishu-v2" → "yapishu"，"faritany-temp-v3" → "faritany"。
func PrefixOf(name string) string {
	if idx := strings.Index(name, "-"); idx >= 0 {
		return name[:idx]
	}
	return name
}

// DefaultTempName 根据 live 名称推导 staging 名称："yapishu-v2" → "yapishu-temp-v2"。
func DefaultTempName(live string) string {
	prefix := PrefixOf(live)
	if prefix == live {
		return live + "-temp"
	}
	return prefix + "-temp" + strings.TrimPrefix(live, prefix)
}

// Siblings 返回与 name 共享应用前缀的其它缓存代名称。
func Siblings(ctx context.Context, storage Storage, name string) ([]string, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	prefix := PrefixOf(name)
	var result []string
	for _, candidate := range names {
		if candidate == name {
			continue
		}
		if PrefixOf(candidate) == prefix {
			result = append(result, candidate)
		}
	}
	return result, nil
}
