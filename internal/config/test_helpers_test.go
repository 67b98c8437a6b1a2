package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// shellConfigBase 是通过校验所需的最小字段，测试按需追加其它键。
const shellConfigBase = `
StoragePath = "./data"
Origin = "http://127.0.0.1:8000"
`

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeShellConfig 将 shellConfigBase 与 extra 拼接后写入临时 config.toml。
func writeShellConfig(t *testing.T, extra string) string {
	t.Helper()
	content := strings.TrimSpace(shellConfigBase) + "\n" + strings.TrimSpace(extra) + "\n"
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
