package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// Duration 提供更灵活的反序列化能力，同时兼容整数毫秒与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"500ms" 或纯数字毫秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Millisecond)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听、日志与存储。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	EnableLogs      bool     `mapstructure:"EnableLogs"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// ShellConfig 决定离线外壳的缓存代命名、超时预算与资源清单。
type ShellConfig struct {
	Origin               string   `mapstructure:"Origin"`
	CacheName            string   `mapstructure:"CacheName"`
	TempCacheName        string   `mapstructure:"TempCacheName"`
	FirstTimeTimeout     Duration `mapstructure:"FirstTimeTimeout"`
	ReturningUserTimeout Duration `mapstructure:"ReturningUserTimeout"`
	StrictVerify         bool     `mapstructure:"StrictVerify"`
	InstallOnStart       bool     `mapstructure:"InstallOnStart"`
	UpdateInterval       Duration `mapstructure:"UpdateInterval"`
	Manifest             []string `mapstructure:"Manifest"`
	ShellPath            string   `mapstructure:"ShellPath"`
}

// Config 是 TOML 文件映射的整体结构，两部分字段都位于顶层。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Shell  ShellConfig  `mapstructure:",squash"`
}

// BuildManifest 根据配置构建不可变的资源清单。
func (s ShellConfig) BuildManifest() (manifest.Manifest, error) {
	return manifest.New(s.Manifest, s.ShellPath)
}

// EffectiveTempCacheName 返回 staging 名称，未配置时从 CacheName 推导。
func (s ShellConfig) EffectiveTempCacheName() string {
	if name := strings.TrimSpace(s.TempCacheName); name != "" {
		return name
	}
	return cache.DefaultTempName(s.CacheName)
}
