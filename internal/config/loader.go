package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// envAliases 支持 SW_* 形式的短环境变量，同时保留 SHELLCACHE_* 前缀写法。
var envAliases = map[string][]string{
	"CacheName":            {"SW_CACHE_NAME", "SHELLCACHE_CACHENAME"},
	"TempCacheName":        {"SW_TEMP_CACHE_NAME", "SHELLCACHE_TEMPCACHENAME"},
	"FirstTimeTimeout":     {"SW_FIRST_TIME_TIMEOUT", "SHELLCACHE_FIRSTTIMETIMEOUT"},
	"ReturningUserTimeout": {"SW_RETURNING_USER_TIMEOUT", "SHELLCACHE_RETURNINGUSERTIMEOUT"},
	"EnableLogs":           {"SW_ENABLE_LOGS", "SHELLCACHE_ENABLELOGS"},
}

// Load 读取并解析 TOML 配置文件，叠加环境变量覆盖，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyShellDefaults(&cfg.Shell)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("EnableLogs", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "60s")
	v.SetDefault("CacheName", "yapishu-v2")
	v.SetDefault("TempCacheName", "")
	v.SetDefault("FirstTimeTimeout", 30000)
	v.SetDefault("ReturningUserTimeout", 5000)
	v.SetDefault("StrictVerify", true)
	v.SetDefault("InstallOnStart", true)
	v.SetDefault("UpdateInterval", "0s")
	v.SetDefault("ShellPath", "")
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("SHELLCACHE")
	v.AutomaticEnv()
	for key, names := range envAliases {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}
	return nil
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(60 * time.Second)
	}
}

func applyShellDefaults(s *ShellConfig) {
	s.CacheName = strings.TrimSpace(s.CacheName)
	s.TempCacheName = strings.TrimSpace(s.TempCacheName)
	if s.TempCacheName == "" && s.CacheName != "" {
		s.TempCacheName = s.EffectiveTempCacheName()
	}
	if s.FirstTimeTimeout.DurationValue() == 0 {
		s.FirstTimeTimeout = Duration(30 * time.Second)
	}
	if s.ReturningUserTimeout.DurationValue() == 0 {
		s.ReturningUserTimeout = Duration(5 * time.Second)
	}
	s.Origin = strings.TrimRight(strings.TrimSpace(s.Origin), "/")
}

// durationDecodeHook 将整数视为毫秒（与 SW_*_TIMEOUT 一致），字符串可写 Go Duration。
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if millis, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(millis * float64(time.Millisecond))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Millisecond), nil
		case int64:
			return Duration(time.Duration(v) * time.Millisecond), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Millisecond))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
