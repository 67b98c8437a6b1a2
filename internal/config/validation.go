package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	s := c.Shell
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	if err := validateCacheName(s.CacheName); err != nil {
		return fmt.Errorf("CacheName: %w", err)
	}
	if err := validateCacheName(s.EffectiveTempCacheName()); err != nil {
		return fmt.Errorf("TempCacheName: %w", err)
	}
	if s.EffectiveTempCacheName() == s.CacheName {
		return newFieldError("TempCacheName", "不能与 CacheName 相同")
	}
	if s.FirstTimeTimeout.DurationValue() <= 0 {
		return newFieldError("FirstTimeTimeout", "必须大于 0")
	}
	if s.ReturningUserTimeout.DurationValue() <= 0 {
		return newFieldError("ReturningUserTimeout", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() < s.FirstTimeTimeout.DurationValue() {
		return newFieldError("Global.UpstreamTimeout", "不能小于 FirstTimeTimeout")
	}
	if s.UpdateInterval.DurationValue() < 0 {
		return newFieldError("UpdateInterval", "不能为负数")
	}

	if len(s.Manifest) == 0 {
		return newFieldError("Manifest", "至少需要一个资源")
	}
	for i, entry := range s.Manifest {
		if strings.TrimSpace(entry) == "" {
			return newFieldError(manifestField(i), "不能为空")
		}
	}
	if _, err := s.BuildManifest(); err != nil {
		return newFieldError("Manifest", err.Error())
	}

	return nil
}

func validateCacheName(name string) error {
	if name == "" {
		return errors.New("缓存名称不能为空")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("缓存名称不能以 . 开头")
	}
	if strings.ContainsAny(name, `/\ `) {
		return errors.New("缓存名称不允许包含路径分隔符或空格")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
