package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求路径/来源/缓存代字段，供拦截日志复用。
func RequestFields(method, path, source, generation string, navigate bool) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"path":       path,
		"source":     source,
		"generation": generation,
		"navigate":   navigate,
		"cache_hit":  source == "cache" || source == "shell",
	}
}

// LifecycleFields 提供 worker 版本与阶段字段，供 install/activate 日志复用。
func LifecycleFields(action, versionID, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"version_id": versionID,
		"state":      state,
	}
}
