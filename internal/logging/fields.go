package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由策略/缓存状态/客户端字段，供代理请求日志复用。
func RequestFields(policy, cacheStatus, clientIP string) logrus.Fields {
	return logrus.Fields{
		"policy":       policy,
		"cache_status": cacheStatus,
		"client_ip":    clientIP,
	}
}
