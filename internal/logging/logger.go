package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/cachegate/internal/config"
)

// ServiceName 会写入每一条日志的 service 字段。
const ServiceName = "cachegate"

// InitLogger 按配置创建网关日志实例，并把 logrus 标准 logger 同步为相同的级别与输出。
// 日志文件不可写时退回 stdout，只记录一条 logger_fallback 警告，不返回错误。
func InitLogger(cfg *config.Config) (*logrus.Logger, error) {
	if cfg == nil {
		return nil, errors.New("日志配置为空")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别 %q: %w", cfg.LogLevel, err)
	}

	sink, sinkErr := openSink(rotation{
		path:       cfg.LogFilePath,
		maxSizeMB:  cfg.LogMaxSize,
		maxBackups: cfg.LogMaxBackups,
		compress:   cfg.LogCompress,
	})

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(sink)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(serviceHook{})

	std := logrus.StandardLogger()
	std.SetLevel(level)
	std.SetOutput(sink)
	std.SetFormatter(logger.Formatter)

	if sinkErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", sinkErr)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(sinkErr.Error())
	}
	return logger, nil
}

// rotation 是 lumberjack 需要的滚动参数。
type rotation struct {
	path       string
	maxSizeMB  int
	maxBackups int
	compress   bool
}

// openSink 返回日志写入目标。lumberjack 首次写入才打开文件，
// 因此这里先试探性打开一次，目录或权限问题在启动时就能发现。
func openSink(r rotation) (io.Writer, error) {
	if r.path == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout, fmt.Errorf("打开日志文件失败: %w", err)
	}
	_ = f.Close()

	return &lumberjack.Logger{
		Filename:   r.path,
		MaxSize:    r.maxSizeMB,
		MaxBackups: r.maxBackups,
		Compress:   r.compress,
		LocalTime:  true,
	}, nil
}

// serviceHook 给每条日志补上 service 字段，已有同名字段时不覆盖。
type serviceHook struct{}

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (serviceHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["service"]; !ok {
		e.Data["service"] = ServiceName
	}
	return nil
}
