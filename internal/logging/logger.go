package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" mapstructure:"format"` // json, text
	Output string `json:"output" yaml:"output" mapstructure:"output"` // stdout, stderr, discard 或文件路径
	Audit  string `json:"audit" yaml:"audit" mapstructure:"audit"`    // 审计日志输出，为空时与 Output 相同
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "json",
	Output: "stdout",
}

// NewLogrusLogger 按配置创建运行日志器
func NewLogrusLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	w, _, err := openWriter(config.Output)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(w)
	return logger, nil
}

// openWriter 打开输出目标；文件输出时返回的 Closer 非空
func openWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "discard":
		return io.Discard, nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	return f, f, nil
}
