package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"time"
)

// StructuredLogger 审计日志，记录开关的注册和每次生命周期迁移
type StructuredLogger struct {
	slogger *slog.Logger
	closer  io.Closer
}

// NewStructuredLogger 创建审计日志器，输出优先使用 config.Audit
func NewStructuredLogger(config *LogConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	level, err := slogLevel(config.Level)
	if err != nil {
		return nil, err
	}

	output := config.Audit
	if output == "" {
		output = config.Output
	}
	w, closer, err := openWriter(output)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: auditAttr}
	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	return &StructuredLogger{
		slogger: slog.New(handler).With("log", "audit"),
		closer:  closer,
	}, nil
}

// NewDiscardLogger 不输出任何内容
func NewDiscardLogger() *StructuredLogger {
	return &StructuredLogger{slogger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Close 关闭文件输出
func (sl *StructuredLogger) Close() error {
	if sl.closer == nil {
		return nil
	}
	return sl.closer.Close()
}

// InfoWithFields 字段按键名排序输出，便于逐行比对
func (sl *StructuredLogger) InfoWithFields(msg string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	sl.slogger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

// ForSwitch 绑定开关ID和目标用户的审计日志
func (sl *StructuredLogger) ForSwitch(id uint64, target string) *SwitchAudit {
	return &SwitchAudit{
		logger: sl.slogger.With(
			slog.Uint64("switch_id", id),
			slog.String("target_user", target),
		),
	}
}

// SwitchAudit 单个开关的审计日志
type SwitchAudit struct {
	logger *slog.Logger
}

// Info 非迁移类记录，如注册和添加资产
func (a *SwitchAudit) Info(msg string, args ...any) {
	a.logger.Info(msg, args...)
}

// Transition 生命周期迁移；进入终态的迁移以 WARN 级别记录
func (a *SwitchAudit) Transition(from, to string, terminal bool, msg string, args ...any) {
	level := slog.LevelInfo
	if terminal {
		level = slog.LevelWarn
	}
	a.logger.With(
		slog.Group("lifecycle", slog.String("from", from), slog.String("to", to)),
	).Log(context.Background(), level, msg, args...)
}

func slogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "fatal", "panic":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("无效的日志级别 '%s'", s)
}

// auditAttr 时间统一为 UTC RFC3339，源文件只保留文件名
func auditAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		return slog.String(a.Key, a.Value.Time().UTC().Format(time.RFC3339))
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok {
			src.File = filepath.Base(src.File)
		}
	}
	return a
}
