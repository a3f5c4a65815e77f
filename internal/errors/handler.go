package errors

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// 同一开关连续出现严重错误达到该次数时升级告警
const defaultEscalateAfter = 3

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *SwitchError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *SwitchError)

// ErrorHandler 按错误类型分派处理策略，并跟踪每个开关的连续严重错误
type ErrorHandler struct {
	logger *logrus.Logger

	mu         sync.RWMutex
	stats      *ErrorStats
	strategies map[ErrorType]ErrorStrategy
	callbacks  []ErrorCallback

	escalateAfter int
	streaks       map[uint64]int // switch_id -> 连续严重错误次数
}

// NewErrorHandler 创建错误处理器，默认所有类型只记日志
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:        logger,
		stats:         NewErrorStats(),
		strategies:    make(map[ErrorType]ErrorStrategy),
		escalateAfter: defaultEscalateAfter,
		streaks:       make(map[uint64]int),
	}
}

// HandleError 记录并处理错误，返回值为处理后的 SwitchError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	se, ok := AsSwitchError(err)
	if !ok {
		se = WrapError(err, ErrorTypeStorage, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(se)
	escalated := eh.trackStreak(se)
	strategy := eh.strategies[se.Type]
	callbacks := append([]ErrorCallback(nil), eh.callbacks...)
	eh.mu.Unlock()

	if escalated {
		eh.logger.WithFields(logrus.Fields{
			"switch_id":  *se.SwitchID,
			"error_code": se.Code,
			"streak":     eh.escalateAfter,
		}).Error("开关连续出现严重错误")
	}

	for _, cb := range callbacks {
		eh.safeCall(func() { cb(se) })
	}

	if strategy == nil {
		strategy = &LoggingStrategy{logger: eh.logger}
	}
	return strategy.Handle(ctx, se)
}

// trackStreak 更新开关的连续严重错误计数，刚达到阈值时返回 true；需持写锁
func (eh *ErrorHandler) trackStreak(se *SwitchError) bool {
	if se.SwitchID == nil {
		return false
	}
	id := *se.SwitchID
	if se.Severity < SeverityHigh {
		delete(eh.streaks, id)
		return false
	}
	eh.streaks[id]++
	return eh.streaks[id] == eh.escalateAfter
}

// ResetSwitch 开关恢复正常后清除其连续错误计数
func (eh *ErrorHandler) ResetSwitch(id uint64) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	delete(eh.streaks, id)
}

// SetEscalateAfter 设置升级告警的连续次数
func (eh *ErrorHandler) SetEscalateAfter(n int) {
	if n < 1 {
		n = 1
	}
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.escalateAfter = n
}

func (eh *ErrorHandler) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	fn()
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置错误处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// GetStats 错误统计的副本
func (eh *ErrorHandler) GetStats() *ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats.clone()
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
	eh.streaks = make(map[uint64]int)
}

// LoggingStrategy 按严重程度选择日志级别
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewLoggingStrategy 创建日志记录策略
func NewLoggingStrategy(logger *logrus.Logger) *LoggingStrategy {
	return &LoggingStrategy{logger: logger}
}

// Handle 记录日志并原样返回错误
func (ls *LoggingStrategy) Handle(ctx context.Context, err *SwitchError) error {
	entry := ls.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	})
	if err.SwitchID != nil {
		entry = entry.WithField("switch_id", *err.SwitchID)
	}
	if len(err.Context) > 0 {
		entry = entry.WithField("context", err.Context)
	}
	if err.Cause != nil {
		entry = entry.WithField("cause", err.Cause.Error())
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
	return err
}

// AlertStrategy 调用外部告警函数，告警函数 panic 不影响调用方
type AlertStrategy struct {
	alertFunc func(err *SwitchError)
	logger    *logrus.Logger
}

// NewAlertStrategy 创建告警策略
func NewAlertStrategy(alertFunc func(err *SwitchError), logger *logrus.Logger) *AlertStrategy {
	return &AlertStrategy{alertFunc: alertFunc, logger: logger}
}

// Handle 触发告警
func (as *AlertStrategy) Handle(ctx context.Context, err *SwitchError) error {
	func() {
		defer func() {
			if r := recover(); r != nil {
				as.logger.Errorf("告警函数执行时发生panic: %v", r)
			}
		}()
		as.alertFunc(err)
	}()
	return err
}

// CompositeStrategy 依次执行多个策略
type CompositeStrategy struct {
	strategies []ErrorStrategy
}

// NewCompositeStrategy 创建组合策略
func NewCompositeStrategy(strategies ...ErrorStrategy) *CompositeStrategy {
	return &CompositeStrategy{strategies: strategies}
}

// Handle 返回最后一个非空结果
func (cs *CompositeStrategy) Handle(ctx context.Context, err *SwitchError) error {
	var lastErr error
	for _, strategy := range cs.strategies {
		if serr := strategy.Handle(ctx, err); serr != nil {
			lastErr = serr
		}
	}
	return lastErr
}
