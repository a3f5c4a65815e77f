package errors

import (
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 业务规则错误
	ErrorTypeAuthorization ErrorType = iota
	ErrorTypeState
	ErrorTypeValidation
	ErrorTypeNotFound

	// 资产划转错误
	ErrorTypeFunds
	ErrorTypeTransfer
	ErrorTypeRejectedValue

	// 外部依赖错误
	ErrorTypeNetwork
	ErrorTypeTimeout
	ErrorTypeRPC
	ErrorTypeRateLimit

	// 系统相关错误
	ErrorTypeStorage
	ErrorTypeSerialization
	ErrorTypeConfig
	ErrorTypeOutput
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// SwitchError 自定义错误类型
type SwitchError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   interface{}            `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	SwitchID  *uint64                `json:"switch_id,omitempty"`
}

// Error 实现error接口
func (e *SwitchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *SwitchError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使 errors.Is(err, ErrInvalidState) 对派生副本同样成立
func (e *SwitchError) Is(target error) bool {
	t, ok := target.(*SwitchError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable 判断是否可重试
func (e *SwitchError) IsRetryable() bool {
	return e.Retryable
}

// clone 复制错误，预定义错误本身不会被修改
func (e *SwitchError) clone() *SwitchError {
	c := *e
	c.Timestamp = time.Now()
	if e.Context != nil {
		c.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// WithContext 添加上下文信息
func (e *SwitchError) WithContext(key string, value interface{}) *SwitchError {
	c := e.clone()
	if c.Context == nil {
		c.Context = make(map[string]interface{})
	}
	c.Context[key] = value
	return c
}

// WithSwitch 添加开关ID
func (e *SwitchError) WithSwitch(id uint64) *SwitchError {
	c := e.clone()
	c.SwitchID = &id
	return c
}

// WithCause 附加底层原因
func (e *SwitchError) WithCause(cause error) *SwitchError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithMessage 替换错误描述
func (e *SwitchError) WithMessage(format string, args ...interface{}) *SwitchError {
	c := e.clone()
	c.Message = fmt.Sprintf(format, args...)
	return c
}

// WithComponent 标记出错组件
func (e *SwitchError) WithComponent(component string) *SwitchError {
	c := e.clone()
	c.Component = component
	return c
}

// NewSwitchError 创建新的错误
func NewSwitchError(errorType ErrorType, severity ErrorSeverity, code, message string) *SwitchError {
	return &SwitchError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *SwitchError {
	return &SwitchError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRPC, ErrorTypeRateLimit:
		return true
	case ErrorTypeOutput:
		return true
	default:
		// 业务规则错误重试也不会改变结果
		return false
	}
}

// 预定义错误
var (
	// 业务规则错误
	ErrUnauthorized = NewSwitchError(
		ErrorTypeAuthorization,
		SeverityMedium,
		"UNAUTHORIZED",
		"调用方不是目标用户",
	)

	ErrInvalidState = NewSwitchError(
		ErrorTypeState,
		SeverityMedium,
		"INVALID_STATE",
		"开关当前状态不允许该操作",
	)

	ErrSwitchNotFound = NewSwitchError(
		ErrorTypeNotFound,
		SeverityLow,
		"SWITCH_NOT_FOUND",
		"开关不存在",
	)

	ErrAssetAlreadyWatched = NewSwitchError(
		ErrorTypeValidation,
		SeverityLow,
		"ASSET_ALREADY_WATCHED",
		"资产已在监控列表中",
	)

	ErrInvalidAddress = NewSwitchError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_ADDRESS",
		"无效的地址",
	)

	ErrInvalidHeirs = NewSwitchError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_HEIRS",
		"无效的继承人配置",
	)

	ErrInvalidPeriod = NewSwitchError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_PERIOD",
		"无效的静默期",
	)

	ErrInvalidAmount = NewSwitchError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_AMOUNT",
		"无效的金额",
	)

	// 资产划转错误
	ErrInsufficientFunds = NewSwitchError(
		ErrorTypeFunds,
		SeverityHigh,
		"INSUFFICIENT_FUNDS",
		"余额或授权额度不足",
	)

	ErrTransferFailed = NewSwitchError(
		ErrorTypeTransfer,
		SeverityHigh,
		"TRANSFER_FAILED",
		"资产划转失败",
	)

	ErrPartialSettlement = NewSwitchError(
		ErrorTypeTransfer,
		SeverityCritical,
		"PARTIAL_SETTLEMENT",
		"链上划转部分完成",
	)

	ErrRejectedValueTransfer = NewSwitchError(
		ErrorTypeRejectedValue,
		SeverityLow,
		"REJECTED_VALUE_TRANSFER",
		"拒绝直接转入原生资产",
	)

	ErrUnknownAsset = NewSwitchError(
		ErrorTypeNotFound,
		SeverityMedium,
		"UNKNOWN_ASSET",
		"资产合约不存在",
	)

	// 外部依赖错误
	ErrRPCFailed = NewSwitchError(
		ErrorTypeRPC,
		SeverityMedium,
		"RPC_FAILED",
		"节点RPC调用失败",
	)

	ErrNetworkTimeout = NewSwitchError(
		ErrorTypeTimeout,
		SeverityMedium,
		"NETWORK_TIMEOUT",
		"网络请求超时",
	)

	ErrRateLimitExceeded = NewSwitchError(
		ErrorTypeRateLimit,
		SeverityMedium,
		"RATE_LIMIT_EXCEEDED",
		"请求频率超限",
	)

	// 系统错误
	ErrStoreFailure = NewSwitchError(
		ErrorTypeStorage,
		SeverityHigh,
		"STORE_FAILURE",
		"存储操作失败",
	)

	ErrSerializationFailed = NewSwitchError(
		ErrorTypeSerialization,
		SeverityMedium,
		"SERIALIZATION_FAILED",
		"数据序列化失败",
	)

	ErrConfigInvalid = NewSwitchError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrOutputFailed = NewSwitchError(
		ErrorTypeOutput,
		SeverityMedium,
		"OUTPUT_FAILED",
		"事件输出失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeAuthorization: "Authorization",
	ErrorTypeState:         "State",
	ErrorTypeValidation:    "Validation",
	ErrorTypeNotFound:      "NotFound",
	ErrorTypeFunds:         "Funds",
	ErrorTypeTransfer:      "Transfer",
	ErrorTypeRejectedValue: "RejectedValue",
	ErrorTypeNetwork:       "Network",
	ErrorTypeTimeout:       "Timeout",
	ErrorTypeRPC:           "RPC",
	ErrorTypeRateLimit:     "RateLimit",
	ErrorTypeStorage:       "Storage",
	ErrorTypeSerialization: "Serialization",
	ErrorTypeConfig:        "Config",
	ErrorTypeOutput:        "Output",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// AsSwitchError 从错误链中提取 SwitchError
func AsSwitchError(err error) (*SwitchError, bool) {
	for err != nil {
		if se, ok := err.(*SwitchError); ok {
			return se, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*SwitchError        `json:"recent_errors"`
	LastError         *SwitchError          `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*SwitchError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *SwitchError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// clone 深拷贝，供并发读取
func (es *ErrorStats) clone() *ErrorStats {
	out := &ErrorStats{
		TotalErrors:       es.TotalErrors,
		ErrorsByType:      make(map[ErrorType]int, len(es.ErrorsByType)),
		ErrorsBySeverity:  make(map[ErrorSeverity]int, len(es.ErrorsBySeverity)),
		ErrorsByComponent: make(map[string]int, len(es.ErrorsByComponent)),
		RecentErrors:      append([]*SwitchError(nil), es.RecentErrors...),
		LastError:         es.LastError,
		LastErrorTime:     es.LastErrorTime,
	}
	for k, v := range es.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	for k, v := range es.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	for k, v := range es.ErrorsByComponent {
		out.ErrorsByComponent[k] = v
	}
	return out
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}
	return float64(recentCount) / hours
}
