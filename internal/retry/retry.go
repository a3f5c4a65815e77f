package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"deadswitch/internal/errors"

	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`         // 最大尝试次数，含首次
	InitialInterval     time.Duration `json:"initial_interval"`     // 初始重试间隔
	MaxInterval         time.Duration `json:"max_interval"`         // 最大重试间隔
	BackoffFactor       float64       `json:"backoff_factor"`       // 退避因子
	RandomizationFactor float64       `json:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `json:"enable_jitter"`        // 启用抖动
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = &RetryConfig{
	MaxAttempts:         5,
	InitialInterval:     100 * time.Millisecond,
	MaxInterval:         30 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
	EnableJitter:        true,
}

// RPCRetryConfig 节点只读调用重试配置
var RPCRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// WithMaxAttempts 复制配置并替换最大尝试次数
func (c *RetryConfig) WithMaxAttempts(n int) *RetryConfig {
	cp := *c
	if n > 0 {
		cp.MaxAttempts = n
	}
	return &cp
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	err       error
	retryable bool
}

func (r *retryableError) Error() string {
	return r.err.Error()
}

func (r *retryableError) IsRetryable() bool {
	return r.retryable
}

func (r *retryableError) Unwrap() error {
	return r.err
}

// NewRetryableError 显式标记错误是否可重试
func NewRetryableError(err error, retryable bool) RetryableError {
	return &retryableError{err: err, retryable: retryable}
}

// 常见的瞬时网络错误
var transientErrors = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
}

// IsRetryableError 判断是否为可重试错误
//
// 业务规则错误（权限、状态、余额不足、合约 revert）重试不会改变结果，一律不重试。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var re RetryableError
	if stderrors.As(err, &re) {
		return re.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "execution reverted") {
		return false
	}
	for _, transient := range transientErrors {
		if strings.Contains(errStr, transient) {
			return true
		}
	}
	return false
}

// Retrier 重试器
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ExecuteFunc 执行函数类型
type ExecuteFunc func() error

// Execute 执行重试逻辑
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) error {
	_, err := Do(ctx, r, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do 执行带返回值的重试逻辑
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return result, nil
		}

		if !IsRetryableError(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return zero, err
		}

		if attempt >= r.config.MaxAttempts {
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return zero, fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.calculateDelay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}

// calculateDelay 计算延迟时间
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	// 指数退避
	delay := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if delay > float64(r.config.MaxInterval) {
		delay = float64(r.config.MaxInterval)
	}

	// 添加抖动避免惊群效应
	if r.config.EnableJitter {
		jitter := delay * r.config.RandomizationFactor
		r.mu.Lock()
		delay = delay - jitter + r.rand.Float64()*jitter*2
		r.mu.Unlock()

		if delay < 0 {
			delay = float64(r.config.InitialInterval)
		}
	}

	return time.Duration(delay)
}

// GetConfig 获取重试配置
func (r *Retrier) GetConfig() *RetryConfig {
	return r.config
}

// RetryRPC 节点调用重试
func RetryRPC(ctx context.Context, operation string, fn ExecuteFunc, logger *logrus.Logger) error {
	retrier := NewRetrier(RPCRetryConfig, logger)
	return retrier.Execute(ctx, operation, fn)
}

// MarkRPC 将节点调用错误包装为 ErrRPCFailed，保留原因
func MarkRPC(method string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsSwitchError(err); ok {
		return err
	}
	return errors.ErrRPCFailed.WithContext("method", method).WithCause(err)
}
