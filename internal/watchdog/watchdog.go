package watchdog

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"deadswitch/internal/config"
	"deadswitch/internal/deadman"
	"deadswitch/internal/errors"
	"deadswitch/internal/metrics"
	"deadswitch/internal/progress"
	"deadswitch/internal/retry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// 单个开关的巡检结果
const (
	ResultIdle      = "idle"
	ResultTriggered = "triggered"
	ResultPartial   = "partial"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// Registry 巡检需要的开关注册表，*deadman.Manager 满足该接口
type Registry interface {
	ActiveIDs() []uint64
	Get(id uint64) (*deadman.Switch, error)
}

// Sweep 一轮巡检的汇总
type Sweep struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Checked   int            `json:"checked"`
	Results   map[string]int `json:"results"`
}

// Progress 巡检累计统计
type Progress = progress.Info

// Watchdog 定期以 keeper 身份对全部 Active 开关调用 check
type Watchdog struct {
	cfg      *config.WatchdogConfig
	registry Registry
	retrier  *retry.Retrier
	errs     *errors.ErrorHandler
	logger   *logrus.Logger

	mu       sync.Mutex
	progress Progress
	persist  *progress.Manager

	sweepMu sync.Mutex
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New 创建巡检器
func New(cfg *config.WatchdogConfig, registry Registry, logger *logrus.Logger) *Watchdog {
	retryCfg := retry.DefaultRetryConfig
	if cfg.RetryLimit > 0 {
		retryCfg = retryCfg.WithMaxAttempts(cfg.RetryLimit)
	}
	return &Watchdog{
		cfg:      cfg,
		registry: registry,
		retrier:  retry.NewRetrier(retryCfg, logger),
		errs:     errors.NewErrorHandler(logger),
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithProgress 从 m 恢复累计统计，此后每轮巡检结束时写回
func (w *Watchdog) WithProgress(m *progress.Manager) *Watchdog {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.persist = m
	w.progress = m.Get()
	return w
}

// Keeper 巡检使用的调用方地址
func (w *Watchdog) Keeper() common.Address {
	return w.cfg.Keeper
}

// Start 后台按间隔巡检，启动时立即执行一轮
func (w *Watchdog) Start(ctx context.Context) {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(w.done)

		w.logger.WithFields(logrus.Fields{
			"interval":    interval.String(),
			"concurrency": w.concurrency(),
			"keeper":      w.cfg.Keeper.Hex(),
		}).Info("巡检已启动")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			w.RunOnce(ctx)

			select {
			case <-ticker.C:
			case <-w.stop:
				w.logger.Info("巡检已停止")
				return
			case <-ctx.Done():
				w.logger.Info("巡检已停止")
				return
			}
		}
	}()
}

// Stop 停止后台巡检并等待当前一轮结束
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watchdog) concurrency() int {
	if w.cfg.Concurrency > 0 {
		return w.cfg.Concurrency
	}
	return 4
}

// RunOnce 执行一轮巡检。单个开关失败不影响其他开关
func (w *Watchdog) RunOnce(ctx context.Context) *Sweep {
	w.sweepMu.Lock()
	defer w.sweepMu.Unlock()

	start := time.Now()
	ids := w.registry.ActiveIDs()
	sweep := &Sweep{StartedAt: start, Checked: len(ids), Results: make(map[string]int)}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.concurrency())

	for _, id := range ids {
		id := id
		g.Go(func() error {
			result := w.checkOne(ctx, id)
			metrics.WatchdogChecks.WithLabelValues(result).Inc()

			mu.Lock()
			sweep.Results[result]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sweep.Duration = time.Since(start)
	metrics.WatchdogRuns.Inc()
	metrics.WatchdogLatency.Observe(sweep.Duration.Seconds())

	w.mu.Lock()
	w.progress.Sweeps++
	w.progress.Checks += uint64(sweep.Checked)
	w.progress.Triggered += uint64(sweep.Results[ResultTriggered] + sweep.Results[ResultPartial])
	w.progress.Failures += uint64(sweep.Results[ResultFailed])
	if w.progress.StartTime.IsZero() {
		w.progress.StartTime = start.UTC()
	}
	w.progress.LastSweepAt = start.UTC()
	w.progress.LastDuration = sweep.Duration.String()
	snapshot, persist := w.progress, w.persist
	w.mu.Unlock()

	if persist != nil {
		if err := persist.SaveCheckpoint(snapshot); err != nil {
			w.logger.Warnf("保存巡检进度失败: %v", err)
		}
	}

	if len(ids) > 0 {
		w.logger.WithFields(logrus.Fields{
			"checked":   sweep.Checked,
			"triggered": sweep.Results[ResultTriggered],
			"failed":    sweep.Results[ResultFailed],
			"duration":  sweep.Duration.String(),
		}).Info("巡检完成")
	}
	return sweep
}

// checkOne 对单个开关调用 check，瞬时错误按配置重试
func (w *Watchdog) checkOne(ctx context.Context, id uint64) string {
	sw, err := w.registry.Get(id)
	if err != nil {
		return ResultSkipped
	}

	var res *deadman.CheckResult
	err = w.retrier.Execute(ctx, "check", func() error {
		var cerr error
		res, cerr = sw.Check(ctx, w.cfg.Keeper)
		return cerr
	})

	if err == nil {
		w.errs.ResetSwitch(id)
		if res.Triggered {
			w.logger.WithField("switch_id", id).Warn("开关已由巡检触发")
			return ResultTriggered
		}
		return ResultIdle
	}
	if stderrors.Is(err, errors.ErrInvalidState) {
		// 期间已被其他调用方触发或关闭
		return ResultSkipped
	}

	// 同一开关连续多轮失败时由错误处理器升级告警
	_ = w.errs.HandleError(ctx, withSwitch(err, id))
	if stderrors.Is(err, errors.ErrPartialSettlement) {
		return ResultPartial
	}
	return ResultFailed
}

func withSwitch(err error, id uint64) error {
	se, ok := errors.AsSwitchError(err)
	if !ok {
		return errors.WrapError(err, errors.ErrorTypeState, errors.SeverityHigh, "CHECK_FAILED", "巡检 check 失败").WithSwitch(id)
	}
	if se.SwitchID == nil {
		return se.WithSwitch(id)
	}
	return se
}

// ErrorStats 巡检错误统计
func (w *Watchdog) ErrorStats() *errors.ErrorStats {
	return w.errs.GetStats()
}

// GetProgress 累计统计
func (w *Watchdog) GetProgress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}
