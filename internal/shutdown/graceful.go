package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger        *logrus.Logger
	timeout       time.Duration
	shutdownFuncs []ShutdownFunc
	mu            sync.Mutex
	signalChan    chan os.Signal
	ctx           context.Context
	cancel        context.CancelFunc
	once          sync.Once
	done          chan struct{}
}

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int // 执行顺序，数字越小越早执行
}

// 停机顺序
const (
	OrderStopHTTPServer = 10 // 停止接受新请求
	OrderStopWatchdog   = 20 // 停止巡检，等待进行中的 check 完成
	OrderFlushOutputs   = 30 // 刷新事件输出器
	OrderCloseBank      = 40 // 关闭节点连接
	OrderCloseStore     = 50 // 关闭开关存储
)

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// RegisterShutdownFunc 注册停机处理函数
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{
		Name:  name,
		Func:  fn,
		Order: order,
	})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Start 启动信号监听
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-gs.signalChan:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.Shutdown()
		case <-gs.done:
		}
	}()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Context 停机开始后被取消的上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Wait 等待停机完成
func (gs *GracefulShutdown) Wait() {
	<-gs.done
}

// Shutdown 执行停机，多次调用只执行一次
func (gs *GracefulShutdown) Shutdown() error {
	var err error
	gs.once.Do(func() {
		signal.Stop(gs.signalChan)
		err = gs.performShutdown()
		close(gs.done)
	})
	return err
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	return gs.ctx.Err() != nil
}

// performShutdown 按顺序执行停机函数
func (gs *GracefulShutdown) performShutdown() error {
	gs.logger.Info("开始优雅停机流程...")

	// 先通知长期运行的组件停止
	gs.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	gs.mu.Lock()
	funcs := append([]ShutdownFunc(nil), gs.shutdownFuncs...)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	var errs []error
	for _, fn := range funcs {
		if shutdownCtx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过: %s", fn.Name)
			errs = append(errs, fmt.Errorf("%s: %w", fn.Name, shutdownCtx.Err()))
			continue
		}

		start := time.Now()
		if err := fn.Func(shutdownCtx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", fn.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", fn.Name, err))
			continue
		}
		gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", fn.Name, time.Since(start))
	}

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return fmt.Errorf("停机过程中发生错误: %v", errs)
	}
	gs.logger.Info("优雅停机流程完成")
	return nil
}

// GetRegisteredFunctions 获取已注册的停机函数列表
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	names := make([]string, len(gs.shutdownFuncs))
	for i, fn := range gs.shutdownFuncs {
		names[i] = fn.Name
	}
	return names
}
