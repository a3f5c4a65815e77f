package app

import (
	"context"
	"fmt"

	"deadswitch/internal/config"
	"deadswitch/internal/deadman"
	"deadswitch/internal/evm"
	"deadswitch/internal/ledger"
	"deadswitch/internal/logging"
	"deadswitch/internal/output"
	"deadswitch/internal/shutdown"
	"deadswitch/internal/store"
	"deadswitch/internal/validation"

	"github.com/sirupsen/logrus"
)

// Pinger 可探活的组件
type Pinger interface {
	Ping(ctx context.Context) error
}

// App 进程内共享的组件：存储、资产协作方、事件发布与开关管理器
type App struct {
	Config    *config.Config
	Store     *store.Store
	Ledger    *ledger.Ledger // 仅 ledger 模式
	EVM       *evm.Bank      // 仅 evm 模式
	Publisher *output.Publisher
	Manager   *deadman.Manager
	Logger    *logrus.Logger
	Audit     *logging.StructuredLogger

	bank deadman.Bank
}

// New 按配置创建全部组件并从存储恢复开关；任一步失败时关闭已创建的组件
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	a.Audit, err = logging.NewStructuredLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("创建审计日志失败: %w", err)
	}

	a.Store, err = store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("打开开关存储失败: %w", err)
	}

	switch cfg.Bank.Mode {
	case "evm":
		pool, err := evm.NewPool(ctx, cfg.Bank.EVM.Nodes, cfg.Bank.EVM.RetryLimit, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("连接节点失败: %w", err)
		}
		a.EVM, err = evm.NewBank(pool, cfg.Bank.EVM, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.bank = a.EVM
	default:
		a.Ledger, err = ledger.New(a.Store.DB(), logger)
		if err != nil {
			return nil, fmt.Errorf("初始化账本失败: %w", err)
		}
		a.bank = a.Ledger
	}

	outputs, err := output.NewOutputs(cfg.Output, logger)
	if err != nil {
		return nil, err
	}
	a.Publisher = output.NewPublisher(outputs, logger)

	strict := cfg.API != nil && cfg.API.StrictValidation
	a.Manager, err = deadman.NewManager(deadman.ManagerOptions{
		Store:     a.Store,
		Bank:      a.bank,
		Publisher: a.Publisher,
		Validator: validation.NewValidator(logger, strict),
		Logger:    logger,
		Audit:     a.Audit,
	})
	if err != nil {
		return nil, err
	}

	n, err := a.Manager.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("恢复开关失败: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"switches": n,
		"bank":     cfg.Bank.Mode,
		"sinks":    a.Publisher.Sinks(),
	}).Info("组件初始化完成")
	ready = true
	return a, nil
}

// Bank 当前模式下的资产协作方，供健康检查与统计使用
func (a *App) Bank() Pinger {
	if a.EVM != nil {
		return a.EVM
	}
	if a.Ledger != nil {
		return a.Ledger
	}
	return nil
}

// RegisterShutdown 按停机顺序注册各组件的关闭函数
func (a *App) RegisterShutdown(gs *shutdown.GracefulShutdown) {
	if a.Publisher != nil {
		gs.RegisterShutdownFunc("event-publisher", func(ctx context.Context) error {
			return a.Publisher.Close()
		}, shutdown.OrderFlushOutputs)
	}
	if a.EVM != nil {
		gs.RegisterShutdownFunc("evm-bank", func(ctx context.Context) error {
			return a.EVM.Close()
		}, shutdown.OrderCloseBank)
	}
	if a.Store != nil {
		gs.RegisterShutdownFunc("switch-store", func(ctx context.Context) error {
			return a.Store.Close()
		}, shutdown.OrderCloseStore)
	}
	if a.Audit != nil {
		gs.RegisterShutdownFunc("audit-log", func(ctx context.Context) error {
			return a.Audit.Close()
		}, shutdown.OrderCloseStore)
	}
}

// Close 直接关闭全部组件，用于命令行等无需信号处理的场景
func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.Warnf("关闭事件发布器失败: %v", err)
		}
	}
	if a.EVM != nil {
		if err := a.EVM.Close(); err != nil {
			a.Logger.Warnf("关闭节点连接失败: %v", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warnf("关闭开关存储失败: %v", err)
		}
	}
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			a.Logger.Warnf("关闭审计日志失败: %v", err)
		}
	}
}
