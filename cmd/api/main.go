package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"deadswitch/internal/api"
	"deadswitch/internal/app"
	"deadswitch/internal/config"
	"deadswitch/internal/logging"
	"deadswitch/internal/progress"
	"deadswitch/internal/shutdown"
	"deadswitch/internal/watchdog"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "配置文件路径，为空时只使用默认值与环境变量")
	listen     = flag.String("listen", "", "监听地址，覆盖 api.listen")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	logger, err := logging.NewLogrusLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("创建日志器失败: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("服务异常退出: %v", err)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	ctx := gs.Context()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.RegisterShutdown(gs)

	var wd *watchdog.Watchdog
	if cfg.Watchdog != nil {
		pm, err := progress.NewManager(a.Store.DB(), logger)
		if err != nil {
			gs.Shutdown()
			return err
		}
		wd = watchdog.New(cfg.Watchdog, a.Manager, logger).WithProgress(pm)
		if cfg.Watchdog.Enabled {
			wd.Start(ctx)
			gs.RegisterShutdownFunc("watchdog", func(ctx context.Context) error {
				wd.Stop()
				return nil
			}, shutdown.OrderStopWatchdog)
		}
	}

	opts := api.Options{
		Config:   cfg.API,
		Manager:  a.Manager,
		Store:    a.Store,
		Bank:     a.Bank(),
		Ledger:   a.Ledger,
		Watchdog: wd,
		Logger:   logger,
	}
	if dsn := config.DatabaseDSN(); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			gs.Shutdown()
			return fmt.Errorf("连接配置数据库失败: %w", err)
		}
		gs.RegisterShutdownFunc("config-db", func(ctx context.Context) error {
			return dbConfig.Close()
		}, shutdown.OrderCloseStore)
		opts.Configs = dbConfig
		opts.ReadinessDSN = dsn
	}

	server, err := api.NewServer(opts)
	if err != nil {
		gs.Shutdown()
		return err
	}
	gs.RegisterShutdownFunc("http-server", server.Stop, shutdown.OrderStopHTTPServer)

	gs.Start()
	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("HTTP 服务失败: %v", err)
			gs.Shutdown()
		}
	}()
	logger.Infof("API服务器已启动，监听: %s", cfg.API.Listen)

	gs.Wait()
	logger.Info("服务器已关闭")
	return nil
}
