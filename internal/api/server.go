package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"deadswitch/internal/auth"
	"deadswitch/internal/config"
	"deadswitch/internal/deadman"
	"deadswitch/internal/errors"
	"deadswitch/internal/ledger"
	"deadswitch/internal/watchdog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Pinger 可做健康检查的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options 服务依赖
type Options struct {
	Config   *config.APIConfig
	Manager  *deadman.Manager
	Store    Pinger
	Bank     Pinger
	Ledger   *ledger.Ledger // 仅 ledger 模式下提供代币接口
	Watchdog *watchdog.Watchdog
	Configs  ConfigStore // 配置覆盖库，未配置时不提供配置接口
	// ReadinessDSN 非空时就绪检查包含 Postgres 连接
	ReadinessDSN string
	Logger       *logrus.Logger
}

// Server API服务器
type Server struct {
	cfg        *config.APIConfig
	manager    *deadman.Manager
	store      Pinger
	bank       Pinger
	ledger     *ledger.Ledger
	watchdog   *watchdog.Watchdog
	configs    *ConfigManager
	verifier   *auth.Verifier
	limiter    *ipLimiter
	errHandler *errors.ErrorHandler
	logger     *logrus.Logger
	logManager *LogManager
	health     *healthController

	router *gin.Engine
	server *http.Server
	mu     sync.Mutex
}

// NewServer 创建API服务器并注册路由
func NewServer(opts Options) (*Server, error) {
	if opts.Manager == nil {
		return nil, errors.ErrConfigInvalid.WithMessage("未配置开关管理器")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.GetDefaultConfig().API
	}

	// 最多保存1000条日志
	logManager := NewLogManager(1000)
	opts.Logger.AddHook(NewLogHook(logManager))

	s := &Server{
		cfg:        cfg,
		manager:    opts.Manager,
		store:      opts.Store,
		bank:       opts.Bank,
		ledger:     opts.Ledger,
		watchdog:   opts.Watchdog,
		errHandler: errors.NewErrorHandler(opts.Logger),
		logger:     opts.Logger,
		logManager: logManager,
	}
	if opts.Configs != nil {
		s.configs = NewConfigManager(opts.Configs, opts.Logger)
	}
	if cfg.Auth != nil && cfg.Auth.Enabled {
		s.verifier = auth.NewVerifier(cfg.Auth, opts.Logger)
	}
	if cfg.RateLimit != nil && cfg.RateLimit.RPS > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	health, err := newHealthController(s.store, s.bank, opts.ReadinessDSN)
	if err != nil {
		return nil, err
	}
	s.health = health

	registerValidators()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.instrument())
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Caller, X-Timestamp, X-Signature")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	s.setupRoutes(router)
	s.router = router
	return s, nil
}

// Handler 路由处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在 %s", s.cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("API服务器正在关闭")
	return srv.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET(livenessPath, gin.WrapF(s.health.liveness.HandlerFunc))
	router.GET(readinessPath, gin.WrapF(s.health.readiness.HandlerFunc))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(s.rateLimit())

	// 只读接口
	api.GET("/switches", s.listSwitches)
	api.GET("/switches/:id", s.getSwitch)
	api.GET("/switches/:id/heirs/:index", s.getHeir)
	api.GET("/switches/:id/preview", s.previewSwitch)
	api.GET("/switches/:id/events", s.listEvents)
	api.GET("/stats", s.getStats)
	api.GET("/logs", s.getLogs)
	api.DELETE("/logs", s.clearLogs)

	// 需要调用方身份的接口
	signed := api.Group("")
	signed.Use(s.requireCaller())
	signed.POST("/switches", s.registerSwitch)
	signed.POST("/switches/:id/assets", s.addAssets)
	signed.POST("/switches/:id/ping", s.pingSwitch)
	signed.POST("/switches/:id/check", s.checkSwitch)
	signed.POST("/switches/:id/kill", s.killSwitch)
	signed.POST("/switches/:id/deposit", s.depositSwitch)

	if s.watchdog != nil {
		api.GET("/watchdog", s.getWatchdog)
		api.POST("/watchdog/run", s.runWatchdog)
	}

	if s.ledger != nil {
		api.GET("/tokens", s.listTokens)
		api.GET("/tokens/:token", s.getToken)
		api.GET("/tokens/:token/balances/:owner", s.getBalance)
		api.GET("/tokens/:token/allowances/:owner/:spender", s.getAllowance)
		signed.POST("/tokens", s.createToken)
		signed.POST("/tokens/:token/mint", s.mintToken)
		signed.POST("/tokens/:token/approve", s.approveToken)
		signed.POST("/tokens/:token/transfer", s.transferToken)
	}

	if s.configs != nil {
		api.GET("/config/:type", s.configs.GetConfig)
		api.PUT("/config/:type", s.configs.UpdateConfig)
	}
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	stats := gin.H{
		"switches":  s.manager.Stats(),
		"timestamp": time.Now().Unix(),
	}
	if reporter, ok := s.store.(interface{ GetStats() map[string]interface{} }); ok {
		stats["store"] = reporter.GetStats()
	}
	if reporter, ok := s.bank.(interface{ GetStats() map[string]interface{} }); ok {
		stats["bank"] = reporter.GetStats()
	}
	if s.watchdog != nil {
		stats["watchdog"] = s.watchdog.GetProgress()
	}
	c.JSON(http.StatusOK, stats)
}

// getWatchdog 巡检累计统计
func (s *Server) getWatchdog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"keeper":   s.watchdog.Keeper().Hex(),
		"progress": s.watchdog.GetProgress(),
		"errors":   s.watchdog.ErrorStats().TotalErrors,
	})
}

// runWatchdog 立即执行一轮巡检
func (s *Server) runWatchdog(c *gin.Context) {
	sweep := s.watchdog.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"checked":  sweep.Checked,
		"results":  sweep.Results,
		"duration": sweep.Duration.String(),
	})
}
