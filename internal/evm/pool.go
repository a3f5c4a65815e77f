package evm

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"deadswitch/internal/config"
	"deadswitch/internal/errors"
	"deadswitch/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ChainClient 节点客户端需要提供的调用，*ethclient.Client 满足该接口
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// DialFunc 建立节点连接
type DialFunc func(ctx context.Context, url string) (ChainClient, error)

func dialEthClient(ctx context.Context, url string) (ChainClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Pool 多节点连接池，按优先级选择健康节点，失败时切换到下一个
type Pool struct {
	nodes   []*node
	logger  *logrus.Logger
	retrier *retry.Retrier
	dial    DialFunc

	healthCheck time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// node 单个节点
type node struct {
	cfg     *config.NodeConfig
	limiter *rate.Limiter

	mu        sync.Mutex
	client    ChainClient
	isHealthy bool
	lastCheck time.Time
	failures  int
}

// NewPool 创建连接池，至少一个节点可连接时成功
func NewPool(ctx context.Context, nodes []*config.NodeConfig, retryLimit int, dial DialFunc, logger *logrus.Logger) (*Pool, error) {
	if dial == nil {
		dial = dialEthClient
	}

	sorted := append([]*config.NodeConfig(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	p := &Pool{
		logger:      logger,
		retrier:     retry.NewRetrier(retry.RPCRetryConfig.WithMaxAttempts(retryLimit), logger),
		dial:        dial,
		healthCheck: 30 * time.Second,
		stop:        make(chan struct{}),
	}

	for _, cfg := range sorted {
		limit := rate.Inf
		burst := 1
		if cfg.RateLimit > 0 {
			limit = rate.Limit(cfg.RateLimit)
			burst = cfg.RateLimit
		}
		n := &node{cfg: cfg, limiter: rate.NewLimiter(limit, burst)}

		if err := p.connect(ctx, n); err != nil {
			logger.Warnf("初始化节点 %s 失败: %v", cfg.Name, err)
		} else {
			logger.Infof("节点 %s 已连接", cfg.Name)
		}
		p.nodes = append(p.nodes, n)
	}

	if p.HealthyCount() == 0 {
		p.Close()
		return nil, errors.ErrRPCFailed.WithMessage("没有可用的节点")
	}

	go p.healthChecker()
	return p, nil
}

// connect 建立连接并以 ChainID 测试
func (p *Pool) connect(ctx context.Context, n *node) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := p.dial(dialCtx, n.cfg.URL)
	if err != nil {
		n.markUnhealthy()
		return fmt.Errorf("连接节点失败: %w", err)
	}
	if _, err := client.ChainID(dialCtx); err != nil {
		client.Close()
		n.markUnhealthy()
		return fmt.Errorf("测试连接失败: %w", err)
	}

	n.mu.Lock()
	if n.client != nil {
		n.client.Close()
	}
	n.client = client
	n.isHealthy = true
	n.failures = 0
	n.lastCheck = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *node) markUnhealthy() {
	n.mu.Lock()
	n.isHealthy = false
	n.failures++
	n.lastCheck = time.Now()
	n.mu.Unlock()
}

func (n *node) markHealthy() {
	n.mu.Lock()
	n.isHealthy = true
	n.failures = 0
	n.mu.Unlock()
}

func (n *node) healthyClient() (ChainClient, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.client, n.isHealthy && n.client != nil
}

// candidates 健康节点优先，其后是已连接但被标记为不健康的节点
func (p *Pool) candidates() []*node {
	healthy := make([]*node, 0, len(p.nodes))
	var degraded []*node
	for _, n := range p.nodes {
		client, ok := n.healthyClient()
		switch {
		case ok:
			healthy = append(healthy, n)
		case client != nil:
			degraded = append(degraded, n)
		}
	}
	return append(healthy, degraded...)
}

// Do 在第一个可用节点上执行 fn；节点级失败时换下一个节点，整体按重试配置重试
func (p *Pool) Do(ctx context.Context, method string, fn func(ctx context.Context, client ChainClient) error) error {
	err := p.retrier.Execute(ctx, method, func() error {
		return p.tryNodes(ctx, method, fn)
	})
	return retry.MarkRPC(method, err)
}

func (p *Pool) tryNodes(ctx context.Context, method string, fn func(ctx context.Context, client ChainClient) error) error {
	var lastErr error
	for _, n := range p.candidates() {
		n.mu.Lock()
		client := n.client
		n.mu.Unlock()
		if client == nil {
			continue
		}
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx, client)
		if err == nil {
			n.markHealthy()
			return nil
		}
		if !retry.IsRetryableError(err) {
			// 业务错误不换节点
			return err
		}

		p.logger.Debugf("节点 %s 调用 %s 失败: %v", n.cfg.Name, method, err)
		n.markUnhealthy()
		lastErr = err
	}

	if lastErr == nil {
		return errors.ErrRPCFailed.WithMessage("没有可用的节点")
	}
	return lastErr
}

// HealthyCount 健康节点数量
func (p *Pool) HealthyCount() int {
	count := 0
	for _, n := range p.nodes {
		if _, ok := n.healthyClient(); ok {
			count++
		}
	}
	return count
}

// Ping 任一节点可用即成功
func (p *Pool) Ping(ctx context.Context) error {
	return p.Do(ctx, "eth_chainId", func(ctx context.Context, client ChainClient) error {
		_, err := client.ChainID(ctx)
		return err
	})
}

// healthChecker 定期重连不健康的节点
func (p *Pool) healthChecker() {
	ticker := time.NewTicker(p.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkNodes()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) checkNodes() {
	for _, n := range p.nodes {
		if _, ok := n.healthyClient(); ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.connect(ctx, n); err != nil {
			p.logger.Warnf("节点 %s 健康检查失败: %v", n.cfg.Name, err)
		} else {
			p.logger.Infof("节点 %s 已恢复", n.cfg.Name)
		}
		cancel()
	}
}

// GetStats 获取连接池统计信息
func (p *Pool) GetStats() map[string]interface{} {
	stats := make(map[string]interface{}, len(p.nodes))
	for _, n := range p.nodes {
		n.mu.Lock()
		stats[n.cfg.Name] = map[string]interface{}{
			"url":        n.cfg.URL,
			"priority":   n.cfg.Priority,
			"is_healthy": n.isHealthy,
			"failures":   n.failures,
			"last_check": n.lastCheck.Format(time.RFC3339),
		}
		n.mu.Unlock()
	}
	return stats
}

// Close 关闭连接池
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	for _, n := range p.nodes {
		n.mu.Lock()
		if n.client != nil {
			n.client.Close()
			n.client = nil
		}
		n.isHealthy = false
		n.mu.Unlock()
	}
	p.logger.Info("连接池已关闭")
	return nil
}
