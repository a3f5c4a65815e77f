package evm

import (
	"context"
	"crypto/ecdsa"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"deadswitch/internal/config"
	"deadswitch/internal/deadman"
	"deadswitch/internal/errors"
	"deadswitch/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

var _ deadman.Bank = (*Bank)(nil)

// 估算值上浮比例，避免临界状态下 out of gas
const gasLimitBuffer = 120

// Bank 链上 ERC-20 资产协作方，运营私钥对应的地址即被授权的 spender
//
// 链上划转无法回滚：Atomic 先在作用域内缓冲全部划转，预检通过后调用 latch 落盘分配计划，
// 再逐笔发送并等待回执。中途失败时返回 PartialSettlementError，说明已确认的笔数，
// 以及已广播但结果未知的笔数。
type Bank struct {
	pool     *Pool
	key      *ecdsa.PrivateKey
	operator common.Address
	chainID  *big.Int
	cfg      *config.EVMConfig
	logger   *logrus.Logger

	// 同一时刻只有一个作用域在发送交易，nonce 连续
	mu sync.Mutex
}

// NewBank 创建链上资产协作方
func NewBank(pool *Pool, cfg *config.EVMConfig, logger *logrus.Logger) (*Bank, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
	if err != nil {
		return nil, errors.ErrConfigInvalid.WithMessage("运营私钥无效").WithCause(err)
	}

	b := &Bank{
		pool:     pool,
		key:      key,
		operator: crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(cfg.ChainID),
		cfg:      cfg,
		logger:   logger,
	}
	logger.Infof("链上资产协作方已就绪，operator: %s, chain_id: %d", b.operator.Hex(), cfg.ChainID)
	return b, nil
}

// Operator 运营地址
func (b *Bank) Operator() common.Address {
	return b.operator
}

// Asset 返回绑定到合约地址的资产
func (b *Bank) Asset(addr common.Address) (deadman.Asset, error) {
	return &erc20Asset{bank: b, token: addr}, nil
}

// SpenderFor 链上模式下全部开关共用运营地址作为 spender
func (b *Bank) SpenderFor(id uint64, target common.Address) common.Address {
	return b.operator
}

// SharesSpender 共用运营地址，同一目标用户只允许一个未终结的开关
func (b *Bank) SharesSpender() bool {
	return true
}

// Ping 健康检查
func (b *Bank) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// GetStats 节点统计
func (b *Bank) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"operator": b.operator.Hex(),
		"chain_id": b.chainID.String(),
		"nodes":    b.pool.GetStats(),
	}
}

// Close 关闭节点连接
func (b *Bank) Close() error {
	return b.pool.Close()
}

// plannedCall 缓冲中的一笔 transferFrom
type plannedCall struct {
	token  common.Address
	owner  common.Address
	to     common.Address
	amount *big.Int
	data   []byte
	gas    uint64
}

type plan struct {
	calls []*plannedCall
}

type planKey struct{}

func planFrom(ctx context.Context) *plan {
	p, _ := ctx.Value(planKey{}).(*plan)
	return p
}

// Atomic 缓冲 transfer 中的划转，预检并落盘计划后逐笔发送，全部确认后执行 commit
func (b *Bank) Atomic(ctx context.Context, transfer, latch, commit func(ctx context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &plan{}
	scoped := context.WithValue(ctx, planKey{}, p)
	if err := transfer(scoped); err != nil {
		return err
	}
	if err := b.preflight(ctx, p); err != nil {
		return err
	}
	if len(p.calls) > 0 {
		if err := latch(ctx); err != nil {
			return err
		}
	}

	res, err := b.execute(ctx, p)
	if err != nil {
		if res.executed == 0 && !res.inFlight {
			return err
		}
		partial := &deadman.PartialSettlementError{Executed: res.executed, Cause: err}
		if res.inFlight {
			partial.InFlight = 1
		}
		return partial
	}

	if err := commit(ctx); err != nil {
		if res.executed == 0 {
			return err
		}
		// 划转已全部生效，交由调用方按已执行部分落盘
		return &deadman.PartialSettlementError{Executed: res.executed, Cause: err}
	}
	return nil
}

// execResult 发送结果：executed 笔已确认，inFlight 表示下一笔已广播但结果未知
type execResult struct {
	executed int
	inFlight bool
}

// preflight 汇总每个 (合约, owner) 的划转总额并对比余额与授权，再逐笔估算 gas
func (b *Bank) preflight(ctx context.Context, p *plan) error {
	type pair struct{ token, owner common.Address }
	totals := make(map[pair]*big.Int)
	order := make([]pair, 0)
	for _, c := range p.calls {
		k := pair{c.token, c.owner}
		if _, ok := totals[k]; !ok {
			totals[k] = new(big.Int)
			order = append(order, k)
		}
		totals[k].Add(totals[k], c.amount)
	}

	for _, k := range order {
		asset := &erc20Asset{bank: b, token: k.token}
		balance, err := asset.BalanceOf(ctx, k.owner)
		if err != nil {
			return err
		}
		allowance, err := asset.Allowance(ctx, k.owner, b.operator)
		if err != nil {
			return err
		}
		if balance.Cmp(totals[k]) < 0 || allowance.Cmp(totals[k]) < 0 {
			return errors.ErrInsufficientFunds.
				WithContext("asset", k.token.Hex()).
				WithContext("required", totals[k].String()).
				WithContext("balance", balance.String()).
				WithContext("allowance", allowance.String())
		}
	}

	for _, c := range p.calls {
		msg := ethereum.CallMsg{From: b.operator, To: &c.token, Data: c.data}
		var estimated uint64
		err := b.pool.Do(ctx, "eth_estimateGas", func(ctx context.Context, client ChainClient) error {
			gas, err := client.EstimateGas(ctx, msg)
			if err != nil {
				return classifySendError(err)
			}
			estimated = gas
			return nil
		})
		if err != nil {
			return err
		}
		c.gas = estimated * gasLimitBuffer / 100
		if b.cfg.GasLimit > 0 {
			c.gas = b.cfg.GasLimit
		}
	}
	return nil
}

// execute 按计划顺序发送。已广播的交易不会重发
func (b *Bank) execute(ctx context.Context, p *plan) (execResult, error) {
	var res execResult
	if len(p.calls) == 0 {
		return res, nil
	}

	var nonce uint64
	err := b.pool.Do(ctx, "eth_getTransactionCount", func(ctx context.Context, client ChainClient) error {
		n, err := client.PendingNonceAt(ctx, b.operator)
		nonce = n
		return err
	})
	if err != nil {
		return res, err
	}

	gasPrice, err := b.gasPrice(ctx)
	if err != nil {
		return res, err
	}

	signer := types.LatestSignerForChainID(b.chainID)
	for i, c := range p.calls {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce + uint64(i),
			To:       &c.token,
			Value:    new(big.Int),
			Gas:      c.gas,
			GasPrice: gasPrice,
			Data:     c.data,
		})
		signed, err := types.SignTx(tx, signer, b.key)
		if err != nil {
			return res, errors.ErrTransferFailed.WithMessage("交易签名失败").WithCause(err)
		}

		logger := b.logger.WithFields(logrus.Fields{
			"tx":     signed.Hash().Hex(),
			"token":  c.token.Hex(),
			"to":     c.to.Hex(),
			"amount": c.amount.String(),
		})

		if err := b.send(ctx, signed); err != nil {
			// 节点明确拒绝时交易不会上链；其余错误下交易可能已被节点接收
			res.inFlight = !stderrors.Is(err, errors.ErrTransferFailed)
			if res.inFlight {
				logger.WithError(err).Error("广播结果未知，按未确认处理")
			}
			return res, retry.NewRetryableError(err, false)
		}
		if err := b.waitReceipt(ctx, signed.Hash()); err != nil {
			// 回执显示执行失败时确定未生效；超时或节点错误时交易仍可能上链
			res.inFlight = !stderrors.Is(err, errors.ErrTransferFailed)
			if res.inFlight {
				logger.WithError(err).Error("交易已广播但未确认，不会重发")
			}
			return res, retry.NewRetryableError(err, false)
		}

		res.executed++
		logger.Info("链上划转已确认")
	}
	return res, nil
}

func (b *Bank) gasPrice(ctx context.Context) (*big.Int, error) {
	var suggested *big.Int
	err := b.pool.Do(ctx, "eth_gasPrice", func(ctx context.Context, client ChainClient) error {
		price, err := client.SuggestGasPrice(ctx)
		suggested = price
		return err
	})
	if err != nil {
		return nil, err
	}

	multiplier := b.cfg.GasPriceMultiplier
	if multiplier <= 0 {
		return suggested, nil
	}
	scaled, _ := new(big.Float).Mul(new(big.Float).SetInt(suggested), big.NewFloat(multiplier)).Int(nil)
	return scaled, nil
}

// send 广播交易；同一笔签名交易重复广播是幂等的
func (b *Bank) send(ctx context.Context, tx *types.Transaction) error {
	return b.pool.Do(ctx, "eth_sendRawTransaction", func(ctx context.Context, client ChainClient) error {
		err := client.SendTransaction(ctx, tx)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil
		}
		return classifySendError(err)
	})
}

// waitReceipt 轮询回执直到确认或超时
func (b *Bank) waitReceipt(ctx context.Context, hash common.Hash) error {
	timeout := b.cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := b.pool.Do(waitCtx, "eth_getTransactionReceipt", func(ctx context.Context, client ChainClient) error {
			r, err := client.TransactionReceipt(ctx, hash)
			if stderrors.Is(err, ethereum.NotFound) {
				return nil
			}
			receipt = r
			return err
		})
		if err != nil && waitCtx.Err() == nil {
			return err
		}

		if receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return errors.ErrTransferFailed.
					WithMessage("链上划转执行失败").
					WithContext("tx", hash.Hex()).
					WithContext("block", receipt.BlockNumber)
			}
			return nil
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return errors.ErrNetworkTimeout.WithMessage("等待交易回执超时").WithContext("tx", hash.Hex())
		}
	}
}

// classifySendError 合约 revert 与余额类错误不可重试，归为划转失败
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "underpriced"):
		return errors.ErrTransferFailed.WithCause(err)
	}
	return err
}

// erc20Asset 单个 ERC-20 合约的 deadman.Asset 实现
type erc20Asset struct {
	bank  *Bank
	token common.Address
}

func (a *erc20Asset) call(ctx context.Context, method string, data []byte) (*big.Int, error) {
	msg := ethereum.CallMsg{From: a.bank.operator, To: &a.token, Data: data}

	var value *big.Int
	err := a.bank.pool.Do(ctx, "eth_call", func(ctx context.Context, client ChainClient) error {
		out, err := client.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		v, err := unpackUint256(method, out)
		if stderrors.Is(err, errNoContract) {
			return errors.ErrUnknownAsset.WithContext("asset", a.token.Hex())
		}
		if err != nil {
			return errors.ErrSerializationFailed.WithCause(err)
		}
		value = v
		return nil
	})
	return value, err
}

// BalanceOf 读取余额
func (a *erc20Asset) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := packBalanceOf(owner)
	if err != nil {
		return nil, errors.ErrSerializationFailed.WithCause(err)
	}
	return a.call(ctx, "balanceOf", data)
}

// Allowance 读取授权额度
func (a *erc20Asset) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := packAllowance(owner, spender)
	if err != nil {
		return nil, errors.ErrSerializationFailed.WithCause(err)
	}
	return a.call(ctx, "allowance", data)
}

// TransferFrom 在作用域内缓冲一笔划转，实际发送发生在 Atomic 预检之后
func (a *erc20Asset) TransferFrom(ctx context.Context, spender, owner, recipient common.Address, amount *big.Int) error {
	p := planFrom(ctx)
	if p == nil {
		return errors.ErrTransferFailed.WithMessage("链上划转只能在原子作用域内发起")
	}
	if spender != a.bank.operator {
		return errors.ErrUnauthorized.WithMessage("spender 不是运营地址").WithContext("spender", spender.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return errors.ErrInvalidAmount.WithContext("amount", fmt.Sprint(amount))
	}

	data, err := packTransferFrom(owner, recipient, amount)
	if err != nil {
		return errors.ErrSerializationFailed.WithCause(err)
	}
	p.calls = append(p.calls, &plannedCall{
		token:  a.token,
		owner:  owner,
		to:     recipient,
		amount: new(big.Int).Set(amount),
		data:   data,
	})
	return nil
}
