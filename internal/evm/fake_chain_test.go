package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChain 内存中的 ERC-20 链，按 ABI 解码调用数据
type fakeChain struct {
	mu         sync.Mutex
	chainID    *big.Int
	signer     types.Signer
	tokens     map[common.Address]bool
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[[2]common.Address]*big.Int
	receipts   map[common.Hash]*types.Receipt
	sent       []*types.Transaction
	nonce      uint64

	revertSendAt  int // 第几笔发送的交易在链上执行失败，-1 为不失败
	pendingSendAt int // 第几笔发送的交易已上链但节点迟迟不返回回执，-1 为正常返回
	callFailures  int // CallContract 前若干次返回瞬时错误
	calls         int
}

func newFakeChain(chainID int64) *fakeChain {
	id := big.NewInt(chainID)
	return &fakeChain{
		chainID:       id,
		signer:        types.LatestSignerForChainID(id),
		tokens:        make(map[common.Address]bool),
		balances:      make(map[common.Address]map[common.Address]*big.Int),
		allowances:    make(map[common.Address]map[[2]common.Address]*big.Int),
		receipts:      make(map[common.Hash]*types.Receipt),
		revertSendAt:  -1,
		pendingSendAt: -1,
	}
}

func (f *fakeChain) deploy(token common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = true
	f.balances[token] = make(map[common.Address]*big.Int)
	f.allowances[token] = make(map[[2]common.Address]*big.Int)
}

func (f *fakeChain) mint(token, owner common.Address, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[token][owner] = new(big.Int).Add(f.balanceLocked(token, owner), big.NewInt(amount))
}

func (f *fakeChain) approve(token, owner, spender common.Address, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[token][[2]common.Address{owner, spender}] = big.NewInt(amount)
}

func (f *fakeChain) balance(token, owner common.Address) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceLocked(token, owner).Int64()
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChain) balanceLocked(token, owner common.Address) *big.Int {
	if v, ok := f.balances[token][owner]; ok {
		return v
	}
	return new(big.Int)
}

func (f *fakeChain) allowanceLocked(token, owner, spender common.Address) *big.Int {
	if v, ok := f.allowances[token][[2]common.Address{owner, spender}]; ok {
		return v
	}
	return new(big.Int)
}

// checkTransferFrom 校验 transferFrom 是否会成功，返回解码后的参数
func (f *fakeChain) checkTransferFrom(token, spender common.Address, data []byte) (common.Address, common.Address, *big.Int, error) {
	method, err := erc20.MethodById(data[:4])
	if err != nil || method.Name != "transferFrom" {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("execution reverted: unknown method")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	from, to, amount := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
	if f.balanceLocked(token, from).Cmp(amount) < 0 {
		return from, to, amount, fmt.Errorf("execution reverted: ERC20: transfer amount exceeds balance")
	}
	if f.allowanceLocked(token, from, spender).Cmp(amount) < 0 {
		return from, to, amount, fmt.Errorf("execution reverted: ERC20: insufficient allowance")
	}
	return from, to, amount, nil
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls <= f.callFailures {
		return nil, fmt.Errorf("connection reset by peer")
	}
	if !f.tokens[*msg.To] {
		return nil, nil
	}

	method, err := erc20.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	var value *big.Int
	switch method.Name {
	case "balanceOf":
		value = f.balanceLocked(*msg.To, args[0].(common.Address))
	case "allowance":
		value = f.allowanceLocked(*msg.To, args[0].(common.Address), args[1].(common.Address))
	default:
		return nil, fmt.Errorf("execution reverted")
	}
	return method.Outputs.Pack(value)
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, _, _, err := f.checkTransferFrom(*msg.To, msg.From, msg.Data); err != nil {
		return 0, err
	}
	return 50_000, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sender, err := types.Sender(f.signer, tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != f.nonce {
		return fmt.Errorf("nonce too low")
	}
	index := len(f.sent)
	f.sent = append(f.sent, tx)
	f.nonce++

	status := types.ReceiptStatusSuccessful
	from, to, amount, err := f.checkTransferFrom(*tx.To(), sender, tx.Data())
	if err != nil || index == f.revertSendAt {
		status = types.ReceiptStatusFailed
	} else {
		token := *tx.To()
		f.balances[token][from] = new(big.Int).Sub(f.balanceLocked(token, from), amount)
		f.balances[token][to] = new(big.Int).Add(f.balanceLocked(token, to), amount)
		key := [2]common.Address{from, sender}
		f.allowances[token][key] = new(big.Int).Sub(f.allowanceLocked(token, from, sender), amount)
	}

	if index == f.pendingSendAt {
		return nil
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(index + 1)),
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) Close() {}
