package evm

import (
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABI 开关用到的 ERC-20 方法
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20 = mustParseABI(erc20ABI)

// errNoContract 地址上没有合约代码时 eth_call 返回空
var errNoContract = stderrors.New("地址上没有合约代码")

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("解析ERC-20 ABI失败: %v", err))
	}
	return parsed
}

func packBalanceOf(owner common.Address) ([]byte, error) {
	return erc20.Pack("balanceOf", owner)
}

func packAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20.Pack("allowance", owner, spender)
}

func packTransferFrom(from, to common.Address, amount *big.Int) ([]byte, error) {
	return erc20.Pack("transferFrom", from, to, amount)
}

// unpackUint256 解析返回单个 uint256 的调用结果
func unpackUint256(method string, out []byte) (*big.Int, error) {
	if len(out) == 0 {
		return nil, errNoContract
	}
	values, err := erc20.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s 返回值个数异常: %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常: %T", method, values[0])
	}
	return v, nil
}
