package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"deadswitch/internal/app"
	"deadswitch/internal/ledger"
)

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "本地账本代币操作（仅 ledger 模式）",
	}

	createCmd := &cobra.Command{
		Use:   "create <name> <symbol>",
		Short: "以调用方为所有者创建代币",
		Args:  cobra.ExactArgs(2),
		RunE: withLedger(func(ctx context.Context, l *ledger.Ledger, args []string) error {
			owner, err := caller()
			if err != nil {
				return err
			}
			info, err := l.CreateToken(ctx, owner, args[0], args[1], decimals)
			if err != nil {
				return err
			}
			return printJSON(info)
		}),
	}
	createCmd.Flags().Uint8Var(&decimals, "decimals", 18, "精度")

	tokenCmd.AddCommand(
		createCmd,
		&cobra.Command{
			Use:   "mint <token> <to> <amount>",
			Short: "代币所有者增发",
			Args:  cobra.ExactArgs(3),
			RunE: withLedger(func(ctx context.Context, l *ledger.Ledger, args []string) error {
				return tokenOp(args, func(from, token, to common.Address, amount *big.Int) error {
					return l.Mint(ctx, from, token, to, amount)
				})
			}),
		},
		&cobra.Command{
			Use:   "approve <token> <spender> <amount>",
			Short: "调用方授权 spender，开关的 spender 见 status 输出",
			Args:  cobra.ExactArgs(3),
			RunE: withLedger(func(ctx context.Context, l *ledger.Ledger, args []string) error {
				return tokenOp(args, func(from, token, spender common.Address, amount *big.Int) error {
					return l.Approve(ctx, token, from, spender, amount)
				})
			}),
		},
		&cobra.Command{
			Use:   "transfer <token> <to> <amount>",
			Short: "调用方直接转账",
			Args:  cobra.ExactArgs(3),
			RunE: withLedger(func(ctx context.Context, l *ledger.Ledger, args []string) error {
				return tokenOp(args, func(from, token, to common.Address, amount *big.Int) error {
					return l.Transfer(ctx, token, from, to, amount)
				})
			}),
		},
		&cobra.Command{
			Use:   "balance <token> <owner>",
			Short: "查询余额",
			Args:  cobra.ExactArgs(2),
			RunE: withLedger(func(ctx context.Context, l *ledger.Ledger, args []string) error {
				token, err := parseAddress(args[0])
				if err != nil {
					return err
				}
				owner, err := parseAddress(args[1])
				if err != nil {
					return err
				}
				balance, err := l.BalanceOf(ctx, token, owner)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{
					"token":   token.Hex(),
					"owner":   owner.Hex(),
					"balance": balance.String(),
				})
			}),
		},
	)
	return tokenCmd
}

// withLedger 要求当前为 ledger 模式
func withLedger(fn func(ctx context.Context, l *ledger.Ledger, args []string) error) func(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, args []string) error {
		if a.Ledger == nil {
			return fmt.Errorf("token 命令仅在 bank.mode=ledger 时可用")
		}
		return fn(ctx, a.Ledger, args)
	})
}

// tokenOp 解析 <token> <address> <amount> 后以调用方身份执行
func tokenOp(args []string, fn func(from, token, addr common.Address, amount *big.Int) error) error {
	from, err := caller()
	if err != nil {
		return err
	}
	token, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	addr, err := parseAddress(args[1])
	if err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(args[2], 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("无效的数量: %s", args[2])
	}
	if err := fn(from, token, addr, amount); err != nil {
		return err
	}
	return printJSON(map[string]string{
		"token":   token.Hex(),
		"address": addr.Hex(),
		"amount":  amount.String(),
	})
}
