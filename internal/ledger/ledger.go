package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"deadswitch/internal/deadman"
	"deadswitch/internal/errors"
	"deadswitch/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 存储桶名称
	TokenBucket     = "ledger_tokens"
	BalanceBucket   = "ledger_balances"
	AllowanceBucket = "ledger_allowances"
	NonceBucket     = "ledger_nonces"
)

// maxUint256 无限授权额度
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TokenInfo 账本代币元数据
type TokenInfo struct {
	Address   common.Address `json:"address"`
	Name      string         `json:"name"`
	Symbol    string         `json:"symbol"`
	Decimals  uint8          `json:"decimals"`
	Owner     common.Address `json:"owner"` // 唯一可增发的地址
	Supply    *big.Int       `json:"supply"`
	CreatedAt time.Time      `json:"created_at"`
}

// Ledger 基于 bbolt 的同质化代币账本，语义与 ERC-20 一致
type Ledger struct {
	db     *bolt.DB
	logger *logrus.Logger
}

var _ deadman.Bank = (*Ledger)(nil)

// New 在已有数据库上创建账本，与开关存储共用同一个文件
func New(db *bolt.DB, logger *logrus.Logger) (*Ledger, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{TokenBucket, BalanceBucket, AllowanceBucket, NonceBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("初始化账本失败: %w", err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

// view 优先复用上下文中的事务，避免在写事务内再开读事务
func (l *Ledger) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if tx, ok := store.TxFromContext(ctx); ok {
		return fn(tx)
	}
	return l.db.View(fn)
}

func (l *Ledger) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if tx, ok := store.TxFromContext(ctx); ok && tx.Writable() {
		return fn(tx)
	}
	return l.db.Update(fn)
}

// CreateToken 创建代币，地址由创建者及其创建序号派生
func (l *Ledger) CreateToken(ctx context.Context, creator common.Address, name, symbol string, decimals uint8) (*TokenInfo, error) {
	if creator == (common.Address{}) {
		return nil, errors.ErrInvalidAddress.WithMessage("创建者不能为零地址")
	}

	var info *TokenInfo
	err := l.update(ctx, func(tx *bolt.Tx) error {
		nonces := tx.Bucket([]byte(NonceBucket))
		var nonce uint64
		if data := nonces.Get(creator.Bytes()); data != nil {
			nonce = binary.BigEndian.Uint64(data)
		}

		info = &TokenInfo{
			Address:   crypto.CreateAddress(creator, nonce),
			Name:      name,
			Symbol:    symbol,
			Decimals:  decimals,
			Owner:     creator,
			Supply:    new(big.Int),
			CreatedAt: time.Now().UTC(),
		}

		next := make([]byte, 8)
		binary.BigEndian.PutUint64(next, nonce+1)
		if err := nonces.Put(creator.Bytes(), next); err != nil {
			return err
		}
		return putToken(tx, info)
	})
	if err != nil {
		return nil, storeError(err)
	}

	l.logger.WithFields(logrus.Fields{
		"token":  info.Address.Hex(),
		"symbol": symbol,
		"owner":  creator.Hex(),
	}).Info("已创建账本代币")
	return info, nil
}

// Token 读取代币元数据
func (l *Ledger) Token(ctx context.Context, token common.Address) (*TokenInfo, error) {
	var info *TokenInfo
	err := l.view(ctx, func(tx *bolt.Tx) error {
		var err error
		info, err = getToken(tx, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Tokens 列出全部代币
func (l *Ledger) Tokens(ctx context.Context) ([]*TokenInfo, error) {
	tokens := make([]*TokenInfo, 0)
	err := l.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(TokenBucket)).ForEach(func(k, v []byte) error {
			info := &TokenInfo{}
			if err := json.Unmarshal(v, info); err != nil {
				return errors.ErrSerializationFailed.WithCause(err)
			}
			tokens = append(tokens, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// Mint 代币所有者增发
func (l *Ledger) Mint(ctx context.Context, caller, token, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return errors.ErrInvalidAddress.WithMessage("增发接收方不能为零地址")
	}

	err := l.update(ctx, func(tx *bolt.Tx) error {
		info, err := getToken(tx, token)
		if err != nil {
			return err
		}
		if info.Owner != caller {
			return errors.ErrUnauthorized.WithMessage("只有代币所有者可以增发").WithContext("token", token.Hex())
		}
		info.Supply = new(big.Int).Add(info.Supply, amount)
		if err := putToken(tx, info); err != nil {
			return err
		}
		return addBalance(tx, token, to, amount)
	})
	if err != nil {
		return err
	}

	l.logger.WithFields(logrus.Fields{
		"token":  token.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	}).Debug("已增发")
	return nil
}

// Approve owner 授权 spender 可划转的额度，覆盖原额度
func (l *Ledger) Approve(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if spender == (common.Address{}) {
		return errors.ErrInvalidAddress.WithMessage("被授权地址不能为零地址")
	}

	return l.update(ctx, func(tx *bolt.Tx) error {
		if _, err := getToken(tx, token); err != nil {
			return err
		}
		return putAmount(tx.Bucket([]byte(AllowanceBucket)), allowanceKey(token, owner, spender), amount)
	})
}

// Transfer from 直接转账给 to
func (l *Ledger) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	return l.update(ctx, func(tx *bolt.Tx) error {
		if _, err := getToken(tx, token); err != nil {
			return err
		}
		return move(tx, token, from, to, amount)
	})
}

// BalanceOf 读取余额
func (l *Ledger) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var balance *big.Int
	err := l.view(ctx, func(tx *bolt.Tx) error {
		if _, err := getToken(tx, token); err != nil {
			return err
		}
		balance = getAmount(tx.Bucket([]byte(BalanceBucket)), balanceKey(token, owner))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Allowance 读取授权额度
func (l *Ledger) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var allowance *big.Int
	err := l.view(ctx, func(tx *bolt.Tx) error {
		if _, err := getToken(tx, token); err != nil {
			return err
		}
		allowance = getAmount(tx.Bucket([]byte(AllowanceBucket)), allowanceKey(token, owner, spender))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allowance, nil
}

// TransferFrom spender 动用 owner 的授权额度向 recipient 划转
func (l *Ledger) TransferFrom(ctx context.Context, token, spender, owner, recipient common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	return l.update(ctx, func(tx *bolt.Tx) error {
		if _, err := getToken(tx, token); err != nil {
			return err
		}

		allowances := tx.Bucket([]byte(AllowanceBucket))
		key := allowanceKey(token, owner, spender)
		allowance := getAmount(allowances, key)
		if allowance.Cmp(amount) < 0 {
			return errors.ErrInsufficientFunds.WithMessage("授权额度不足").
				WithContext("token", token.Hex()).
				WithContext("allowance", allowance.String()).
				WithContext("amount", amount.String())
		}

		if err := move(tx, token, owner, recipient, amount); err != nil {
			return err
		}

		// 无限授权不递减
		if allowance.Cmp(maxUint256) == 0 {
			return nil
		}
		return putAmount(allowances, key, new(big.Int).Sub(allowance, amount))
	})
}

// Asset 返回绑定到代币地址的资产句柄，代币是否存在在首次读写时校验
func (l *Ledger) Asset(addr common.Address) (deadman.Asset, error) {
	return &tokenAsset{ledger: l, token: addr}, nil
}

// Atomic 在单个写事务内依次执行划转与提交，任一步失败整个事务回滚。
// 账本划转与开关状态同在一个事务，无需 latch
func (l *Ledger) Atomic(ctx context.Context, transfer, _, commit func(ctx context.Context) error) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		txCtx := store.ContextWithTx(ctx, tx)
		if err := transfer(txCtx); err != nil {
			return err
		}
		return commit(txCtx)
	})
}

// SpenderFor 开关在账本中的被授权地址
func (l *Ledger) SpenderFor(id uint64, target common.Address) common.Address {
	return crypto.CreateAddress(target, id)
}

// Ping 健康检查
func (l *Ledger) Ping(ctx context.Context) error {
	return l.view(ctx, func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(TokenBucket)) == nil {
			return fmt.Errorf("代币存储桶不存在")
		}
		return nil
	})
}

// tokenAsset 单个代币的 deadman.Asset 实现
type tokenAsset struct {
	ledger *Ledger
	token  common.Address
}

func (a *tokenAsset) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return a.ledger.BalanceOf(ctx, a.token, owner)
}

func (a *tokenAsset) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return a.ledger.Allowance(ctx, a.token, owner, spender)
}

func (a *tokenAsset) TransferFrom(ctx context.Context, spender, owner, recipient common.Address, amount *big.Int) error {
	return a.ledger.TransferFrom(ctx, a.token, spender, owner, recipient, amount)
}

// move 从 from 扣减并加到 to
func move(tx *bolt.Tx, token, from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return errors.ErrInvalidAddress.WithMessage("收款方不能为零地址")
	}
	balances := tx.Bucket([]byte(BalanceBucket))
	fromKey := balanceKey(token, from)
	balance := getAmount(balances, fromKey)
	if balance.Cmp(amount) < 0 {
		return errors.ErrInsufficientFunds.WithMessage("余额不足").
			WithContext("token", token.Hex()).
			WithContext("balance", balance.String()).
			WithContext("amount", amount.String())
	}
	if err := putAmount(balances, fromKey, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return addBalance(tx, token, to, amount)
}

func addBalance(tx *bolt.Tx, token, owner common.Address, amount *big.Int) error {
	balances := tx.Bucket([]byte(BalanceBucket))
	key := balanceKey(token, owner)
	next := new(big.Int).Add(getAmount(balances, key), amount)
	if next.BitLen() > 256 {
		return errors.ErrInvalidAmount.WithMessage("余额溢出 uint256")
	}
	return putAmount(balances, key, next)
}

func getToken(tx *bolt.Tx, token common.Address) (*TokenInfo, error) {
	data := tx.Bucket([]byte(TokenBucket)).Get(token.Bytes())
	if data == nil {
		return nil, errors.ErrUnknownAsset.WithContext("asset", token.Hex())
	}
	info := &TokenInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, errors.ErrSerializationFailed.WithCause(err)
	}
	return info, nil
}

func putToken(tx *bolt.Tx, info *TokenInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errors.ErrSerializationFailed.WithCause(err)
	}
	return tx.Bucket([]byte(TokenBucket)).Put(info.Address.Bytes(), data)
}

func getAmount(bucket *bolt.Bucket, key []byte) *big.Int {
	return new(big.Int).SetBytes(bucket.Get(key))
}

func putAmount(bucket *bolt.Bucket, key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return bucket.Delete(key)
	}
	return bucket.Put(key, amount.Bytes())
}

func balanceKey(token, owner common.Address) []byte {
	return append(token.Bytes(), owner.Bytes()...)
}

func allowanceKey(token, owner, spender common.Address) []byte {
	k := make([]byte, 0, 3*common.AddressLength)
	k = append(k, token.Bytes()...)
	k = append(k, owner.Bytes()...)
	return append(k, spender.Bytes()...)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.ErrInvalidAmount.WithContext("amount", fmt.Sprint(amount))
	}
	if amount.BitLen() > 256 {
		return errors.ErrInvalidAmount.WithMessage("金额超出 uint256")
	}
	return nil
}

func storeError(err error) error {
	if _, ok := errors.AsSwitchError(err); ok {
		return err
	}
	return errors.ErrStoreFailure.WithCause(err)
}
