package deadman

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"deadswitch/internal/errors"
	"deadswitch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// Lifecycle 开关生命周期
type Lifecycle uint8

const (
	LifecycleActive       Lifecycle = iota // 监控中
	LifecycleDistributing                  // 正在分配；不可回滚的划转发出前会落盘
	LifecycleKilled                        // 目标用户主动关闭
	LifecycleDistributed                   // 已分配给继承人
)

var lifecycleNames = map[Lifecycle]string{
	LifecycleActive:       "active",
	LifecycleDistributing: "distributing",
	LifecycleKilled:       "killed",
	LifecycleDistributed:  "distributed",
}

// String 返回生命周期名称
func (l Lifecycle) String() string {
	if name, ok := lifecycleNames[l]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", l)
}

// Terminal 是否为终态
func (l Lifecycle) Terminal() bool {
	return l == LifecycleKilled || l == LifecycleDistributed
}

// MarshalText 以名称序列化
func (l Lifecycle) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText 从名称反序列化
func (l *Lifecycle) UnmarshalText(text []byte) error {
	for k, v := range lifecycleNames {
		if v == string(text) {
			*l = k
			return nil
		}
	}
	return fmt.Errorf("未知的生命周期: %s", text)
}

// Heir 继承人及其比例
type Heir struct {
	Address common.Address `json:"address"`
	Percent uint8          `json:"percent"`
}

// Config 注册参数，创建后不可变
type Config struct {
	TargetUser       common.Address
	Heirs            []Heir
	NoActivityPeriod time.Duration
}

// State 开关的持久化状态
type State struct {
	ID               uint64           `json:"id"`
	TargetUser       common.Address   `json:"target_user"`
	Spender          common.Address   `json:"spender"`
	Heirs            []Heir           `json:"heirs"`
	NoActivityPeriod int64            `json:"no_activity_period"` // 秒
	LastActiveTs     int64            `json:"last_active_ts"`     // Unix秒
	WatchedAssets    []common.Address `json:"watched_assets"`
	Lifecycle        Lifecycle        `json:"lifecycle"`
	EventSeq         uint64           `json:"event_seq"`
	CreatedAt        time.Time        `json:"created_at"`

	// Settlement 仅在 Distributing 落盘时非空
	Settlement *Settlement `json:"settlement,omitempty"`
}

// Settlement 首笔不可回滚划转发出前落盘的分配计划
type Settlement struct {
	StartedAt time.Time         `json:"started_at"`
	Caller    common.Address    `json:"caller"`
	Transfers []PendingTransfer `json:"transfers"`
}

// PendingTransfer 计划中的一笔划转
type PendingTransfer struct {
	Asset     common.Address `json:"asset"`
	Recipient common.Address `json:"recipient"`
	Percent   uint8          `json:"percent"`
	Amount    *big.Int       `json:"amount"`
}

// clone 深拷贝状态
func (s *State) clone() *State {
	c := *s
	c.Heirs = append([]Heir(nil), s.Heirs...)
	c.WatchedAssets = append([]common.Address(nil), s.WatchedAssets...)
	if s.Settlement != nil {
		st := *s.Settlement
		st.Transfers = append([]PendingTransfer(nil), s.Settlement.Transfers...)
		c.Settlement = &st
	}
	return &c
}

// Snapshot 转换为对外快照
func (s *State) Snapshot() *models.SwitchSnapshot {
	heirs := make([]models.HeirShare, len(s.Heirs))
	for i, h := range s.Heirs {
		heirs[i] = models.HeirShare{Address: h.Address.Hex(), Percent: h.Percent}
	}
	assets := make([]string, len(s.WatchedAssets))
	for i, a := range s.WatchedAssets {
		assets[i] = a.Hex()
	}
	snap := &models.SwitchSnapshot{
		ID:                     s.ID,
		TargetUser:             s.TargetUser.Hex(),
		Spender:                s.Spender.Hex(),
		Heirs:                  heirs,
		NoActivityPeriodSecond: s.NoActivityPeriod,
		LastActiveTs:           s.LastActiveTs,
		WatchedAssets:          assets,
		Lifecycle:              s.Lifecycle.String(),
		EventSeq:               s.EventSeq,
		CreatedAt:              s.CreatedAt,
		TriggerableAt:          s.LastActiveTs + s.NoActivityPeriod,
	}
	if s.Settlement != nil {
		started := s.Settlement.StartedAt
		snap.SettlementStartedAt = &started
	}
	return snap
}

// Asset 资产合约协作方
type Asset interface {
	// BalanceOf 读取 owner 的余额
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	// Allowance 读取 owner 授权给 spender 的额度
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	// TransferFrom 以 spender 身份从 owner 拉取 amount 给 recipient
	TransferFrom(ctx context.Context, spender, owner, recipient common.Address, amount *big.Int) error
}

// Bank 资产合约的集合，并提供原子作用域
type Bank interface {
	// Asset 按合约地址获取资产
	Asset(addr common.Address) (Asset, error)
	// Atomic 在原子作用域内依次执行 transfer、latch、commit。
	// 可整体回滚的实现中任一步失败时划转全部不生效，且无需调用 latch；
	// 划转不可回滚的实现必须在首笔划转发出前调用 latch，latch 失败时不得发出任何划转
	Atomic(ctx context.Context, transfer, latch, commit func(ctx context.Context) error) error
	// SpenderFor 开关在该资产体系中的被授权地址
	SpenderFor(id uint64, target common.Address) common.Address
}

// Clock 时间源
type Clock interface {
	Now() time.Time
}

// SystemClock 系统时间
type SystemClock struct{}

// Now 当前时间
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Journal 状态与事件的持久化
type Journal interface {
	// Commit 原子地写入新状态及其事件
	Commit(ctx context.Context, state *State, events []*models.Event) error
}

// Publisher 事件发布，失败不影响已提交的状态
type Publisher interface {
	Publish(ctx context.Context, events []*models.Event)
}

// Store 开关仓库
type Store interface {
	Journal
	NextID(ctx context.Context) (uint64, error)
	LoadAll(ctx context.Context) ([]*State, error)
	Events(ctx context.Context, id, fromSeq uint64, limit int) ([]*models.Event, error)
}

// PartialSettlementError 链上划转部分完成，前 Executed 笔已生效无法回滚。
// InFlight 为紧随其后已广播但结果未知的笔数，这些划转可能已经上链
type PartialSettlementError struct {
	Executed int
	InFlight int
	Cause    error
}

// Error 实现error接口
func (e *PartialSettlementError) Error() string {
	return fmt.Sprintf("%s: 已执行 %d 笔, 未确认 %d 笔: %v", errors.ErrPartialSettlement.Error(), e.Executed, e.InFlight, e.Cause)
}

// touched 是否有划转可能已经生效
func (e *PartialSettlementError) touched() bool {
	return e.Executed > 0 || e.InFlight > 0
}

// Unwrap 返回底层原因
func (e *PartialSettlementError) Unwrap() error {
	return e.Cause
}

// IsRetryable 已有划转生效，重试只会得到 InvalidState
func (e *PartialSettlementError) IsRetryable() bool {
	return false
}

// Is 与 ErrPartialSettlement 匹配
func (e *PartialSettlementError) Is(target error) bool {
	return target == errors.ErrPartialSettlement
}

// CheckResult check 的结果
type CheckResult struct {
	Triggered     bool            `json:"triggered"`
	TriggerableAt int64           `json:"triggerable_at"`
	Events        []*models.Event `json:"events,omitempty"`
}

// Payout 计算单个继承人的份额: allowance * percent / 100，向下取整
func Payout(allowance *big.Int, percent uint8) *big.Int {
	if allowance == nil || allowance.Sign() <= 0 {
		return new(big.Int)
	}
	amount := new(big.Int).Mul(allowance, big.NewInt(int64(percent)))
	return amount.Quo(amount, big.NewInt(100))
}
