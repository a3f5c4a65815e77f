package deadman

import (
	"context"
	stderrors "errors"
	"math/big"
	"sync"
	"time"

	"deadswitch/internal/errors"
	"deadswitch/internal/logging"
	"deadswitch/internal/metrics"
	"deadswitch/internal/validation"
	"deadswitch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Deps 开关依赖
type Deps struct {
	Bank      Bank
	Clock     Clock
	Journal   Journal
	Publisher Publisher
	Validator *validation.Validator
	Logger    *logrus.Logger
	Audit     *logging.StructuredLogger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Journal == nil {
		d.Journal = nopJournal{}
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Validator == nil {
		d.Validator = validation.NewValidator(d.Logger, false)
	}
	if d.Audit == nil {
		d.Audit = logging.NewDiscardLogger()
	}
	return d
}

type nopJournal struct{}

func (nopJournal) Commit(context.Context, *State, []*models.Event) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, []*models.Event) {}

// Switch 死人开关状态机
type Switch struct {
	id    uint64
	mu    sync.Mutex
	state *State
	deps  Deps

	logger *logrus.Entry
	audit  *logging.SwitchAudit
}

// Register 创建新开关，初始为 Active，最近活跃时间为创建时间
func Register(ctx context.Context, id uint64, cfg Config, deps Deps) (*Switch, error) {
	deps = deps.withDefaults()
	if deps.Bank == nil {
		return nil, errors.ErrConfigInvalid.WithMessage("未配置资产协作方")
	}

	heirs := make([]validation.HeirInput, len(cfg.Heirs))
	for i, h := range cfg.Heirs {
		heirs[i] = validation.HeirInput{Address: h.Address, Percent: h.Percent}
	}
	result := deps.Validator.ValidateRegistration(&validation.Registration{
		TargetUser:       cfg.TargetUser,
		Heirs:            heirs,
		NoActivityPeriod: cfg.NoActivityPeriod,
	})
	if err := result.Err(); err != nil {
		return nil, err
	}

	now := deps.Clock.Now()
	state := &State{
		ID:               id,
		TargetUser:       cfg.TargetUser,
		Spender:          deps.Bank.SpenderFor(id, cfg.TargetUser),
		Heirs:            append([]Heir(nil), cfg.Heirs...),
		NoActivityPeriod: int64(cfg.NoActivityPeriod / time.Second),
		LastActiveTs:     now.Unix(),
		WatchedAssets:    []common.Address{},
		Lifecycle:        LifecycleActive,
		CreatedAt:        now.UTC(),
	}
	if err := deps.Journal.Commit(ctx, state, nil); err != nil {
		return nil, errors.ErrStoreFailure.WithSwitch(id).WithCause(err)
	}

	s := newSwitch(state, deps)
	s.logger.WithFields(logrus.Fields{
		"heirs":  len(state.Heirs),
		"period": state.NoActivityPeriod,
	}).Info("开关已注册")
	s.audit.Info("开关已注册", "spender", state.Spender.Hex(), "period", state.NoActivityPeriod)
	return s, nil
}

// Restore 从持久化状态恢复开关
func Restore(state *State, deps Deps) *Switch {
	st := state.clone()
	deps = deps.withDefaults()
	if st.Lifecycle == LifecycleDistributing && st.Settlement == nil {
		// 未落盘计划的 Distributing 不可能有划转发出
		st.Lifecycle = LifecycleActive
	}
	sw := newSwitch(st, deps)
	if st.Lifecycle == LifecycleDistributing {
		// 划转可能已部分上链，保持 Distributing，所有操作返回 InvalidState，待人工核对
		sw.logger.WithFields(logrus.Fields{
			"started_at": st.Settlement.StartedAt,
			"transfers":  len(st.Settlement.Transfers),
		}).Error("开关存在未完成的分配，已锁定")
	}
	return sw
}

func newSwitch(state *State, deps Deps) *Switch {
	return &Switch{
		id:    state.ID,
		state: state,
		deps:  deps,
		logger: deps.Logger.WithFields(logrus.Fields{
			"switch_id":   state.ID,
			"target_user": state.TargetUser.Hex(),
		}),
		audit: deps.Audit.ForSwitch(state.ID, state.TargetUser.Hex()),
	}
}

// ID 开关ID
func (s *Switch) ID() uint64 {
	return s.id
}

// TargetUser 目标用户
func (s *Switch) TargetUser() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TargetUser
}

// Spender 被授权的划转地址
func (s *Switch) Spender() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Spender
}

// NoActivityPeriod 静默期
func (s *Switch) NoActivityPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.state.NoActivityPeriod) * time.Second
}

// AssetCount 监控资产数量
func (s *Switch) AssetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.WatchedAssets)
}

// WatchedAssets 监控资产列表
func (s *Switch) WatchedAssets() []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Address(nil), s.state.WatchedAssets...)
}

// HeirCount 继承人数量
func (s *Switch) HeirCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Heirs)
}

// Heir 按下标读取继承人
func (s *Switch) Heir(index int) (Heir, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.state.Heirs) {
		return Heir{}, errors.ErrInvalidHeirs.WithSwitch(s.state.ID).WithMessage("继承人下标越界: %d", index)
	}
	return s.state.Heirs[index], nil
}

// Heirs 继承人列表
func (s *Switch) Heirs() []Heir {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Heir(nil), s.state.Heirs...)
}

// LastActiveTs 最近活跃时间（Unix秒）
func (s *Switch) LastActiveTs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastActiveTs
}

// Lifecycle 当前生命周期
func (s *Switch) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Lifecycle
}

// Snapshot 对外快照
func (s *Switch) Snapshot() *models.SwitchSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

// AddAsset 添加单个监控资产
func (s *Switch) AddAsset(ctx context.Context, caller, asset common.Address) error {
	return s.AddAssets(ctx, caller, []common.Address{asset})
}

// AddAssets 按输入顺序批量添加监控资产，任一资产不合法则整批失败
func (s *Switch) AddAssets(ctx context.Context, caller common.Address, assets []common.Address) error {
	s.mu.Lock()
	if err := s.requireTargetActive(caller); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(assets) == 0 {
		s.mu.Unlock()
		return nil
	}
	if err := s.deps.Validator.ValidateAssets(s.state.WatchedAssets, assets).Err(); err != nil {
		s.mu.Unlock()
		return withSwitch(err, s.state.ID)
	}

	now := s.deps.Clock.Now()
	next := s.state.clone()
	events := make([]*models.Event, 0, len(assets))
	for _, asset := range assets {
		next.WatchedAssets = append(next.WatchedAssets, asset)
		ev := s.newEvent(next, models.EventAssetAdded, now, caller)
		ev.Asset = asset.Hex()
		events = append(events, ev)
	}
	if err := s.commit(ctx, next, events); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.logger.WithField("assets", len(assets)).Info("已添加监控资产")
	s.audit.Info("已添加监控资产", "count", len(assets), "total", len(next.WatchedAssets))
	s.deps.Publisher.Publish(ctx, events)
	return nil
}

// Ping 目标用户报活，重置静默计时
func (s *Switch) Ping(ctx context.Context, caller common.Address) error {
	s.mu.Lock()
	if err := s.requireTargetActive(caller); err != nil {
		s.mu.Unlock()
		return err
	}

	now := s.deps.Clock.Now()
	next := s.state.clone()
	// 时钟回拨时保持原值，最近活跃时间只增不减
	if ts := now.Unix(); ts > next.LastActiveTs {
		next.LastActiveTs = ts
	}
	ev := s.newEvent(next, models.EventLivenessAcknowledged, now, caller)
	events := []*models.Event{ev}
	if err := s.commit(ctx, next, events); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.logger.WithField("last_active_ts", next.LastActiveTs).Debug("目标用户报活")
	s.deps.Publisher.Publish(ctx, events)
	return nil
}

// Kill 目标用户主动关闭开关
func (s *Switch) Kill(ctx context.Context, caller common.Address) error {
	s.mu.Lock()
	if err := s.requireTargetActive(caller); err != nil {
		s.mu.Unlock()
		return err
	}

	now := s.deps.Clock.Now()
	next := s.state.clone()
	next.Lifecycle = LifecycleKilled
	ev := s.newEvent(next, models.EventKilled, now, caller)
	ev.Reason = models.KillReasonUser
	events := []*models.Event{ev}
	if err := s.commit(ctx, next, events); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.logger.Warn("开关已被目标用户关闭")
	s.audit.Transition(LifecycleActive.String(), LifecycleKilled.String(), true, "开关已关闭", "reason", models.KillReasonUser)
	s.deps.Publisher.Publish(ctx, events)
	return nil
}

// Receive 拒绝任何直接转入的原生资产
func (s *Switch) Receive(ctx context.Context, caller common.Address, amount *big.Int) error {
	s.logger.WithFields(logrus.Fields{
		"caller": caller.Hex(),
		"amount": amount,
	}).Warn("拒绝直接转入")
	return errors.ErrRejectedValueTransfer.WithSwitch(s.id).WithContext("caller", caller.Hex())
}

// Check 任何人都可调用；静默期未满时为空操作，满足时执行一次性分配
func (s *Switch) Check(ctx context.Context, caller common.Address) (*CheckResult, error) {
	s.mu.Lock()
	if s.state.Lifecycle != LifecycleActive {
		err := s.invalidState()
		s.mu.Unlock()
		return nil, err
	}

	now := s.deps.Clock.Now()
	triggerableAt := s.state.LastActiveTs + s.state.NoActivityPeriod
	if now.Unix() < triggerableAt {
		s.mu.Unlock()
		return &CheckResult{Triggered: false, TriggerableAt: triggerableAt}, nil
	}

	// 外部调用期间保持 Distributing，重入或并发调用都会得到 InvalidState
	s.state.Lifecycle = LifecycleDistributing
	base := s.state.clone()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"caller": caller.Hex(),
		"assets": len(base.WatchedAssets),
		"heirs":  len(base.Heirs),
	}).Warn("静默期已满，开始分配")

	next, events, err := s.distribute(ctx, caller, now, base)

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	switch next.Lifecycle {
	case LifecycleActive:
		s.logger.WithError(err).Error("分配失败，开关保持 Active")
		return nil, withSwitch(err, base.ID)
	case LifecycleDistributing:
		s.logger.WithError(err).Error("分配结果无法落盘，开关已锁定")
		return nil, withSwitch(err, base.ID)
	}

	metrics.TriggersTotal.Inc()
	s.audit.Transition(LifecycleActive.String(), next.Lifecycle.String(), true, "开关已触发", "caller", caller.Hex(), "events", len(events))
	s.deps.Publisher.Publish(ctx, events)

	result := &CheckResult{Triggered: true, TriggerableAt: triggerableAt, Events: events}
	if err != nil {
		s.logger.WithError(err).Error("链上划转部分完成，开关已进入终态")
		return result, err
	}
	s.logger.WithField("events", len(events)).Info("分配完成")
	return result, nil
}

// plannedTransfer 分配过程中的一笔划转
type plannedTransfer struct {
	event *models.Event
	call  int // 外部划转调用序号，零金额为 -1
}

// distribute 执行分配算法，返回应写回内存的状态：
// Active 表示已整体回滚；Distributed 表示已触发；Distributing 表示划转可能已生效但结果无法落盘
func (s *Switch) distribute(ctx context.Context, caller common.Address, now time.Time, base *State) (*State, []*models.Event, error) {
	var (
		planned   []plannedTransfer
		latched   *State
		final     *State
		committed []*models.Event
	)

	active := base.clone()
	active.Lifecycle = LifecycleActive

	transfer := func(ctx context.Context) error {
		planned = planned[:0]
		calls := 0
		for _, assetAddr := range base.WatchedAssets {
			asset, err := s.deps.Bank.Asset(assetAddr)
			if err != nil {
				return err
			}
			allowance, err := asset.Allowance(ctx, base.TargetUser, base.Spender)
			if err != nil {
				return err
			}
			for _, heir := range base.Heirs {
				amount := Payout(allowance, heir.Percent)
				call := -1
				if amount.Sign() > 0 {
					if err := asset.TransferFrom(ctx, base.Spender, base.TargetUser, heir.Address, amount); err != nil {
						return err
					}
					call = calls
					calls++
				}
				planned = append(planned, plannedTransfer{
					event: &models.Event{
						Kind:      models.EventFundsSent,
						Asset:     assetAddr.Hex(),
						Recipient: heir.Address.Hex(),
						Percent:   heir.Percent,
						Amount:    amount,
					},
					call: call,
				})
			}
		}
		return nil
	}
	latch := func(ctx context.Context) error {
		next := base.clone()
		next.Lifecycle = LifecycleDistributing
		next.Settlement = &Settlement{StartedAt: now.UTC(), Caller: caller}
		for _, p := range planned {
			next.Settlement.Transfers = append(next.Settlement.Transfers, PendingTransfer{
				Asset:     common.HexToAddress(p.event.Asset),
				Recipient: common.HexToAddress(p.event.Recipient),
				Percent:   p.event.Percent,
				Amount:    new(big.Int).Set(p.event.Amount),
			})
		}
		if err := s.deps.Journal.Commit(ctx, next, nil); err != nil {
			return errors.ErrStoreFailure.WithSwitch(base.ID).WithCause(err)
		}
		latched = next
		return nil
	}
	commit := func(ctx context.Context) error {
		final, committed = s.finalize(base, caller, now, planned, len(planned), len(planned))
		if err := s.deps.Journal.Commit(ctx, final, committed); err != nil {
			return errors.ErrStoreFailure.WithSwitch(base.ID).WithCause(err)
		}
		return nil
	}

	err := s.deps.Bank.Atomic(ctx, transfer, latch, commit)
	if err == nil {
		return final, committed, nil
	}

	var partial *PartialSettlementError
	if !stderrors.As(err, &partial) || !partial.touched() {
		if latched == nil {
			return active, nil, err
		}
		// 计划已落盘但没有任何划转发出，撤销锁定
		if cerr := s.deps.Journal.Commit(ctx, active, nil); cerr != nil {
			s.logger.WithError(cerr).Error("撤销分配锁定失败")
			return latched, nil, errors.ErrStoreFailure.WithSwitch(base.ID).WithCause(cerr)
		}
		return active, nil, err
	}

	// 已生效或结果未知的链上划转不会回滚也不会重发，按已发出部分进入终态
	sent := partial.Executed + partial.InFlight
	n := 0
	for n < len(planned) && planned[n].call < sent {
		n++
	}
	final, committed = s.finalize(base, caller, now, planned, n, partial.Executed)
	if cerr := s.deps.Journal.Commit(ctx, final, committed); cerr != nil {
		s.logger.WithError(cerr).Error("部分划转结果持久化失败")
		locked := latched
		if locked == nil {
			locked = base.clone()
			locked.Lifecycle = LifecycleDistributing
		}
		return locked, nil, errors.ErrStoreFailure.WithSwitch(base.ID).WithCause(cerr)
	}
	return final, committed, err
}

// finalize 构造 Distributed 终态及事件：triggered 在前，funds_sent 按资产外层、继承人内层排列。
// 外部调用序号不小于 confirmed 的划转标记为未确认
func (s *Switch) finalize(base *State, caller common.Address, now time.Time, planned []plannedTransfer, n, confirmed int) (*State, []*models.Event) {
	next := base.clone()
	next.Lifecycle = LifecycleDistributed
	next.Settlement = nil

	events := make([]*models.Event, 0, n+1)
	events = append(events, s.newEvent(next, models.EventTriggered, now, caller))
	for _, p := range planned[:n] {
		ev := s.newEvent(next, models.EventFundsSent, now, caller)
		ev.Asset = p.event.Asset
		ev.Recipient = p.event.Recipient
		ev.Percent = p.event.Percent
		ev.Amount = new(big.Int).Set(p.event.Amount)
		ev.Unconfirmed = p.call >= confirmed
		events = append(events, ev)
	}
	return next, events
}

// Preview 按当前授权额度计算若此刻触发的划转，不做任何划转
func (s *Switch) Preview(ctx context.Context) ([]models.Payout, error) {
	s.mu.Lock()
	base := s.state.clone()
	s.mu.Unlock()

	payouts := make([]models.Payout, 0, len(base.WatchedAssets)*len(base.Heirs))
	for _, assetAddr := range base.WatchedAssets {
		asset, err := s.deps.Bank.Asset(assetAddr)
		if err != nil {
			return nil, withSwitch(err, base.ID)
		}
		allowance, err := asset.Allowance(ctx, base.TargetUser, base.Spender)
		if err != nil {
			return nil, withSwitch(err, base.ID)
		}
		for _, heir := range base.Heirs {
			payouts = append(payouts, models.Payout{
				Asset:     assetAddr.Hex(),
				Recipient: heir.Address.Hex(),
				Percent:   heir.Percent,
				Allowance: new(big.Int).Set(allowance),
				Amount:    Payout(allowance, heir.Percent),
			})
		}
	}
	return payouts, nil
}

// requireTargetActive 校验调用方为目标用户且开关处于 Active，需持锁调用
func (s *Switch) requireTargetActive(caller common.Address) error {
	if caller != s.state.TargetUser {
		return errors.ErrUnauthorized.WithSwitch(s.state.ID).WithContext("caller", caller.Hex())
	}
	if s.state.Lifecycle != LifecycleActive {
		return s.invalidState()
	}
	return nil
}

func (s *Switch) invalidState() error {
	return errors.ErrInvalidState.WithSwitch(s.state.ID).WithContext("lifecycle", s.state.Lifecycle.String())
}

// commit 持锁提交新状态，成功后替换内存状态
func (s *Switch) commit(ctx context.Context, next *State, events []*models.Event) error {
	if err := s.deps.Journal.Commit(ctx, next, events); err != nil {
		return errors.ErrStoreFailure.WithSwitch(next.ID).WithCause(err)
	}
	s.state = next
	return nil
}

// newEvent 在 next 上分配下一个事件序号
func (s *Switch) newEvent(next *State, kind models.EventKind, now time.Time, caller common.Address) *models.Event {
	next.EventSeq++
	return &models.Event{
		ID:        uuid.NewString(),
		SwitchID:  next.ID,
		Seq:       next.EventSeq,
		Kind:      kind,
		Timestamp: now.UTC(),
		Caller:    caller.Hex(),
	}
}

// withSwitch 给业务错误补充开关ID
func withSwitch(err error, id uint64) error {
	if se, ok := err.(*errors.SwitchError); ok {
		return se.WithSwitch(id)
	}
	return err
}
