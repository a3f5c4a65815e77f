package deadman

import (
	"context"
	"sort"
	"sync"

	"deadswitch/internal/errors"
	"deadswitch/internal/logging"
	"deadswitch/internal/validation"
	"deadswitch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Manager 开关注册表，持有全部开关共享的依赖
type Manager struct {
	mu       sync.RWMutex
	switches map[uint64]*Switch
	regMu    sync.Mutex // 串行化注册，使 spender 冲突检查与登记原子

	store Store
	deps  Deps

	logger *logrus.Logger
	audit  *logging.StructuredLogger
}

// ManagerOptions 管理器参数
type ManagerOptions struct {
	Store     Store
	Bank      Bank
	Clock     Clock
	Publisher Publisher
	Validator *validation.Validator
	Logger    *logrus.Logger
	Audit     *logging.StructuredLogger
}

// NewManager 创建开关管理器
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.ErrConfigInvalid.WithMessage("未配置开关存储")
	}
	if opts.Bank == nil {
		return nil, errors.ErrConfigInvalid.WithMessage("未配置资产协作方")
	}

	deps := Deps{
		Bank:      opts.Bank,
		Clock:     opts.Clock,
		Journal:   opts.Store,
		Publisher: opts.Publisher,
		Validator: opts.Validator,
		Logger:    opts.Logger,
		Audit:     opts.Audit,
	}.withDefaults()

	return &Manager{
		switches: make(map[uint64]*Switch),
		store:    opts.Store,
		deps:     deps,
		logger:   deps.Logger,
		audit:    deps.Audit,
	}, nil
}

// Load 从存储恢复全部开关
func (m *Manager) Load(ctx context.Context) (int, error) {
	states, err := m.store.LoadAll(ctx)
	if err != nil {
		return 0, errors.ErrStoreFailure.WithCause(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range states {
		m.switches[st.ID] = Restore(st, m.deps)
	}

	m.logger.Infof("已从存储恢复 %d 个开关", len(states))
	return len(states), nil
}

// SharedSpender 由协作方实现，表示所有开关共用同一个 spender
type SharedSpender interface {
	SharesSpender() bool
}

// Register 分配ID并注册新开关。spender 共用时，同一目标用户只能有一个未终结的开关
func (m *Manager) Register(ctx context.Context, cfg Config) (*Switch, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	if err := m.checkSpenderConflict(cfg.TargetUser); err != nil {
		return nil, err
	}

	id, err := m.store.NextID(ctx)
	if err != nil {
		return nil, errors.ErrStoreFailure.WithCause(err)
	}

	sw, err := Register(ctx, id, cfg, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.switches[id] = sw
	m.mu.Unlock()

	m.audit.InfoWithFields("注册开关", map[string]any{
		"switch_id":   id,
		"target_user": cfg.TargetUser.Hex(),
		"heirs":       len(cfg.Heirs),
		"period":      cfg.NoActivityPeriod.String(),
	})
	return sw, nil
}

// checkSpenderConflict 授权额度按 (owner, spender, token) 记账，共用 spender 时两个开关会瓜分同一份额度
func (m *Manager) checkSpenderConflict(target common.Address) error {
	shared, ok := m.deps.Bank.(SharedSpender)
	if !ok || !shared.SharesSpender() {
		return nil
	}
	for _, sw := range m.List() {
		if sw.TargetUser() != target {
			continue
		}
		switch sw.Lifecycle() {
		case LifecycleActive, LifecycleDistributing:
			return errors.ErrInvalidState.
				WithMessage("目标用户已有共用 spender 的未终结开关").
				WithSwitch(sw.ID()).
				WithContext("target_user", target.Hex())
		}
	}
	return nil
}

// Get 按ID获取开关
func (m *Manager) Get(id uint64) (*Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sw, ok := m.switches[id]
	if !ok {
		return nil, errors.ErrSwitchNotFound.WithSwitch(id)
	}
	return sw, nil
}

// List 按ID升序列出全部开关
func (m *Manager) List() []*Switch {
	m.mu.RLock()
	list := make([]*Switch, 0, len(m.switches))
	for _, sw := range m.switches {
		list = append(list, sw)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// ActiveIDs 处于 Active 的开关ID
func (m *Manager) ActiveIDs() []uint64 {
	ids := make([]uint64, 0)
	for _, sw := range m.List() {
		if sw.Lifecycle() == LifecycleActive {
			ids = append(ids, sw.ID())
		}
	}
	return ids
}

// Events 读取开关的持久化事件
func (m *Manager) Events(ctx context.Context, id, fromSeq uint64, limit int) ([]*models.Event, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	events, err := m.store.Events(ctx, id, fromSeq, limit)
	if err != nil {
		return nil, errors.ErrStoreFailure.WithSwitch(id).WithCause(err)
	}
	return events, nil
}

// Stats 按生命周期统计开关数量
func (m *Manager) Stats() map[string]int {
	list := m.List()
	stats := map[string]int{"total": len(list)}
	for _, sw := range list {
		stats[sw.Lifecycle().String()]++
	}
	return stats
}
