package deadman

import (
	"context"
	stderrors "errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"deadswitch/internal/errors"
	"deadswitch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	targetUser = common.HexToAddress("0x1000000000000000000000000000000000000001")
	stranger   = common.HexToAddress("0x9000000000000000000000000000000000000009")
	heirH1     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	heirH2     = common.HexToAddress("0x3000000000000000000000000000000000000003")
	assetA     = common.HexToAddress("0xa000000000000000000000000000000000000000")
	assetB     = common.HexToAddress("0xb000000000000000000000000000000000000000")
	testSpend  = common.HexToAddress("0x5000000000000000000000000000000000000005")
	genesis    = time.Unix(1_700_000_000, 0)
)

// manualClock 手动推进的时钟
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{now: t}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// memToken 内存代币，语义与 ERC-20 的 transferFrom 一致
type memToken struct {
	bank       *memBank
	addr       common.Address
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int

	// beforeTransfer 在每次划转前回调，用于模拟恶意合约重入
	beforeTransfer func(ctx context.Context)
}

func (t *memToken) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	return new(big.Int).Set(orZero(t.balances[owner])), nil
}

func (t *memToken) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	t.bank.allowanceReads++
	return new(big.Int).Set(orZero(t.allowances[[2]common.Address{owner, spender}])), nil
}

func (t *memToken) TransferFrom(ctx context.Context, spender, owner, recipient common.Address, amount *big.Int) error {
	if t.beforeTransfer != nil {
		t.beforeTransfer(ctx)
	}

	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()

	key := [2]common.Address{owner, spender}
	if orZero(t.allowances[key]).Cmp(amount) < 0 {
		return errors.ErrInsufficientFunds.WithMessage("授权额度不足")
	}
	if orZero(t.balances[owner]).Cmp(amount) < 0 {
		return errors.ErrInsufficientFunds.WithMessage("余额不足")
	}
	t.allowances[key] = new(big.Int).Sub(t.allowances[key], amount)
	t.balances[owner] = new(big.Int).Sub(t.balances[owner], amount)
	t.balances[recipient] = new(big.Int).Add(orZero(t.balances[recipient]), amount)
	t.bank.transfers++
	return nil
}

func (t *memToken) set(owner common.Address, balance, allowance int64) {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	t.balances[owner] = big.NewInt(balance)
	t.allowances[[2]common.Address{owner, t.bank.spender}] = big.NewInt(allowance)
}

func (t *memToken) balance(owner common.Address) int64 {
	b, _ := t.BalanceOf(context.Background(), owner)
	return b.Int64()
}

// memBank 内存资产集合，Atomic 失败时恢复快照
type memBank struct {
	mu      sync.Mutex
	spender common.Address
	tokens  map[common.Address]*memToken

	atomicMu       sync.Mutex
	transfers      int
	allowanceReads int

	// irreversible 模拟链上划转：transfer 之后先调用 latch
	irreversible bool
	latches      int

	// atomicErr 非空时在 transfer 之后直接返回，用于模拟链上部分划转
	atomicErr error
}

func newMemBank() *memBank {
	return &memBank{spender: testSpend, tokens: make(map[common.Address]*memToken)}
}

func (b *memBank) token(addr common.Address) *memToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tokens[addr]; ok {
		return t
	}
	t := &memToken{
		bank:       b,
		addr:       addr,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
	}
	b.tokens[addr] = t
	return t
}

func (b *memBank) Asset(addr common.Address) (Asset, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tokens[addr]
	if !ok {
		return nil, errors.ErrUnknownAsset.WithContext("asset", addr.Hex())
	}
	return t, nil
}

func (b *memBank) SpenderFor(id uint64, target common.Address) common.Address {
	return b.spender
}

func (b *memBank) Atomic(ctx context.Context, transfer, latch, commit func(ctx context.Context) error) error {
	b.atomicMu.Lock()
	defer b.atomicMu.Unlock()

	snap := b.snapshot()
	if err := transfer(ctx); err != nil {
		b.restore(snap)
		return err
	}
	if b.irreversible {
		if err := latch(ctx); err != nil {
			b.restore(snap)
			return err
		}
		b.latches++
	}
	if b.atomicErr != nil {
		return b.atomicErr
	}
	if err := commit(ctx); err != nil {
		b.restore(snap)
		return err
	}
	return nil
}

type tokenSnapshot struct {
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
}

func (b *memBank) snapshot() map[common.Address]tokenSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := make(map[common.Address]tokenSnapshot, len(b.tokens))
	for addr, t := range b.tokens {
		s := tokenSnapshot{
			balances:   make(map[common.Address]*big.Int),
			allowances: make(map[[2]common.Address]*big.Int),
		}
		for k, v := range t.balances {
			s.balances[k] = new(big.Int).Set(v)
		}
		for k, v := range t.allowances {
			s.allowances[k] = new(big.Int).Set(v)
		}
		snap[addr] = s
	}
	return snap
}

func (b *memBank) restore(snap map[common.Address]tokenSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for addr, s := range snap {
		b.tokens[addr].balances = s.balances
		b.tokens[addr].allowances = s.allowances
	}
}

// memStore 内存仓库，记录每次提交
type memStore struct {
	mu      sync.Mutex
	states  map[uint64]*State
	events  []*models.Event
	commits int
	nextID  uint64
	failErr error

	// failWhen 非空且返回 true 时该次提交失败
	failWhen func(state *State) bool
}

func newMemStore() *memStore {
	return &memStore{states: make(map[uint64]*State)}
}

func (s *memStore) Commit(ctx context.Context, state *State, events []*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.failWhen != nil && s.failWhen(state) {
		return stderrors.New("写入失败")
	}
	s.states[state.ID] = state.clone()
	s.events = append(s.events, events...)
	s.commits++
	return nil
}

func (s *memStore) NextID(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *memStore) LoadAll(ctx context.Context) ([]*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Events(ctx context.Context, id, fromSeq uint64, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Event, 0)
	for _, ev := range s.events {
		if ev.SwitchID == id && ev.Seq >= fromSeq {
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) kinds() []models.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

// recordingPublisher 记录已发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, events []*models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) snapshot() []*models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.Event(nil), p.events...)
}

// fixture 单个开关的测试环境
type fixture struct {
	clock *manualClock
	bank  *memBank
	store *memStore
	pub   *recordingPublisher
	sw    *Switch
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newFixture(t *testing.T, period time.Duration, heirs ...Heir) *fixture {
	t.Helper()
	if len(heirs) == 0 {
		heirs = []Heir{{heirH1, 30}, {heirH2, 70}}
	}
	f := &fixture{
		clock: newManualClock(genesis),
		bank:  newMemBank(),
		store: newMemStore(),
		pub:   &recordingPublisher{},
	}
	sw, err := Register(context.Background(), 1, Config{
		TargetUser:       targetUser,
		Heirs:            heirs,
		NoActivityPeriod: period,
	}, Deps{
		Bank:      f.bank,
		Clock:     f.clock,
		Journal:   f.store,
		Publisher: f.pub,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("注册开关失败: %v", err)
	}
	f.sw = sw
	return f
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
