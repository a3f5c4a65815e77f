package watchdog

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"deadswitch/internal/config"
	"deadswitch/internal/deadman"
	"deadswitch/internal/ledger"
	"deadswitch/internal/progress"
	"deadswitch/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	issuer = common.HexToAddress("0x7000000000000000000000000000000000000007")
	bob    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	keeper = common.HexToAddress("0x9000000000000000000000000000000000000009")
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	ctx     context.Context
	clock   *fixedClock
	ledger  *ledger.Ledger
	manager *deadman.Manager
	store   *store.Store
	token   common.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "deadswitch.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	l, err := ledger.New(s.DB(), logger)
	require.NoError(t, err)
	info, err := l.CreateToken(ctx, issuer, "Test Token", "TST", 18)
	require.NoError(t, err)

	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	m, err := deadman.NewManager(deadman.ManagerOptions{Store: s, Bank: l, Clock: clock, Logger: logger})
	require.NoError(t, err)

	return &testEnv{ctx: ctx, clock: clock, ledger: l, manager: m, store: s, token: info.Address}
}

// register 为 owner 注册开关并授权 1000
func (e *testEnv) register(t *testing.T, owner common.Address, period time.Duration) *deadman.Switch {
	t.Helper()
	sw, err := e.manager.Register(e.ctx, deadman.Config{
		TargetUser:       owner,
		Heirs:            []deadman.Heir{{Address: bob, Percent: 100}},
		NoActivityPeriod: period,
	})
	require.NoError(t, err)
	require.NoError(t, e.ledger.Mint(e.ctx, issuer, e.token, owner, big.NewInt(1000)))
	require.NoError(t, e.ledger.Approve(e.ctx, e.token, owner, sw.Spender(), big.NewInt(1000)))
	require.NoError(t, sw.AddAsset(e.ctx, owner, e.token))
	return sw
}

func newTestWatchdog(m *deadman.Manager) *Watchdog {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(&config.WatchdogConfig{
		Enabled:     true,
		Interval:    10 * time.Millisecond,
		Concurrency: 2,
		Keeper:      keeper,
		RetryLimit:  1,
	}, m, logger)
}

func TestRunOnce(t *testing.T) {
	env := newTestEnv(t)
	owners := []common.Address{
		common.HexToAddress("0x1000000000000000000000000000000000000001"),
		common.HexToAddress("0x1000000000000000000000000000000000000002"),
		common.HexToAddress("0x1000000000000000000000000000000000000003"),
	}
	short := env.register(t, owners[0], time.Hour)
	long := env.register(t, owners[1], 48*time.Hour)
	killed := env.register(t, owners[2], time.Hour)
	require.NoError(t, killed.Kill(env.ctx, owners[2]))

	w := newTestWatchdog(env.manager)

	sweep := w.RunOnce(env.ctx)
	assert.Equal(t, 2, sweep.Checked, "已关闭的开关不参与巡检")
	assert.Equal(t, 2, sweep.Results[ResultIdle])

	env.clock.advance(2 * time.Hour)
	sweep = w.RunOnce(env.ctx)
	assert.Equal(t, 1, sweep.Results[ResultTriggered])
	assert.Equal(t, 1, sweep.Results[ResultIdle])

	assert.Equal(t, deadman.LifecycleDistributed, short.Lifecycle())
	assert.Equal(t, deadman.LifecycleActive, long.Lifecycle())
	balance, err := env.ledger.BalanceOf(env.ctx, env.token, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Int64())

	progress := w.GetProgress()
	assert.Equal(t, uint64(2), progress.Sweeps)
	assert.Equal(t, uint64(1), progress.Triggered)
	assert.Zero(t, progress.Failures)
	assert.Equal(t, keeper, w.Keeper())
}

func TestRunOnce_FailureDoesNotStopSweep(t *testing.T) {
	env := newTestEnv(t)
	a := common.HexToAddress("0x1000000000000000000000000000000000000001")
	c := common.HexToAddress("0x1000000000000000000000000000000000000002")
	broken := env.register(t, a, time.Hour)
	healthy := env.register(t, c, time.Hour)

	// 授权额度超过余额，划转失败并整体回滚
	require.NoError(t, env.ledger.Approve(env.ctx, env.token, a, broken.Spender(), big.NewInt(5000)))

	env.clock.advance(time.Hour)
	w := newTestWatchdog(env.manager)
	sweep := w.RunOnce(env.ctx)

	assert.Equal(t, 1, sweep.Results[ResultFailed])
	assert.Equal(t, 1, sweep.Results[ResultTriggered])
	assert.Equal(t, deadman.LifecycleActive, broken.Lifecycle())
	assert.Equal(t, deadman.LifecycleDistributed, healthy.Lifecycle())
	assert.Equal(t, uint64(1), w.GetProgress().Failures)

	stats := w.ErrorStats()
	assert.Equal(t, 1, stats.TotalErrors)
	require.NotNil(t, stats.LastError.SwitchID)
	assert.Equal(t, broken.ID(), *stats.LastError.SwitchID)
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	owner := common.HexToAddress("0x1000000000000000000000000000000000000001")
	sw := env.register(t, owner, time.Hour)
	env.clock.advance(time.Hour)

	w := newTestWatchdog(env.manager)
	w.Start(env.ctx)

	assert.Eventually(t, func() bool {
		return sw.Lifecycle() == deadman.LifecycleDistributed
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.GreaterOrEqual(t, w.GetProgress().Sweeps, uint64(1))
}

func TestStopWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	w := newTestWatchdog(env.manager)
	w.Stop()
}

func TestProgressPersistedAcrossWatchdogs(t *testing.T) {
	env := newTestEnv(t)
	owner := common.HexToAddress("0x1000000000000000000000000000000000000001")
	env.register(t, owner, time.Hour)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	pm, err := progress.NewManager(env.store.DB(), logger)
	require.NoError(t, err)

	first := newTestWatchdog(env.manager).WithProgress(pm)
	first.RunOnce(env.ctx)
	env.clock.advance(time.Hour)
	first.RunOnce(env.ctx)

	// 新的巡检器从持久化的统计继续累加
	reloaded, err := progress.NewManager(env.store.DB(), logger)
	require.NoError(t, err)
	second := newTestWatchdog(env.manager).WithProgress(reloaded)
	second.RunOnce(env.ctx)

	got := second.GetProgress()
	assert.Equal(t, uint64(3), got.Sweeps)
	assert.Equal(t, uint64(2), got.Checks, "第三轮时已无活跃开关")
	assert.Equal(t, uint64(1), got.Triggered)
	assert.False(t, got.StartTime.IsZero())
	assert.Equal(t, got, reloaded.Get())
}
