package deadman

import (
	"context"
	stderrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"deadswitch/internal/errors"
	"deadswitch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestRegister_InitialState(t *testing.T) {
	f := newFixture(t, 1000*time.Second)

	assert.Equal(t, LifecycleActive, f.sw.Lifecycle())
	assert.Equal(t, genesis.Unix(), f.sw.LastActiveTs())
	assert.Equal(t, 0, f.sw.AssetCount())
	assert.Empty(t, f.sw.WatchedAssets())
	assert.Equal(t, targetUser, f.sw.TargetUser())
	assert.Equal(t, 1000*time.Second, f.sw.NoActivityPeriod())
	assert.Equal(t, testSpend, f.sw.Spender())
	assert.Equal(t, 2, f.sw.HeirCount())

	h, err := f.sw.Heir(1)
	require.NoError(t, err)
	assert.Equal(t, Heir{heirH2, 70}, h)

	_, err = f.sw.Heir(2)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidHeirs))

	// 注册本身不产生事件，但状态已持久化
	assert.Empty(t, f.store.kinds())
	assert.Equal(t, 1, f.store.commits)
	assert.Empty(t, f.pub.snapshot())
}

func TestRegister_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr *errors.SwitchError
	}{
		{"继承人为空", Config{TargetUser: targetUser, NoActivityPeriod: time.Second}, errors.ErrInvalidHeirs},
		{"比例超过100", Config{TargetUser: targetUser, NoActivityPeriod: time.Second,
			Heirs: []Heir{{heirH1, 101}}}, errors.ErrInvalidHeirs},
		{"比例合计超过100", Config{TargetUser: targetUser, NoActivityPeriod: time.Second,
			Heirs: []Heir{{heirH1, 50}, {heirH2, 51}}}, errors.ErrInvalidHeirs},
		{"静默期为0", Config{TargetUser: targetUser,
			Heirs: []Heir{{heirH1, 50}}}, errors.ErrInvalidPeriod},
		{"目标用户零地址", Config{NoActivityPeriod: time.Second,
			Heirs: []Heir{{heirH1, 50}}}, errors.ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			sw, err := Register(ctx, 1, tt.cfg, Deps{Bank: newMemBank(), Journal: store, Logger: quietLogger()})
			assert.Nil(t, sw)
			assert.True(t, stderrors.Is(err, tt.wantErr), "实际错误: %v", err)
			assert.Equal(t, 0, store.commits)
		})
	}

	_, err := Register(ctx, 1, Config{TargetUser: targetUser, NoActivityPeriod: time.Second,
		Heirs: []Heir{{heirH1, 50}}}, Deps{Logger: quietLogger()})
	assert.True(t, stderrors.Is(err, errors.ErrConfigInvalid), "缺少资产协作方")
}

func TestAddAssets_Unauthorized(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))

	err := f.sw.AddAsset(ctx, stranger, assetB)
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))

	err = f.sw.AddAssets(ctx, stranger, []common.Address{assetB})
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))

	assert.Equal(t, []common.Address{assetA}, f.sw.WatchedAssets())

	// 终态后非目标用户仍然得到 Unauthorized
	require.NoError(t, f.sw.Kill(ctx, targetUser))
	err = f.sw.AddAsset(ctx, stranger, assetB)
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))
}

func TestAddAssets_OrderAndEvents(t *testing.T) {
	batch := newFixture(t, 1000*time.Second)
	single := newFixture(t, 1000*time.Second)

	assets := []common.Address{assetB, assetA}
	require.NoError(t, batch.sw.AddAssets(ctx, targetUser, assets))
	for _, a := range assets {
		require.NoError(t, single.sw.AddAsset(ctx, targetUser, a))
	}

	assert.Equal(t, assets, batch.sw.WatchedAssets())
	assert.Equal(t, batch.sw.WatchedAssets(), single.sw.WatchedAssets())

	batchEvents := batch.pub.snapshot()
	singleEvents := single.pub.snapshot()
	require.Len(t, batchEvents, 2)
	require.Len(t, singleEvents, 2)
	for i := range batchEvents {
		assert.Equal(t, models.EventAssetAdded, batchEvents[i].Kind)
		assert.Equal(t, assets[i].Hex(), batchEvents[i].Asset)
		assert.Equal(t, uint64(i+1), batchEvents[i].Seq)
		assert.Equal(t, batchEvents[i].Kind, singleEvents[i].Kind)
		assert.Equal(t, batchEvents[i].Asset, singleEvents[i].Asset)
		assert.Equal(t, batchEvents[i].Seq, singleEvents[i].Seq)
	}
}

func TestAddAssets_DuplicateRejected(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))

	tests := []struct {
		name   string
		assets []common.Address
	}{
		{"与已有资产重复", []common.Address{assetB, assetA}},
		{"批次内重复", []common.Address{assetB, assetB}},
		{"重复添加单个资产", []common.Address{assetA}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.sw.AddAssets(ctx, targetUser, tt.assets)
			assert.True(t, stderrors.Is(err, errors.ErrAssetAlreadyWatched), "实际错误: %v", err)
			assert.Equal(t, []common.Address{assetA}, f.sw.WatchedAssets())
		})
	}

	err := f.sw.AddAsset(ctx, targetUser, common.Address{})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidAddress))

	// 只有第一次添加产生事件
	assert.Len(t, f.pub.snapshot(), 1)
}

func TestAddAssets_EmptyBatchIsNoop(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAssets(ctx, targetUser, nil))
	assert.Empty(t, f.pub.snapshot())
	assert.Equal(t, 1, f.store.commits)
}

func TestCheck_BeforePeriodIsNoop(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)

	f.clock.Advance(999 * time.Second)
	for i := 0; i < 3; i++ {
		res, err := f.sw.Check(ctx, stranger)
		require.NoError(t, err)
		assert.False(t, res.Triggered)
		assert.Equal(t, genesis.Unix()+1000, res.TriggerableAt)
	}

	assert.Equal(t, LifecycleActive, f.sw.Lifecycle())
	assert.Equal(t, 0, f.bank.transfers)
	assert.Equal(t, []models.EventKind{models.EventAssetAdded}, f.store.kinds())
}

func TestCheck_ExampleScenario(t *testing.T) {
	f := newFixture(t, 1000*time.Second, Heir{heirH1, 30}, Heir{heirH2, 70})
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 5000, 1000)

	f.clock.Advance(1000 * time.Second)
	res, err := f.sw.Check(ctx, stranger)
	require.NoError(t, err)
	require.True(t, res.Triggered)

	require.Len(t, res.Events, 3)
	assert.Equal(t, models.EventTriggered, res.Events[0].Kind)
	assertFunds(t, res.Events[1], assetA, heirH1, 30, 300)
	assertFunds(t, res.Events[2], assetA, heirH2, 70, 700)

	assert.Equal(t, LifecycleDistributed, f.sw.Lifecycle())
	assert.Equal(t, int64(300), f.bank.token(assetA).balance(heirH1))
	assert.Equal(t, int64(700), f.bank.token(assetA).balance(heirH2))
	assert.Equal(t, int64(4000), f.bank.token(assetA).balance(targetUser))

	// 一次性触发：第二次 check 失败且不再产生事件
	published := len(f.pub.snapshot())
	_, err = f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidState))
	assert.Len(t, f.pub.snapshot(), published)
	assert.Equal(t, 2, f.bank.transfers)

	// 持久化状态与事件一致
	stored := f.store.states[1]
	assert.Equal(t, LifecycleDistributed, stored.Lifecycle)
	assert.Equal(t, uint64(4), stored.EventSeq)
}

func TestCheck_NestedOrderAndTruncation(t *testing.T) {
	f := newFixture(t, 60*time.Second, Heir{heirH1, 33}, Heir{heirH2, 0}, Heir{heirH1, 67})
	require.NoError(t, f.sw.AddAssets(ctx, targetUser, []common.Address{assetB, assetA}))
	f.bank.token(assetA).set(targetUser, 10_000, 999)
	f.bank.token(assetB).set(targetUser, 10_000, 7)

	f.clock.Advance(time.Hour)
	res, err := f.sw.Check(ctx, heirH2)
	require.NoError(t, err)
	require.Len(t, res.Events, 7)

	// 外层资产按注册顺序，内层继承人按配置顺序
	assertFunds(t, res.Events[1], assetB, heirH1, 33, 2) // 7*33/100 = 2.31
	assertFunds(t, res.Events[2], assetB, heirH2, 0, 0)
	assertFunds(t, res.Events[3], assetB, heirH1, 67, 4) // 7*67/100 = 4.69
	assertFunds(t, res.Events[4], assetA, heirH1, 33, 329)
	assertFunds(t, res.Events[5], assetA, heirH2, 0, 0)
	assertFunds(t, res.Events[6], assetA, heirH1, 67, 669)

	// 零金额不调用外部划转，截断的余数留在目标用户钱包
	assert.Equal(t, 4, f.bank.transfers)
	assert.Equal(t, int64(10_000-329-669), f.bank.token(assetA).balance(targetUser))
	assert.Equal(t, int64(10_000-2-4), f.bank.token(assetB).balance(targetUser))

	for i, ev := range res.Events {
		assert.Equal(t, uint64(i+3), ev.Seq, "事件序号连续")
	}
}

func TestCheck_AllowanceReducedOrRevoked(t *testing.T) {
	tests := []struct {
		name      string
		allowance int64
		want1     int64
		want2     int64
	}{
		{"授权额度被调低", 100, 30, 70},
		{"授权被撤销", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1000*time.Second)
			require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
			token := f.bank.token(assetA)
			token.set(targetUser, 1000, 1000)

			// 注册后、触发前目标用户修改了授权
			token.set(targetUser, 1000, tt.allowance)

			f.clock.Advance(2000 * time.Second)
			res, err := f.sw.Check(ctx, stranger)
			require.NoError(t, err)
			require.Len(t, res.Events, 3)
			assertFunds(t, res.Events[1], assetA, heirH1, 30, tt.want1)
			assertFunds(t, res.Events[2], assetA, heirH2, 70, tt.want2)
			assert.Equal(t, LifecycleDistributed, f.sw.Lifecycle())
			assert.Equal(t, 1000-tt.want1-tt.want2, token.balance(targetUser))
		})
	}
}

func TestCheck_InsufficientBalanceRollsBackEverything(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAssets(ctx, targetUser, []common.Address{assetA, assetB}))
	f.bank.token(assetA).set(targetUser, 1000, 1000)
	// 授权大于余额，第二个继承人划转时失败
	f.bank.token(assetB).set(targetUser, 500, 1000)

	eventsBefore := f.store.kinds()
	f.clock.Advance(1000 * time.Second)
	res, err := f.sw.Check(ctx, stranger)
	assert.Nil(t, res)
	assert.True(t, stderrors.Is(err, errors.ErrInsufficientFunds), "实际错误: %v", err)

	// 状态与调用前完全一致
	assert.Equal(t, LifecycleActive, f.sw.Lifecycle())
	assert.Equal(t, int64(1000), f.bank.token(assetA).balance(targetUser))
	assert.Equal(t, int64(0), f.bank.token(assetA).balance(heirH1))
	assert.Equal(t, int64(500), f.bank.token(assetB).balance(targetUser))
	assert.Equal(t, eventsBefore, f.store.kinds())
	for _, ev := range f.pub.snapshot() {
		assert.NotEqual(t, models.EventTriggered, ev.Kind)
	}

	// 补足余额后调用方可以重试
	f.bank.token(assetB).set(targetUser, 1000, 1000)
	res, err = f.sw.Check(ctx, stranger)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, int64(700), f.bank.token(assetB).balance(heirH2))
}

func TestCheck_UnknownAssetRollsBack(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sw.AddAssets(ctx, targetUser, []common.Address{assetA, assetB}))
	f.bank.token(assetA).set(targetUser, 1000, 1000)

	f.clock.Advance(time.Second)
	_, err := f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownAsset))
	assert.Equal(t, LifecycleActive, f.sw.Lifecycle())
	assert.Equal(t, int64(1000), f.bank.token(assetA).balance(targetUser))
}

func TestCheck_ReentrantCallsRejected(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	token := f.bank.token(assetA)
	token.set(targetUser, 1000, 1000)

	var reentrantErrs []error
	token.beforeTransfer = func(ctx context.Context) {
		_, err := f.sw.Check(ctx, stranger)
		reentrantErrs = append(reentrantErrs, err)
		reentrantErrs = append(reentrantErrs, f.sw.Ping(ctx, targetUser))
		reentrantErrs = append(reentrantErrs, f.sw.AddAsset(ctx, targetUser, assetB))
		reentrantErrs = append(reentrantErrs, f.sw.Kill(ctx, targetUser))
	}

	f.clock.Advance(1000 * time.Second)
	res, err := f.sw.Check(ctx, stranger)
	require.NoError(t, err)
	assert.True(t, res.Triggered)

	require.Len(t, reentrantErrs, 8) // 两次划转，每次四个重入调用
	for _, e := range reentrantErrs {
		assert.True(t, stderrors.Is(e, errors.ErrInvalidState), "重入调用应失败: %v", e)
	}
	assert.Equal(t, 2, f.bank.transfers)
	assert.Equal(t, int64(300), token.balance(heirH1))
	assert.Equal(t, int64(700), token.balance(heirH2))
}

func TestCheck_ConcurrentCallersDistributeOnce(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)
	f.clock.Advance(1000 * time.Second)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		triggered int
		invalid   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sw.Check(ctx, stranger)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Triggered:
				triggered++
			case stderrors.Is(err, errors.ErrInvalidState):
				invalid++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, triggered)
	assert.Equal(t, callers-1, invalid)
	assert.Equal(t, 2, f.bank.transfers)
	assert.Equal(t, int64(300), f.bank.token(assetA).balance(heirH1))
}

func TestPing_ResetsInactivityWindow(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)

	f.clock.Advance(900 * time.Second)
	require.NoError(t, f.sw.Ping(ctx, targetUser))
	assert.Equal(t, genesis.Unix()+900, f.sw.LastActiveTs())

	// 报活后立即 check 是空操作
	res, err := f.sw.Check(ctx, stranger)
	require.NoError(t, err)
	assert.False(t, res.Triggered)

	f.clock.Advance(999 * time.Second)
	res, err = f.sw.Check(ctx, stranger)
	require.NoError(t, err)
	assert.False(t, res.Triggered)

	f.clock.Advance(time.Second)
	res, err = f.sw.Check(ctx, stranger)
	require.NoError(t, err)
	assert.True(t, res.Triggered)

	kinds := f.store.kinds()
	assert.Equal(t, models.EventLivenessAcknowledged, kinds[1])
}

func TestPing_Authorization(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	f.clock.Advance(10 * time.Second)

	err := f.sw.Ping(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))
	assert.Equal(t, genesis.Unix(), f.sw.LastActiveTs())
	assert.Empty(t, f.pub.snapshot())
}

func TestPing_ClockBackwardsNeverDecreases(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	f.clock.Advance(500 * time.Second)
	require.NoError(t, f.sw.Ping(ctx, targetUser))

	f.clock.Set(genesis.Add(100 * time.Second))
	require.NoError(t, f.sw.Ping(ctx, targetUser))
	assert.Equal(t, genesis.Unix()+500, f.sw.LastActiveTs())
}

func TestKill_IsTerminal(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)

	assert.True(t, stderrors.Is(f.sw.Kill(ctx, stranger), errors.ErrUnauthorized))
	assert.Equal(t, LifecycleActive, f.sw.Lifecycle())

	require.NoError(t, f.sw.Kill(ctx, targetUser))
	assert.Equal(t, LifecycleKilled, f.sw.Lifecycle())

	events := f.pub.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, models.EventKilled, last.Kind)
	assert.Equal(t, models.KillReasonUser, last.Reason)

	f.clock.Advance(10_000 * time.Second)
	assert.True(t, stderrors.Is(f.sw.AddAsset(ctx, targetUser, assetB), errors.ErrInvalidState))
	assert.True(t, stderrors.Is(f.sw.Ping(ctx, targetUser), errors.ErrInvalidState))
	assert.True(t, stderrors.Is(f.sw.Kill(ctx, targetUser), errors.ErrInvalidState))
	_, err := f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidState))

	assert.Equal(t, 0, f.bank.transfers)
	assert.Len(t, f.pub.snapshot(), len(events))
}

func TestReceive_AlwaysRejected(t *testing.T) {
	f := newFixture(t, time.Second)

	for _, caller := range []common.Address{targetUser, stranger} {
		err := f.sw.Receive(ctx, caller, big.NewInt(1))
		assert.True(t, stderrors.Is(err, errors.ErrRejectedValueTransfer))
	}

	require.NoError(t, f.sw.Kill(ctx, targetUser))
	err := f.sw.Receive(ctx, stranger, big.NewInt(0))
	assert.True(t, stderrors.Is(err, errors.ErrRejectedValueTransfer))
	assert.Len(t, f.pub.snapshot(), 1)
}

func TestJournalFailure_LeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)
	f.store.failErr = stderrors.New("磁盘已满")

	f.clock.Advance(100 * time.Second)
	err := f.sw.Ping(ctx, targetUser)
	assert.True(t, stderrors.Is(err, errors.ErrStoreFailure))
	assert.Equal(t, genesis.Unix(), f.sw.LastActiveTs())

	err = f.sw.AddAsset(ctx, targetUser, assetB)
	assert.True(t, stderrors.Is(err, errors.ErrStoreFailure))
	assert.Equal(t, 1, f.sw.AssetCount())

	f.clock.Advance(1000 * time.Second)
	_, err = f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrStoreFailure))
	assert.Equal(t, LifecycleActive, f.sw.Lifecycle())
	assert.Equal(t, int64(1000), f.bank.token(assetA).balance(targetUser), "划转已回滚")

	assert.Len(t, f.pub.snapshot(), 1)
}

func TestCheck_PartialSettlementCommitsExecutedPrefix(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)
	f.bank.irreversible = true
	f.bank.atomicErr = &PartialSettlementError{Executed: 1, Cause: stderrors.New("nonce too low")}

	f.clock.Advance(time.Second)
	res, err := f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrPartialSettlement))
	require.NotNil(t, res)
	assert.True(t, res.Triggered)
	require.Len(t, res.Events, 2)
	assertFunds(t, res.Events[1], assetA, heirH1, 30, 300)
	assert.False(t, res.Events[1].Unconfirmed)
	assert.Equal(t, 1, f.bank.latches)

	assert.Equal(t, LifecycleDistributed, f.sw.Lifecycle())
	assert.Equal(t, LifecycleDistributed, f.store.states[1].Lifecycle)
	assert.Nil(t, f.store.states[1].Settlement)
}

func TestCheck_InFlightTransferRecordedAsUnconfirmed(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)
	f.bank.irreversible = true
	f.bank.atomicErr = &PartialSettlementError{InFlight: 1, Cause: errors.ErrNetworkTimeout}

	f.clock.Advance(time.Second)
	res, err := f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrPartialSettlement))
	require.NotNil(t, res)
	require.Len(t, res.Events, 2)
	assertFunds(t, res.Events[1], assetA, heirH1, 30, 300)
	assert.True(t, res.Events[1].Unconfirmed)

	assert.Equal(t, LifecycleDistributed, f.store.states[1].Lifecycle)
	_, err = f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidState))
}

func TestCheck_PartialSettlementJournalFailureStaysLocked(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)
	f.bank.irreversible = true
	f.bank.atomicErr = &PartialSettlementError{Executed: 1, Cause: stderrors.New("nonce too low")}
	f.store.failWhen = func(st *State) bool { return st.Lifecycle == LifecycleDistributed }

	f.clock.Advance(time.Second)
	res, err := f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrStoreFailure))
	assert.Nil(t, res)
	assert.Equal(t, LifecycleDistributing, f.sw.Lifecycle())
	assert.Len(t, f.pub.snapshot(), 1, "只有 asset_added")

	stored := f.store.states[1]
	assert.Equal(t, LifecycleDistributing, stored.Lifecycle)
	require.NotNil(t, stored.Settlement)
	require.Len(t, stored.Settlement.Transfers, 2)
	assert.Equal(t, heirH1, stored.Settlement.Transfers[0].Recipient)
	assert.Equal(t, int64(300), stored.Settlement.Transfers[0].Amount.Int64())
	assert.Equal(t, stranger, stored.Settlement.Caller)

	err = f.sw.Ping(ctx, targetUser)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidState))

	// 进程重启后仍然锁定，不会再次分配
	f.store.failWhen = nil
	transfers := f.bank.transfers
	restored := Restore(stored, Deps{Bank: f.bank, Clock: f.clock, Journal: f.store, Logger: quietLogger()})
	assert.Equal(t, LifecycleDistributing, restored.Lifecycle())

	f.clock.Advance(time.Hour)
	_, err = restored.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidState))
	err = restored.Ping(ctx, targetUser)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidState))
	assert.Equal(t, transfers, f.bank.transfers)
	assert.Equal(t, 1, f.bank.latches)
}

func TestCheck_FailureAfterLatchUnlatches(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)
	f.bank.irreversible = true
	f.bank.atomicErr = errors.ErrTransferFailed

	f.clock.Advance(time.Second)
	_, err := f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrTransferFailed))
	assert.Equal(t, LifecycleActive, f.sw.Lifecycle())
	assert.Equal(t, 1, f.bank.latches)

	stored := f.store.states[1]
	assert.Equal(t, LifecycleActive, stored.Lifecycle)
	assert.Nil(t, stored.Settlement)
}

func TestCheck_LatchFailureSendsNothing(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)
	f.bank.irreversible = true
	f.store.failWhen = func(st *State) bool { return st.Lifecycle == LifecycleDistributing }

	f.clock.Advance(time.Second)
	_, err := f.sw.Check(ctx, stranger)
	assert.True(t, stderrors.Is(err, errors.ErrStoreFailure))
	assert.Equal(t, LifecycleActive, f.sw.Lifecycle())
	assert.Equal(t, 0, f.bank.latches)
	assert.Equal(t, int64(1000), f.bank.token(assetA).balance(targetUser))
	assert.Equal(t, LifecycleActive, f.store.states[1].Lifecycle)
}

func TestPreview(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))
	f.bank.token(assetA).set(targetUser, 1000, 1000)

	payouts, err := f.sw.Preview(ctx)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, int64(300), payouts[0].Amount.Int64())
	assert.Equal(t, int64(700), payouts[1].Amount.Int64())
	assert.Equal(t, 0, f.bank.transfers)
	assert.Equal(t, LifecycleActive, f.sw.Lifecycle())
}

func TestRestore(t *testing.T) {
	f := newFixture(t, 1000*time.Second)
	require.NoError(t, f.sw.AddAsset(ctx, targetUser, assetA))

	stored := f.store.states[1]
	restored := Restore(stored, Deps{Bank: f.bank, Clock: f.clock, Journal: f.store, Logger: quietLogger()})
	assert.Equal(t, f.sw.Snapshot(), restored.Snapshot())

	// 新事件序号接着持久化的序号
	require.NoError(t, restored.Ping(ctx, targetUser))
	events, _ := f.store.Events(ctx, 1, 2, 0)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Seq)

	// 没有落盘计划的 Distributing 说明划转从未发出
	interrupted := f.store.states[1].clone()
	interrupted.Lifecycle = LifecycleDistributing
	restored = Restore(interrupted, Deps{Bank: f.bank, Clock: f.clock, Journal: f.store, Logger: quietLogger()})
	assert.Equal(t, LifecycleActive, restored.Lifecycle())
}

func TestPayout(t *testing.T) {
	tests := []struct {
		allowance *big.Int
		percent   uint8
		want      int64
	}{
		{big.NewInt(1000), 30, 300},
		{big.NewInt(1000), 70, 700},
		{big.NewInt(999), 33, 329},
		{big.NewInt(1), 99, 0},
		{big.NewInt(1000), 0, 0},
		{big.NewInt(1000), 100, 1000},
		{big.NewInt(0), 50, 0},
		{nil, 50, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Payout(tt.allowance, tt.percent).Int64(), "allowance=%v percent=%d", tt.allowance, tt.percent)
	}

	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	want := new(big.Int).Div(new(big.Int).Mul(huge, big.NewInt(50)), big.NewInt(100))
	assert.Equal(t, 0, want.Cmp(Payout(huge, 50)), "uint256 最大值不溢出")
}

func TestLifecycle_Text(t *testing.T) {
	for _, l := range []Lifecycle{LifecycleActive, LifecycleDistributing, LifecycleKilled, LifecycleDistributed} {
		text, err := l.MarshalText()
		require.NoError(t, err)
		var back Lifecycle
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, l, back)
	}
	var l Lifecycle
	assert.Error(t, l.UnmarshalText([]byte("paused")))
	assert.True(t, LifecycleKilled.Terminal())
	assert.False(t, LifecycleDistributing.Terminal())
}

func assertFunds(t *testing.T, ev *models.Event, asset, heir common.Address, percent uint8, amount int64) {
	t.Helper()
	assert.Equal(t, models.EventFundsSent, ev.Kind)
	assert.Equal(t, asset.Hex(), ev.Asset)
	assert.Equal(t, heir.Hex(), ev.Recipient)
	assert.Equal(t, percent, ev.Percent)
	require.NotNil(t, ev.Amount)
	assert.Equal(t, amount, ev.Amount.Int64())
}
