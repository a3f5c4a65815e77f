package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"deadswitch/internal/config"
	"deadswitch/internal/deadman"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.GetDefaultConfig()
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "deadswitch.db")
	cfg.Output.Sinks = []string{"file"}
	cfg.Output.Directory = filepath.Join(dir, "outputs")
	cfg.Logging.Output = "discard"
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))
	return logger
}

func TestNew_LedgerModeRestoresSwitches(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	target := common.HexToAddress("0x1000000000000000000000000000000000000001")
	heir := common.HexToAddress("0x2000000000000000000000000000000000000002")

	a, err := New(ctx, cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, a.Ledger)
	assert.Nil(t, a.EVM)
	assert.Equal(t, []string{"file"}, a.Publisher.Sinks())
	assert.NotNil(t, a.Bank())

	sw, err := a.Manager.Register(ctx, deadman.Config{
		TargetUser:       target,
		Heirs:            []deadman.Heir{{Address: heir, Percent: 50}},
		NoActivityPeriod: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, sw.Kill(ctx, target))
	a.Close()

	// 重新打开后状态来自存储
	b, err := New(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer b.Close()

	restored, err := b.Manager.Get(sw.ID())
	require.NoError(t, err)
	assert.Equal(t, deadman.LifecycleKilled, restored.Lifecycle())
}

func TestNew_InvalidSinkClosesStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Sinks = []string{"kafka"}
	cfg.Output.Kafka.Brokers = nil

	_, err := New(context.Background(), cfg, quietLogger())
	require.Error(t, err)

	// 失败路径已释放存储文件锁
	cfg.Output.Sinks = []string{"file"}
	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	a.Close()
}
