package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"deadswitch/internal/app"
	"deadswitch/internal/config"
	"deadswitch/internal/deadman"
	"deadswitch/internal/errors"
	"deadswitch/internal/watchdog"
	"deadswitch/pkg/models"
)

func runRegister(ctx context.Context, a *app.App, args []string) error {
	target, err := caller()
	if err != nil {
		return err
	}

	heirs := make([]deadman.Heir, 0, len(heirSpecs))
	for _, spec := range heirSpecs {
		heir, err := parseHeir(spec)
		if err != nil {
			return err
		}
		heirs = append(heirs, heir)
	}

	sw, err := a.Manager.Register(ctx, deadman.Config{
		TargetUser:       target,
		Heirs:            heirs,
		NoActivityPeriod: period,
	})
	if err != nil {
		return err
	}
	return printJSON(sw.Snapshot())
}

func runAddAsset(ctx context.Context, a *app.App, args []string) error {
	from, err := caller()
	if err != nil {
		return err
	}
	sw, err := loadSwitch(a, args[0])
	if err != nil {
		return err
	}

	assets := make([]common.Address, 0, len(args)-1)
	for _, arg := range args[1:] {
		asset, err := parseAddress(arg)
		if err != nil {
			return err
		}
		assets = append(assets, asset)
	}
	if err := sw.AddAssets(ctx, from, assets); err != nil {
		return err
	}
	return printJSON(sw.Snapshot())
}

func runPing(ctx context.Context, a *app.App, args []string) error {
	from, err := caller()
	if err != nil {
		return err
	}
	sw, err := loadSwitch(a, args[0])
	if err != nil {
		return err
	}
	if err := sw.Ping(ctx, from); err != nil {
		return err
	}
	return printJSON(sw.Snapshot())
}

func runCheck(ctx context.Context, a *app.App, args []string) error {
	from, err := caller()
	if err != nil {
		return err
	}
	sw, err := loadSwitch(a, args[0])
	if err != nil {
		return err
	}

	res, err := sw.Check(ctx, from)
	if err != nil && !(res != nil && stderrors.Is(err, errors.ErrPartialSettlement)) {
		return err
	}
	if perr := printJSON(res); perr != nil {
		return perr
	}
	// 部分划转时开关已进入终态，结果照常输出，同时以错误退出
	return err
}

func runKill(ctx context.Context, a *app.App, args []string) error {
	from, err := caller()
	if err != nil {
		return err
	}
	sw, err := loadSwitch(a, args[0])
	if err != nil {
		return err
	}
	if err := sw.Kill(ctx, from); err != nil {
		return err
	}
	return printJSON(sw.Snapshot())
}

func runDeposit(ctx context.Context, a *app.App, args []string) error {
	from, err := caller()
	if err != nil {
		return err
	}
	sw, err := loadSwitch(a, args[0])
	if err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(args[1], 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("无效的数量: %s", args[1])
	}
	return sw.Receive(ctx, from, amount)
}

func runStatus(ctx context.Context, a *app.App, args []string) error {
	sw, err := loadSwitch(a, args[0])
	if err != nil {
		return err
	}
	if !preview {
		return printJSON(sw.Snapshot())
	}

	payouts, err := sw.Preview(ctx)
	if err != nil {
		return err
	}
	return printJSON(struct {
		*models.SwitchSnapshot
		Payouts []models.Payout `json:"payouts"`
	}{sw.Snapshot(), payouts})
}

func runList(ctx context.Context, a *app.App, args []string) error {
	list := make([]*models.SwitchSnapshot, 0)
	for _, sw := range a.Manager.List() {
		snap := sw.Snapshot()
		if lifecycle != "" && snap.Lifecycle != lifecycle {
			continue
		}
		list = append(list, snap)
	}
	return printJSON(list)
}

func runEvents(ctx context.Context, a *app.App, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	events, err := a.Manager.Events(ctx, id, fromSeq, limit)
	if err != nil {
		return err
	}
	return printJSON(events)
}

// runSweep 以 --caller（未指定时为配置中的 keeper）执行一轮巡检
func runSweep(ctx context.Context, a *app.App, args []string) error {
	cfg := config.WatchdogConfig{Concurrency: 4, RetryLimit: 1}
	if a.Config.Watchdog != nil {
		cfg = *a.Config.Watchdog
	}
	if callerHex != "" {
		keeper, err := caller()
		if err != nil {
			return err
		}
		cfg.Keeper = keeper
	}

	sweep := watchdog.New(&cfg, a.Manager, a.Logger).RunOnce(ctx)
	return printJSON(sweep)
}
