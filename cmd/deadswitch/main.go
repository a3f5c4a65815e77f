package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"deadswitch/internal/app"
	"deadswitch/internal/config"
	"deadswitch/internal/deadman"
)

var (
	// 全局参数
	configFile string
	callerHex  string
	verbose    bool

	// register 参数
	heirSpecs []string
	period    time.Duration

	// 查询参数
	preview   bool
	lifecycle string
	fromSeq   uint64
	limit     int

	// token 参数
	decimals uint8
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deadswitch",
		Short: "数字资产死人开关",
		Long: `直接操作本地开关存储的命令行工具。
存储文件同一时刻只能被一个进程打开，API 服务运行时请改用 HTTP 接口。`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&callerHex, "caller", "", "调用方地址")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "以调用方为目标用户注册开关",
		Args:  cobra.NoArgs,
		RunE:  withApp(runRegister),
	}
	registerCmd.Flags().StringArrayVar(&heirSpecs, "heir", nil, "继承人，格式 地址:比例，可重复，顺序即划转顺序")
	registerCmd.Flags().DurationVar(&period, "period", 0, "静默期，例如 720h")
	_ = registerCmd.MarkFlagRequired("heir")
	_ = registerCmd.MarkFlagRequired("period")

	statusCmd := &cobra.Command{
		Use:   "status <id>",
		Short: "查看开关状态",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runStatus),
	}
	statusCmd.Flags().BoolVar(&preview, "preview", false, "同时显示此刻触发时的划转预览")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "列出开关",
		Args:  cobra.NoArgs,
		RunE:  withApp(runList),
	}
	listCmd.Flags().StringVar(&lifecycle, "lifecycle", "", "按生命周期过滤 (active, killed, distributed)")

	eventsCmd := &cobra.Command{
		Use:   "events <id>",
		Short: "按序号读取开关事件",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runEvents),
	}
	eventsCmd.Flags().Uint64Var(&fromSeq, "from", 0, "起始序号")
	eventsCmd.Flags().IntVar(&limit, "limit", 100, "最多返回条数")

	rootCmd.AddCommand(
		registerCmd,
		&cobra.Command{
			Use:   "add-asset <id> <asset>...",
			Short: "按顺序添加监控资产",
			Args:  cobra.MinimumNArgs(2),
			RunE:  withApp(runAddAsset),
		},
		&cobra.Command{
			Use:   "ping <id>",
			Short: "目标用户报活",
			Args:  cobra.ExactArgs(1),
			RunE:  withApp(runPing),
		},
		&cobra.Command{
			Use:   "check <id>",
			Short: "检查静默期，到期时触发分配",
			Args:  cobra.ExactArgs(1),
			RunE:  withApp(runCheck),
		},
		&cobra.Command{
			Use:   "kill <id>",
			Short: "目标用户关闭开关",
			Args:  cobra.ExactArgs(1),
			RunE:  withApp(runKill),
		},
		&cobra.Command{
			Use:   "deposit <id> <amount>",
			Short: "向开关转入价值（总是被拒绝）",
			Args:  cobra.ExactArgs(2),
			RunE:  withApp(runDeposit),
		},
		statusCmd,
		listCmd,
		eventsCmd,
		&cobra.Command{
			Use:   "sweep",
			Short: "对全部活跃开关执行一轮巡检",
			Args:  cobra.NoArgs,
			RunE:  withApp(runSweep),
		},
		newTokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// withApp 加载配置并初始化组件，命令结束后关闭
func withApp(fn func(ctx context.Context, a *app.App, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.WarnLevel)
		}

		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(ctx, a, args)
	}
}

// caller 解析 --caller
func caller() (common.Address, error) {
	if !common.IsHexAddress(callerHex) {
		return common.Address{}, fmt.Errorf("需要通过 --caller 指定有效的调用方地址")
	}
	return common.HexToAddress(callerHex), nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的开关ID: %s", s)
	}
	return id, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("无效的地址: %s", s)
	}
	return common.HexToAddress(s), nil
}

// parseHeir 解析 地址:比例
func parseHeir(spec string) (deadman.Heir, error) {
	addr, pct, ok := strings.Cut(spec, ":")
	if !ok {
		return deadman.Heir{}, fmt.Errorf("继承人格式应为 地址:比例: %s", spec)
	}
	address, err := parseAddress(addr)
	if err != nil {
		return deadman.Heir{}, err
	}
	percent, err := strconv.ParseUint(pct, 10, 8)
	if err != nil {
		return deadman.Heir{}, fmt.Errorf("无效的继承比例: %s", pct)
	}
	return deadman.Heir{Address: address, Percent: uint8(percent)}, nil
}

// printJSON 结果输出到标准输出，日志走标准错误
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadSwitch(a *app.App, arg string) (*deadman.Switch, error) {
	id, err := parseID(arg)
	if err != nil {
		return nil, err
	}
	return a.Manager.Get(id)
}
