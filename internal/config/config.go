package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"deadswitch/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	envPrefix     = "DEADSWITCH"
	envDSNKey     = "DEADSWITCH_DB_DSN"
	configTypeYml = "yaml"
)

// defaultConfig 默认配置，外部文件与环境变量在其之上覆盖
const defaultConfig = `
store:
  path: ./data/deadswitch.db
bank:
  mode: ledger
  evm:
    nodes: []
    chain_id: 1
    operator_key: ""
    gas_limit: 0
    gas_price_multiplier: 1.2
    receipt_timeout: 2m
    poll_interval: 2s
    retry_limit: 3
watchdog:
  enabled: false
  interval: 30s
  concurrency: 4
  keeper: ""
  retry_limit: 3
output:
  sinks: []
  directory: ./outputs
  kafka:
    brokers: [localhost:9092]
    topic: deadswitch_events
    async: false
  redis:
    url: redis://localhost:6379/0
    stream: deadswitch:events
    max_len: 100000
  postgres:
    dsn: ""
    table: deadswitch_events
api:
  listen: ":8080"
  strict_validation: false
  auth:
    enabled: true
    max_skew: 5m
    replay_cache_size: 10000
  rate_limit:
    rps: 20
    burst: 40
logging:
  level: info
  format: json
  output: stdout
  audit: ""
`

// Config 主配置
type Config struct {
	Store    *StoreConfig       `mapstructure:"store"`
	Bank     *BankConfig        `mapstructure:"bank"`
	Watchdog *WatchdogConfig    `mapstructure:"watchdog"`
	Output   *OutputConfig      `mapstructure:"output"`
	API      *APIConfig         `mapstructure:"api"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
}

// StoreConfig 存储配置
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// BankConfig 资产协作方配置
type BankConfig struct {
	Mode string     `mapstructure:"mode"` // ledger 或 evm
	EVM  *EVMConfig `mapstructure:"evm"`
}

// EVMConfig 链上 ERC-20 配置
type EVMConfig struct {
	Nodes              []*NodeConfig `mapstructure:"nodes"`
	ChainID            int64         `mapstructure:"chain_id"`
	OperatorKey        string        `mapstructure:"operator_key"` // 十六进制私钥，被授权地址即其对应地址
	GasLimit           uint64        `mapstructure:"gas_limit"`    // 为0时按估算值
	GasPriceMultiplier float64       `mapstructure:"gas_price_multiplier"`
	ReceiptTimeout     time.Duration `mapstructure:"receipt_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	RetryLimit         int           `mapstructure:"retry_limit"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	Type      string `mapstructure:"type"`
	RateLimit int    `mapstructure:"rate_limit"`
	Priority  int    `mapstructure:"priority"`
}

// WatchdogConfig 巡检配置
type WatchdogConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Interval    time.Duration  `mapstructure:"interval"`
	Concurrency int            `mapstructure:"concurrency"`
	Keeper      common.Address `mapstructure:"keeper"` // 巡检时 check 的调用方
	RetryLimit  int            `mapstructure:"retry_limit"`
}

// OutputConfig 事件输出配置
type OutputConfig struct {
	Sinks     []string        `mapstructure:"sinks"` // file, file_async, kafka, kafka_async, redis, postgres
	Directory string          `mapstructure:"directory"`
	Kafka     *KafkaConfig    `mapstructure:"kafka"`
	Redis     *RedisConfig    `mapstructure:"redis"`
	Postgres  *PostgresConfig `mapstructure:"postgres"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Async   bool     `mapstructure:"async"`
}

// RedisConfig Redis Stream 配置
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// PostgresConfig 事件归档配置
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// APIConfig HTTP 服务配置
type APIConfig struct {
	Listen           string           `mapstructure:"listen"`
	StrictValidation bool             `mapstructure:"strict_validation"`
	Auth             *AuthConfig      `mapstructure:"auth"`
	RateLimit        *RateLimitConfig `mapstructure:"rate_limit"`
}

// AuthConfig 调用方签名认证配置
type AuthConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxSkew         time.Duration `mapstructure:"max_skew"`
	ReplayCacheSize int           `mapstructure:"replay_cache_size"`
}

// RateLimitConfig 单IP限流配置
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

var validSinks = map[string]bool{
	"file":        true,
	"file_async":  true,
	"kafka":       true,
	"kafka_async": true,
	"redis":       true,
	"postgres":    true,
}

// LoadConfig 加载配置：默认值、配置文件、环境变量，最后是数据库中的覆盖项
func LoadConfig(configPath string) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	dsn := DatabaseDSN()
	if dsn == "" {
		return config, nil
	}

	logger := logrus.New()
	dbConfig, err := NewDatabaseConfig(dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("连接配置数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.ApplyOverrides(config); err != nil {
		return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
	}
	logger.Info("已应用数据库中的配置覆盖项")
	return config, config.Validate()
}

// DatabaseDSN 配置覆盖库的连接串，未设置时为空
func DatabaseDSN() string {
	return os.Getenv(envDSNKey)
}

// LoadConfigFromFile 从文件加载配置，configPath 为空时只使用默认值与环境变量
func LoadConfigFromFile(configPath string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	v := viper.New()
	v.SetConfigType(configTypeYml)
	if err := v.ReadConfig(bytes.NewBufferString(defaultConfig)); err != nil {
		panic(fmt.Sprintf("默认配置无效: %v", err))
	}
	config, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("默认配置无效: %v", err))
	}
	return config
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(configTypeYml)
	if err := v.ReadConfig(bytes.NewBufferString(defaultConfig)); err != nil {
		return nil, fmt.Errorf("读取默认配置失败: %w", err)
	}

	// 默认值加载后再启用环境变量，viper 才知道全部键
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		addressDecodeHookFunc,
	)
	if err := v.Unmarshal(&config, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &config, nil
}

// addressDecodeHookFunc 十六进制字符串转 common.Address，空串为零地址
func addressDecodeHookFunc(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(common.Address{}) || from.Kind() != reflect.String {
		return data, nil
	}

	s := strings.TrimSpace(data.(string))
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return nil, fmt.Errorf("无效的地址: %s", s)
	}
	return common.HexToAddress(s), nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Store == nil || c.Store.Path == "" {
		return fmt.Errorf("store.path 不能为空")
	}

	if c.Bank == nil {
		return fmt.Errorf("缺少 bank 配置")
	}
	switch c.Bank.Mode {
	case "ledger":
	case "evm":
		if err := c.Bank.EVM.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("不支持的 bank.mode: %s", c.Bank.Mode)
	}

	if c.Watchdog != nil && c.Watchdog.Enabled {
		if c.Watchdog.Interval <= 0 {
			return fmt.Errorf("watchdog.interval 必须大于0")
		}
		if c.Watchdog.Concurrency < 1 {
			return fmt.Errorf("watchdog.concurrency 至少为1")
		}
		if c.Watchdog.Keeper == (common.Address{}) {
			return fmt.Errorf("启用巡检时必须配置 watchdog.keeper")
		}
	}

	if c.Output != nil {
		for _, sink := range c.Output.Sinks {
			if !validSinks[sink] {
				return fmt.Errorf("不支持的输出类型: %s", sink)
			}
			if sink == "postgres" && (c.Output.Postgres == nil || c.Output.Postgres.DSN == "") {
				return fmt.Errorf("postgres 输出需要配置 output.postgres.dsn")
			}
		}
	}

	if c.API != nil && c.API.Auth != nil && c.API.Auth.Enabled && c.API.Auth.MaxSkew <= 0 {
		return fmt.Errorf("api.auth.max_skew 必须大于0")
	}
	return nil
}

func (e *EVMConfig) validate() error {
	if e == nil {
		return fmt.Errorf("evm 模式需要 bank.evm 配置")
	}
	if len(e.Nodes) == 0 {
		return fmt.Errorf("evm 模式至少需要一个节点")
	}
	for i, node := range e.Nodes {
		if node.URL == "" {
			return fmt.Errorf("第 %d 个节点缺少 url", i)
		}
	}
	if e.ChainID <= 0 {
		return fmt.Errorf("bank.evm.chain_id 必须大于0")
	}
	if _, err := crypto.HexToECDSA(strings.TrimPrefix(e.OperatorKey, "0x")); err != nil {
		return fmt.Errorf("bank.evm.operator_key 无效: %w", err)
	}
	return nil
}
