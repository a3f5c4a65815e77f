package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// 覆盖项所在表，按 config_type 区分
var configTables = map[string]string{
	"watchdog": "watchdog_config",
	"output":   "output_config",
	"api":      "api_config",
}

// 各类型允许覆盖的键
var overrideKeys = map[string][]string{
	"watchdog": {"enabled", "interval", "concurrency", "keeper", "retry_limit"},
	"output":   {"sinks", "directory", "kafka_brokers", "kafka_topic", "redis_url", "redis_stream"},
	"api":      {"rate_limit_rps", "rate_limit_burst", "strict_validation"},
}

// OverrideKeys 配置类型允许的覆盖键
func OverrideKeys(configType string) ([]string, bool) {
	keys, ok := overrideKeys[configType]
	return keys, ok
}

// CheckOverride 在默认配置上试用覆盖项，拒绝未知键和无法解析的值
func CheckOverride(configType, key, value string) error {
	return applyOverride(GetDefaultConfig(), configType, key, value)
}

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// ApplyOverrides 用数据库中启用的配置项覆盖文件配置
func (dc *DatabaseConfig) ApplyOverrides(config *Config) error {
	for configType := range configTables {
		values, err := dc.ListConfigs(configType)
		if err != nil {
			return fmt.Errorf("加载 %s 配置失败: %w", configType, err)
		}
		for key, value := range values {
			if err := applyOverride(config, configType, key, value); err != nil {
				dc.logger.Warnf("忽略无效的配置项 %s.%s=%s: %v", configType, key, value, err)
			}
		}
	}
	return nil
}

// applyOverride 应用单个覆盖项
func applyOverride(config *Config, configType, key, value string) error {
	switch configType {
	case "watchdog":
		if config.Watchdog == nil {
			config.Watchdog = &WatchdogConfig{}
		}
		w := config.Watchdog
		switch key {
		case "enabled":
			w.Enabled = strings.ToLower(value) == "true"
		case "interval":
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			w.Interval = d
		case "concurrency":
			v, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			w.Concurrency = v
		case "keeper":
			if !common.IsHexAddress(value) {
				return fmt.Errorf("无效的地址")
			}
			w.Keeper = common.HexToAddress(value)
		case "retry_limit":
			v, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			w.RetryLimit = v
		default:
			return fmt.Errorf("未知的配置键")
		}

	case "output":
		if config.Output == nil {
			config.Output = &OutputConfig{}
		}
		o := config.Output
		switch key {
		case "sinks":
			var sinks []string
			if err := json.Unmarshal([]byte(value), &sinks); err != nil {
				return err
			}
			o.Sinks = sinks
		case "directory":
			o.Directory = value
		case "kafka_brokers":
			var brokers []string
			if err := json.Unmarshal([]byte(value), &brokers); err != nil {
				return err
			}
			if o.Kafka == nil {
				o.Kafka = &KafkaConfig{}
			}
			o.Kafka.Brokers = brokers
		case "kafka_topic":
			if o.Kafka == nil {
				o.Kafka = &KafkaConfig{}
			}
			o.Kafka.Topic = value
		case "redis_url":
			if o.Redis == nil {
				o.Redis = &RedisConfig{}
			}
			o.Redis.URL = value
		case "redis_stream":
			if o.Redis == nil {
				o.Redis = &RedisConfig{}
			}
			o.Redis.Stream = value
		default:
			return fmt.Errorf("未知的配置键")
		}

	case "api":
		if config.API == nil {
			config.API = &APIConfig{}
		}
		switch key {
		case "rate_limit_rps":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return err
			}
			if config.API.RateLimit == nil {
				config.API.RateLimit = &RateLimitConfig{}
			}
			config.API.RateLimit.RPS = v
		case "rate_limit_burst":
			v, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			if config.API.RateLimit == nil {
				config.API.RateLimit = &RateLimitConfig{}
			}
			config.API.RateLimit.Burst = v
		case "strict_validation":
			config.API.StrictValidation = strings.ToLower(value) == "true"
		default:
			return fmt.Errorf("未知的配置键")
		}

	default:
		return fmt.Errorf("不支持的配置类型: %s", configType)
	}
	return nil
}

func tableFor(configType string) (string, error) {
	tableName, ok := configTables[configType]
	if !ok {
		return "", fmt.Errorf("不支持的配置类型: %s", configType)
	}
	return tableName, nil
}

// UpdateConfig 更新配置
func (dc *DatabaseConfig) UpdateConfig(configType, key, value string) error {
	tableName, err := tableFor(configType)
	if err != nil {
		return err
	}

	if err := CheckOverride(configType, key, value); err != nil {
		return fmt.Errorf("配置项 %s 无效: %w", key, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`, tableName)

	_, err = dc.DB.Exec(query, key, value)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(configType, key string) (string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`SELECT config_value FROM %s WHERE config_key = $1 AND is_active = true`, tableName)
	var value string
	err = dc.DB.QueryRow(query, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有配置
func (dc *DatabaseConfig) ListConfigs(configType string) (map[string]string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT config_key, config_value FROM %s WHERE is_active = true`, tableName)
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
