package api

import (
	"database/sql"
	stderrors "errors"
	"net/http"

	"deadswitch/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigStore 运行时配置覆盖项的读写，*config.DatabaseConfig 满足该接口
type ConfigStore interface {
	GetConfig(configType, key string) (string, error)
	ListConfigs(configType string) (map[string]string, error)
	UpdateConfig(configType, key, value string) error
}

var _ ConfigStore = (*config.DatabaseConfig)(nil)

// ConfigManager 配置覆盖项接口，修改在下次启动时生效
type ConfigManager struct {
	store  ConfigStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store ConfigStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{store: store, logger: logger}
}

type configUpdate struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value" binding:"required"`
}

// knownType 未知类型直接 404
func (cm *ConfigManager) knownType(c *gin.Context) (string, []string, bool) {
	configType := c.Param("type")
	keys, ok := config.OverrideKeys(configType)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":   "UNKNOWN_CONFIG_TYPE",
			"message": "不支持的配置类型: " + configType,
		})
	}
	return configType, keys, ok
}

// GetConfig 无 key 参数时列出该类型全部生效的覆盖项
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	configType, keys, ok := cm.knownType(c)
	if !ok {
		return
	}

	key := c.Query("key")
	if key == "" {
		configs, err := cm.store.ListConfigs(configType)
		if err != nil {
			cm.storeFailed(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"config_type": configType,
			"configs":     configs,
			"known_keys":  keys,
		})
		return
	}

	value, err := cm.store.GetConfig(configType, key)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "CONFIG_NOT_FOUND",
			"message": "配置项不存在: " + key,
		})
	case err != nil:
		cm.storeFailed(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{
			"config_type": configType,
			"key":         key,
			"value":       value,
		})
	}
}

// UpdateConfig 写入前先校验键和值
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	configType, _, ok := cm.knownType(c)
	if !ok {
		return
	}

	var req configUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if err := config.CheckOverride(configType, req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "CONFIG_INVALID",
			"message": err.Error(),
			"key":     req.Key,
		})
		return
	}
	if err := cm.store.UpdateConfig(configType, req.Key, req.Value); err != nil {
		cm.storeFailed(c, err)
		return
	}

	cm.logger.WithFields(logrus.Fields{
		"type":  configType,
		"key":   req.Key,
		"value": req.Value,
	}).Info("配置覆盖项已更新，重启后生效")

	c.JSON(http.StatusOK, gin.H{
		"config_type": configType,
		"key":         req.Key,
		"value":       req.Value,
		"applies":     "restart",
	})
}

func (cm *ConfigManager) storeFailed(c *gin.Context, err error) {
	cm.logger.WithError(err).Error("读写配置覆盖库失败")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "CONFIG_STORE_FAILED",
		"message": err.Error(),
	})
}
