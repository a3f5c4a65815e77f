package progress

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 存储桶名称，与开关数据共用同一个数据库文件
	ProgressBucket = "watchdog_progress"

	// 进度键
	cumulativeKey = "cumulative"
)

// Info 巡检累计统计
type Info struct {
	Sweeps       uint64    `json:"sweeps"`
	Checks       uint64    `json:"checks"`
	Triggered    uint64    `json:"triggered"`
	Failures     uint64    `json:"failures"`
	StartTime    time.Time `json:"start_time"`
	LastSweepAt  time.Time `json:"last_sweep_at"`
	LastDuration string    `json:"last_duration"`
}

// Manager 巡检进度持久化，重启后累计统计继续累加
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	mu     sync.RWMutex

	// 内存缓存
	cache Info
}

// NewManager 创建进度管理器，db 的生命周期由调用方管理
func NewManager(db *bolt.DB, logger *logrus.Logger) (*Manager, error) {
	m := &Manager{db: db, logger: logger}

	if err := m.initDB(); err != nil {
		return nil, fmt.Errorf("初始化进度存储桶失败: %w", err)
	}
	if err := m.loadCache(); err != nil {
		logger.Warnf("加载巡检进度失败，从零开始统计: %v", err)
	}
	return m, nil
}

func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ProgressBucket))
		return err
	})
}

func (m *Manager) loadCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(ProgressBucket)).Get([]byte(cumulativeKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &m.cache)
	})
}

// Get 当前累计统计
func (m *Manager) Get() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache
}

// SaveCheckpoint 保存完整的累计统计
func (m *Manager) SaveCheckpoint(info Info) error {
	if info.StartTime.IsZero() {
		info.StartTime = info.LastSweepAt
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("序列化巡检进度失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ProgressBucket)).Put([]byte(cumulativeKey), data)
	}); err != nil {
		return fmt.Errorf("保存巡检进度失败: %w", err)
	}
	m.cache = info
	return nil
}

// Reset 重置进度
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ProgressBucket)).Delete([]byte(cumulativeKey))
	}); err != nil {
		return err
	}
	m.cache = Info{}
	m.logger.Info("巡检进度已重置")
	return nil
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	info := m.Get()

	stats := map[string]interface{}{
		"sweeps":        info.Sweeps,
		"checks":        info.Checks,
		"triggered":     info.Triggered,
		"failures":      info.Failures,
		"last_duration": info.LastDuration,
	}
	if !info.StartTime.IsZero() {
		stats["start_time"] = info.StartTime.Format(time.RFC3339)
		stats["running_duration"] = time.Since(info.StartTime).Truncate(time.Second).String()
	}
	if !info.LastSweepAt.IsZero() {
		stats["last_sweep_at"] = info.LastSweepAt.Format(time.RFC3339)
	}
	return stats
}
