package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"deadswitch/internal/deadman"
	"deadswitch/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/deadswitch.db"

	// 存储桶名称
	SwitchBucket = "switches"
	EventBucket  = "events"
	MetaBucket   = "meta"

	// 元数据键
	NextIDKey    = "next_switch_id"
	StartTimeKey = "start_time"
)

var _ deadman.Store = (*Store)(nil)

type txKey struct{}

// ContextWithTx 把写事务放入上下文，同一事务内的存储与账本操作共享它
func ContextWithTx(ctx context.Context, tx *bolt.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext 取出上下文中的事务
func TxFromContext(ctx context.Context) (*bolt.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*bolt.Tx)
	return tx, ok && tx != nil
}

// Store 开关状态与事件日志的 bbolt 持久化
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
}

// Open 打开或创建数据库
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开开关数据库失败: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("开关存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *Store) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{SwitchBucket, EventBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(StartTimeKey)) == nil {
			data, err := time.Now().UTC().MarshalText()
			if err != nil {
				return err
			}
			return meta.Put([]byte(StartTimeKey), data)
		}
		return nil
	})
}

// DB 底层数据库，账本与存储共用以便在同一事务中提交
func (s *Store) DB() *bolt.DB {
	return s.db
}

// update 优先复用上下文中的写事务
func (s *Store) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if tx, ok := TxFromContext(ctx); ok && tx.Writable() {
		return fn(tx)
	}
	return s.db.Update(fn)
}

// Commit 写入开关状态及其事件
func (s *Store) Commit(ctx context.Context, state *deadman.State, events []*models.Event) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化开关状态失败: %w", err)
	}

	return s.update(ctx, func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(SwitchBucket)).Put(itob(state.ID), data); err != nil {
			return fmt.Errorf("保存开关 %d 失败: %w", state.ID, err)
		}

		bucket := tx.Bucket([]byte(EventBucket))
		for _, ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("序列化事件失败: %w", err)
			}
			if err := bucket.Put(eventKey(ev.SwitchID, ev.Seq), payload); err != nil {
				return fmt.Errorf("保存事件 %d/%d 失败: %w", ev.SwitchID, ev.Seq, err)
			}
		}
		return nil
	})
}

// NextID 分配下一个开关ID，从1开始
func (s *Store) NextID(ctx context.Context) (uint64, error) {
	var id uint64
	err := s.update(ctx, func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(MetaBucket))
		if data := meta.Get([]byte(NextIDKey)); data != nil {
			id = binary.BigEndian.Uint64(data)
		}
		id++
		return meta.Put([]byte(NextIDKey), itob(id))
	})
	if err != nil {
		return 0, fmt.Errorf("分配开关ID失败: %w", err)
	}
	return id, nil
}

// Load 读取单个开关
func (s *Store) Load(ctx context.Context, id uint64) (*deadman.State, error) {
	var state *deadman.State
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(SwitchBucket)).Get(itob(id))
		if data == nil {
			return nil
		}
		state = &deadman.State{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, fmt.Errorf("读取开关 %d 失败: %w", id, err)
	}
	return state, nil
}

// LoadAll 按ID升序读取全部开关
func (s *Store) LoadAll(ctx context.Context) ([]*deadman.State, error) {
	states := make([]*deadman.State, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(SwitchBucket)).ForEach(func(k, v []byte) error {
			state := &deadman.State{}
			if err := json.Unmarshal(v, state); err != nil {
				return fmt.Errorf("解析开关 %d 失败: %w", binary.BigEndian.Uint64(k), err)
			}
			states = append(states, state)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// Events 读取开关从 fromSeq 起的事件，limit<=0 表示不限
func (s *Store) Events(ctx context.Context, id, fromSeq uint64, limit int) ([]*models.Event, error) {
	events := make([]*models.Event, 0)
	prefix := itob(id)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(EventBucket)).Cursor()
		for k, v := c.Seek(eventKey(id, fromSeq)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ev := &models.Event{}
			if err := json.Unmarshal(v, ev); err != nil {
				return fmt.Errorf("解析事件失败: %w", err)
			}
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// GetStats 获取统计信息
func (s *Store) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"db_path": s.dbPath,
	}
	_ = s.db.View(func(tx *bolt.Tx) error {
		stats["switches"] = tx.Bucket([]byte(SwitchBucket)).Stats().KeyN
		stats["events"] = tx.Bucket([]byte(EventBucket)).Stats().KeyN
		if data := tx.Bucket([]byte(MetaBucket)).Get([]byte(StartTimeKey)); data != nil {
			var started time.Time
			if err := started.UnmarshalText(data); err == nil {
				stats["start_time"] = started.Format(time.RFC3339)
				stats["running_duration"] = time.Since(started).Round(time.Second).String()
			}
		}
		return nil
	})
	return stats
}

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(SwitchBucket)) == nil {
			return fmt.Errorf("开关存储桶不存在")
		}
		return nil
	})
}

// GetDBPath 获取数据库路径
func (s *Store) GetDBPath() string {
	return s.dbPath
}

// Close 关闭存储
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info("关闭开关存储")
		return s.db.Close()
	}
	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// eventKey 开关ID与序号的大端拼接，游标按序遍历
func eventKey(id, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], id)
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}
