package output

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"deadswitch/pkg/models"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresOutput 将事件归档到 Postgres
type PostgresOutput struct {
	db     *sql.DB
	table  string
	insert string
	logger *logrus.Logger
}

// NewPostgresOutput 连接数据库并确保归档表存在
func NewPostgresOutput(dsn, table string, logger *logrus.Logger) (*PostgresOutput, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	p, err := newPostgresOutputWithDB(db, table, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Infof("Postgres 事件归档已就绪，表: %s", p.table)
	return p, nil
}

func newPostgresOutputWithDB(db *sql.DB, table string, logger *logrus.Logger) (*PostgresOutput, error) {
	if table == "" {
		table = "deadswitch_events"
	}
	quoted := pq.QuoteIdentifier(table)

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID PRIMARY KEY,
		switch_id BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		kind TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (switch_id, seq)
	)`, quoted)
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("创建事件表失败: %w", err)
	}

	return &PostgresOutput{
		db:    db,
		table: table,
		insert: fmt.Sprintf(`INSERT INTO %s (id, switch_id, seq, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`, quoted),
		logger: logger,
	}, nil
}

// Name 输出器名称
func (p *PostgresOutput) Name() string {
	return "postgres"
}

// WriteEvent 插入事件，重复投递的事件被忽略
func (p *PostgresOutput) WriteEvent(event *models.Event) error {
	if event == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	_, err = p.db.Exec(p.insert,
		event.ID, int64(event.SwitchID), int64(event.Seq), string(event.Kind), string(payload), event.Timestamp)
	if err != nil {
		return fmt.Errorf("写入事件表失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (p *PostgresOutput) Close() error {
	return p.db.Close()
}
