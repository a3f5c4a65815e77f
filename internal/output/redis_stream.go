package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deadswitch/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisWriteTimeout = 5 * time.Second

// RedisStreamOutput 将事件追加到 Redis Stream
type RedisStreamOutput struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *logrus.Logger
}

// NewRedisStreamOutput 连接 Redis 并创建输出器
func NewRedisStreamOutput(url, stream string, maxLen int64, logger *logrus.Logger) (*RedisStreamOutput, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("解析Redis地址失败: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	logger.Infof("Redis Stream 输出器已创建，stream: %s", stream)
	return newRedisStreamOutputWithClient(client, stream, maxLen, logger), nil
}

func newRedisStreamOutputWithClient(client *redis.Client, stream string, maxLen int64, logger *logrus.Logger) *RedisStreamOutput {
	if stream == "" {
		stream = "deadswitch:events"
	}
	return &RedisStreamOutput{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// Name 输出器名称
func (r *RedisStreamOutput) Name() string {
	return "redis"
}

// streamValues 事件在 Stream 条目中的字段
func streamValues(event *models.Event) (map[string]interface{}, error) {
	payload, err := json.Marshal(event.ToKafkaMessage())
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return map[string]interface{}{
		"id":        event.ID,
		"switch_id": event.SwitchID,
		"seq":       event.Seq,
		"kind":      string(event.Kind),
		"payload":   string(payload),
	}, nil
}

// WriteEvent 追加事件，超过 maxLen 时近似裁剪旧条目
func (r *RedisStreamOutput) WriteEvent(event *models.Event) error {
	if event == nil {
		return nil
	}

	values, err := streamValues(event)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("写入Redis Stream失败: %w", err)
	}
	r.logger.Debugf("事件已写入 Redis Stream %s (%s): switch=%d seq=%d", r.stream, id, event.SwitchID, event.Seq)
	return nil
}

// Close 关闭Redis连接
func (r *RedisStreamOutput) Close() error {
	return r.client.Close()
}
