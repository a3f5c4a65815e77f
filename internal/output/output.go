package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deadswitch/internal/config"
	"deadswitch/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 事件输出接口
type Output interface {
	Name() string
	WriteEvent(event *models.Event) error
	Close() error
}

// FileOutput 文件输出，每行一个JSON事件
type FileOutput struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewOutputs 按配置创建全部输出器，任一失败时关闭已创建的输出器
func NewOutputs(cfg *config.OutputConfig, logger *logrus.Logger) ([]Output, error) {
	if cfg == nil {
		return nil, nil
	}

	outputs := make([]Output, 0, len(cfg.Sinks))
	for _, sink := range cfg.Sinks {
		out, err := newOutput(sink, cfg, logger)
		if err != nil {
			for _, o := range outputs {
				o.Close()
			}
			return nil, fmt.Errorf("创建输出器 %s 失败: %w", sink, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func newOutput(sink string, cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	switch sink {
	case "file":
		return NewFileOutput(cfg.Directory)
	case "file_async":
		return NewAsyncFileOutput(cfg.Directory, logger)
	case "kafka", "kafka_async":
		if cfg.Kafka == nil || len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("未配置Kafka brokers")
		}
		// kafka.async 为真时同样走异步生产者
		if sink == "kafka_async" || cfg.Kafka.Async {
			return NewAsyncKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		}
		return NewKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("未配置Redis")
		}
		return NewRedisStreamOutput(cfg.Redis.URL, cfg.Redis.Stream, cfg.Redis.MaxLen, logger)
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("未配置Postgres")
		}
		return NewPostgresOutput(cfg.Postgres.DSN, cfg.Postgres.Table, logger)
	default:
		return nil, fmt.Errorf("不支持的输出类型: %s", sink)
	}
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputPath string) (*FileOutput, error) {
	// 确保输出目录存在
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	file, err := createEventFile(outputPath)
	if err != nil {
		return nil, err
	}
	return &FileOutput{path: file.Name(), file: file}, nil
}

func createEventFile(outputPath string) (*os.File, error) {
	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(outputPath, fmt.Sprintf("events_%s.json", timestamp))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建事件文件失败: %w", err)
	}
	return file, nil
}

// Name 输出器名称
func (o *FileOutput) Name() string {
	return "file"
}

// Path 事件文件路径
func (o *FileOutput) Path() string {
	return o.path
}

// WriteEvent 写入事件
func (o *FileOutput) WriteEvent(event *models.Event) error {
	if event == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return fmt.Errorf("文件输出器已关闭")
	}
	if _, err := o.file.Write(data); err != nil {
		return fmt.Errorf("写入事件文件失败: %w", err)
	}

	// 强制刷新到磁盘
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("刷新事件文件失败: %w", err)
	}
	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	if err != nil {
		return fmt.Errorf("关闭事件文件失败: %w", err)
	}
	return nil
}
