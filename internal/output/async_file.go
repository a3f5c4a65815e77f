package output

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"deadswitch/pkg/models"

	"github.com/sirupsen/logrus"
)

// AsyncFileOutput 异步文件输出器，后台按批写入
type AsyncFileOutput struct {
	logger *logrus.Logger
	file   *os.File

	events chan *models.Event
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// 批量写入配置
	batchSize     int
	flushInterval time.Duration
}

// NewAsyncFileOutput 创建异步文件输出器
func NewAsyncFileOutput(outputPath string, logger *logrus.Logger) (*AsyncFileOutput, error) {
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	file, err := createEventFile(outputPath)
	if err != nil {
		return nil, err
	}

	o := &AsyncFileOutput{
		logger:        logger,
		file:          file,
		events:        make(chan *models.Event, 1000),
		batchSize:     100,
		flushInterval: time.Second,
	}

	o.wg.Add(1)
	go o.writer()

	logger.Info("异步文件输出器已初始化")
	return o, nil
}

// Name 输出器名称
func (o *AsyncFileOutput) Name() string {
	return "file_async"
}

// Path 事件文件路径
func (o *AsyncFileOutput) Path() string {
	return o.file.Name()
}

// WriteEvent 将事件放入写入队列，队列满时返回错误
func (o *AsyncFileOutput) WriteEvent(event *models.Event) error {
	if event == nil {
		return nil
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return fmt.Errorf("异步文件输出器已关闭")
	}
	select {
	case o.events <- event:
		return nil
	default:
		return fmt.Errorf("异步文件写入队列已满")
	}
}

// writer 事件写入工作器
func (o *AsyncFileOutput) writer() {
	defer o.wg.Done()

	batch := make([]*models.Event, 0, o.batchSize)
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-o.events:
			if !ok {
				// 写入剩余数据
				o.flushBatch(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= o.batchSize {
				o.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				o.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBatch 批量写入事件
func (o *AsyncFileOutput) flushBatch(batch []*models.Event) {
	if len(batch) == 0 {
		return
	}

	for _, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			o.logger.Errorf("序列化事件失败: %v", err)
			continue
		}

		data = append(data, '\n')
		if _, err := o.file.Write(data); err != nil {
			o.logger.Errorf("写入事件文件失败: %v", err)
		}
	}

	if err := o.file.Sync(); err != nil {
		o.logger.Errorf("刷新事件文件失败: %v", err)
	}
}

// Close 写完队列中剩余事件后关闭文件
func (o *AsyncFileOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.events)
	o.mu.Unlock()

	o.wg.Wait()

	if err := o.file.Close(); err != nil {
		return fmt.Errorf("关闭事件文件失败: %w", err)
	}
	o.logger.Info("异步文件输出器已关闭")
	return nil
}
