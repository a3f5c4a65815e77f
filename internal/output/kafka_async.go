package output

import (
	"fmt"
	"sync"
	"time"

	"deadswitch/internal/metrics"
	"deadswitch/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaOutput 异步Kafka输出器
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.AsyncProducer
	wg       sync.WaitGroup
	stop     chan struct{}

	closeMu sync.RWMutex
	closed  bool

	// 统计信息
	sentCount  int64
	errorCount int64
	mu         sync.RWMutex
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topic string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v, topic: %s", brokers, topic)

	producer, err := sarama.NewAsyncProducer(brokers, newAsyncProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	k := newAsyncKafkaOutputWithProducer(producer, topic, logger)
	logger.Info("异步Kafka生产者已创建并启动")
	return k, nil
}

func newAsyncProducerConfig() *sarama.Config {
	config := sarama.NewConfig()

	// 异步生产者配置
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	// 事件量小，批量参数偏向低延迟
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Compression = sarama.CompressionSnappy

	config.ChannelBufferSize = 1000
	return config
}

func newAsyncKafkaOutputWithProducer(producer sarama.AsyncProducer, topic string, logger *logrus.Logger) *AsyncKafkaOutput {
	if topic == "" {
		topic = defaultKafkaTopic
	}
	k := &AsyncKafkaOutput{
		logger:   logger,
		topic:    topic,
		producer: producer,
		stop:     make(chan struct{}),
	}
	k.startBackgroundHandlers()
	return k
}

// startBackgroundHandlers 启动后台处理程序
func (k *AsyncKafkaOutput) startBackgroundHandlers() {
	k.wg.Add(3)
	go func() {
		defer k.wg.Done()
		k.handleSuccesses()
	}()
	go func() {
		defer k.wg.Done()
		k.handleErrors()
	}()
	go func() {
		defer k.wg.Done()
		k.reportStats()
	}()
}

// handleSuccesses 处理成功发送的消息，生产者关闭后通道随之关闭
func (k *AsyncKafkaOutput) handleSuccesses() {
	for success := range k.producer.Successes() {
		k.mu.Lock()
		k.sentCount++
		k.mu.Unlock()

		k.logger.Debugf("消息成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
}

// handleErrors 处理发送失败的消息
func (k *AsyncKafkaOutput) handleErrors() {
	for err := range k.producer.Errors() {
		k.mu.Lock()
		k.errorCount++
		k.mu.Unlock()

		metrics.SinkErrors.WithLabelValues(k.Name()).Inc()
		k.logger.Errorf("Kafka发送失败: topic=%s, partition=%d, error=%v",
			err.Msg.Topic, err.Msg.Partition, err.Err)
	}
}

// reportStats 定期报告统计信息
func (k *AsyncKafkaOutput) reportStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, errors := k.GetStats()
			if sent > 0 || errors > 0 {
				successRate := float64(sent) / float64(sent+errors) * 100
				k.logger.Infof("Kafka统计: 已发送 %d 条消息, 失败 %d 条, 成功率 %.2f%%",
					sent, errors, successRate)
			}
		case <-k.stop:
			return
		}
	}
}

// Name 输出器名称
func (k *AsyncKafkaOutput) Name() string {
	return "kafka_async"
}

// WriteEvent 异步发送事件，输入通道满时返回错误
func (k *AsyncKafkaOutput) WriteEvent(event *models.Event) error {
	if event == nil {
		return nil
	}

	msg, err := eventMessage(k.topic, event)
	if err != nil {
		return err
	}

	k.closeMu.RLock()
	defer k.closeMu.RUnlock()

	if k.closed {
		return fmt.Errorf("Kafka生产者已关闭")
	}
	select {
	case k.producer.Input() <- msg:
		return nil
	default:
		return fmt.Errorf("Kafka生产者输入通道已满")
	}
}

// GetStats 获取统计信息
func (k *AsyncKafkaOutput) GetStats() (int64, int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sentCount, k.errorCount
}

// Close 等待缓冲消息发送完成后关闭
func (k *AsyncKafkaOutput) Close() error {
	k.closeMu.Lock()
	if k.closed {
		k.closeMu.Unlock()
		return nil
	}
	k.closed = true
	k.closeMu.Unlock()

	k.logger.Info("关闭异步Kafka生产者...")

	// AsyncClose 刷完缓冲后关闭 Successes 与 Errors 通道
	k.producer.AsyncClose()
	close(k.stop)
	k.wg.Wait()

	sent, errors := k.GetStats()
	k.logger.Infof("异步Kafka生产者已关闭，总计发送: %d，错误: %d", sent, errors)
	return nil
}
