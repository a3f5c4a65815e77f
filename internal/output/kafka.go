package output

import (
	"encoding/json"
	"fmt"
	"time"

	"deadswitch/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const defaultKafkaTopic = "deadswitch_events"

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topic string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v, topic: %s", brokers, topic)

	producer, err := sarama.NewSyncProducer(brokers, newSyncProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return newKafkaOutputWithProducer(producer, topic, logger), nil
}

func newKafkaOutputWithProducer(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaOutput {
	if topic == "" {
		topic = defaultKafkaTopic
	}
	return &KafkaOutput{
		logger:   logger,
		topic:    topic,
		producer: producer,
	}
}

func newSyncProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	// 同一开关的事件按键落到同一分区
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0
	return config
}

// eventMessage 构造Kafka消息，键为开关ID
func eventMessage(topic string, event *models.Event) (*sarama.ProducerMessage, error) {
	jsonData, err := json.Marshal(event.ToKafkaMessage())
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key()),
		Value: sarama.ByteEncoder(jsonData),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(event.Kind)},
		},
	}, nil
}

// Name 输出器名称
func (k *KafkaOutput) Name() string {
	return "kafka"
}

// WriteEvent 同步发送事件
func (k *KafkaOutput) WriteEvent(event *models.Event) error {
	if event == nil {
		return nil
	}

	msg, err := eventMessage(k.topic, event)
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("事件已发送到Kafka topic '%s' (partition: %d, offset: %d): switch=%d seq=%d kind=%s",
		k.topic, partition, offset, event.SwitchID, event.Seq, event.Kind)
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
