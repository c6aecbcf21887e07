package kafka

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"fluxur-go/internal/config"
)

// flushTimeoutMs 是关闭生产者时等待未发送消息的时间。
const flushTimeoutMs = 15 * 1000

// MessageProducer 定义了 Kafka 生产者的接口。
type MessageProducer interface {
	SendMessage(ctx context.Context, topic string, key []byte, payload []byte) error
	Close()
}

// confluentKafkaProducer 使用 confluent-kafka-go 实现 MessageProducer。
type confluentKafkaProducer struct {
	producer *kafka.Producer
	cfg      config.KafkaConfig
}

// NewConfluentKafkaProducer 创建生产者。
func NewConfluentKafkaProducer(cfg config.KafkaConfig) (MessageProducer, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		"security.protocol": cfg.Protocol,
		"acks":              "all",
	}
	if cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", cfg.ClientID)
	}

	p, err := kafka.NewProducer(configMap)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return &confluentKafkaProducer{producer: p, cfg: cfg}, nil
}

// SendMessage 发送一条消息并同步等待投递结果。
// 同一个 key 的消息落在同一个分区，保证单个实体的变更有序。
func (p *confluentKafkaProducer) SendMessage(ctx context.Context, topic string, key []byte, payload []byte) error {
	deliveryChan := make(chan kafka.Event, 1)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          payload,
		Timestamp:      time.Now(),
	}
	if err := p.producer.Produce(msg, deliveryChan); err != nil {
		// 本地错误，例如发送队列已满
		return fmt.Errorf("消息入队失败 (topic %s): %w", topic, err)
	}

	select {
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("投递通道收到意外事件: %T %v", e, e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("消息投递失败 (topic %s): %w", topic, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		// 消息可能仍会被投递，投递报告由带缓冲的通道吸收
		return fmt.Errorf("等待投递结果时上下文结束 (topic %s): %w", topic, ctx.Err())
	}
}

// Close 刷新未发送的消息并关闭生产者。
func (p *confluentKafkaProducer) Close() {
	if p.producer == nil {
		return
	}
	log.Println("正在关闭 Kafka 生产者...")
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		log.Printf("警告: 关闭时仍有 %d 条消息未发送", remaining)
	}
	p.producer.Close()
	p.producer = nil
	log.Println("Kafka 生产者已关闭")
}
