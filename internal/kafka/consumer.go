package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"fluxur-go/internal/config"
)

// pollTimeoutMs 是每次 Poll 的等待时间。
const pollTimeoutMs = 1000

// MessageHandler 处理一条消费到的消息。返回 nil 时位点被提交。
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// MessageConsumer 定义了 Kafka 消费者的接口。
type MessageConsumer interface {
	Consume(ctx context.Context, topics []string, handler MessageHandler) error
	Close()
}

// confluentKafkaConsumer 使用 confluent-kafka-go 实现 MessageConsumer。
type confluentKafkaConsumer struct {
	consumer *kafka.Consumer
	cfg      config.KafkaConfig
	groupID  string
}

// NewConfluentKafkaConsumer 创建消费者，groupID 为空时使用配置中的消费组。
// 每个聊天服务器实例需要独立的消费组，才能收到全部变更。
func NewConfluentKafkaConsumer(cfg config.KafkaConfig, groupID string) (MessageConsumer, error) {
	if groupID == "" {
		groupID = cfg.ConsumerGroup
	}
	if groupID == "" {
		return nil, errors.New("kafka 消费者: 未指定消费组")
	}
	return &confluentKafkaConsumer{cfg: cfg, groupID: groupID}, nil
}

// Consume 订阅 topics 并循环处理消息，直到 ctx 结束或发生致命错误。
func (c *confluentKafkaConsumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if len(topics) == 0 {
		return errors.New("kafka 消费者: 未指定 topic")
	}

	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.cfg.Brokers, ","),
		"group.id":           c.groupID,
		"auto.offset.reset":  "latest", // 启动时的状态来自副本存储，只需之后的变更
		"enable.auto.commit": "false",
		"security.protocol":  c.cfg.Protocol,
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return fmt.Errorf("创建 Kafka 消费者失败 (group %s): %w", c.groupID, err)
	}
	c.consumer = consumer

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		_ = c.consumer.Close()
		c.consumer = nil
		return fmt.Errorf("订阅 topic %v 失败 (group %s): %w", topics, c.groupID, err)
	}
	log.Printf("Kafka 消费者已启动, group: %s, topics: %v", c.groupID, topics)

	for {
		select {
		case <-ctx.Done():
			log.Printf("消费组 %s 的上下文已结束，停止消费", c.groupID)
			return nil
		default:
		}

		ev := c.consumer.Poll(pollTimeoutMs)
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(ctx, e); err != nil {
				log.Printf("处理 Kafka 消息失败 (group %s, topic %s, offset %v): %v",
					c.groupID, *e.TopicPartition.Topic, e.TopicPartition.Offset, err)
				continue
			}
			if _, err := c.consumer.CommitMessage(e); err != nil {
				log.Printf("提交位点失败 (group %s, topic %s, offset %v): %v",
					c.groupID, *e.TopicPartition.Topic, e.TopicPartition.Offset, err)
			}
		case kafka.Error:
			log.Printf("Kafka 消费者错误 (group %s): %v (code %d, fatal %t)", c.groupID, e, e.Code(), e.IsFatal())
			if e.IsFatal() {
				return e
			}
		case kafka.AssignedPartitions:
			log.Printf("消费组 %s 分配到分区: %v", c.groupID, e.Partitions)
			_ = c.consumer.Assign(e.Partitions)
		case kafka.RevokedPartitions:
			log.Printf("消费组 %s 的分区被回收: %v", c.groupID, e.Partitions)
			_ = c.consumer.Unassign()
		}
	}
}

// Close 关闭消费者。
func (c *confluentKafkaConsumer) Close() {
	if c.consumer == nil {
		return
	}
	log.Printf("正在关闭 Kafka 消费者 (group %s)...", c.groupID)
	if err := c.consumer.Close(); err != nil {
		log.Printf("关闭 Kafka 消费者出错 (group %s): %v", c.groupID, err)
	}
	c.consumer = nil
}
