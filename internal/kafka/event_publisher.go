package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"fluxur-go/internal/imtypes"
)

// EventPublisher 把已提交的变更事件发送到 Kafka，按 "collection/id" 分区。
type EventPublisher struct {
	producer MessageProducer
	topic    string
}

// NewEventPublisher 创建 EventPublisher。
func NewEventPublisher(producer MessageProducer, topic string) *EventPublisher {
	return &EventPublisher{producer: producer, topic: topic}
}

func (p *EventPublisher) Publish(ctx context.Context, ev imtypes.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化变更事件失败: %w", err)
	}
	key := []byte(ev.Collection + "/" + ev.ID)
	return p.producer.SendMessage(ctx, p.topic, key, payload)
}
