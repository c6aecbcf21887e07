package kafkahandlers

import (
	"context"
	"encoding/json"
	"log"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"fluxur-go/internal/imtypes"
)

// EventApplier 把变更事件应用到本地状态，通常是 projection.Projection。
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev imtypes.ChangeEvent) error
}

// ChangeEventHandler 消费其他进程转发的变更事件。
type ChangeEventHandler struct {
	applier EventApplier
}

// NewChangeEventHandler 创建 ChangeEventHandler。
func NewChangeEventHandler(applier EventApplier) *ChangeEventHandler {
	if applier == nil {
		log.Panic("EventApplier 不能为空")
	}
	return &ChangeEventHandler{applier: applier}
}

// Handle 是传给 Kafka 消费者的 MessageHandler。
// 无法解析的消息被跳过；应用失败时返回错误，位点不会被提交。
func (h *ChangeEventHandler) Handle(ctx context.Context, msg *kafka.Message) error {
	var ev imtypes.ChangeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Printf("无法解析变更事件 (key %s): %v，已跳过", string(msg.Key), err)
		return nil
	}
	if ev.Collection == "" || ev.ID == "" {
		log.Printf("变更事件缺少 collection 或 id (key %s)，已跳过", string(msg.Key))
		return nil
	}
	return h.applier.ApplyEvent(ctx, ev)
}
