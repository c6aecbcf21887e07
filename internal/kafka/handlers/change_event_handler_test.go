package kafkahandlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxur-go/internal/imtypes"
)

type recordingApplier struct {
	events []imtypes.ChangeEvent
	err    error
}

func (r *recordingApplier) ApplyEvent(_ context.Context, ev imtypes.ChangeEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

func message(t *testing.T, v any) *kafka.Message {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	topic := "fluxur.changes"
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic},
		Key:            []byte("conversations/c1"),
		Value:          payload,
	}
}

func TestHandleAppliesEvent(t *testing.T) {
	applier := &recordingApplier{}
	h := NewChangeEventHandler(applier)

	ev := imtypes.ChangeEvent{Kind: imtypes.ChangeConversationDeleted, Collection: "conversations", ID: "c1"}
	require.NoError(t, h.Handle(context.Background(), message(t, ev)))
	require.Len(t, applier.events, 1)
	assert.Equal(t, ev, applier.events[0])
}

func TestHandleSkipsMalformedMessages(t *testing.T) {
	applier := &recordingApplier{}
	h := NewChangeEventHandler(applier)

	assert.NoError(t, h.Handle(context.Background(), &kafka.Message{Value: []byte("{not json")}))
	assert.NoError(t, h.Handle(context.Background(), message(t, imtypes.ChangeEvent{Kind: imtypes.ChangeUserUpdated})))
	assert.Empty(t, applier.events)
}

func TestHandleReturnsApplyError(t *testing.T) {
	applier := &recordingApplier{err: errors.New("bad record")}
	h := NewChangeEventHandler(applier)

	ev := imtypes.ChangeEvent{Kind: imtypes.ChangeUserUpdated, Collection: "users", ID: "u1"}
	assert.Error(t, h.Handle(context.Background(), message(t, ev)))
}
