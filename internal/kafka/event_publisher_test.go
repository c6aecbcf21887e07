package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxur-go/internal/imtypes"
)

type sentMessage struct {
	topic   string
	key     []byte
	payload []byte
}

type fakeProducer struct {
	sent []sentMessage
	err  error
}

func (f *fakeProducer) SendMessage(_ context.Context, topic string, key []byte, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{topic: topic, key: key, payload: payload})
	return nil
}

func (f *fakeProducer) Close() {}

func TestEventPublisherKeysByEntity(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewEventPublisher(producer, "fluxur.changes")

	ev := imtypes.ChangeEvent{
		Kind:       imtypes.ChangeConversationUpdated,
		Collection: "conversations",
		ID:         "c1",
		Record:     map[string]string{"id": "c1", "name": "Team"},
		At:         42,
	}
	require.NoError(t, pub.Publish(context.Background(), ev))

	require.Len(t, producer.sent, 1)
	assert.Equal(t, "fluxur.changes", producer.sent[0].topic)
	assert.Equal(t, "conversations/c1", string(producer.sent[0].key))

	var decoded imtypes.ChangeEvent
	require.NoError(t, json.Unmarshal(producer.sent[0].payload, &decoded))
	assert.Equal(t, ev, decoded)
}

func TestEventPublisherPropagatesErrors(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewEventPublisher(&fakeProducer{err: boom}, "t")
	err := pub.Publish(context.Background(), imtypes.ChangeEvent{Collection: "users", ID: "u1"})
	assert.ErrorIs(t, err, boom)
}
