package redis

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"

	"fluxur-go/internal/replica"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicaStoreKeys(t *testing.T) {
	s := NewReplicaStore(nil, "fluxur")
	assert.Equal(t, "fluxur:rec:conversations:dm:a:b", s.recordKey("conversations", "dm:a:b"))
	assert.Equal(t, "fluxur:idx:users", s.indexKey("users"))
	assert.Equal(t, "fluxur:chg:users", s.channel("users"))
}

func TestDecodeChange(t *testing.T) {
	payload, err := json.Marshal(changeMessage{Collection: "users", ID: "u1", Record: map[string]string{"name": "Alice"}})
	require.NoError(t, err)

	u, err := decodeChange(string(payload))
	require.NoError(t, err)
	assert.Equal(t, replica.Update{Collection: "users", ID: "u1", Record: replica.Record{"name": "Alice"}}, u)

	_, err = decodeChange(`{"collection":"users"}`)
	assert.Error(t, err)
	_, err = decodeChange(`not json`)
	assert.Error(t, err)
}

// scriptedHook 拦截所有命令，不连接真实的 Redis。
type scriptedHook struct {
	mu         sync.Mutex
	commands   []string
	execErr    error
	publishErr error
	record     map[string]string
}

func (h *scriptedHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled")
	}
}

func (h *scriptedHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		h.commands = append(h.commands, cmd.Name())
		h.mu.Unlock()
		if cmd.Name() == "publish" && h.publishErr != nil {
			cmd.SetErr(h.publishErr)
			return h.publishErr
		}
		return nil
	}
}

func (h *scriptedHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, cmd := range cmds {
			h.commands = append(h.commands, cmd.Name())
			if c, ok := cmd.(*redis.MapStringStringCmd); ok {
				c.SetVal(h.record)
			}
		}
		return h.execErr
	}
}

func (h *scriptedHook) sent(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.commands {
		if c == name {
			return true
		}
	}
	return false
}

func newScriptedStore(t *testing.T, hook *scriptedHook) *ReplicaStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(hook)
	t.Cleanup(func() { client.Close() })
	return NewReplicaStore(client, "fluxur")
}

func TestPutSucceedsWhenBroadcastFails(t *testing.T) {
	hook := &scriptedHook{publishErr: errors.New("pubsub unavailable"), record: map[string]string{"name": "Alice"}}
	s := newScriptedStore(t, hook)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, replica.Path(replica.CollectionUsers, "u1"), replica.Record{"name": "Alice"}))
	assert.True(t, hook.sent("hset"))
	assert.True(t, hook.sent("publish"))

	require.NoError(t, s.Delete(ctx, replica.Path(replica.CollectionUsers, "u1")))
	assert.True(t, hook.sent("del"))
}

func TestPutReportsFailedTransaction(t *testing.T) {
	hook := &scriptedHook{execErr: errors.New("EXECABORT")}
	s := newScriptedStore(t, hook)
	ctx := context.Background()

	err := s.Put(ctx, replica.Path(replica.CollectionUsers, "u1"), replica.Record{"name": "Alice"})
	assert.ErrorContains(t, err, "EXECABORT")
	assert.False(t, hook.sent("publish"))

	err = s.Delete(ctx, replica.Path(replica.CollectionUsers, "u1"))
	assert.ErrorContains(t, err, "EXECABORT")
	assert.False(t, hook.sent("publish"))
}
