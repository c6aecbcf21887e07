package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fluxur-go/internal/replica"

	"github.com/redis/go-redis/v9"
)

// ReplicaStore 是基于 Redis 的 replica.Store 实现：
// 每条记录是一个 hash，每个集合有一个按到达时间排序的 zset 索引，
// 变更通过每个集合一个的 pub/sub 频道广播给所有节点。
type ReplicaStore struct {
	client *redis.Client
	ns     string

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

type changeMessage struct {
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Record     map[string]string `json:"record,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
}

type redisSubscription struct {
	store  *ReplicaStore
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
		s.pubsub.Close()
	})
}

// NewReplicaStore 使用已连接的 client 创建存储，namespace 作为所有键的前缀。
func NewReplicaStore(client *redis.Client, namespace string) *ReplicaStore {
	return &ReplicaStore{
		client: client,
		ns:     namespace,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (s *ReplicaStore) recordKey(collection, id string) string {
	return fmt.Sprintf("%s:rec:%s:%s", s.ns, collection, id)
}

func (s *ReplicaStore) indexKey(collection string) string {
	return fmt.Sprintf("%s:idx:%s", s.ns, collection)
}

func (s *ReplicaStore) channel(collection string) string {
	return fmt.Sprintf("%s:chg:%s", s.ns, collection)
}

func (s *ReplicaStore) Put(ctx context.Context, path string, rec replica.Record) error {
	collection, id, err := replica.SplitPath(path)
	if err != nil || id == "" {
		return replica.ErrInvalidPath
	}
	if s.isClosed() {
		return replica.ErrClosed
	}

	key := s.recordKey(collection, id)
	var merged *redis.MapStringStringCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(rec) > 0 {
			pipe.HSet(ctx, key, fieldPairs(rec))
		}
		pipe.ZAddNX(ctx, s.indexKey(collection), redis.Z{Score: float64(time.Now().UnixMicro()), Member: id})
		merged = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入 Redis 记录 %s 失败: %w", path, err)
	}
	s.announce(ctx, changeMessage{Collection: collection, ID: id, Record: merged.Val()})
	return nil
}

func (s *ReplicaStore) Get(ctx context.Context, path string) (replica.Record, error) {
	collection, id, err := replica.SplitPath(path)
	if err != nil || id == "" {
		return nil, replica.ErrInvalidPath
	}
	vals, err := s.client.HGetAll(ctx, s.recordKey(collection, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取 Redis 记录 %s 失败: %w", path, err)
	}
	if len(vals) == 0 {
		return nil, replica.ErrNotFound
	}
	return replica.Record(vals), nil
}

func (s *ReplicaStore) Delete(ctx context.Context, path string) error {
	collection, id, err := replica.SplitPath(path)
	if err != nil || id == "" {
		return replica.ErrInvalidPath
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(collection, id))
		pipe.ZRem(ctx, s.indexKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("删除 Redis 记录 %s 失败: %w", path, err)
	}
	s.announce(ctx, changeMessage{Collection: collection, ID: id, Deleted: true})
	return nil
}

func (s *ReplicaStore) Children(ctx context.Context, collection string) ([]replica.Entry, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取 Redis 集合索引 %s 失败: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(collection, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("读取 Redis 集合 %s 失败: %w", collection, err)
	}

	out := make([]replica.Entry, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			continue
		}
		out = append(out, replica.Entry{ID: id, Record: replica.Record(vals)})
	}
	return out, nil
}

// Subscribe 订阅集合频道；给定具体路径时只转发该记录的变更。
func (s *ReplicaStore) Subscribe(ctx context.Context, pathOrCollection string, h replica.Handler) (replica.Subscription, error) {
	collection, id, err := replica.SplitPath(pathOrCollection)
	if err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, replica.ErrClosed
	}

	pubsub := s.client.Subscribe(ctx, s.channel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("订阅 Redis 频道失败: %w", err)
	}
	sub := &redisSubscription{store: s, pubsub: pubsub}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			u, err := decodeChange(msg.Payload)
			if err != nil {
				log.Printf("忽略无法解析的 Redis 变更消息 (频道: %s): %v", msg.Channel, err)
				continue
			}
			if id != "" && u.ID != id {
				continue
			}
			h(context.Background(), u)
		}
	}()
	return sub, nil
}

// Close 取消全部订阅。client 由调用方关闭。
func (s *ReplicaStore) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*redisSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (s *ReplicaStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// announce 在事务提交之后广播变更。此时写入已经生效，广播失败只记录日志，
// 其他节点的副本要等该记录下一次变更才会追上。
func (s *ReplicaStore) announce(ctx context.Context, m changeMessage) {
	if err := s.publish(ctx, m); err != nil {
		log.Printf("警告: 记录 %s/%s 已写入，但%v", m.Collection, m.ID, err)
	}
}

func (s *ReplicaStore) publish(ctx context.Context, m changeMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("编码变更消息失败: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(m.Collection), payload).Err(); err != nil {
		return fmt.Errorf("发布变更消息失败: %w", err)
	}
	return nil
}

func fieldPairs(rec replica.Record) []string {
	pairs := make([]string, 0, len(rec)*2)
	for k, v := range rec {
		pairs = append(pairs, k, v)
	}
	return pairs
}

func decodeChange(payload string) (replica.Update, error) {
	var m changeMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return replica.Update{}, err
	}
	if m.Collection == "" || m.ID == "" {
		return replica.Update{}, errors.New("变更消息缺少 collection 或 id")
	}
	return replica.Update{
		Collection: m.Collection,
		ID:         m.ID,
		Record:     replica.Record(m.Record),
		Deleted:    m.Deleted,
	}, nil
}
